package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"audiorouter/cmd"
	"audiorouter/internal/audio"
	"audiorouter/internal/config"
	"audiorouter/internal/controller"
	"audiorouter/internal/device"
	applog "audiorouter/internal/log"
	"audiorouter/internal/monitor"
	"audiorouter/internal/service"
	"audiorouter/internal/settings"
	"audiorouter/internal/topology"
	"audiorouter/internal/transport"
	"audiorouter/internal/transport/udp"
	"audiorouter/pkg/build"
)

// main is the entry point for the audio router.
// The program flow is divided into three distinct phases:
//
// 1. Startup Phase (Cold Path):
//   - Initialize build information
//   - Parse command line arguments and load configuration
//   - Open the device platform (PortAudio or simulated)
//   - Execute one-off commands if requested
//
// 2. Concurrent Phase (Hot Path):
//   - Start the routing service and re-apply the saved intent
//   - Drain the monitor tap, record if enabled
//   - Serve the control API and publish telemetry
//
// 3. Shutdown Phase (Cold Path):
//   - Handle termination signals
//   - Stop publishers and the control API
//   - Stop routing, close the recording, release devices
func main() {
	// ==================== STARTUP PHASE (Cold Path) ====================

	// Development builds carry no linker flags.
	if err := build.Initialize(); err != nil {
		applog.Debugf("build info: %v", err)
	}

	options, err := cmd.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if options == nil {
		return
	}

	cfg, err := config.LoadConfig(options.ConfigPath)
	if err != nil {
		applog.Fatalf("%v", err)
	}
	configureLogging(cfg, options)
	applyOptions(cfg, options)

	platform, backend, closePlatform, err := openPlatform(cfg, options.Simulate)
	if err != nil {
		applog.Fatalf("%v", err)
	}
	defer closePlatform()

	// Handle one-off commands that don't need the routing engine
	switch options.Command {
	case cmd.CommandList:
		if err := listDevices(platform); err != nil {
			applog.Fatalf("%v", err)
		}
		return
	case cmd.CommandInspect:
		if err := inspectAggregate(cfg, platform, options.Aggregate); err != nil {
			applog.Fatalf("%v", err)
		}
		return
	}

	if err := run(cfg, options, platform, backend); err != nil {
		applog.Fatalf("%v", err)
	}
}

func configureLogging(cfg *config.Config, options *cmd.Options) {
	level, ok := applog.ParseLevel(cfg.LogLevel)
	if !ok {
		applog.Warnf("unknown log level %q, using %s", cfg.LogLevel, level)
	}
	if cfg.Debug || options.Verbose {
		level = applog.LevelDebug
	}
	applog.SetLevel(level)
}

// applyOptions lets command line flags override the configuration file.
func applyOptions(cfg *config.Config, options *cmd.Options) {
	if options.Record {
		cfg.Recording.Enabled = true
		cfg.Recording.OutputFile = options.RecordFile
	}
	if options.Listen != "" {
		cfg.Transport.WebSocketEnabled = true
		cfg.Transport.WebSocketAddress = options.Listen
	}
}

// openPlatform returns the device platform and stream backend. close must be
// called once everything built on them has shut down.
func openPlatform(cfg *config.Config, simulate bool) (device.Platform, audio.Backend, func(), error) {
	if simulate {
		mem := device.NewMemory()
		mem.Add(device.Ref{UID: "sim:Loopback", Name: "BlackHole 2ch", InputChannels: 2, OutputChannels: 2})
		mem.Add(device.Ref{UID: "sim:Headphones", Name: "Headphones", OutputChannels: 2})
		mem.Add(device.Ref{UID: "sim:Speakers", Name: "Speakers", OutputChannels: 6})
		mem.DeclareAggregate("aggregate:Simulated", "Simulated Router",
			"sim:Loopback", "sim:Headphones", "sim:Speakers")
		mem.SetDefaults("sim:Loopback", "sim:Headphones")
		applog.Infof("using simulated devices")
		return mem, audio.NewSimulatedBackend(), func() {}, nil
	}

	if err := audio.Initialize(); err != nil {
		return nil, nil, nil, err
	}
	platform := audio.NewPlatform(cfg.Devices)
	closePlatform := func() {
		if err := audio.Terminate(); err != nil {
			applog.Errorf("%v", err)
		}
	}
	return platform, audio.NewPortAudioBackend(platform), closePlatform, nil
}

func listDevices(platform device.Platform) error {
	catalog := device.NewCatalog(platform, device.Inline{})
	if err := catalog.Refresh(); err != nil {
		return err
	}
	defer catalog.Close()

	members := make(map[string][]string)
	for _, agg := range catalog.Aggregates() {
		uids, err := catalog.Members(agg)
		if err != nil {
			return err
		}
		members[agg.UID] = uids
	}
	in, out := catalog.Defaults()
	cmd.PrintDevices(os.Stdout, catalog.Devices(), members, in.UID, out.UID)
	return nil
}

func inspectAggregate(cfg *config.Config, platform device.Platform, uid string) error {
	catalog := device.NewCatalog(platform, device.Inline{})
	if err := catalog.Refresh(); err != nil {
		return err
	}
	defer catalog.Close()

	agg, err := catalog.ByUID(uid)
	if err != nil {
		return err
	}
	inspector := topology.NewInspector(catalog)
	inspector.PrimaryMemberIndex = cfg.Routing.PrimaryMemberIndex

	topo, err := inspector.Inspect(agg, topology.SkipMissing)
	if err != nil {
		return err
	}
	primary := -1
	if _, ok := inspector.DefaultPlaybackOffset(topo); ok {
		primary = inspector.PrimaryMemberIndex
	}
	cmd.PrintTopology(os.Stdout, topo, primary)
	return nil
}

func run(cfg *config.Config, options *cmd.Options, platform device.Platform, backend audio.Backend) error {
	// ==================== CONCURRENT PHASE (Hot Path) ====================

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := settings.NewStore(cfg.Routing.IntentFile)
	intent, err := store.Load()
	if err != nil {
		applog.Warnf("ignoring saved routing: %v", err)
		intent = controller.RoutingIntent{}
	}
	if options.Aggregate != "" {
		intent.AggregateUID = options.Aggregate
		intent.OutputUID = ""
	}
	if options.Output != "" {
		intent.OutputUID = options.Output
	}
	if options.AutoStart {
		intent.AutoStart = true
	}

	serviceOpts := []service.Option{service.WithIntentSink(store.Sink())}

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled || cfg.Recording.Enabled {
		window, err := monitor.ParseWindowFunc(cfg.Monitor.FFTWindow)
		if err != nil {
			return err
		}
		mon, err = monitor.New(monitor.Options{
			SampleRate:  cfg.Audio.SampleRate,
			Interval:    cfg.Monitor.Interval,
			FFTSize:     cfg.Monitor.FFTSize,
			Window:      window,
			MaxChannels: cfg.Monitor.MaxChannels,
			RecordFile:  recordFile(cfg),
			BitDepth:    cfg.Recording.BitDepth,
		})
		if err != nil {
			return err
		}
		serviceOpts = append(serviceOpts, service.WithTap(mon.Tap()))
	}
	if cfg.Monitor.GateThreshold > 0 {
		serviceOpts = append(serviceOpts, service.WithProcessor(audio.NewGate(cfg.Monitor.GateThreshold)))
	}

	svc, err := service.New(cfg, platform, backend, serviceOpts...)
	if err != nil {
		return err
	}

	// State fan-out: log every phase change, forward to websocket clients.
	logging := transport.NewLoggingTransport()
	var ws *transport.WebSocketTransport
	if cfg.Transport.WebSocketEnabled {
		ws = transport.NewWebSocketTransport(cfg.Transport.WebSocketAddress, svc)
	}
	unsubscribe := svc.Subscribe(func(snap service.Snapshot) {
		msg := transport.Message{Type: transport.TypeState, State: transport.NewStateView(snap)}
		_ = logging.Send(msg)
		if ws != nil {
			_ = ws.Send(msg)
		}
	})

	if err := svc.Start(ctx, intent); err != nil {
		unsubscribe()
		return errors.Join(err, svc.Close())
	}
	applog.Infof("%s started, session %s", build.GetInfo().Name, svc.ID())

	g, gctx := errgroup.WithContext(ctx)
	if mon != nil {
		g.Go(func() error { return mon.Run(gctx) })
	}

	telemetry := func() (transport.Telemetry, error) {
		snap, err := svc.Snapshot(gctx)
		if err != nil {
			return transport.Telemetry{}, err
		}
		var reading *monitor.Reading
		if mon != nil {
			r := mon.Reading()
			reading = &r
		}
		return transport.NewTelemetry(snap, reading), nil
	}

	if ws != nil {
		if err := ws.Start(); err != nil {
			stop()
			_ = g.Wait()
			unsubscribe()
			return errors.Join(err, ws.Close(), svc.Close())
		}
		interval := cfg.Monitor.Interval
		if interval <= 0 {
			interval = 100 * time.Millisecond
		}
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if ws.Clients() == 0 {
						continue
					}
					t, err := telemetry()
					if err != nil {
						continue
					}
					_ = ws.PublishTelemetry(t)
				}
			}
		})
	}

	var publisher *udp.UDPPublisher
	var sender *udp.UDPSender
	if cfg.Transport.UDPEnabled {
		sender, err = udp.NewUDPSender(cfg.Transport.UDPTargetAddress)
		if err != nil {
			applog.Errorf("udp telemetry disabled: %v", err)
			sender = nil
		} else if publisher, err = udp.NewUDPPublisher(cfg.Transport.UDPSendInterval, sender, telemetry); err != nil {
			applog.Errorf("udp telemetry disabled: %v", err)
		} else {
			publisher.Start()
		}
	}

	// Block until termination signal is received
	<-ctx.Done()
	applog.Infof("shutting down")

	// ==================== SHUTDOWN PHASE (Cold Path) ====================

	var errs []error
	if publisher != nil {
		errs = append(errs, publisher.Close())
	}
	if sender != nil {
		errs = append(errs, sender.Close())
	}
	if ws != nil {
		errs = append(errs, ws.Close())
	}
	unsubscribe()

	errs = append(errs, svc.Close())
	errs = append(errs, g.Wait())
	_ = logging.Close()
	return errors.Join(errs...)
}

func recordFile(cfg *config.Config) string {
	if !cfg.Recording.Enabled {
		return ""
	}
	if cfg.Recording.OutputFile != "" {
		return cfg.Recording.OutputFile
	}
	return "recording-" + time.Now().UTC().Format("02-01-2006-150405") + ".wav"
}
