package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"audiorouter/pkg/build"
)

// Commands selected on the command line.
const (
	CommandRun     = "run"
	CommandList    = "list"
	CommandInspect = "inspect"
)

// Options are the parsed command line. Zero values mean "use the
// configuration file".
type Options struct {
	Command    string
	ConfigPath string
	Aggregate  string // inspect target, or aggregate to route on run
	Output     string
	AutoStart  bool
	Verbose    bool
	Simulate   bool
	Record     bool
	RecordFile string
	Listen     string
}

// ParseArgs parses args (without the program name). It returns nil options
// when cobra handled the invocation itself, e.g. --help or --version.
func ParseArgs(args []string) (*Options, error) {
	info := build.GetInfo()
	options := &Options{}

	rootCmd := &cobra.Command{
		Use:           info.Name,
		Short:         build.Description,
		Version:       info.String(),
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			options.Command = CommandRun
			return nil
		},
	}

	// Display help message
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List audio devices and aggregate members",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			options.Command = CommandList
		},
	}
	rootCmd.AddCommand(listCmd)

	// Inspect command
	inspectCmd := &cobra.Command{
		Use:   "inspect <aggregate-uid>",
		Short: "Show the channel layout and health of an aggregate device",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			options.Command = CommandInspect
			options.Aggregate = args[0]
		},
	}
	rootCmd.AddCommand(inspectCmd)

	flags := rootCmd.PersistentFlags()

	// Configuration
	flags.StringVarP(&options.ConfigPath, "config", "c", "",
		"Path to the YAML configuration file (default: ./config.yaml if present)")
	flags.BoolVar(&options.Simulate, "simulate", false,
		"Use simulated devices instead of PortAudio")

	// Routing
	rootCmd.Flags().StringVarP(&options.Aggregate, "aggregate", "a", "",
		"Aggregate device UID to route, overrides the saved selection")
	rootCmd.Flags().StringVarP(&options.Output, "output", "o", "",
		"Output member UID to play through")
	rootCmd.Flags().BoolVar(&options.AutoStart, "autostart", false,
		"Start routing as soon as the selection is applied")
	rootCmd.Flags().StringVarP(&options.Listen, "listen", "l", "",
		"Serve the websocket control API on this address")

	// Recording
	rootCmd.Flags().BoolVarP(&options.Record, "record", "r", false,
		"Record the routed signal to a WAV file")
	rootCmd.Flags().StringVar(&options.RecordFile, "record-file", "",
		"Recording file name. Default is recording-DD-MM-YYYY-HHMMSS.wav")

	// Debug Configuration
	flags.BoolVarP(&options.Verbose, "verbose", "v", false,
		"Show verbose output")

	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}
	if options.Command == "" {
		return nil, nil
	}

	// Defaults
	if options.Record && options.RecordFile == "" {
		options.RecordFile = "recording-" +
			time.Now().UTC().Format("02-01-2006-150405") + ".wav"
	}

	return options, nil
}
