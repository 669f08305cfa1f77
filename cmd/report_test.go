// SPDX-License-Identifier: MIT
package cmd

import (
	"bytes"
	"strings"
	"testing"

	"audiorouter/internal/device"
	"audiorouter/internal/topology"
)

func TestPrintDevices(t *testing.T) {
	devices := []device.Ref{
		{UID: "alsa:Mic", Name: "Mic", InputChannels: 2, SampleRate: 48000},
		{UID: "alsa:Headphones", Name: "Headphones", OutputChannels: 2, SampleRate: 44100},
		{UID: "aggregate:Router", Name: "Router", InputChannels: 2, OutputChannels: 8, IsAggregate: true},
	}
	members := map[string][]string{"aggregate:Router": {"alsa:Mic", "alsa:Headphones"}}

	var buf bytes.Buffer
	PrintDevices(&buf, devices, members, "alsa:Mic", "alsa:Headphones")
	out := buf.String()

	for _, want := range []string{
		"Audio devices",
		"alsa:Headphones",
		"default input",
		"default output",
		"aggregate",
		"44.1 kHz",
		"48 kHz",
		"members: alsa:Mic, alsa:Headphones",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintTopology(t *testing.T) {
	topo := &topology.Topology{
		Aggregate: device.Ref{UID: "aggregate:Router", Name: "Router"},
		Members: []topology.SubDevice{
			{UID: "loop", Device: device.Ref{Name: "Loopback"}, Input: topology.ChannelRange{End: 2},
				Output: topology.ChannelRange{End: 2}, Stereo: topology.ChannelRange{End: 2}, HasStereo: true},
			{UID: "hp", Device: device.Ref{Name: "Headphones"}, Output: topology.ChannelRange{Start: 2, End: 4},
				Stereo: topology.ChannelRange{Start: 2, End: 4}, HasStereo: true},
		},
		Missing:        []string{"speakers"},
		InputChannels:  2,
		OutputChannels: 4,
	}

	var buf bytes.Buffer
	PrintTopology(&buf, topo, 1)
	out := buf.String()

	for _, want := range []string{"Router (aggregate:Router)", "2 input channels, 4 output channels",
		"[2,4)", "1 *", "default playback member", "missing:", "speakers"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	topo.Missing = nil
	PrintTopology(&buf, topo, -1)
	if !strings.Contains(buf.String(), "all members connected") {
		t.Errorf("expected healthy summary:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), "default playback member") {
		t.Errorf("unexpected primary marker:\n%s", buf.String())
	}
}
