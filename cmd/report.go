// SPDX-License-Identifier: MIT
package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/charmbracelet/lipgloss/table"

	"audiorouter/internal/device"
	"audiorouter/internal/topology"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1).
			Bold(true)

	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E88388")).
			Bold(true)
)

// PrintDevices writes the device catalog as a table. members lists the
// declared member UIDs of each aggregate.
func PrintDevices(w io.Writer, devices []device.Ref, members map[string][]string, defaultIn, defaultOut string) {
	fmt.Fprintln(w, titleStyle.Render("Audio devices"))

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("UID", "NAME", "IN", "OUT", "RATE", "")
	for _, d := range devices {
		var notes []string
		if d.UID == defaultIn {
			notes = append(notes, "default input")
		}
		if d.UID == defaultOut {
			notes = append(notes, "default output")
		}
		if d.IsAggregate {
			notes = append(notes, "aggregate")
		}
		t.Row(d.UID, d.Name, strconv.Itoa(d.InputChannels), strconv.Itoa(d.OutputChannels),
			formatRate(d.SampleRate), strings.Join(notes, ", "))
	}
	fmt.Fprintln(w, t.String())

	for _, d := range devices {
		if !d.IsAggregate {
			continue
		}
		fmt.Fprintf(w, "%s members: %s\n", highlightStyle.Render(d.UID), strings.Join(members[d.UID], ", "))
	}
}

// PrintTopology writes the channel layout of an aggregate. primary is the
// index of the default playback member, or -1.
func PrintTopology(w io.Writer, topo *topology.Topology, primary int) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s (%s)", topo.Aggregate.Name, topo.Aggregate.UID)))
	fmt.Fprintf(w, "%d input channels, %d output channels\n", topo.InputChannels, topo.OutputChannels)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("#", "MEMBER", "NAME", "INPUT", "OUTPUT", "STEREO")
	for i, m := range topo.Members {
		stereo := "-"
		if m.HasStereo {
			stereo = m.Stereo.String()
		}
		index := strconv.Itoa(i)
		if i == primary {
			index += " *"
		}
		t.Row(index, m.UID, m.Device.Name, rangeText(m.Input), rangeText(m.Output), stereo)
	}
	fmt.Fprintln(w, t.String())
	if primary >= 0 {
		fmt.Fprintln(w, "* default playback member")
	}

	if len(topo.Missing) > 0 {
		fmt.Fprintf(w, "%s %s\n", warnStyle.Render("missing:"), strings.Join(topo.Missing, ", "))
	} else {
		fmt.Fprintln(w, highlightStyle.Render("all members connected"))
	}
}

func rangeText(r topology.ChannelRange) string {
	if r.Empty() {
		return "-"
	}
	return r.String()
}

func formatRate(rate float64) string {
	if rate <= 0 {
		return "-"
	}
	return humanize.SIWithDigits(rate, 1, "Hz")
}
