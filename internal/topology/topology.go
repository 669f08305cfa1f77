// SPDX-License-Identifier: MIT
/*
Package topology resolves an aggregate device into its member sub-devices
and assigns each member a contiguous, non-overlapping channel range.

Ranges are recomputed from the currently present members on every call and
are never patched incrementally: when a member disappears, the members after
it move down. Handles and ranges are ephemeral; only the UID of a member is
stable across reconnection.
*/
package topology

import (
	"errors"
	"fmt"

	"audiorouter/internal/device"
	applog "audiorouter/internal/log"
)

// ChannelRange is a half-open interval [Start, End) of channel indices.
type ChannelRange struct {
	Start int
	End   int
}

// Len returns the number of channels in the range.
func (r ChannelRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range contains no channels.
func (r ChannelRange) Empty() bool {
	return r.Len() == 0
}

// Contains reports whether ch lies in the range.
func (r ChannelRange) Contains(ch int) bool {
	return ch >= r.Start && ch < r.End
}

func (r ChannelRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// SubDevice is one resolved member of an aggregate.
type SubDevice struct {
	Device device.Ref
	UID    string
	Input  ChannelRange
	Output ChannelRange
	// Stereo is the first two contiguous output channels, valid when HasStereo.
	Stereo    ChannelRange
	HasStereo bool
}

// Topology is the channel-mapped structure of one aggregate.
type Topology struct {
	Aggregate      device.Ref
	Members        []SubDevice
	Missing        []string
	InputChannels  int
	OutputChannels int
}

// Member returns the resolved member with the given UID.
func (t *Topology) Member(uid string) (SubDevice, bool) {
	for _, m := range t.Members {
		if m.UID == uid {
			return m, true
		}
	}
	return SubDevice{}, false
}

// Outputs returns members with a non-empty output range.
func (t *Topology) Outputs() []SubDevice {
	var out []SubDevice
	for _, m := range t.Members {
		if !m.Output.Empty() {
			out = append(out, m)
		}
	}
	return out
}

// Inputs returns members with a non-empty input range.
func (t *Topology) Inputs() []SubDevice {
	var in []SubDevice
	for _, m := range t.Members {
		if !m.Input.Empty() {
			in = append(in, m)
		}
	}
	return in
}

// Strategy controls how unresolvable declared members are handled.
type Strategy int

const (
	// FailOnMissing aborts the inspection when any declared member is missing.
	FailOnMissing Strategy = iota
	// SkipMissing omits missing members and records their UIDs.
	SkipMissing
)

func (s Strategy) String() string {
	switch s {
	case FailOnMissing:
		return "fail-on-missing"
	case SkipMissing:
		return "skip-missing"
	default:
		return "unknown"
	}
}

// ErrMemberNotFound matches every MemberNotFoundError.
var ErrMemberNotFound = errors.New("member not found")

// MemberNotFoundError reports a declared member that could not be resolved
// under FailOnMissing.
type MemberNotFoundError struct {
	Aggregate string
	UID       string
}

func (e *MemberNotFoundError) Error() string {
	return fmt.Sprintf("aggregate %q: member %q not found", e.Aggregate, e.UID)
}

// Is makes errors.Is(err, ErrMemberNotFound) hold.
func (e *MemberNotFoundError) Is(target error) bool {
	return target == ErrMemberNotFound
}

// Resolver is the part of the device catalog the inspector needs.
type Resolver interface {
	ByUID(uid string) (device.Ref, error)
	Members(aggregate device.Ref) ([]string, error)
}

// Health summarises which declared members of an aggregate are present.
type Health struct {
	Resolved []string
	Missing  []string
}

// Inspector resolves aggregates against a Resolver.
type Inspector struct {
	resolver Resolver
	log      *applog.Logger

	// PrimaryMemberIndex selects which resolved member is the default
	// playback target. Index 0 is assumed to be the capture source.
	PrimaryMemberIndex int
}

// NewInspector creates an inspector with the default primary member index of 1.
func NewInspector(resolver Resolver) *Inspector {
	return &Inspector{
		resolver:           resolver,
		log:                applog.With("component", "topology"),
		PrimaryMemberIndex: 1,
	}
}

// Inspect resolves aggregate into channel-mapped members.
func (i *Inspector) Inspect(aggregate device.Ref, strategy Strategy) (*Topology, error) {
	declared, err := i.resolver.Members(aggregate)
	if err != nil {
		return nil, fmt.Errorf("failed to read members of %q: %w", aggregate.Name, err)
	}

	topo := &Topology{Aggregate: aggregate}
	nextIn, nextOut := 0, 0

	for _, uid := range declared {
		ref, err := i.resolver.ByUID(uid)
		if err != nil {
			if !errors.Is(err, device.ErrDeviceNotFound) {
				return nil, fmt.Errorf("failed to resolve member %q: %w", uid, err)
			}
			if strategy == FailOnMissing {
				return nil, &MemberNotFoundError{Aggregate: aggregate.UID, UID: uid}
			}
			topo.Missing = append(topo.Missing, uid)
			continue
		}

		sub := SubDevice{
			Device: ref,
			UID:    uid,
			Input:  ChannelRange{Start: nextIn, End: nextIn + ref.InputChannels},
			Output: ChannelRange{Start: nextOut, End: nextOut + ref.OutputChannels},
		}
		if sub.Output.Len() >= 2 {
			sub.Stereo = ChannelRange{Start: sub.Output.Start, End: sub.Output.Start + 2}
			sub.HasStereo = true
		}
		nextIn = sub.Input.End
		nextOut = sub.Output.End
		topo.Members = append(topo.Members, sub)
	}

	topo.InputChannels = nextIn
	topo.OutputChannels = nextOut

	if aggregate.InputChannels != nextIn || aggregate.OutputChannels != nextOut {
		i.log.Warn("aggregate channel counts differ from resolved members",
			"aggregate", aggregate.UID,
			"reported_in", aggregate.InputChannels, "resolved_in", nextIn,
			"reported_out", aggregate.OutputChannels, "resolved_out", nextOut)
	}

	return topo, nil
}

// DefaultPlaybackOffset returns the output channel base of the resolved
// member at PrimaryMemberIndex. The first declared member is assumed to be the
// loopback capture source; this is a best-effort default, not a platform
// guarantee.
func (i *Inspector) DefaultPlaybackOffset(topo *Topology) (int, bool) {
	idx := i.PrimaryMemberIndex
	if idx < 0 || idx >= len(topo.Members) {
		return 0, false
	}
	m := topo.Members[idx]
	if m.Output.Empty() {
		return 0, false
	}
	return m.Output.Start, true
}

// HasValidOutputs reports whether any resolved member has output channels.
func (i *Inspector) HasValidOutputs(aggregate device.Ref) bool {
	topo, err := i.Inspect(aggregate, SkipMissing)
	return err == nil && len(topo.Outputs()) > 0
}

// HasValidInputs reports whether any resolved member has input channels.
func (i *Inspector) HasValidInputs(aggregate device.Ref) bool {
	topo, err := i.Inspect(aggregate, SkipMissing)
	return err == nil && len(topo.Inputs()) > 0
}

// Health reports resolved and missing members, always tolerating missing ones.
func (i *Inspector) Health(aggregate device.Ref) (Health, error) {
	topo, err := i.Inspect(aggregate, SkipMissing)
	if err != nil {
		return Health{}, err
	}
	h := Health{Missing: append([]string(nil), topo.Missing...)}
	for _, m := range topo.Members {
		h.Resolved = append(h.Resolved, m.UID)
	}
	return h, nil
}
