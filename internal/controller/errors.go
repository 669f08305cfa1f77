// SPDX-License-Identifier: MIT
package controller

import (
	"errors"

	"audiorouter/internal/audio"
	"audiorouter/internal/topology"
)

// ValidationError reports a selection the current topology cannot satisfy.
// State and intent are left unchanged.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Error kinds reported to front ends.
const (
	KindValidation    = "validation"
	KindTopology      = "topology"
	KindConfiguration = "configuration"
	KindRuntime       = "runtime"
	KindInternal      = "internal"
)

// Kind classifies err for presentation. It returns "" for a nil error.
func Kind(err error) string {
	var (
		validation *ValidationError
		member     *topology.MemberNotFoundError
		config     *audio.ConfigurationError
		runtime    *audio.RuntimeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &member):
		return KindTopology
	case errors.As(err, &config):
		return KindConfiguration
	case errors.As(err, &runtime):
		return KindRuntime
	default:
		return KindInternal
	}
}

// Reason returns the human-readable part of err.
func Reason(err error) string {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation.Reason
	}
	var config *audio.ConfigurationError
	if errors.As(err, &config) && config.Reason != "" {
		return config.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
