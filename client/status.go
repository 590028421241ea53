// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "fmt"

// StatusKind classifies a user visible connection status.
type StatusKind int

// Status kinds.
const (
	// StatusClear means there is nothing to show; the connection is open.
	StatusClear StatusKind = iota
	StatusConnecting
	// StatusRetrying carries the seconds left before the next attempt.
	StatusRetrying
	// StatusIdle means the connection was closed for inactivity and reopens
	// on the next interaction.
	StatusIdle
	// StatusOffline means the client is inactive: offline or hidden.
	StatusOffline
)

// Status is reported through Options.OnStatus.
type Status struct {
	Kind      StatusKind
	Remaining int
}

// String returns the banner text for the status.
func (s Status) String() string {
	switch s.Kind {
	case StatusClear:
		return ""
	case StatusConnecting:
		return "Connecting..."
	case StatusRetrying:
		return fmt.Sprintf("Disconnected. Retrying in %d seconds.", s.Remaining)
	case StatusIdle:
		return "Connection closed due to inactivity. Will reconnect on use."
	case StatusOffline:
		return "No network connection."
	default:
		return "unknown"
	}
}
