// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import "time"

// EventKind classifies engine events surfaced to the application
type EventKind string

const (
	EventRejected           EventKind = "rejected"
	EventStalled            EventKind = "stalled"
	EventMutationsDiscarded EventKind = "mutations_discarded"
	EventConnectionState    EventKind = "connection_state"
)

// Event is delivered to OnEvent listeners after the engine lock is released.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// EventRejected, EventStalled
	Mutation PendingMutation
	// EventRejected
	Reason    string
	Retryable bool

	// EventStalled: how long the mutation has been failing
	FailingFor time.Duration
	LastError  string

	// EventMutationsDiscarded
	Discarded []PendingMutation

	// EventConnectionState
	State ConnectionState
}
