// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNoTransport      = errors.New("no transport configured")
	ErrInvalidRetry     = errors.New("retry seconds must be positive")
	ErrInvalidRenewal   = errors.New("renew interval must be positive")
	ErrInvalidEchoTTL   = errors.New("echo TTL must be positive")
	ErrInvalidAlertTTL  = errors.New("alert TTL must be positive")
	ErrInvalidQueueSize = errors.New("send queue size must be positive")

	// Connection errors.
	ErrConnectFailed = errors.New("connection failed")
	ErrInactive      = errors.New("client inactive")
	ErrClientClosed  = errors.New("client has been closed")
	ErrQueueFull     = errors.New("send queue full")

	// Operation errors.
	ErrInvalidPoint     = errors.New("invalid point")
	ErrEmptyPayload     = errors.New("publication payload is empty")
	ErrNothingToRetract = errors.New("no previous publication")
)
