// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	ErrBrokerClosed    = errors.New("broker closed")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	ErrNotSubscribed   = errors.New("not subscribed")
	ErrUnknownSession  = errors.New("unknown connection")
)

// Disconnect and removal reasons reported to metrics and webhooks.
const (
	ReasonNormal      = "normal"
	ReasonError       = "error"
	ReasonShutdown    = "shutdown"
	ReasonUnsubscribe = "unsubscribe"
	ReasonExpired     = "expired"
)
