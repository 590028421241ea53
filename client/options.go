// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/YZ-social/Yz.social/config"
	"github.com/YZ-social/Yz.social/core"
	"github.com/YZ-social/Yz.social/geo"
	"github.com/YZ-social/Yz.social/topics"
	"github.com/benbjohnson/clock"
)

// Default values.
const (
	DefaultRetrySeconds      = 90
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultRenewInterval     = 55 * time.Minute
	DefaultEchoTTL           = 10 * time.Minute
	DefaultAlertTTL          = 10 * time.Minute
	DefaultConnectTimeout    = 10 * time.Second
	DefaultMaxQueued         = 256
)

// Options configures the client.
type Options struct {
	// Connection
	ConnectTimeout    time.Duration // Timeout of one connection attempt
	RetrySeconds      int           // Countdown before reconnecting after an unexpected close
	InactivityTimeout time.Duration // Idle time before the connection is closed (0 to disable)
	MaxQueued         int           // Publications held while the connection is not open

	// Subscriptions
	RenewInterval time.Duration // Must be shorter than the relay's subscription lease
	EchoTTL       time.Duration // How long a locally evaluated publication awaits its echo

	// Alerts
	AlertTTL time.Duration // Lifetime of an alert after its issue time

	// Topics
	Families topics.Families // Topic families in priority order
	Coverer  *geo.Coverer

	Clock  clock.Clock
	Logger *slog.Logger

	// Callbacks
	OnStatus  func(Status)                          // Called on every user visible status change
	OnConnect func(identity string)                 // Called after subscriptions were replayed
	OnEvent   func(topic string, msg *core.Message) // Called for each dispatched event
	OnAlert   func(Change)                          // Called when the alert book changes
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		ConnectTimeout:    DefaultConnectTimeout,
		RetrySeconds:      DefaultRetrySeconds,
		InactivityTimeout: DefaultInactivityTimeout,
		MaxQueued:         DefaultMaxQueued,
		RenewInterval:     DefaultRenewInterval,
		EchoTTL:           DefaultEchoTTL,
		AlertTTL:          DefaultAlertTTL,
		Coverer:           geo.DefaultCoverer,
		Clock:             clock.New(),
		Logger:            slog.Default(),
	}
}

// OptionsFromConfig creates Options from the client configuration section.
func OptionsFromConfig(cfg config.ClientConfig) (*Options, error) {
	families, err := topics.NewFamilies(cfg.Tags...)
	if err != nil {
		return nil, fmt.Errorf("client tags: %w", err)
	}

	o := NewOptions().SetFamilies(families...)
	if cfg.DialTimeout > 0 {
		o.ConnectTimeout = cfg.DialTimeout
	}
	if cfg.RetrySeconds > 0 {
		o.RetrySeconds = cfg.RetrySeconds
	}
	if cfg.InactivityTimeout > 0 {
		o.InactivityTimeout = cfg.InactivityTimeout
	}
	if cfg.RenewInterval > 0 {
		o.RenewInterval = cfg.RenewInterval
	}
	if cfg.EchoTTL > 0 {
		o.EchoTTL = cfg.EchoTTL
	}
	if cfg.AlertTTL > 0 {
		o.AlertTTL = cfg.AlertTTL
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// SetConnectTimeout sets the connection timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetRetrySeconds sets the reconnect countdown.
func (o *Options) SetRetrySeconds(n int) *Options {
	o.RetrySeconds = n
	return o
}

// SetInactivityTimeout sets the idle timeout. 0 disables it.
func (o *Options) SetInactivityTimeout(d time.Duration) *Options {
	o.InactivityTimeout = d
	return o
}

// SetMaxQueued sets how many publications are held while not connected.
func (o *Options) SetMaxQueued(n int) *Options {
	o.MaxQueued = n
	return o
}

// SetRenewInterval sets the subscription renewal interval.
func (o *Options) SetRenewInterval(d time.Duration) *Options {
	o.RenewInterval = d
	return o
}

// SetEchoTTL sets how long an echo of an own publication is awaited.
func (o *Options) SetEchoTTL(d time.Duration) *Options {
	o.EchoTTL = d
	return o
}

// SetAlertTTL sets the alert lifetime.
func (o *Options) SetAlertTTL(d time.Duration) *Options {
	o.AlertTTL = d
	return o
}

// SetFamilies sets the topic families in priority order.
func (o *Options) SetFamilies(tags ...string) *Options {
	o.Families = topics.Families(tags)
	return o
}

// SetCoverer sets the cell coverer.
func (o *Options) SetCoverer(c *geo.Coverer) *Options {
	o.Coverer = c
	return o
}

// SetClock sets the clock driving every timer.
func (o *Options) SetClock(c clock.Clock) *Options {
	o.Clock = c
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetOnStatus sets the status callback.
func (o *Options) SetOnStatus(fn func(Status)) *Options {
	o.OnStatus = fn
	return o
}

// SetOnConnect sets the connection callback.
func (o *Options) SetOnConnect(fn func(identity string)) *Options {
	o.OnConnect = fn
	return o
}

// SetOnEvent sets the renderer callback.
func (o *Options) SetOnEvent(fn func(topic string, msg *core.Message)) *Options {
	o.OnEvent = fn
	return o
}

// SetOnAlert sets the alert book callback.
func (o *Options) SetOnAlert(fn func(Change)) *Options {
	o.OnAlert = fn
	return o
}

// Validate checks the options for errors and fills in unset collaborators.
func (o *Options) Validate() error {
	if o.RetrySeconds <= 0 {
		return ErrInvalidRetry
	}
	if o.RenewInterval <= 0 {
		return ErrInvalidRenewal
	}
	if o.EchoTTL <= 0 {
		return ErrInvalidEchoTTL
	}
	if o.AlertTTL <= 0 {
		return ErrInvalidAlertTTL
	}
	if o.MaxQueued <= 0 {
		return ErrInvalidQueueSize
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Coverer == nil {
		o.Coverer = geo.DefaultCoverer
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
