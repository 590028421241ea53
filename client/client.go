// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client is the alert client library: it turns viewports and points
// into cell topics, keeps subscriptions alive across reconnects and
// publishes alerts with local evaluation.
package client

import (
	"context"
	"errors"

	"github.com/YZ-social/Yz.social/core"
	"github.com/YZ-social/Yz.social/geo"
	"github.com/YZ-social/Yz.social/transport"
)

// Client wires a connection manager, a subscription manager, a publisher and
// an alert book around one transport.
type Client struct {
	opts      *Options
	conn      *ConnectionManager
	subs      *SubscriptionManager
	publisher *Publisher
	alerts    *AlertBook
}

// New creates a client. Nothing is dialed until Connect or the first
// subscription.
func New(tr transport.Transport, opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:   opts,
		alerts: NewAlertBook(opts.Clock, opts.AlertTTL),
	}

	var err error
	c.conn, err = NewConnectionManager(tr, opts, c.dispatch)
	if err != nil {
		return nil, err
	}
	c.subs, err = NewSubscriptionManager(c.conn, opts, c.handle)
	if err != nil {
		return nil, err
	}
	c.publisher, err = NewPublisher(c.conn, c.subs, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connection returns the connection manager.
func (c *Client) Connection() *ConnectionManager { return c.conn }

// Subscriptions returns the subscription manager.
func (c *Client) Subscriptions() *SubscriptionManager { return c.subs }

// Publisher returns the publisher.
func (c *Client) Publisher() *Publisher { return c.publisher }

// Alerts returns the alert book.
func (c *Client) Alerts() *AlertBook { return c.alerts }

// Connect opens the connection.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// UpdateViewport subscribes to the area around center reaching edge.
func (c *Client) UpdateViewport(center, edge geo.Point) error {
	c.conn.ResetInactivityTimer()
	return c.subs.UpdateViewport(center, edge)
}

// Publish publishes an alert, retracting the previous one.
func (c *Client) Publish(req PublishRequest) (*Publication, error) {
	c.conn.ResetInactivityTimer()
	return c.publisher.Publish(req)
}

// Close unsubscribes every topic and terminates the connection.
func (c *Client) Close() error {
	return errors.Join(c.subs.Cancel(), c.conn.Close())
}

func (c *Client) dispatch(msg *core.Message) {
	c.subs.Dispatch(msg)
}

// handle serves every topic subscribed through a viewport.
func (c *Client) handle(msg *core.Message) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(msg.Topic, msg)
	}
	change := c.alerts.Apply(msg)
	if change.Kind != ChangeNone && c.opts.OnAlert != nil {
		c.opts.OnAlert(change)
	}
}
