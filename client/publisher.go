// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/YZ-social/Yz.social/core"
	"github.com/YZ-social/Yz.social/geo"
	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Sender sends publications. ConnectionManager implements it.
type Sender interface {
	Send(msg *core.Message) error
}

// PublishRequest describes an alert to publish.
type PublishRequest struct {
	Point   geo.Point
	Payload json.RawMessage
	// Subject identifies the alert; a fresh one is generated when empty.
	Subject string
	// Tag selects the topic family; empty selects the first family.
	Tag string
	// KeepPrevious leaves the previous own publication in place.
	KeepPrevious bool
}

// Publication is an alert this client published.
type Publication struct {
	Point   geo.Point
	Tag     string
	Subject string
	Topics  []string
	Issued  time.Time
}

// Publisher publishes alerts to the cells containing a point. Each new
// publication retracts the previous one, stamped one millisecond earlier so
// last-write-wins resolves the pair regardless of arrival order.
type Publisher struct {
	sender Sender
	subs   *SubscriptionManager
	opts   *Options
	clock  clock.Clock
	logger *slog.Logger

	mu   sync.Mutex
	last *Publication
}

// NewPublisher creates a publisher. subs may be nil, which disables local
// evaluation.
func NewPublisher(sender Sender, subs *SubscriptionManager, opts *Options) (*Publisher, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &Publisher{
		sender: sender,
		subs:   subs,
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// Publish retracts the previous own publication unless asked not to, then
// publishes req to every cell containing its point. Active local topics see
// the publication immediately.
func (p *Publisher) Publish(req PublishRequest) (*Publication, error) {
	if !req.Point.Valid() {
		return nil, ErrInvalidPoint
	}
	payload := bytes.TrimSpace(req.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, ErrEmptyPayload
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not JSON", core.ErrMalformedMessage)
	}

	subject := req.Subject
	if subject == "" {
		subject = uuid.NewString()
	}
	issued := time.UnixMilli(p.clock.Now().UnixMilli())
	tag := p.opts.Families.PublishTag(req.Tag)
	cells := p.opts.Coverer.CellsContaining(req.Point)

	pub := &Publication{
		Point:   req.Point,
		Tag:     tag,
		Subject: subject,
		Topics:  p.opts.Families.Publish(cells, tag),
		Issued:  issued,
	}

	p.mu.Lock()
	var msgs []*core.Message
	if p.last != nil && !req.KeepPrevious {
		msgs = append(msgs, retractions(p.last, issued.Add(-time.Millisecond))...)
	}
	for _, topic := range pub.Topics {
		msgs = append(msgs, core.NewPublish(topic, subject, payload, issued))
	}
	p.last = pub
	local, err := p.send(msgs)
	p.mu.Unlock()

	p.evaluate(local)
	p.logger.Debug("alert_published",
		slog.String("subject", subject),
		slog.String("tag", tag),
		slog.Int("topics", len(pub.Topics)))
	return copyPublication(pub), err
}

// Retract withdraws the last own publication.
func (p *Publisher) Retract() error {
	p.mu.Lock()
	last := p.last
	if last == nil {
		p.mu.Unlock()
		return ErrNothingToRetract
	}
	p.last = nil
	local, err := p.send(retractions(last, time.UnixMilli(p.clock.Now().UnixMilli())))
	p.mu.Unlock()

	p.evaluate(local)
	p.logger.Debug("alert_retracted", slog.String("subject", last.Subject))
	return err
}

// Last returns the last own publication, or nil.
func (p *Publisher) Last() *Publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	return copyPublication(p.last)
}

type localEvent struct {
	handler Handler
	msg     *core.Message
}

// send registers local echoes and sends msgs in order. Called with mu held
// so that concurrent publications do not interleave.
func (p *Publisher) send(msgs []*core.Message) ([]localEvent, error) {
	var local []localEvent
	var firstErr error
	for _, msg := range msgs {
		if p.subs != nil {
			if h := p.subs.expectEcho(msg); h != nil {
				local = append(local, localEvent{handler: h, msg: msg})
			}
		}
		if err := p.sender.Send(msg); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("publish to %s: %w", msg.Topic, err)
		}
	}
	return local, firstErr
}

func (p *Publisher) evaluate(local []localEvent) {
	for _, ev := range local {
		ev.handler(ev.msg)
	}
}

func retractions(pub *Publication, issued time.Time) []*core.Message {
	msgs := make([]*core.Message, 0, len(pub.Topics))
	for _, topic := range pub.Topics {
		msgs = append(msgs, core.NewRetraction(topic, pub.Subject, issued))
	}
	return msgs
}

func copyPublication(pub *Publication) *Publication {
	c := *pub
	c.Topics = append([]string(nil), pub.Topics...)
	return &c
}
