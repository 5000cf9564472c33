// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package emergency is the out-of-band fan-out path for EMERGENCY
// messages.
//
// [Channel.Send] builds one EMERGENCY message addressed to every
// destination and unicasts it to each of them concurrently. Every
// destination is attempted regardless of the others, and the
// [Report] carries one outcome per destination: partial failure is a
// normal result, not an error.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/obs-foundation/nodemesh/lib/message"
	"github.com/obs-foundation/nodemesh/lib/metrics"
	"github.com/obs-foundation/nodemesh/transport"
)

// Resolver maps a logical name to a transport address.
type Resolver interface {
	Resolve(name string) (string, error)
}

// Sender delivers one message to one address.
type Sender interface {
	Send(ctx context.Context, m message.Message, address string) error
}

// Config configures a Channel.
type Config struct {
	Resolver Resolver
	Sender   Sender
	Factory  *message.Factory
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// OnFailure is called for each destination that could not be
	// reached, after the fan-out completes. Optional.
	OnFailure func(peer string, err error)
}

// Outcome is the delivery result for one destination.
type Outcome struct {
	Peer    string
	Address string
	Err     error
}

// Report is the result of one emergency fan-out.
type Report struct {
	Message  message.Message
	Outcomes []Outcome
}

// Delivered lists the destinations that accepted the message.
func (r Report) Delivered() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.Err == nil {
			names = append(names, o.Peer)
		}
	}
	return names
}

// Failed lists the outcomes that carry an error.
func (r Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// OK reports whether every destination accepted the message.
func (r Report) OK() bool { return len(r.Failed()) == 0 }

// Err joins the per-destination failures, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		errs = append(errs, o.Err)
	}
	return errors.Join(errs...)
}

func (r Report) String() string {
	parts := make([]string, len(r.Outcomes))
	for i, o := range r.Outcomes {
		if o.Err != nil {
			parts[i] = o.Peer + "=failed"
		} else {
			parts[i] = o.Peer + "=ok"
		}
	}
	return strings.Join(parts, " ")
}

// Channel sends EMERGENCY messages.
type Channel struct {
	config Config
	logger *slog.Logger
}

// New returns a Channel.
func New(config Config) (*Channel, error) {
	if config.Resolver == nil || config.Sender == nil || config.Factory == nil {
		return nil, errors.New("emergency: Resolver, Sender, and Factory are required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Channel{config: config, logger: config.Logger}, nil
}

// Send delivers one EMERGENCY message carrying payload to every
// destination. Outcomes are in destination order; duplicate names
// are sent once. Send returns an error only when there is nothing to
// send to.
func (c *Channel) Send(ctx context.Context, destinations []string, payload map[string]any) (Report, error) {
	names := dedupe(destinations)
	if len(names) == 0 {
		return Report{}, errors.New("emergency: no destinations")
	}
	m := c.config.Factory.Emergency(message.To(names...), payload)
	report := Report{Message: m, Outcomes: make([]Outcome, len(names))}

	c.logger.Error("sending emergency",
		"emergency", true,
		"message_id", m.ID,
		"destinations", strings.Join(names, ","),
	)

	var wg sync.WaitGroup
	for i, name := range names {
		report.Outcomes[i].Peer = name
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Outcomes[i] = c.deliver(ctx, m, name)
		}()
	}
	wg.Wait()

	for _, o := range report.Outcomes {
		c.config.Metrics.EmergencyDelivery(o.Err == nil)
		if o.Err == nil {
			continue
		}
		c.config.Metrics.DeliveryFailure(o.Peer)
		c.logger.Error("emergency delivery failed",
			"emergency", true,
			"message_id", m.ID,
			"peer", o.Peer,
			"error", o.Err,
		)
		if c.config.OnFailure != nil {
			c.config.OnFailure(o.Peer, o.Err)
		}
	}
	return report, nil
}

func (c *Channel) deliver(ctx context.Context, m message.Message, name string) Outcome {
	address, err := c.config.Resolver.Resolve(name)
	if err != nil {
		return Outcome{Peer: name, Err: fmt.Errorf("emergency to %s: %w", name, err)}
	}
	err = c.config.Sender.Send(ctx, m, address)
	var delivery *transport.DeliveryError
	if errors.As(err, &delivery) && delivery.Peer == "" {
		delivery.Peer = name
	}
	return Outcome{Peer: name, Address: address, Err: err}
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
