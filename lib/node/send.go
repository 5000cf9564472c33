// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/obs-foundation/nodemesh/lib/correlator"
	"github.com/obs-foundation/nodemesh/lib/dbquery"
	"github.com/obs-foundation/nodemesh/lib/emergency"
	"github.com/obs-foundation/nodemesh/lib/message"
	"github.com/obs-foundation/nodemesh/transport"
)

// Send delivers a NORMAL priority message of type t to one peer.
func (r *Runtime) Send(ctx context.Context, destination string, t message.Type, payload map[string]any) (message.Message, error) {
	return r.SendWithPriority(ctx, destination, t, message.PriorityNormal, payload)
}

// SendWithPriority delivers a message of type t to one peer.
// EMERGENCY messages go through SendEmergency.
func (r *Runtime) SendWithPriority(ctx context.Context, destination string, t message.Type, p message.Priority, payload map[string]any) (message.Message, error) {
	if t == message.TypeEmergency {
		return message.Message{}, errors.New("node: emergency messages must be sent with SendEmergency")
	}
	m := r.factory.New(t, p, message.To(destination), payload)
	return m, r.deliver(ctx, m, destination)
}

// NewMessage builds a message stamped with this node as its source,
// for callers that set TTL or acknowledgement fields before
// SendMessage.
func (r *Runtime) NewMessage(t message.Type, p message.Priority, destination message.Destination, payload map[string]any) message.Message {
	return r.factory.New(t, p, destination, payload)
}

// SendMessage delivers a prebuilt message to each of its
// destinations. The returned error joins one *transport.DeliveryError
// per destination that failed.
func (r *Runtime) SendMessage(ctx context.Context, m message.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if name, ok := m.Destination.Single(); ok {
		return r.deliver(ctx, m, name)
	}
	return r.fanOut(ctx, m, m.Destination)
}

// Broadcast sends one message of type t to every named peer, or to
// every known peer when names is empty. Every destination is
// attempted; the error joins the failures.
func (r *Runtime) Broadcast(ctx context.Context, names []string, t message.Type, payload map[string]any) (message.Message, error) {
	if t == message.TypeEmergency {
		return message.Message{}, errors.New("node: emergency messages must be sent with SendEmergency")
	}
	if len(names) == 0 {
		for _, peer := range r.registry.Peers() {
			names = append(names, peer.Name)
		}
	}
	if len(names) == 0 {
		return message.Message{}, errors.New("node: broadcast with no peers")
	}
	m := r.factory.New(t, message.PriorityNormal, message.To(names...), payload)
	return m, r.fanOut(ctx, m, names)
}

// SendEmergency delivers one EMERGENCY message to every destination,
// or to the configured emergency peers when destinations is empty.
// The report has one outcome per destination; a failure for one never
// prevents the others.
func (r *Runtime) SendEmergency(ctx context.Context, destinations []string, payload map[string]any) (emergency.Report, error) {
	if len(destinations) == 0 {
		destinations = r.config.Emergency.Peers
	}
	return r.emergency.Send(ctx, destinations, payload)
}

// Query sends a COMMAND carrying payload to destination and arranges
// for callback to be called exactly once: with the correlated
// response, a *correlator.TimeoutError after timeout, a
// *transport.DeliveryError if the command could not be sent, or
// correlator.ErrStopped at shutdown. A zero timeout uses the
// configured default. Callbacks run on their own goroutine.
//
// Query returns the request id. An error means the query was refused
// before anything was sent and callback will not be called.
func (r *Runtime) Query(ctx context.Context, destination string, payload map[string]any, timeout time.Duration, callback correlator.Callback) (string, error) {
	if callback == nil {
		return "", errors.New("node: query needs a callback")
	}
	if timeout <= 0 {
		timeout = r.config.Query.DefaultTimeout.Std()
	}
	if _, err := r.registry.Resolve(destination); err != nil {
		return "", fmt.Errorf("node: query %s: %w", destination, err)
	}
	if _, _, err := r.running(); err != nil {
		return "", err
	}

	m := r.factory.Command(message.To(destination), payload)
	err := r.tracker.Track(m.ID, destination, timeout, func(result correlator.Result) {
		r.background.Add(1)
		go func() {
			defer r.background.Done()
			callback(result)
		}()
	})
	if err != nil {
		return "", err
	}
	r.logger.Debug("query sent", "message_id", m.ID, "peer", destination, "timeout", timeout)

	if err := r.deliver(ctx, m, destination); err != nil {
		r.tracker.Fail(m.ID, err)
	}
	return m.ID, nil
}

// QueryDB sends request to the db_client node and decodes its answer.
// callback receives exactly one of a Response or an error; a
// response with status "error" is passed through as a Response.
func (r *Runtime) QueryDB(ctx context.Context, request dbquery.Request, timeout time.Duration, callback func(dbquery.Response, error)) (string, error) {
	if err := request.Validate(); err != nil {
		return "", err
	}
	return r.Query(ctx, dbquery.NodeName, request.Payload(), timeout, func(result correlator.Result) {
		if result.Err != nil {
			callback(dbquery.Response{}, result.Err)
			return
		}
		response, err := dbquery.ParseResponse(result.Payload())
		callback(response, err)
	})
}

// Reply answers request with a NORMAL priority RESPONSE correlated to
// its id. The response goes back on from, the address the request
// arrived on, and falls back to the source's registered address when
// that fails or from is empty.
func (r *Runtime) Reply(ctx context.Context, request message.Message, from string, payload map[string]any) error {
	return r.reply(ctx, request, from, message.PriorityNormal, payload)
}

// ReplyError answers request with a HIGH priority
// {status: "error", error} RESPONSE.
func (r *Runtime) ReplyError(ctx context.Context, request message.Message, from string, err error) error {
	return r.reply(ctx, request, from, message.PriorityHigh, map[string]any{
		"status": "error",
		"error":  err.Error(),
	})
}

func (r *Runtime) reply(ctx context.Context, request message.Message, from string, p message.Priority, payload map[string]any) error {
	response := r.factory.Response(request, p, payload)
	if from == "" {
		return r.deliver(ctx, response, request.Source)
	}
	endpoint, _, err := r.running()
	if err != nil {
		return err
	}
	err = endpoint.Send(ctx, response, from)
	if err == nil {
		return nil
	}
	if _, resolveErr := r.registry.Resolve(request.Source); resolveErr != nil {
		r.logger.Warn("reply failed", "message_id", response.ID, "source", request.Source, "address", from, "error", err)
		return err
	}
	r.logger.Debug("reply path failed, using registered address", "source", request.Source, "address", from, "error", err)
	return r.deliver(ctx, response, request.Source)
}

// deliver resolves name and sends m. A failure marks the peer
// SUSPECT and returns a *transport.DeliveryError naming it.
func (r *Runtime) deliver(ctx context.Context, m message.Message, name string) error {
	address, err := r.registry.Resolve(name)
	if err != nil {
		return fmt.Errorf("node: send to %s: %w", name, err)
	}
	endpoint, _, err := r.running()
	if err != nil {
		return err
	}
	err = endpoint.Send(ctx, m, address)
	return r.sent(m, name, address, err)
}

func (r *Runtime) fanOut(ctx context.Context, m message.Message, names []string) error {
	endpoint, _, err := r.running()
	if err != nil {
		return err
	}
	var errs []error
	addresses := make([]string, 0, len(names))
	resolved := make([]string, 0, len(names))
	for _, name := range names {
		address, err := r.registry.Resolve(name)
		if err != nil {
			errs = append(errs, &transport.DeliveryError{Peer: name, Err: err})
			continue
		}
		addresses = append(addresses, address)
		resolved = append(resolved, name)
	}
	for i, result := range endpoint.Broadcast(ctx, m, addresses) {
		if err := r.sent(m, resolved[i], result.Address, result.Err); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) sent(m message.Message, name, address string, err error) error {
	if err == nil {
		r.logger.Debug("message sent", "message_id", m.ID, "type", m.Type.String(), "peer", name)
		return nil
	}
	var delivery *transport.DeliveryError
	if !errors.As(err, &delivery) {
		delivery = &transport.DeliveryError{Address: address, Err: err}
	}
	delivery.Peer = name
	r.metrics.DeliveryFailure(name)
	r.monitor.DeliveryFailed(name)
	r.logger.Warn("delivery failed", "message_id", m.ID, "peer", name, "address", address, "error", err)
	return delivery
}
