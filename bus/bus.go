// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 Benchrig Systems
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package bus implements the in-process message bus: topic-pattern
// pub/sub with per-subscriber bounded queues, a first-match-wins schema
// registry, safety-critical publish rejection and backpressure-driven
// subscriber eviction.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/benchrig/benchd/logger"
)

// Reserved namespace for bus meta-events; external publishes to it are
// rejected.
const (
	TopicMessageRejected    = "bus.message.rejected"
	TopicSubscriberDisabled = "bus.subscriber.disabled"
	TopicHandlerError       = "bus.handler.error"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")
	// ErrReservedTopic is returned when publishing into bus.*.
	ErrReservedTopic = errors.New(`cannot publish to reserved "bus" namespace`)
	// ErrRejected is returned when a safety-critical publish fails
	// schema validation or has no registered validator.
	ErrRejected = errors.New("publish rejected on safety-critical topic")
)

// Event is the frozen envelope circulated by the bus. Subscribers must
// treat it as read-only.
type Event struct {
	Topic         string                 `json:"topic"`
	ID            string                 `json:"id"`
	Seq           uint64                 `json:"seq"`
	TS            int64                  `json:"ts"`
	Source        string                 `json:"source"`
	SchemaVersion int                    `json:"schemaVersion,omitempty"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
	Payload       json.RawMessage        `json:"payload,omitempty"`
}

// Validator checks an envelope against a topic schema.
type Validator func(ev *Event) error

type schemaRule struct {
	pattern   Pattern
	version   int
	validator Validator
}

// SubscriberSpec describes a subscription request.
type SubscriberSpec struct {
	Name    string
	Pattern string
	// Equals must all match envelope attributes exactly; Exists only
	// requires key presence.
	Equals map[string]interface{}
	Exists []string
	// QueueCapacity bounds the pending queue; exceeding it evicts the
	// subscriber. Zero means DefaultQueueCapacity.
	QueueCapacity int
	Handler       func(ev *Event) error
	OnDisabled    func(reason string)
	OnError       func(err error)
}

// DefaultQueueCapacity is used when a spec leaves QueueCapacity unset.
const DefaultQueueCapacity = 64

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus  *Bus
	id   string
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Event
	active bool
	gone   bool

	pattern  Pattern
	equals   map[string]interface{}
	exists   []string
	capacity int

	handler    func(ev *Event) error
	onDisabled func(reason string)
	onError    func(err error)
}

// ID returns the subscriber id.
func (sub *Subscription) ID() string { return sub.id }

// SetActive pauses (false) or resumes (true) queue draining. Paused
// subscribers still accumulate events and can still be evicted on
// overflow.
func (sub *Subscription) SetActive(active bool) {
	sub.mu.Lock()
	sub.active = active
	sub.cond.Broadcast()
	sub.mu.Unlock()
}

// QueueDepth returns the number of queued, undelivered events.
func (sub *Subscription) QueueDepth() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.queue)
}

// Options configure a bus at construction.
type Options struct {
	// SafetyCriticalTopicPatterns mark topics where a publish without a
	// matching registered validator, or failing validation, is rejected.
	SafetyCriticalTopicPatterns []string
}

// Bus is the in-process message bus. All methods are safe for
// concurrent use.
type Bus struct {
	mu      sync.Mutex
	closed  bool
	seqs    map[string]uint64
	subs    map[string]*Subscription
	schemas []schemaRule
	safety  []Pattern

	pending int64 // queued plus in-flight deliveries

	wg sync.WaitGroup
}

// New creates a bus. Malformed safety-critical patterns are a
// programmer error and panic.
func New(opts *Options) *Bus {
	b := &Bus{
		seqs: make(map[string]uint64),
		subs: make(map[string]*Subscription),
	}
	if opts != nil {
		for _, raw := range opts.SafetyCriticalTopicPatterns {
			b.safety = append(b.safety, MustParsePattern(raw))
		}
	}
	return b
}

// RegisterSchema adds a validator for topics matching the pattern.
// Rules are consulted in registration order; the first match wins.
func (b *Bus) RegisterSchema(pattern string, version int, validator Validator) error {
	p, err := ParsePattern(pattern)
	if err != nil {
		return err
	}
	if validator == nil {
		return fmt.Errorf("cannot register nil validator for %q", pattern)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.schemas = append(b.schemas, schemaRule{pattern: p, version: version, validator: validator})
	return nil
}

// Subscribe registers a subscriber and starts its drain loop.
func (b *Bus) Subscribe(spec SubscriberSpec) (*Subscription, error) {
	p, err := ParsePattern(spec.Pattern)
	if err != nil {
		return nil, err
	}
	if spec.Handler == nil {
		return nil, fmt.Errorf("cannot subscribe %q without a handler", spec.Name)
	}
	for key, value := range spec.Equals {
		if !validAttr(value) {
			return nil, fmt.Errorf("cannot subscribe %q: attribute %q is not a string, number or boolean", spec.Name, key)
		}
	}
	capacity := spec.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	sub := &Subscription{
		bus:        b,
		id:         uuid.NewString(),
		name:       spec.Name,
		active:     true,
		pattern:    p,
		equals:     spec.Equals,
		exists:     spec.Exists,
		capacity:   capacity,
		handler:    spec.Handler,
		onDisabled: spec.OnDisabled,
		onError:    spec.OnError,
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.drain()
	}()
	return sub, nil
}

// Unsubscribe removes the subscriber and discards its queue.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, known := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if known {
		sub.retire()
	}
}

func validAttr(value interface{}) bool {
	switch value.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return true
	}
	return false
}

// PublishOptions carry optional envelope fields.
type PublishOptions struct {
	Source     string
	Attributes map[string]interface{}
}

// Publish validates, stamps and fans out an event. The returned
// envelope is the frozen published form; under safety-critical
// rejection it is nil and the error wraps ErrRejected.
func (b *Bus) Publish(topic string, payload interface{}, opts *PublishOptions) (*Event, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if topic == "bus" || len(topic) > 4 && topic[:4] == "bus." {
		return nil, ErrReservedTopic
	}
	return b.publish(topic, payload, opts)
}

func (b *Bus) publish(topic string, payload interface{}, opts *PublishOptions) (*Event, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		marshaled, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("cannot marshal payload for %q: %v", topic, err)
		}
		raw = marshaled
	}

	ev := &Event{
		Topic:   topic,
		ID:      uuid.NewString(),
		TS:      time.Now().UnixMilli(),
		Payload: raw,
	}
	if opts != nil {
		ev.Source = opts.Source
		for key, value := range opts.Attributes {
			if !validAttr(value) {
				return nil, fmt.Errorf("cannot publish %q: attribute %q is not a string, number or boolean", topic, key)
			}
		}
		ev.Attributes = opts.Attributes
	}

	rule, hasRule := b.matchSchema(topic)
	safety := b.isSafetyCritical(topic)
	if hasRule {
		ev.SchemaVersion = rule.version
		if err := rule.validator(ev); err != nil {
			if safety {
				b.reject(ev, err)
				return nil, fmt.Errorf("%w %q: %v", ErrRejected, topic, err)
			}
			logger.Noticef("bus: validator warning on %q: %v", topic, err)
		}
	} else if safety {
		err := fmt.Errorf("no validator registered")
		b.reject(ev, err)
		return nil, fmt.Errorf("%w %q: %v", ErrRejected, topic, err)
	}

	b.deliver(ev)
	return ev, nil
}

func (b *Bus) matchSchema(topic string) (schemaRule, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rule := range b.schemas {
		if rule.pattern.Match(topic) {
			return rule, true
		}
	}
	return schemaRule{}, false
}

func (b *Bus) isSafetyCritical(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.safety {
		if p.Match(topic) {
			return true
		}
	}
	return false
}

func (b *Bus) reject(ev *Event, cause error) {
	logger.Noticef("bus: rejected publish to safety-critical topic %q: %v", ev.Topic, cause)
	b.publishMeta(TopicMessageRejected, map[string]interface{}{
		"topic":  ev.Topic,
		"id":     ev.ID,
		"reason": cause.Error(),
	})
}

// publishMeta emits an internal bus.* event, bypassing the namespace
// protection; meta events carry no schema.
func (b *Bus) publishMeta(topic string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Noticef("bus: cannot marshal meta payload for %q: %v", topic, err)
		return
	}
	ev := &Event{
		Topic:   topic,
		ID:      uuid.NewString(),
		TS:      time.Now().UnixMilli(),
		Source:  "bus",
		Payload: raw,
	}
	b.deliver(ev)
}

func (b *Bus) deliver(ev *Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seqs[ev.Topic]++
	ev.Seq = b.seqs[ev.Topic]

	var evicted []*Subscription
	for _, sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		if !sub.enqueue(ev, &b.pending) {
			delete(b.subs, sub.id)
			evicted = append(evicted, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range evicted {
		sub.retire()
		logger.Noticef("bus: subscriber %q disabled: backpressure", sub.name)
		if sub.onDisabled != nil {
			sub.onDisabled("backpressure")
		}
		b.publishMeta(TopicSubscriberDisabled, map[string]interface{}{
			"subscriber": sub.id,
			"name":       sub.name,
			"reason":     "backpressure",
		})
	}
}

func (sub *Subscription) matches(ev *Event) bool {
	if !sub.pattern.Match(ev.Topic) {
		return false
	}
	for key, want := range sub.equals {
		got, ok := ev.Attributes[key]
		if !ok || !attrEqual(got, want) {
			return false
		}
	}
	for _, key := range sub.exists {
		if _, ok := ev.Attributes[key]; !ok {
			return false
		}
	}
	return true
}

func attrEqual(a, b interface{}) bool {
	if na, aok := attrNumber(a); aok {
		nb, bok := attrNumber(b)
		return bok && na == nb
	}
	return a == b
}

func attrNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// enqueue appends ev to the subscriber queue; it reports false when the
// queue would exceed capacity, in which case the caller evicts.
func (sub *Subscription) enqueue(ev *Event, pending *int64) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.gone {
		return true
	}
	if len(sub.queue) >= sub.capacity {
		return false
	}
	sub.queue = append(sub.queue, ev)
	atomic.AddInt64(pending, 1)
	sub.cond.Broadcast()
	return true
}

// retire clears the queue and stops the drain loop.
func (sub *Subscription) retire() {
	sub.mu.Lock()
	dropped := len(sub.queue)
	sub.queue = nil
	sub.gone = true
	sub.cond.Broadcast()
	sub.mu.Unlock()
	if dropped > 0 {
		atomic.AddInt64(&sub.bus.pending, int64(-dropped))
	}
}

func (sub *Subscription) drain() {
	for {
		sub.mu.Lock()
		for !sub.gone && (!sub.active || len(sub.queue) == 0) {
			sub.cond.Wait()
		}
		if sub.gone {
			sub.mu.Unlock()
			return
		}
		ev := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		sub.handle(ev)
		atomic.AddInt64(&sub.bus.pending, -1)
	}
}

func (sub *Subscription) handle(ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			sub.deliveryError(ev, fmt.Errorf("handler panic: %v", r))
		}
	}()
	if err := sub.handler(ev); err != nil {
		sub.deliveryError(ev, err)
	}
}

func (sub *Subscription) deliveryError(ev *Event, err error) {
	logger.Noticef("bus: handler error in %q on %q: %v", sub.name, ev.Topic, err)
	sub.bus.publishMeta(TopicHandlerError, map[string]interface{}{
		"subscriber": sub.id,
		"name":       sub.name,
		"topic":      ev.Topic,
		"error":      err.Error(),
	})
	if sub.onError != nil {
		sub.onError(err)
	}
}

// Idle blocks until no deliveries are queued or in flight, or the
// context is done.
func (b *Bus) Idle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		quiet := atomic.LoadInt64(&b.pending) == 0
		b.mu.Unlock()
		if quiet {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Seq returns the last sequence number assigned on the topic.
func (b *Bus) Seq(topic string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqs[topic]
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close retires all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.retire()
	}
	b.wg.Wait()
}
