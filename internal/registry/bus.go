/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/platform/contracts"

	"go.uber.org/zap"
)

// CursorStart subscribes from the beginning of retained history; the empty
// cursor subscribes live-only.
const CursorStart = "0"

// Bus publishes registry state changes onto topic-addressable streams.
// Topics are entity refs ("vm/proxmox:pve01/101"), kind prefixes ("vm/"), or
// "*" for everything.
type Bus interface {
	Publish(ctx context.Context, change *contracts.StateChange) error
	// Subscribe delivers matching changes on the returned channel until the
	// context ends or the cancel function is called.
	Subscribe(ctx context.Context, topic, cursor string) (<-chan contracts.StateChange, func(), error)
	Close() error
}

// NewBus builds the configured bus implementation.
func NewBus(cfg *config.EventBusConfig, logger *zap.Logger) (Bus, error) {
	switch cfg.Kind {
	case "", "in-memory":
		return NewMemoryBus(), nil
	case "redis":
		return NewRedisBus(cfg.RedisAddr, logger)
	default:
		return nil, contracts.NewValidation("registry.event_bus.kind", "unknown event bus kind "+cfg.Kind)
	}
}

// topicMatches implements the subscription addressing scheme.
func topicMatches(topic string, ref contracts.EntityRef) bool {
	switch {
	case topic == "" || topic == "*":
		return true
	case strings.HasSuffix(topic, "/"):
		return strings.HasPrefix(ref.String(), topic)
	default:
		return ref.String() == topic
	}
}

// MemoryBus is the in-process bus with bounded retained history.
type MemoryBus struct {
	mu      sync.Mutex
	history []contracts.StateChange
	subs    map[int]*memorySub
	nextSub int
	closed  bool
}

type memorySub struct {
	topic string
	ch    chan contracts.StateChange
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*memorySub)}
}

// Publish retains the change and fans it out. Slow subscribers drop events
// rather than blocking the writer.
func (b *MemoryBus) Publish(_ context.Context, change *contracts.StateChange) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return contracts.NewTransient("event bus is closed", nil)
	}
	b.history = append(b.history, *change)
	for _, sub := range b.subs {
		if !topicMatches(sub.topic, change.Entity) {
			continue
		}
		select {
		case sub.ch <- *change:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber. A non-empty cursor C replays the retained
// events with version greater than C before live delivery; CursorStart replays
// everything, the empty cursor is live-only.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, cursor string) (<-chan contracts.StateChange, func(), error) {
	var after uint64
	if cursor != "" {
		var err error
		after, err = strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, nil, contracts.NewValidation("cursor", "cursor must be a decimal version: "+cursor)
		}
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, contracts.NewTransient("event bus is closed", nil)
	}
	sub := &memorySub{topic: topic, ch: make(chan contracts.StateChange, 256)}
	if cursor != "" {
		for _, ev := range b.history {
			if ev.Version > after && topicMatches(topic, ev.Entity) {
				select {
				case sub.ch <- ev:
				default:
				}
			}
		}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.ch, cancel, nil
}

// Close drops every subscriber.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}
