// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

var ErrRelayDown = errors.New("relay is down")

// Memory is an in-process relay. It backs tests and offline runs.
type Memory struct {
	events []nostr.Event
	ids    map[string]struct{}
	// delay is applied to every query
	delay   time.Duration
	down    bool
	queries int
	mu      sync.Mutex
}

// NewMemory creates an empty in-memory relay holding evs
func NewMemory(evs ...*nostr.Event) *Memory {
	m := &Memory{ids: make(map[string]struct{})}
	for _, ev := range evs {
		_ = m.Publish(context.Background(), *ev)
	}
	return m
}

// Dialer returns a dialer that connects every URL to this relay
func (m *Memory) Dialer() Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.down {
			return nil, ErrRelayDown
		}
		return m, nil
	}
}

// SetDown makes the relay refuse connections and queries
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetDelay delays every query
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Queries returns the number of queries served
func (m *Memory) Queries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

// Events returns a copy of the stored events
func (m *Memory) Events() []*nostr.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]*nostr.Event, 0, len(m.events))
	for i := range m.events {
		ev := m.events[i]
		ret = append(ret, &ev)
	}
	return ret
}

func (m *Memory) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	m.mu.Lock()
	delay, down := m.delay, m.down
	m.queries++
	m.mu.Unlock()
	if down {
		return nil, ErrRelayDown
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ret []*nostr.Event
	for i := range m.events {
		if filter.Matches(&m.events[i]) {
			ev := m.events[i]
			ret = append(ret, &ev)
		}
		if filter.Limit > 0 && len(ret) >= filter.Limit {
			break
		}
	}
	return ret, nil
}

func (m *Memory) Publish(ctx context.Context, ev nostr.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrRelayDown
	}
	if _, ok := m.ids[ev.ID]; ok {
		return nil
	}
	if addr, ok := address(&ev); ok {
		for i := range m.events {
			old := &m.events[i]
			if a, ok := address(old); !ok || a != addr {
				continue
			}
			// The newest event wins, then the lowest id
			if old.CreatedAt > ev.CreatedAt ||
				(old.CreatedAt == ev.CreatedAt && old.ID < ev.ID) {
				return nil
			}
			delete(m.ids, old.ID)
			m.events = append(m.events[:i], m.events[i+1:]...)
			break
		}
	}
	m.ids[ev.ID] = struct{}{}
	m.events = append(m.events, ev)
	return nil
}

// address returns the replacement key of replaceable and addressable events
func address(ev *nostr.Event) (string, bool) {
	switch {
	case nostr.IsReplaceableKind(ev.Kind):
		return fmt.Sprintf("%d:%s:", ev.Kind, ev.PubKey), true
	case nostr.IsAddressableKind(ev.Kind):
		return fmt.Sprintf("%d:%s:%s", ev.Kind, ev.PubKey, ev.Tags.GetD()), true
	default:
		return "", false
	}
}

// Close is a no-op; the relay outlives its connections
func (m *Memory) Close() error {
	return nil
}
