// Package bus defines the event bus port: subject-addressed publish/subscribe
// with at-least-once delivery and per-subject dedup on message id. Subjects
// follow oms.<aggregate>.<action>.<branch>.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// Message is one bus message. ID is the dedup key within a subject; Data is a
// CloudEvents 1.0 structured-JSON document.
type Message struct {
	ID      string
	Subject string
	Data    []byte
}

// Handler consumes one message. A non-nil error nacks the message; whether it
// is redelivered depends on the bus implementation.
type Handler func(ctx context.Context, msg *Message) error

// ErrDuplicate is returned by Publish when the message id was already seen on
// the subject. Publishers treat it as success.
var ErrDuplicate = errors.New("bus: duplicate message id")

// Bus is the transport port.
type Bus interface {
	// Publish delivers the message to the subject, deduplicating on msg.ID.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a handler. Patterns support '*' for one subject
	// segment and '>' for the remaining tail.
	Subscribe(ctx context.Context, pattern, group string, h Handler) (Subscription, error)
}

// Subscription detaches a handler.
type Subscription interface {
	Unsubscribe() error
}

// MatchSubject reports whether a subject matches a pattern with '*' segment
// and '>' tail wildcards.
func MatchSubject(pattern, subject string) bool {
	ps := strings.Split(pattern, ".")
	ss := strings.Split(subject, ".")
	for i, p := range ps {
		if p == ">" {
			return true
		}
		if i >= len(ss) {
			return false
		}
		if p != "*" && p != ss[i] {
			return false
		}
	}
	return len(ps) == len(ss)
}

type memorySub struct {
	pattern string
	group   string
	handler Handler
	bus     *MemoryBus
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[:0]
	for _, sub := range s.bus.subs {
		if sub != s {
			subs = append(subs, sub)
		}
	}
	s.bus.subs = subs
	return nil
}

// MemoryBus is the in-process bus for single-node deployments and tests.
// Delivery is synchronous within Publish; one member per group receives each
// message; duplicate ids per subject are dropped.
type MemoryBus struct {
	mu     sync.Mutex
	seen   map[string]map[string]bool // subject -> message id
	subs   []*memorySub
	logger *slog.Logger
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		seen:   make(map[string]map[string]bool),
		logger: slog.Default().With("component", "memory-bus"),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, msg *Message) error {
	b.mu.Lock()
	ids := b.seen[msg.Subject]
	if ids == nil {
		ids = make(map[string]bool)
		b.seen[msg.Subject] = ids
	}
	if ids[msg.ID] {
		b.mu.Unlock()
		return ErrDuplicate
	}
	ids[msg.ID] = true

	var targets []*memorySub
	delivered := make(map[string]bool)
	for _, s := range b.subs {
		if !MatchSubject(s.pattern, msg.Subject) {
			continue
		}
		if s.group != "" && delivered[s.group] {
			continue
		}
		delivered[s.group] = true
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if err := s.handler(ctx, msg); err != nil {
			b.logger.Warn("handler nacked message",
				"subject", msg.Subject, "message_id", msg.ID, "group", s.group, "error", err)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern, group string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &memorySub{pattern: pattern, group: group, handler: h, bus: b}
	b.subs = append(b.subs, s)
	return s, nil
}
