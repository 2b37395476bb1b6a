// Package natsbridge forwards queue and circuit events to NATS.
//
// Subjects:
//
//	<prefix>.queue.<event>                e.g. conductor.queue.task-failed
//	<prefix>.circuit.<resource>.<event>   e.g. conductor.circuit.anthropic.circuit-state-change
//	<prefix>.learnings                    run learnings (see RecordLearning)
//
// Payloads are the JSON encoding of queue.Event and breaker.Event.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/conductor/internal/breaker"
	"github.com/fyrsmithlabs/conductor/internal/queue"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "conductor"

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnects enabled.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("conductor"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Bridge publishes engine events. Publish failures are logged and counted,
// never returned to the engine.
type Bridge struct {
	pub    Publisher
	prefix string
	logger *zap.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a bridge publishing under prefix.
func New(pub Publisher, prefix string, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Bridge{pub: pub, prefix: prefix, logger: logger.Named("natsbridge")}
}

// QueueSubject returns the subject for a queue event type.
func (b *Bridge) QueueSubject(t queue.EventType) string {
	return b.prefix + ".queue." + token(string(t))
}

// CircuitSubject returns the subject for a circuit event on resource.
func (b *Bridge) CircuitSubject(resource string, t breaker.EventType) string {
	return b.prefix + ".circuit." + token(resource) + "." + token(string(t))
}

// LearningSubject is where RecordLearning publishes.
func (b *Bridge) LearningSubject() string {
	return b.prefix + ".learnings"
}

// Run forwards events from q and reg until ctx is done or both event
// streams are closed.
func (b *Bridge) Run(ctx context.Context, q *queue.Queue, reg *breaker.Registry) error {
	g, ctx := errgroup.WithContext(ctx)
	if q != nil {
		events, unsubscribe := q.Subscribe()
		g.Go(func() error {
			defer unsubscribe()
			b.ForwardQueue(ctx, events)
			return nil
		})
	}
	if reg != nil {
		events, unsubscribe := reg.Subscribe()
		g.Go(func() error {
			defer unsubscribe()
			b.ForwardCircuits(ctx, events)
			return nil
		})
	}
	return g.Wait()
}

// ForwardQueue publishes queue events until ctx is done or events closes.
func (b *Bridge) ForwardQueue(ctx context.Context, events <-chan queue.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.publish(b.QueueSubject(ev.Type), ev)
		}
	}
}

// ForwardCircuits publishes circuit events until ctx is done or events closes.
func (b *Bridge) ForwardCircuits(ctx context.Context, events <-chan breaker.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.publish(b.CircuitSubject(ev.ResourceID, ev.Type), ev)
		}
	}
}

// Learning is the payload published by RecordLearning.
type Learning struct {
	Content string    `json:"content"`
	Tags    []string  `json:"tags,omitempty"`
	Time    time.Time `json:"time"`
}

// RecordLearning publishes a run learning, so the bridge can serve as the
// orchestrator's memory recorder.
func (b *Bridge) RecordLearning(_ context.Context, content string, tags []string) error {
	data, err := json.Marshal(Learning{Content: content, Tags: tags, Time: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal learning: %w", err)
	}
	if err := b.pub.Publish(b.LearningSubject(), data); err != nil {
		b.failed.Add(1)
		return fmt.Errorf("publish learning: %w", err)
	}
	b.published.Add(1)
	return nil
}

// Published returns how many messages were published.
func (b *Bridge) Published() uint64 { return b.published.Load() }

// Failed returns how many publishes failed.
func (b *Bridge) Failed() uint64 { return b.failed.Load() }

func (b *Bridge) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.failed.Add(1)
		b.logger.Warn("encoding event failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := b.pub.Publish(subject, data); err != nil {
		b.failed.Add(1)
		b.logger.Warn("publishing event failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.published.Add(1)
	b.logger.Debug("event published", zap.String("subject", subject))
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
