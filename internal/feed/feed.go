// Package feed publishes engine events (trades, liquidations, hedge
// requirements) to downstream consumers such as hedge bots.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Event types.
const (
	TypeTrade            = "trade"
	TypeLiquidation      = "liquidation"
	TypeDeposit          = "deposit"
	TypeWithdraw         = "withdraw"
	TypeHedge            = "hedge"
	TypeHedgeRequirement = "hedge_requirement"
	TypeParams           = "params"
)

// Event is one committed state change.
type Event struct {
	Type      string    `json:"type"`
	Account   string    `json:"account,omitempty"`
	Product   string    `json:"product,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives events after their operation has been persisted. Publish
// must not block the engine.
type Sink interface {
	Publish(ctx context.Context, evt Event)
}

// Sinks fans an event out to several sinks.
type Sinks []Sink

func (s Sinks) Publish(ctx context.Context, evt Event) {
	for _, sink := range s {
		sink.Publish(ctx, evt)
	}
}

// NATSPublisher forwards events to JetStream on {prefix}.{type}[.{product}].
type NATSPublisher struct {
	js     jetstream.JetStream
	prefix string
	events chan Event
}

// NewNATSPublisher creates a publisher with a bounded queue. Run drains it.
func NewNATSPublisher(js jetstream.JetStream, prefix string, buffer int) *NATSPublisher {
	return &NATSPublisher{
		js:     js,
		prefix: prefix,
		events: make(chan Event, buffer),
	}
}

// Publish enqueues evt, dropping it when the queue is full.
func (p *NATSPublisher) Publish(_ context.Context, evt Event) {
	select {
	case p.events <- evt:
	default:
		slog.Warn("feed queue full, dropping event", "type", evt.Type, "account", evt.Account)
	}
}

// Run publishes queued events until ctx is done.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.events:
			if err := p.publish(ctx, evt); err != nil {
				// Non-fatal: consumers can rebuild from the ledger.
				slog.Warn("feed publish failed", "type", evt.Type, "err", err)
			}
		}
	}
}

// Subject returns the subject evt is published on.
func (p *NATSPublisher) Subject(evt Event) string {
	subject := fmt.Sprintf("%s.%s", p.prefix, evt.Type)
	if evt.Product != "" {
		subject = fmt.Sprintf("%s.%s", subject, evt.Product)
	}
	return subject
}

func (p *NATSPublisher) publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, p.Subject(evt), data)
	return err
}

// EnsureStream creates the stream holding every subject under prefix.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Recorder is a Sink that keeps events in memory.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) {
	r.Events = append(r.Events, evt)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, e := range r.Events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
