package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream holding lifecycle events.
const StreamName = "CALLBRIDGE_EVENTS"

// subjectPrefix namespaces all published subjects; the full subject is
// callbridge.<event type>, e.g. callbridge.call.ended.
const subjectPrefix = "callbridge."

// JetStreamSink publishes lifecycle events to a JetStream stream. Messages
// carry the event id as Nats-Msg-Id so duplicate publishes collapse and
// consumers can dedupe.
type JetStreamSink struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger
}

// NewJetStreamSink connects to NATS and ensures the event stream exists.
func NewJetStreamSink(natsURL string, maxAge time.Duration, logger *slog.Logger) (*JetStreamSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	s := &JetStreamSink{
		nc:  nc,
		js:  js,
		log: logger.With("subsystem", "events"),
	}

	if err := s.ensureStream(context.Background(), maxAge); err != nil {
		nc.Close()
		return nil, err
	}

	return s, nil
}

func (s *JetStreamSink) ensureStream(ctx context.Context, maxAge time.Duration) error {
	// Try to get existing stream first.
	_, err := s.js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	s.log.Info("created event stream", "name", StreamName, "max_age", maxAge)
	return nil
}

// Publish implements Sink.
func (s *JetStreamSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	_, err = s.js.Publish(ctx, subjectPrefix+ev.Type, data, jetstream.WithMsgID(ev.ID))
	if err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Close drains the NATS connection.
func (s *JetStreamSink) Close() {
	s.nc.Drain()
}
