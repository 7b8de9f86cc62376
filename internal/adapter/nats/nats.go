// Package nats implements the message queue port using NATS JetStream. It
// carries the partitioned status queue and the callback subjects.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/MediaBroker/internal/logger"
	"github.com/Strob0t/MediaBroker/internal/port/messagequeue"
)

const (
	streamName = "MEDIABROKER"

	headerRequestID  = "X-Request-ID"
	headerRetryCount = "Retry-Count"

	// maxRetries is the number of failed deliveries after which a message is
	// moved to <subject>.dlq.
	maxRetries = 3
	nakDelay   = 500 * time.Millisecond
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials NATS and ensures the broker stream exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.Name("mediabroker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
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

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{messagequeue.SubjectTaskStatus + ".>", messagequeue.SubjectCallback + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// Publish validates data against the subject schema and publishes it with
// the request id of ctx, if any.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe binds a durable consumer to subject. MaxAckPending is 1, so a
// subject is handled one message at a time across every broker instance
// sharing the durable name.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(ctx, msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}

func (q *Queue) handle(ctx context.Context, msg jetstream.Msg, handler messagequeue.Handler) {
	subject := msg.Subject()
	if id := msg.Headers().Get(headerRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}
	log := logger.FromContext(ctx)

	if err := messagequeue.Validate(subject, msg.Data()); err != nil {
		log.Error("invalid message, moving to dlq", "subject", subject, "error", err)
		q.moveToDLQ(ctx, msg)
		return
	}

	err := handler(ctx, subject, msg.Data())
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error("nats ack failed", "subject", subject, "error", ackErr)
		}
		return
	}

	if retries := retryCount(msg); retries >= maxRetries {
		log.Error("message handler failed, retries exhausted", "subject", subject, "retries", retries, "error", err)
		q.moveToDLQ(ctx, msg)
		return
	}
	log.Warn("message handler failed, redelivering", "subject", subject, "error", err)
	if nakErr := msg.NakWithDelay(nakDelay); nakErr != nil {
		log.Error("nats nak failed", "subject", subject, "error", nakErr)
	}
}

// moveToDLQ republishes msg on <subject>.dlq and terminates the original.
func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg) {
	dlq := &nats.Msg{Subject: msg.Subject() + ".dlq", Data: msg.Data(), Header: nats.Header{}}
	for k, v := range msg.Headers() {
		dlq.Header[k] = v
	}
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.Error("nats dlq publish failed", "subject", dlq.Subject, "error", err)
		_ = msg.Nak()
		return
	}
	if err := msg.Term(); err != nil {
		slog.Error("nats term failed", "subject", msg.Subject(), "error", err)
	}
}

// retryCount is the larger of the Retry-Count header and the number of
// previous JetStream deliveries.
func retryCount(msg jetstream.Msg) int {
	n, _ := strconv.Atoi(msg.Headers().Get(headerRetryCount))
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		n = max(n, int(meta.NumDelivered)-1)
	}
	return n
}

// durableName turns a subject into a valid consumer name.
func durableName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all")
	return "mediabroker_" + r.Replace(subject)
}

// KeyValue returns the named KV bucket, creating it with ttl if needed.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain flushes in-flight messages, then closes the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
