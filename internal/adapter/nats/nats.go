// Package nats implements the remote coordination backend using NATS.
// Calls go over request/reply; successful calls are mirrored to a JetStream
// audit stream so coordination activity is durable and replayable.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arbiterhq/arbiter/internal/port/coordination"
)

const (
	streamName    = "ARBITER"
	rpcPrefix     = "coord.rpc."
	auditPrefix   = "coord.events."
	defaultRPCTTL = 5 * time.Second
)

// Backend implements coordination.Backend over NATS.
type Backend struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the audit stream exists.
func Connect(ctx context.Context, url string) (*Backend, error) {
	nc, err := nats.Connect(url)
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
		Subjects: []string{auditPrefix + ">"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Backend{nc: nc, js: js}, nil
}

// Execute performs one coordination call as a request/reply round trip.
func (b *Backend) Execute(ctx context.Context, req *coordination.Request) (*coordination.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal coordination request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRPCTTL)
		defer cancel()
	}

	subject := rpcPrefix + string(req.Primitive)
	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}

	var resp coordination.Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal coordination response: %w", err)
	}

	b.audit(ctx, req)
	return &resp, nil
}

// audit mirrors a completed call onto the JetStream audit stream, best-effort.
func (b *Backend) audit(ctx context.Context, req *coordination.Request) {
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	if _, err := b.js.Publish(ctx, auditPrefix+string(req.Primitive), data); err != nil {
		slog.Debug("coordination audit publish failed", "primitive", req.Primitive, "error", err)
	}
}

// IsConnected reports whether the NATS connection is currently usable.
func (b *Backend) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Drain gracefully drains the connection before closing.
func (b *Backend) Drain() error {
	return b.nc.Drain()
}

// Close shuts down the NATS connection immediately.
func (b *Backend) Close() error {
	b.nc.Close()
	return nil
}
