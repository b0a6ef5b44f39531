// Package cache implements the Cache Adapter: get/set/delete with a
// ping-supervised reconnecting connection. Operations while disconnected
// return absent or are dropped with a log line rather than failing the
// enclosing step.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainflow/streamd/internal/registry"
)

// Config describes one cache client descriptor.
type Config struct {
	ClientID string
	Host     string
	Port     int
	DB       int
}

// Adapter is one cache client's supervised connection.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	client *redis.Client

	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New constructs an Adapter; the connection is established lazily by the
// first ping in Run.
func New(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			DB:   cfg.DB,
		}),
		done: make(chan struct{}),
	}
}

func (a *Adapter) ID() string           { return a.cfg.ClientID }
func (a *Adapter) Kind() registry.Kind  { return registry.KindCache }
func (a *Adapter) State() registry.State {
	if a.connected.Load() {
		return registry.StateConnected
	}
	return registry.StateDisconnected
}

// Run issues a ping every checkInterval, reconnecting on failure, until ctx
// is cancelled.
func (a *Adapter) Run(ctx context.Context, checkInterval time.Duration) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	defer close(a.done)

	a.pingOnce(runCtx)

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			a.pingOnce(runCtx)
		}
	}
}

func (a *Adapter) pingOnce(ctx context.Context) {
	if err := a.client.Ping(ctx).Err(); err != nil {
		if a.connected.CompareAndSwap(true, false) {
			a.logger.Warn("cache connection lost", "client_id", a.cfg.ClientID, "error", err)
		}
		return
	}
	if a.connected.CompareAndSwap(false, true) {
		a.logger.Info("cache connected", "client_id", a.cfg.ClientID)
	}
}

// Set stores value under key. When disconnected the write is logged and
// dropped rather than failing the enclosing step.
func (a *Adapter) Set(ctx context.Context, key string, value []byte) {
	if !a.connected.Load() {
		a.logger.Warn("cache set dropped, disconnected", "client_id", a.cfg.ClientID, "key", key)
		return
	}
	if err := a.client.Set(ctx, key, value, 0).Err(); err != nil {
		a.logger.Error("cache set failed", "client_id", a.cfg.ClientID, "key", key, "error", err)
	}
}

// Get retrieves the value stored under key, returning (nil, false) if
// absent or the adapter is disconnected.
func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool) {
	if !a.connected.Load() {
		return nil, false
	}
	val, err := a.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			a.logger.Error("cache get failed", "client_id", a.cfg.ClientID, "key", key, "error", err)
		}
		return nil, false
	}
	return val, true
}

// Delete removes key. Dropped silently (with a log line) when disconnected.
func (a *Adapter) Delete(ctx context.Context, key string) {
	if !a.connected.Load() {
		a.logger.Warn("cache delete dropped, disconnected", "client_id", a.cfg.ClientID, "key", key)
		return
	}
	if err := a.client.Del(ctx, key).Err(); err != nil {
		a.logger.Error("cache delete failed", "client_id", a.cfg.ClientID, "key", key, "error", err)
	}
}

// Close cancels the supervised ping loop and closes the client.
func (a *Adapter) Close() error {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	return a.client.Close()
}
