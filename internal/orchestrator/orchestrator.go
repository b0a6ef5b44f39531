// Package orchestrator implements the Ingestion Orchestrator: it wires
// the chain config document into live clients, starts one supervised task per
// chain source, and owns graceful shutdown: a cancel of the root context
// stops every supervised task, then clients are closed in reverse
// registration order under a timeout-guarded wait.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chainflow/streamd/internal/broker"
	"github.com/chainflow/streamd/internal/cache"
	"github.com/chainflow/streamd/internal/chainconfig"
	"github.com/chainflow/streamd/internal/chains"
	"github.com/chainflow/streamd/internal/config"
	"github.com/chainflow/streamd/internal/engine"
	"github.com/chainflow/streamd/internal/registry"
	"github.com/chainflow/streamd/internal/relational"
	"github.com/chainflow/streamd/internal/steploader"
)

// restartBackoff is the delay before a supervised task is restarted after it
// returns (error or not); a task that returns is assumed to have failed,
// since every supervised task (broker session, relational listen loop, poll
// loop) is meant to run until ctx is cancelled.
const restartBackoff = 10 * time.Second

// Orchestrator owns every live client and supervised task for one process.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *registry.Registry
	chains   *chains.Registry
	loader   *steploader.Loader
	engine   *engine.Engine

	wg sync.WaitGroup
}

// New constructs an Orchestrator from the engine config and the loaded chain
// config document.
func New(cfg *config.Config, doc *chainconfig.Document, logger *slog.Logger) (*Orchestrator, error) {
	reg := registry.New()
	chainReg := chains.Build(doc, logger)

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		chains:   chainReg,
	}
	o.bootstrapClients(doc)

	if dropped := chainReg.PruneUnresolvedReferences(o.clientResolves, logger); len(dropped) > 0 {
		logger.Warn("chains dropped at startup: dangling client reference", "chain_ids", dropped)
	}

	loader, err := steploader.New(logger, reg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: step loader: %w", err)
	}
	o.loader = loader
	o.engine = engine.New(reg, chainReg, loader, nil, logger)

	return o, nil
}

// clientResolves reports whether clientID names a client registered during
// bootstrapClients, the predicate PruneUnresolvedReferences checks every
// chain's source and target bindings against.
func (o *Orchestrator) clientResolves(clientID string) bool {
	_, ok := o.registry.Resolve(clientID)
	return ok
}

// bootstrapClients registers every declared broker/relational/cache client
// (connection establishment happens in Run, once supervised tasks start).
func (o *Orchestrator) bootstrapClients(doc *chainconfig.Document) {
	for _, b := range doc.ChainConfig.BrokerClients {
		adapter := broker.New(broker.Config{
			ClientID: b.ID, Server: b.Server, Port: b.Port, Username: b.Username, Password: b.Password,
		}, o.logger, o.cfg.ReconnectInterval())
		if err := o.registry.Register(adapter); err != nil {
			o.logger.Error("broker client registration failed", "client_id", b.ID, "error", err)
		}
	}

	for _, r := range doc.ChainConfig.RelationalClients {
		adapter := relational.New(r.ID, r.ConnectionString, o.logger, o.cfg.RetryLimit, o.cfg.ReconnectInterval())
		if err := o.registry.Register(adapter); err != nil {
			o.logger.Error("relational client registration failed", "client_id", r.ID, "error", err)
		}
	}

	for _, c := range doc.ChainConfig.CacheClients {
		adapter := cache.New(cache.Config{ClientID: c.ID, Host: c.Host, Port: c.Port, DB: c.DB}, o.logger)
		if err := o.registry.Register(adapter); err != nil {
			o.logger.Error("cache client registration failed", "client_id", c.ID, "error", err)
		}
	}

	declared := make([]string, 0, len(doc.ChainConfig.BrokerClients)+len(doc.ChainConfig.RelationalClients)+len(doc.ChainConfig.CacheClients))
	for _, b := range doc.ChainConfig.BrokerClients {
		declared = append(declared, b.ID)
	}
	for _, r := range doc.ChainConfig.RelationalClients {
		declared = append(declared, r.ID)
	}
	for _, c := range doc.ChainConfig.CacheClients {
		declared = append(declared, c.ID)
	}
	for _, id := range o.chains.UnusedClients(declared) {
		o.logger.Warn("client declared but referenced by no chain", "client_id", id)
	}
}

// Run starts every client's supervised loop and every chain source's
// delivery task, then blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	for _, client := range o.registry.All() {
		client := client
		switch c := client.(type) {
		case *broker.Adapter:
			c.OnMessage(func(ctx context.Context, clientID, topic string, payload []byte) {
				o.engine.HandleBroker(ctx, clientID, topic, payload)
			})
			o.supervise(ctx, fmt.Sprintf("broker:%s", c.ID()), func(ctx context.Context) error {
				c.Run(ctx)
				return nil
			})
		case *relational.Adapter:
			o.supervise(ctx, fmt.Sprintf("relational-verify:%s", c.ID()), func(ctx context.Context) error {
				if err := c.ConnectAndVerify(ctx); err != nil {
					return err
				}
				c.PeriodicVerify(ctx, o.cfg.VerifyInterval())
				return nil
			})
		case *cache.Adapter:
			o.supervise(ctx, fmt.Sprintf("cache:%s", c.ID()), func(ctx context.Context) error {
				c.Run(ctx, o.cfg.CacheCheckInterval())
				return nil
			})
		}
	}

	time.Sleep(200 * time.Millisecond) // let client sessions settle before sourcing chain traffic

	o.initializeScripts(ctx)
	o.startChainSources(ctx)

	<-ctx.Done()
	o.logger.Info("orchestrator shutting down")
}

// startChainSources starts one supervised task per relational-poll or
// relational-trigger source binding across every admitted chain. Broker
// sources need no task of their own: the Subscribe call below just adds
// topics to a session that's already running.
func (o *Orchestrator) startChainSources(ctx context.Context) {
	for _, chain := range o.chains.ListChains() {
		for _, source := range chain.Sources {
			source := source
			switch source.Kind {
			case chains.SourceBroker:
				client, ok := o.registry.ResolveKind(source.ClientID, registry.KindBroker)
				if !ok {
					o.logger.Error("chain source references unknown broker client", "chain_id", chain.ID, "client_id", source.ClientID)
					continue
				}
				client.(*broker.Adapter).Subscribe(source.Topic)

			case chains.SourceRelationalPoll:
				o.supervise(ctx, fmt.Sprintf("poll:%s:%s", chain.ID, source.ClientID), func(ctx context.Context) error {
					return o.pollLoop(ctx, source)
				})

			case chains.SourceRelationalTrigger:
				o.supervise(ctx, fmt.Sprintf("listen:%s:%s", chain.ID, source.ClientID), func(ctx context.Context) error {
					return o.listenLoop(ctx, source)
				})
			}
		}
	}
}

func (o *Orchestrator) pollLoop(ctx context.Context, source chains.SourceBinding) error {
	client, ok := o.registry.ResolveKind(source.ClientID, registry.KindRelational)
	if !ok {
		return fmt.Errorf("poll loop: unknown relational client %q", source.ClientID)
	}
	adapter := client.(*relational.Adapter)

	// Run-then-sleep rather than a ticker: successive poll runs must be
	// separated by the full interval measured from the end of one run to the
	// start of the next, even when the query itself is slow.
	interval := time.Duration(source.PollingInterval) * time.Second
	for {
		rowCount := 0
		err := adapter.ExecuteQuery(ctx, source.Query, func(row relational.Row) error {
			rowCount++
			o.engine.HandlePollRow(ctx, source.ClientID, map[string]any(row))
			return nil
		})
		if err != nil {
			o.logger.Error("poll query failed", "client_id", source.ClientID, "error", err)
		} else {
			o.logger.Info("poll pass complete", "client_id", source.ClientID, "rows", rowCount)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (o *Orchestrator) listenLoop(ctx context.Context, source chains.SourceBinding) error {
	client, ok := o.registry.ResolveKind(source.ClientID, registry.KindRelational)
	if !ok {
		return fmt.Errorf("listen loop: unknown relational client %q", source.ClientID)
	}
	adapter := client.(*relational.Adapter)

	if err := adapter.InstallTrigger(ctx, relational.TriggerConfig{
		TriggerName: source.TriggerName, Table: source.Table, ConditionSQL: source.ConditionSQL,
	}); err != nil {
		return fmt.Errorf("install trigger %q: %w", source.TriggerName, err)
	}

	return adapter.Listen(ctx, source.TriggerName, func(payload string) error {
		o.engine.HandleTrigger(ctx, source.ClientID, payload)
		return nil
	})
}

// initializeScripts calls every distinct script module's optional
// initialize export once at startup, bounded by the config's initialize
// timeout.
func (o *Orchestrator) initializeScripts(ctx context.Context) {
	seen := make(map[string]bool)
	for _, chain := range o.chains.ListChains() {
		for _, step := range chain.Steps {
			if step.Kind != chains.StepScript || seen[step.ScriptPath] {
				continue
			}
			seen[step.ScriptPath] = true

			handles := make(map[string]steploader.ClientHandle)
			for _, id := range step.ClientAccess {
				client, ok := o.registry.Resolve(id)
				if !ok {
					o.logger.Warn("step client_access references unknown client", "chain_id", chain.ID, "client_id", id)
					continue
				}
				handles[id] = steploader.ClientHandle{ClientID: id, Kind: string(client.Kind())}
			}
			o.loader.Initialize(ctx, step.ScriptPath, handles, o.cfg.InitializeTimeout())
		}
	}
}

// supervise runs task in its own goroutine, restarting it after
// restartBackoff whenever it returns, until ctx is cancelled.
func (o *Orchestrator) supervise(ctx context.Context, name string, task func(context.Context) error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if err := task(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("supervised task failed", "task", name, "error", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(restartBackoff):
			}
		}
	}()
}

// Shutdown waits up to timeout for every supervised task to exit, then
// closes every registered client in reverse registration order.
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("all supervised tasks stopped")
	case <-time.After(timeout):
		o.logger.Warn("shutdown timeout exceeded, closing clients anyway")
	}

	for _, err := range o.registry.CloseAll() {
		o.logger.Error("client close failed", "error", err)
	}
	if err := o.loader.Close(); err != nil {
		o.logger.Error("step loader close failed", "error", err)
	}
}
