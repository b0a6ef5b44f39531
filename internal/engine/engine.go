// Package engine implements the Chain Engine: chain discovery by
// source, ordered step execution, and target fan-out.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chainflow/streamd/internal/chains"
	"github.com/chainflow/streamd/internal/envelope"
	"github.com/chainflow/streamd/internal/errs"
	"github.com/chainflow/streamd/internal/registry"
	"github.com/chainflow/streamd/internal/relational"
	"github.com/chainflow/streamd/internal/steploader"
)

// BrokerPublisher is the narrow broker capability the engine needs for
// target fan-out; satisfied by broker.Adapter.
type BrokerPublisher interface {
	Publish(topic string, payload []byte) error
}

// RelationalRunner is the narrow relational capability the engine needs
// for sql_query steps and relational-insert targets; satisfied by
// relational.Adapter.
type RelationalRunner interface {
	ExecuteQuery(ctx context.Context, query string, sink func(relational.Row) error) error
	BulkInsert(ctx context.Context, statement string, rows []map[string]any, batchSize int) error
}

// FreshnessGate decides whether a sql_query step must re-run for a given
// (client_id, query) pair. The default implementation always runs the
// query; a real staleness signal (an audit column, a log-sequence number)
// is an extension point.
type FreshnessGate interface {
	ShouldRun(clientID, query string) bool
}

// SystemClockFreshness is the default, always-run gate.
type SystemClockFreshness struct{}

func (SystemClockFreshness) ShouldRun(string, string) bool { return true }

// Engine ties together the registry, chain index, and step loader to
// implement the chain-handling algorithm.
type Engine struct {
	registry  *registry.Registry
	chains    *chains.Registry
	loader    *steploader.Loader
	freshness FreshnessGate
	logger    *slog.Logger
}

func New(reg *registry.Registry, chainReg *chains.Registry, loader *steploader.Loader, freshness FreshnessGate, logger *slog.Logger) *Engine {
	if freshness == nil {
		freshness = SystemClockFreshness{}
	}
	return &Engine{registry: reg, chains: chainReg, loader: loader, freshness: freshness, logger: logger}
}

// HandleBroker is the entry point for a broker delivery: raw is the
// message payload, clientID/topic identify the originating session.
func (e *Engine) HandleBroker(ctx context.Context, clientID, topic string, raw []byte) {
	data := envelope.FromRawPayload(raw)
	env := envelope.WrapBrokerMessage(topic, data)
	e.dispatch(ctx, clientID, env)
}

// HandleTrigger is the entry point for a relational trigger notification.
func (e *Engine) HandleTrigger(ctx context.Context, clientID string, payload string) {
	data := envelope.FromRawPayload([]byte(payload))
	env := envelope.WrapTriggerMessage(data)
	e.dispatch(ctx, clientID, env)
}

// HandlePollRow is the entry point for one row produced by a polling loop;
// the row mapping is the envelope directly.
func (e *Engine) HandlePollRow(ctx context.Context, clientID string, row map[string]any) {
	e.dispatch(ctx, clientID, envelope.New(anyMap(row)))
}

func anyMap(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// dispatch runs every chain registered for clientID, in declared order,
// sequentially on one goroutine started for this delivery.
func (e *Engine) dispatch(ctx context.Context, clientID string, env *envelope.Envelope) {
	chainIDs := e.chains.ChainsForSource(clientID)
	go func() {
		for _, chainID := range chainIDs {
			chain, ok := e.chains.GetChain(chainID)
			if !ok {
				continue
			}
			e.runChain(ctx, chain, env)
		}
	}()
}

// runChain executes one chain's steps in order for one envelope, then fans
// out to every target.
func (e *Engine) runChain(ctx context.Context, chain *chains.Chain, env *envelope.Envelope) {
	current := env

	for _, step := range chain.Steps {
		switch step.Kind {
		case chains.StepSQLQuery:
			current = e.runSQLStep(ctx, chain.ID, step, current)
		case chains.StepScript:
			current = e.runScriptStep(ctx, step, current)
		default:
			e.logger.Warn("unknown step type skipped", "chain_id", chain.ID)
		}
	}

	e.fanOut(ctx, chain, current)
}

func (e *Engine) runSQLStep(ctx context.Context, chainID string, step chains.Step, env *envelope.Envelope) *envelope.Envelope {
	client, ok := e.registry.ResolveKind(step.ClientID, registry.KindRelational)
	if !ok {
		e.logger.Warn("sql_query step references unknown relational client", "chain_id", chainID, "client_id", step.ClientID)
		return env
	}
	runner, ok := client.(RelationalRunner)
	if !ok {
		e.logger.Error("relational client does not implement RelationalRunner", "client_id", step.ClientID)
		return env
	}

	if !e.freshness.ShouldRun(step.ClientID, step.Query) {
		return env
	}

	var rows []any
	err := runner.ExecuteQuery(ctx, step.Query, func(row relational.Row) error {
		rows = append(rows, map[string]any(row))
		return nil
	})
	if err != nil {
		e.logger.Error("sql_query step failed", "chain_id", chainID, "client_id", step.ClientID, "error", err)
		return env
	}
	return envelope.New(rows)
}

func (e *Engine) runScriptStep(ctx context.Context, step chains.Step, env *envelope.Envelope) *envelope.Envelope {
	handles := e.resolveClientHandles(step.ClientAccess)
	return e.loader.Invoke(ctx, step.ScriptPath, env, handles)
}

// resolveClientHandles narrows client access to the ids the step declared,
// omitting unknown ids with a warning.
func (e *Engine) resolveClientHandles(clientAccess []string) map[string]steploader.ClientHandle {
	if len(clientAccess) == 0 {
		return nil
	}
	handles := make(map[string]steploader.ClientHandle)
	for _, id := range clientAccess {
		client, ok := e.registry.Resolve(id)
		if !ok {
			e.logger.Warn("step client_access references unknown client", "client_id", id)
			continue
		}
		handles[id] = steploader.ClientHandle{ClientID: id, Kind: string(client.Kind())}
	}
	return handles
}

// fanOut delivers env to every target in declared order. Fan-out is
// best-effort: one target's failure does not abort delivery to its
// siblings. Discrimination is purely by Kind.
func (e *Engine) fanOut(ctx context.Context, chain *chains.Chain, env *envelope.Envelope) {
	for _, target := range chain.Targets {
		switch target.Kind {
		case chains.TargetBroker:
			e.fanOutBroker(chain.ID, target, env)
		case chains.TargetRelationalInsert:
			e.fanOutRelationalInsert(ctx, chain.ID, target, env)
		}
	}
}

func (e *Engine) fanOutBroker(chainID string, target chains.TargetBinding, env *envelope.Envelope) {
	client, ok := e.registry.ResolveKind(target.ClientID, registry.KindBroker)
	if !ok {
		e.logger.Error("broker target references unknown client", "chain_id", chainID, "client_id", target.ClientID)
		return
	}
	publisher, ok := client.(BrokerPublisher)
	if !ok {
		e.logger.Error("broker client does not implement BrokerPublisher", "client_id", target.ClientID)
		return
	}
	if err := publisher.Publish(target.Topic, []byte(env.String())); err != nil {
		e.logger.Error("target fan-out failed", "chain_id", chainID, "client_id", target.ClientID,
			"error", fmt.Errorf("%w: %w", errs.ErrTargetFailed, err))
	}
}

func (e *Engine) fanOutRelationalInsert(ctx context.Context, chainID string, target chains.TargetBinding, env *envelope.Envelope) {
	client, ok := e.registry.ResolveKind(target.ClientID, registry.KindRelational)
	if !ok {
		e.logger.Error("relational-insert target references unknown client", "chain_id", chainID, "client_id", target.ClientID)
		return
	}
	runner, ok := client.(RelationalRunner)
	if !ok {
		e.logger.Error("relational client does not implement RelationalRunner", "client_id", target.ClientID)
		return
	}

	rows := make([]map[string]any, 0)
	for _, v := range env.AsList() {
		if m, ok := v.(map[string]any); ok {
			rows = append(rows, m)
		}
	}

	if err := runner.BulkInsert(ctx, target.InsertStatement, rows, target.BatchSize); err != nil {
		e.logger.Error("target fan-out failed", "chain_id", chainID, "client_id", target.ClientID,
			"error", fmt.Errorf("%w: relational-insert: %w", errs.ErrTargetFailed, err))
	}
}
