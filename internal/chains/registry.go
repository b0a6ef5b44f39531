// Package chains implements the Chain Registry / Config View: a
// read-only, normalized in-memory projection of the validated chain_config
// document.
package chains

import (
	"log/slog"

	"github.com/chainflow/streamd/internal/chainconfig"
)

// SourceKind discriminates a chain's source bindings.
type SourceKind string

const (
	SourceBroker          SourceKind = "broker"
	SourceRelationalPoll  SourceKind = "relational-poll"
	SourceRelationalTrigger SourceKind = "relational-trigger"
)

// TargetKind discriminates a chain's target bindings.
type TargetKind string

const (
	TargetBroker          TargetKind = "broker"
	TargetRelationalInsert TargetKind = "relational-insert"
)

// StepKind discriminates a chain step.
type StepKind string

const (
	StepSQLQuery StepKind = "sql_query"
	StepScript   StepKind = "script"
)

type SourceBinding struct {
	Kind            SourceKind
	ClientID        string
	Topic           string
	Query           string
	PollingInterval int
	TriggerName     string
	Table           string
	ConditionSQL    string
}

type TargetBinding struct {
	Kind            TargetKind
	ClientID        string
	Topic           string
	InsertStatement string
	BatchSize       int
}

type Step struct {
	Kind         StepKind
	ClientID     string
	Query        string
	ScriptPath   string
	ClientAccess []string
}

type Chain struct {
	ID      string
	Sources []SourceBinding
	Steps   []Step
	Targets []TargetBinding
}

// Registry is the immutable, validated view of every admitted chain.
type Registry struct {
	chains        []Chain
	byID          map[string]*Chain
	chainsBySource map[string][]string // client_id -> chain IDs, dedup + ordered
}

// Build normalizes doc into a Registry, applying the admission rule that a
// chain with no sources or no targets is rejected, and the relational-poll
// rule that both query and polling_interval are required. It does not gate
// admission on client references resolving to anything real: a chain
// referencing an unknown client is still constructed; the orchestrator
// resolves client bindings at startup and logs there too.
func Build(doc *chainconfig.Document, logger *slog.Logger) *Registry {
	r := &Registry{
		byID:          make(map[string]*Chain),
		chainsBySource: make(map[string][]string),
	}

	for _, raw := range doc.ChainConfig.Chains {
		c := normalizeChain(raw, logger)
		if len(c.Sources) == 0 {
			logger.Warn("chain rejected: no sources", "chain_id", c.ID)
			continue
		}
		if len(c.Targets) == 0 {
			logger.Warn("chain rejected: no targets", "chain_id", c.ID)
			continue
		}
		r.chains = append(r.chains, c)
	}

	// Index only once the chains slice has stopped growing, so the stored
	// *Chain pointers stay valid.
	for i := range r.chains {
		c := &r.chains[i]
		r.byID[c.ID] = c
		seen := make(map[string]bool)
		for _, s := range c.Sources {
			if seen[s.ClientID] {
				continue
			}
			seen[s.ClientID] = true
			r.chainsBySource[s.ClientID] = append(r.chainsBySource[s.ClientID], c.ID)
		}
	}

	return r
}

func normalizeChain(raw chainconfig.Chain, logger *slog.Logger) Chain {
	c := Chain{ID: raw.ID}

	for _, s := range raw.Sources {
		switch SourceKind(s.ClientType) {
		case SourceBroker:
			c.Sources = append(c.Sources, SourceBinding{Kind: SourceBroker, ClientID: s.ClientID, Topic: s.Topic})
		case SourceRelationalPoll:
			if s.Query == "" || s.PollingInterval <= 0 {
				logger.Warn("relational-poll source skipped: query and polling_interval both required",
					"chain_id", raw.ID, "client_id", s.ClientID)
				continue
			}
			c.Sources = append(c.Sources, SourceBinding{
				Kind: SourceRelationalPoll, ClientID: s.ClientID, Query: s.Query, PollingInterval: s.PollingInterval,
			})
		case SourceRelationalTrigger:
			for _, trig := range s.Triggers {
				c.Sources = append(c.Sources, SourceBinding{
					Kind: SourceRelationalTrigger, ClientID: s.ClientID,
					TriggerName: trig.TriggerName, Table: trig.Table, ConditionSQL: trig.Condition,
				})
			}
		default:
			logger.Warn("unknown source client_type skipped", "chain_id", raw.ID, "client_type", s.ClientType)
		}
	}

	for _, step := range raw.ProcessingSteps {
		switch StepKind(step.Type) {
		case StepSQLQuery:
			c.Steps = append(c.Steps, Step{Kind: StepSQLQuery, ClientID: step.ID, Query: step.Query})
		case StepScript:
			c.Steps = append(c.Steps, Step{Kind: StepScript, ScriptPath: step.ScriptPath, ClientAccess: step.ClientAccess})
		default:
			logger.Warn("unknown step type skipped", "chain_id", raw.ID, "type", step.Type)
		}
	}

	for _, t := range raw.Targets {
		switch TargetKind(t.ClientType) {
		case TargetBroker:
			c.Targets = append(c.Targets, TargetBinding{Kind: TargetBroker, ClientID: t.ClientID, Topic: t.Topic})
		case TargetRelationalInsert:
			batchSize := t.BatchSize
			if batchSize <= 0 {
				batchSize = 100
			}
			c.Targets = append(c.Targets, TargetBinding{
				Kind: TargetRelationalInsert, ClientID: t.ClientID, InsertStatement: t.InsertStatement, BatchSize: batchSize,
			})
		default:
			logger.Warn("unknown target client_type skipped", "chain_id", raw.ID, "client_type", t.ClientType)
		}
	}

	return c
}

// NewForTest builds a Registry directly from already-normalized chains,
// skipping the chainconfig decode/admission pipeline Build runs. Exported
// for other packages' tests (e.g. internal/engine) that need a chains.Registry
// fixture without round-tripping through raw JSON; Build's own admission
// rules are covered by this package's tests.
func NewForTest(chainList []Chain) *Registry {
	r := &Registry{
		byID:           make(map[string]*Chain),
		chainsBySource: make(map[string][]string),
	}
	r.chains = chainList
	for i := range r.chains {
		c := &r.chains[i]
		r.byID[c.ID] = c
		seen := make(map[string]bool)
		for _, s := range c.Sources {
			if seen[s.ClientID] {
				continue
			}
			seen[s.ClientID] = true
			r.chainsBySource[s.ClientID] = append(r.chainsBySource[s.ClientID], c.ID)
		}
	}
	return r
}

// ChainsForSource returns the deduplicated, ordered chain IDs whose
// sources include clientID.
func (r *Registry) ChainsForSource(clientID string) []string {
	return r.chainsBySource[clientID]
}

// GetChain returns the chain registered under id.
func (r *Registry) GetChain(id string) (*Chain, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// ListChains returns every admitted chain, in load order.
func (r *Registry) ListChains() []Chain {
	return r.chains
}

// PruneUnresolvedReferences drops every chain with at least one source or
// target client_id that resolves returns false for, and rebuilds the
// registry's indexes around the surviving chains. It is meant to run once
// at startup, after the Client Registry has been populated; a chain
// dangling off a client that was never declared (or failed to register)
// would otherwise only surface as a per-message "unknown target" log line
// on its first delivery; pruning it once up front means that failure mode
// is caught at boot instead of repeated on every message the chain would
// have handled.
//
// Script steps are not pruned on: a step's client_access list is an
// optional capability grant, not a hard dependency, and resolveClientHandles
// already drops individual missing ids per call rather than failing the
// chain.
func (r *Registry) PruneUnresolvedReferences(resolves func(clientID string) bool, logger *slog.Logger) []string {
	var dropped []string
	kept := r.chains[:0:0]

	for _, c := range r.chains {
		if missing := firstUnresolved(c, resolves); missing != "" {
			logger.Warn("chain dropped at startup: client reference does not resolve",
				"chain_id", c.ID, "client_id", missing)
			dropped = append(dropped, c.ID)
			continue
		}
		kept = append(kept, c)
	}

	r.chains = kept
	r.byID = make(map[string]*Chain, len(kept))
	r.chainsBySource = make(map[string][]string, len(kept))
	for i := range r.chains {
		c := &r.chains[i]
		r.byID[c.ID] = c
		seen := make(map[string]bool)
		for _, s := range c.Sources {
			if seen[s.ClientID] {
				continue
			}
			seen[s.ClientID] = true
			r.chainsBySource[s.ClientID] = append(r.chainsBySource[s.ClientID], c.ID)
		}
	}

	return dropped
}

// firstUnresolved returns the first source or target client_id in c that
// resolves rejects, or "" if every reference resolves.
func firstUnresolved(c Chain, resolves func(clientID string) bool) string {
	for _, s := range c.Sources {
		if !resolves(s.ClientID) {
			return s.ClientID
		}
	}
	for _, t := range c.Targets {
		if !resolves(t.ClientID) {
			return t.ClientID
		}
	}
	return ""
}

// UnusedClients returns the subset of declaredIDs referenced by no chain's
// sources, targets, or step client_access lists, for the orchestrator's
// startup diagnostics.
func (r *Registry) UnusedClients(declaredIDs []string) []string {
	referenced := make(map[string]bool)
	for _, c := range r.chains {
		for _, s := range c.Sources {
			referenced[s.ClientID] = true
		}
		for _, t := range c.Targets {
			referenced[t.ClientID] = true
		}
		for _, s := range c.Steps {
			for _, id := range s.ClientAccess {
				referenced[id] = true
			}
		}
	}

	var unused []string
	for _, id := range declaredIDs {
		if !referenced[id] {
			unused = append(unused, id)
		}
	}
	return unused
}
