// Package chainconfig loads and validates the domain chain_config document:
// the single JSON file declaring broker/relational/cache clients and the
// data-processing chains that bind them together.
package chainconfig

import (
	"encoding/json"
	"fmt"
	"os"
)

// Document is the top-level chain_config JSON shape.
type Document struct {
	ChainConfig ChainConfig `json:"chain_config"`
}

type ChainConfig struct {
	BrokerClients     []BrokerClient     `json:"broker_clients"`
	RelationalClients []RelationalClient `json:"relational_clients"`
	CacheClients      []CacheClient      `json:"cache_clients"`
	Chains            []Chain            `json:"data_processing_chains"`
}

type BrokerClient struct {
	ID       string `json:"id"`
	Server   string `json:"server"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type RelationalClient struct {
	ID               string `json:"id"`
	ConnectionString string `json:"connection_string"`
}

type CacheClient struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
	DB   int    `json:"db"`
}

// Chain is the raw, not-yet-normalized chain declaration as it appears in
// the JSON document. internal/chains normalizes this into its Chain model.
type Chain struct {
	ID              string   `json:"id"`
	Sources         []Source `json:"sources"`
	ProcessingSteps []Step   `json:"processing_steps"`
	Targets         []Target `json:"targets"`
}

type Trigger struct {
	TriggerName string `json:"trigger_name"`
	Table       string `json:"table"`
	Condition   string `json:"condition"`
}

type Source struct {
	ClientID        string    `json:"client_id"`
	ClientType      string    `json:"client_type"`
	Topic           string    `json:"topic,omitempty"`
	Query           string    `json:"query,omitempty"`
	PollingInterval int       `json:"polling_interval,omitempty"`
	Triggers        []Trigger `json:"triggers,omitempty"`
}

type Step struct {
	Type         string   `json:"type"`
	ID           string   `json:"id,omitempty"`
	Query        string   `json:"query,omitempty"`
	ScriptPath   string   `json:"script_path,omitempty"`
	ClientAccess []string `json:"client_access,omitempty"`
}

type Target struct {
	ClientID        string `json:"client_id"`
	ClientType      string `json:"client_type"`
	Topic           string `json:"topic,omitempty"`
	InsertStatement string `json:"insert_statement,omitempty"`
	BatchSize       int    `json:"batch_size,omitempty"`
}

// Load reads and JSON-decodes the document at path. Structural validation
// (schema-shaped field checks) happens in Validate, not here, mirroring the
// original's two-phase read-then-validate JSONFileManager.get_validated_json.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain config %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse chain config %s: %w", path, err)
	}

	return &doc, nil
}

// Validate checks that every chain has a unique, non-empty id and that every
// client has a non-empty id never declared under two different kinds. It
// does not apply the chain admission rules (at least one source and one
// target, complete relational-poll bindings) and does not mutate the
// document; internal/chains.Build applies those rules, logging and skipping
// rejected chains and bindings.
func Validate(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("chain config document is nil")
	}

	seen := make(map[string]bool)
	for _, c := range doc.ChainConfig.Chains {
		if c.ID == "" {
			return fmt.Errorf("chain missing id")
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate chain id %q", c.ID)
		}
		seen[c.ID] = true
	}

	clientKinds := make(map[string]string)
	for _, c := range doc.ChainConfig.BrokerClients {
		if err := registerClientKind(clientKinds, c.ID, "broker"); err != nil {
			return err
		}
	}
	for _, c := range doc.ChainConfig.RelationalClients {
		if err := registerClientKind(clientKinds, c.ID, "relational"); err != nil {
			return err
		}
	}
	for _, c := range doc.ChainConfig.CacheClients {
		if err := registerClientKind(clientKinds, c.ID, "cache"); err != nil {
			return err
		}
	}

	return nil
}

func registerClientKind(kinds map[string]string, id, kind string) error {
	if id == "" {
		return fmt.Errorf("%s client missing id", kind)
	}
	if existing, ok := kinds[id]; ok && existing != kind {
		return fmt.Errorf("client id %q declared as both %q and %q", id, existing, kind)
	}
	kinds[id] = kind
	return nil
}
