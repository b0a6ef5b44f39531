package chains

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainflow/streamd/internal/chainconfig"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildRejectsChainWithoutSources(t *testing.T) {
	doc := &chainconfig.Document{ChainConfig: chainconfig.ChainConfig{
		Chains: []chainconfig.Chain{{
			ID:      "c1",
			Targets: []chainconfig.Target{{ClientID: "out", ClientType: "broker", Topic: "out/x"}},
		}},
	}}

	r := Build(doc, testLogger())
	assert.Empty(t, r.ListChains())
}

func TestBuildRejectsChainWithoutTargets(t *testing.T) {
	doc := &chainconfig.Document{ChainConfig: chainconfig.ChainConfig{
		Chains: []chainconfig.Chain{{
			ID:      "c1",
			Sources: []chainconfig.Source{{ClientID: "in", ClientType: "broker", Topic: "in/x"}},
		}},
	}}

	r := Build(doc, testLogger())
	assert.Empty(t, r.ListChains())
}

func TestBuildSkipsIncompletePollSource(t *testing.T) {
	doc := &chainconfig.Document{ChainConfig: chainconfig.ChainConfig{
		Chains: []chainconfig.Chain{{
			ID: "c1",
			Sources: []chainconfig.Source{
				{ClientID: "db", ClientType: "relational-poll", Query: "SELECT 1"}, // missing interval
			},
			Targets: []chainconfig.Target{{ClientID: "out", ClientType: "broker", Topic: "out/x"}},
		}},
	}}

	r := Build(doc, testLogger())
	assert.Empty(t, r.ListChains())
}

func TestChainsForSourceDeduplicated(t *testing.T) {
	doc := &chainconfig.Document{ChainConfig: chainconfig.ChainConfig{
		Chains: []chainconfig.Chain{{
			ID: "c1",
			Sources: []chainconfig.Source{
				{ClientID: "mq1", ClientType: "broker", Topic: "a"},
				{ClientID: "mq1", ClientType: "broker", Topic: "b"},
			},
			Targets: []chainconfig.Target{{ClientID: "out", ClientType: "broker", Topic: "out/x"}},
		}},
	}}

	r := Build(doc, testLogger())
	ids := r.ChainsForSource("mq1")
	require.Len(t, ids, 1)
	assert.Equal(t, "c1", ids[0])
}

func TestUnusedClients(t *testing.T) {
	doc := &chainconfig.Document{ChainConfig: chainconfig.ChainConfig{
		Chains: []chainconfig.Chain{{
			ID:      "c1",
			Sources: []chainconfig.Source{{ClientID: "mq1", ClientType: "broker", Topic: "in/x"}},
			Targets: []chainconfig.Target{{ClientID: "mq2", ClientType: "broker", Topic: "out/x"}},
		}},
	}}

	r := Build(doc, testLogger())
	unused := r.UnusedClients([]string{"mq1", "mq2", "cache1"})
	assert.Equal(t, []string{"cache1"}, unused)
}

func TestGetChainAndListChains(t *testing.T) {
	doc := &chainconfig.Document{ChainConfig: chainconfig.ChainConfig{
		Chains: []chainconfig.Chain{{
			ID:      "c1",
			Sources: []chainconfig.Source{{ClientID: "mq1", ClientType: "broker", Topic: "in/x"}},
			Targets: []chainconfig.Target{{ClientID: "mq2", ClientType: "broker", Topic: "out/x"}},
		}},
	}}

	r := Build(doc, testLogger())
	c, ok := r.GetChain("c1")
	require.True(t, ok)
	assert.Equal(t, "c1", c.ID)
	assert.Len(t, r.ListChains(), 1)

	_, ok = r.GetChain("missing")
	assert.False(t, ok)
}

func TestPruneUnresolvedReferencesDropsDanglingChain(t *testing.T) {
	doc := &chainconfig.Document{ChainConfig: chainconfig.ChainConfig{
		Chains: []chainconfig.Chain{
			{
				ID:      "good",
				Sources: []chainconfig.Source{{ClientID: "mq1", ClientType: "broker", Topic: "in/x"}},
				Targets: []chainconfig.Target{{ClientID: "mq2", ClientType: "broker", Topic: "out/x"}},
			},
			{
				ID:      "dangling-source",
				Sources: []chainconfig.Source{{ClientID: "ghost", ClientType: "broker", Topic: "in/y"}},
				Targets: []chainconfig.Target{{ClientID: "mq2", ClientType: "broker", Topic: "out/y"}},
			},
			{
				ID:      "dangling-target",
				Sources: []chainconfig.Source{{ClientID: "mq1", ClientType: "broker", Topic: "in/z"}},
				Targets: []chainconfig.Target{{ClientID: "ghost", ClientType: "broker", Topic: "out/z"}},
			},
		},
	}}

	r := Build(doc, testLogger())
	require.Len(t, r.ListChains(), 3)

	known := map[string]bool{"mq1": true, "mq2": true}
	resolves := func(clientID string) bool { return known[clientID] }

	dropped := r.PruneUnresolvedReferences(resolves, testLogger())

	assert.ElementsMatch(t, []string{"dangling-source", "dangling-target"}, dropped)
	require.Len(t, r.ListChains(), 1)
	assert.Equal(t, "good", r.ListChains()[0].ID)

	_, ok := r.GetChain("good")
	assert.True(t, ok)
	_, ok = r.GetChain("dangling-source")
	assert.False(t, ok)

	ids := r.ChainsForSource("mq1")
	assert.Equal(t, []string{"good"}, ids)
}

func TestPruneUnresolvedReferencesKeepsChainsWhenEverythingResolves(t *testing.T) {
	doc := &chainconfig.Document{ChainConfig: chainconfig.ChainConfig{
		Chains: []chainconfig.Chain{{
			ID:      "c1",
			Sources: []chainconfig.Source{{ClientID: "mq1", ClientType: "broker", Topic: "in/x"}},
			Targets: []chainconfig.Target{{ClientID: "mq2", ClientType: "broker", Topic: "out/x"}},
		}},
	}}

	r := Build(doc, testLogger())
	dropped := r.PruneUnresolvedReferences(func(string) bool { return true }, testLogger())

	assert.Empty(t, dropped)
	assert.Len(t, r.ListChains(), 1)
}
