package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainflow/streamd/internal/chains"
	"github.com/chainflow/streamd/internal/envelope"
	"github.com/chainflow/streamd/internal/registry"
	"github.com/chainflow/streamd/internal/relational"
	"github.com/chainflow/streamd/internal/steploader"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBroker is a registry.Client + BrokerPublisher test double that
// records every Publish call.
type fakeBroker struct {
	id string

	mu        sync.Mutex
	published []publishCall
	failNext  bool
}

type publishCall struct {
	topic   string
	payload string
}

func (f *fakeBroker) ID() string            { return f.id }
func (f *fakeBroker) Kind() registry.Kind   { return registry.KindBroker }
func (f *fakeBroker) State() registry.State { return registry.StateConnected }
func (f *fakeBroker) Close() error          { return nil }

func (f *fakeBroker) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return assert.AnError
	}
	f.published = append(f.published, publishCall{topic: topic, payload: string(payload)})
	return nil
}

func (f *fakeBroker) calls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishCall, len(f.published))
	copy(out, f.published)
	return out
}

// fakeRelational is a registry.Client + RelationalRunner test double.
type fakeRelational struct {
	id string

	queryRows []relational.Row
	queryErr  error

	mu        sync.Mutex
	inserted  [][]map[string]any
	insertErr error
}

func (f *fakeRelational) ID() string            { return f.id }
func (f *fakeRelational) Kind() registry.Kind   { return registry.KindRelational }
func (f *fakeRelational) State() registry.State { return registry.StateConnected }
func (f *fakeRelational) Close() error          { return nil }

func (f *fakeRelational) ExecuteQuery(ctx context.Context, query string, sink func(relational.Row) error) error {
	if f.queryErr != nil {
		return f.queryErr
	}
	for _, row := range f.queryRows {
		if err := sink(row); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRelational) BulkInsert(ctx context.Context, statement string, rows []map[string]any, batchSize int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, rows)
	return nil
}

func (f *fakeRelational) inserts() [][]map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]map[string]any, len(f.inserted))
	copy(out, f.inserted)
	return out
}

func TestHandleBrokerFansOutToBrokerTarget(t *testing.T) {
	reg := registry.New()
	out := &fakeBroker{id: "out"}
	require.NoError(t, reg.Register(out))

	chainReg := buildChainRegistryForTest(t, chains.Chain{
		ID:      "c1",
		Sources: []chains.SourceBinding{{Kind: chains.SourceBroker, ClientID: "in"}},
		Targets: []chains.TargetBinding{{Kind: chains.TargetBroker, ClientID: "out", Topic: "out/x"}},
	})

	e := New(reg, chainReg, nil, nil, testLogger())
	e.HandleBroker(context.Background(), "in", "in/x", []byte(`{"name":"alice"}`))

	require.Eventually(t, func() bool { return len(out.calls()) == 1 }, time.Second, 5*time.Millisecond)
	call := out.calls()[0]
	assert.Equal(t, "out/x", call.topic)
	assert.Contains(t, call.payload, "alice")
	assert.Contains(t, call.payload, "topic")
}

func TestHandleBrokerRunsSQLStepThenInserts(t *testing.T) {
	reg := registry.New()
	db := &fakeRelational{id: "db", queryRows: []relational.Row{{"id": 1}, {"id": 2}}}
	require.NoError(t, reg.Register(db))

	chainReg := buildChainRegistryForTest(t, chains.Chain{
		ID:      "c1",
		Sources: []chains.SourceBinding{{Kind: chains.SourceBroker, ClientID: "in"}},
		Steps:   []chains.Step{{Kind: chains.StepSQLQuery, ClientID: "db", Query: "SELECT id FROM t"}},
		Targets: []chains.TargetBinding{{Kind: chains.TargetRelationalInsert, ClientID: "db", InsertStatement: "INSERT INTO out VALUES (:id)", BatchSize: 10}},
	})

	e := New(reg, chainReg, nil, nil, testLogger())
	e.HandleBroker(context.Background(), "in", "in/x", []byte(`{}`))

	require.Eventually(t, func() bool { return len(db.inserts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, db.inserts()[0], 2)
}

func TestFanOutIsolatesTargetFailures(t *testing.T) {
	reg := registry.New()
	good := &fakeBroker{id: "good"}
	bad := &fakeBroker{id: "bad", failNext: true}
	require.NoError(t, reg.Register(good))
	require.NoError(t, reg.Register(bad))

	chainReg := buildChainRegistryForTest(t, chains.Chain{
		ID:      "c1",
		Sources: []chains.SourceBinding{{Kind: chains.SourceBroker, ClientID: "in"}},
		Targets: []chains.TargetBinding{
			{Kind: chains.TargetBroker, ClientID: "bad", Topic: "a"},
			{Kind: chains.TargetBroker, ClientID: "good", Topic: "b"},
		},
	})

	e := New(reg, chainReg, nil, nil, testLogger())
	e.HandleBroker(context.Background(), "in", "in/x", []byte(`{}`))

	require.Eventually(t, func() bool { return len(good.calls()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestUnknownTargetClientIsLoggedAndSkipped(t *testing.T) {
	reg := registry.New()
	chainReg := buildChainRegistryForTest(t, chains.Chain{
		ID:      "c1",
		Sources: []chains.SourceBinding{{Kind: chains.SourceBroker, ClientID: "in"}},
		Targets: []chains.TargetBinding{{Kind: chains.TargetBroker, ClientID: "missing", Topic: "a"}},
	})

	e := New(reg, chainReg, nil, nil, testLogger())
	// Must not panic.
	e.HandleBroker(context.Background(), "in", "in/x", []byte(`{}`))
	time.Sleep(20 * time.Millisecond)
}

func TestFreshnessGateCanSkipSQLStep(t *testing.T) {
	reg := registry.New()
	db := &fakeRelational{id: "db", queryRows: []relational.Row{{"id": 1}}}
	out := &fakeBroker{id: "out"}
	require.NoError(t, reg.Register(db))
	require.NoError(t, reg.Register(out))

	chainReg := buildChainRegistryForTest(t, chains.Chain{
		ID:      "c1",
		Sources: []chains.SourceBinding{{Kind: chains.SourceBroker, ClientID: "in"}},
		Steps:   []chains.Step{{Kind: chains.StepSQLQuery, ClientID: "db", Query: "SELECT id FROM t"}},
		Targets: []chains.TargetBinding{{Kind: chains.TargetBroker, ClientID: "out", Topic: "out/x"}},
	})

	e := New(reg, chainReg, nil, neverRunGate{}, testLogger())
	original := envelope.New(map[string]any{"seed": true})
	e.dispatch(context.Background(), "in", original)

	require.Eventually(t, func() bool { return len(out.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, out.calls()[0].payload, "seed")
}

func TestHandleBrokerRunsScriptStepThenFansOut(t *testing.T) {
	reg := registry.New()
	out := &fakeBroker{id: "out"}
	require.NoError(t, reg.Register(out))

	loader, err := steploader.New(testLogger(), reg)
	require.NoError(t, err)
	t.Cleanup(func() { loader.Close() })

	path := writeWASMModuleForTest(t, buildEchoWASMModuleForTest(t, []byte(`{"name":"ALICE"}`)))

	chainReg := buildChainRegistryForTest(t, chains.Chain{
		ID:      "c1",
		Sources: []chains.SourceBinding{{Kind: chains.SourceBroker, ClientID: "in"}},
		Steps:   []chains.Step{{Kind: chains.StepScript, ScriptPath: path}},
		Targets: []chains.TargetBinding{{Kind: chains.TargetBroker, ClientID: "out", Topic: "out/x"}},
	})

	e := New(reg, chainReg, loader, nil, testLogger())
	e.HandleBroker(context.Background(), "in", "in/x", []byte(`{"name":"alice"}`))

	require.Eventually(t, func() bool { return len(out.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, out.calls()[0].payload, "ALICE")
}

type neverRunGate struct{}

func (neverRunGate) ShouldRun(string, string) bool { return false }

// buildChainRegistryForTest constructs a chains.Registry holding exactly one
// already-normalized chain, bypassing chainconfig/Build (whose admission
// rules and raw-JSON shape are covered by internal/chains' own tests).
func buildChainRegistryForTest(t *testing.T, c chains.Chain) *chains.Registry {
	t.Helper()
	return chains.NewForTest([]chains.Chain{c})
}

// --- hand-assembled WASM module, mirroring internal/steploader's own test
// helper, since that helper is unexported and this package needs a real
// compiled script to exercise a StepScript chain end to end. ---

func writeWASMModuleForTest(t *testing.T, module []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.wasm")
	require.NoError(t, os.WriteFile(path, module, 0o644))
	return path
}

func uleb128ForTest(x uint64) []byte {
	var buf []byte
	for {
		b := byte(x & 0x7f)
		x >>= 7
		if x != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if x == 0 {
			break
		}
	}
	return buf
}

func sleb128ForTest(x int64) []byte {
	var buf []byte
	more := true
	for more {
		b := byte(x & 0x7f)
		x >>= 7
		if (x == 0 && b&0x40 == 0) || (x == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

func wasmSectionForTest(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb128ForTest(uint64(len(content)))...)
	out = append(out, content...)
	return out
}

// buildEchoWASMModuleForTest assembles a minimal real WASM module exporting
// memory, wasm_alloc, wasm_free, and process_message, where process_message
// ignores its input and always returns result via an active data segment,
// enough to drive a StepScript chain through the genuine
// wasm_alloc/call/unpack/read/free protocol without a wasm toolchain.
func buildEchoWASMModuleForTest(t *testing.T, result []byte) []byte {
	t.Helper()

	const dataOffset = 1024
	bumpInit := int32(dataOffset + len(result) + 64)

	module := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	typeSection := []byte{0x03}
	typeSection = append(typeSection, 0x60, 0x01, 0x7f, 0x01, 0x7f)
	typeSection = append(typeSection, 0x60, 0x02, 0x7f, 0x7f, 0x00)
	typeSection = append(typeSection, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e)
	module = append(module, wasmSectionForTest(1, typeSection)...)

	funcSection := []byte{0x03, 0x00, 0x01, 0x02}
	module = append(module, wasmSectionForTest(3, funcSection)...)

	memSection := []byte{0x01, 0x00, 0x01}
	module = append(module, wasmSectionForTest(5, memSection)...)

	globalSection := []byte{0x01}
	globalSection = append(globalSection, 0x7f, 0x01)
	globalSection = append(globalSection, 0x41)
	globalSection = append(globalSection, sleb128ForTest(int64(bumpInit))...)
	globalSection = append(globalSection, 0x0B)
	module = append(module, wasmSectionForTest(6, globalSection)...)

	exportSection := []byte{0x04}
	exportSection = append(exportSection, exportEntryForTest("memory", 0x02, 0)...)
	exportSection = append(exportSection, exportEntryForTest("wasm_alloc", 0x00, 0)...)
	exportSection = append(exportSection, exportEntryForTest("wasm_free", 0x00, 1)...)
	exportSection = append(exportSection, exportEntryForTest("process_message", 0x00, 2)...)
	module = append(module, wasmSectionForTest(7, exportSection)...)

	allocBody := []byte{
		0x01, 0x01, 0x7f,
		0x23, 0x00,
		0x21, 0x01,
		0x23, 0x00,
		0x20, 0x00,
		0x6A,
		0x24, 0x00,
		0x20, 0x01,
		0x0B,
	}
	freeBody := []byte{0x00, 0x0B}

	packed := (uint64(dataOffset) << 32) | uint64(len(result))
	processBody := []byte{0x00}
	processBody = append(processBody, 0x42)
	processBody = append(processBody, sleb128ForTest(int64(packed))...)
	processBody = append(processBody, 0x0B)

	codeSection := []byte{0x03}
	codeSection = append(codeSection, codeEntryForTest(allocBody)...)
	codeSection = append(codeSection, codeEntryForTest(freeBody)...)
	codeSection = append(codeSection, codeEntryForTest(processBody)...)
	module = append(module, wasmSectionForTest(10, codeSection)...)

	dataSection := []byte{0x01}
	dataSection = append(dataSection, 0x00)
	dataSection = append(dataSection, 0x41)
	dataSection = append(dataSection, sleb128ForTest(int64(dataOffset))...)
	dataSection = append(dataSection, 0x0B)
	dataSection = append(dataSection, uleb128ForTest(uint64(len(result)))...)
	dataSection = append(dataSection, result...)
	module = append(module, wasmSectionForTest(11, dataSection)...)

	return module
}

func exportEntryForTest(name string, kind byte, index uint32) []byte {
	out := uleb128ForTest(uint64(len(name)))
	out = append(out, []byte(name)...)
	out = append(out, kind)
	out = append(out, uleb128ForTest(uint64(index))...)
	return out
}

func codeEntryForTest(body []byte) []byte {
	out := uleb128ForTest(uint64(len(body)))
	out = append(out, body...)
	return out
}
