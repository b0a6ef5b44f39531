// Package steploader implements the Dynamic Step Loader: it resolves
// a script_path into a compiled WebAssembly module, caches it by absolute
// path, and invokes its process_message / initialize exports through a
// shared-memory (ptr, len) calling convention. It also bridges a handful
// of host capabilities (cache get/set/delete, a relational query, a broker
// publish) into the guest module as imported functions, scoped per call to
// the step's declared client_access.
//
// The calling convention is wasm_alloc/wasm_free plus a packed
// (ptr<<32)|len u64 return. Each resolved script is one cached api.Module
// instance, and calls into it are serialized by a per-module mutex so
// concurrent invocations of the same script do not race on its linear
// memory; distinct scripts run on distinct instances and proceed in
// parallel, sharing only the wazero.Runtime. The host-function bridge
// extends the same ptr/len protocol symmetrically:
// a guest calls an imported "env" function with pointers into its own
// memory, and the host (for functions that return data) allocates the
// result via the guest's own wasm_alloc export before writing it back, the
// same allocation/ownership discipline Invoke uses for process_message's
// own input and result.
package steploader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/chainflow/streamd/internal/envelope"
	"github.com/chainflow/streamd/internal/errs"
	"github.com/chainflow/streamd/internal/registry"
	"github.com/chainflow/streamd/internal/relational"
)

// ClientHandle is the JSON-serializable view of a client capability passed
// to a script module: enough for the script to know what it was granted,
// while the live calls themselves go through the host-function bridge
// rather than through this descriptor.
type ClientHandle struct {
	ClientID string `json:"client_id"`
	Kind     string `json:"kind"`
}

// CacheCapability is the narrow cache surface the host bridge's
// cache_get/cache_set/cache_delete imports invoke, satisfied by
// cache.Adapter.
type CacheCapability interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Delete(ctx context.Context, key string)
}

// RelationalCapability is the narrow relational surface the host bridge's
// relational_query import invokes, satisfied by relational.Adapter.
type RelationalCapability interface {
	ExecuteQuery(ctx context.Context, query string, sink func(relational.Row) error) error
}

// BrokerCapability is the narrow broker surface the host bridge's
// broker_publish import invokes, satisfied by broker.Adapter.
type BrokerCapability interface {
	Publish(topic string, payload []byte) error
}

// Loader resolves script_path values into callable modules and caches them
// by absolute path; re-loading at runtime is not supported.
type Loader struct {
	logger  *slog.Logger
	runtime wazero.Runtime
	reg     *registry.Registry

	mu      sync.Mutex
	modules map[string]*loadedModule
}

type loadedModule struct {
	compiled wazero.CompiledModule
	mod      api.Module
	mu       sync.Mutex // serializes calls into this module's linear memory
}

// New constructs a Loader backed by a fresh wazero runtime with WASI
// preview1 host functions instantiated (most script toolchains target
// wasm32-wasi even for pure compute) plus the engine's own capability
// bridge host module. reg resolves the client_id a step's host calls
// address; capability access is scoped per call to the step's
// client_access by allowedClients in ctx, not by reg membership alone.
func New(logger *slog.Logger, reg *registry.Registry) (*Loader, error) {
	ctx := context.Background()

	runtimeConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("steploader: instantiate WASI: %w", err)
	}

	l := &Loader{
		logger:  logger,
		runtime: runtime,
		reg:     reg,
		modules: make(map[string]*loadedModule),
	}

	if err := l.instantiateHostModule(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("steploader: instantiate host bridge: %w", err)
	}

	return l, nil
}

// Close releases the wazero runtime and every loaded module.
func (l *Loader) Close() error {
	return l.runtime.Close(context.Background())
}

// resolve compiles and instantiates scriptPath on first use, returning the
// cached instance thereafter.
func (l *Loader) resolve(ctx context.Context, scriptPath string) (*loadedModule, error) {
	absPath, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("steploader: resolve %q: %w", scriptPath, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if m, ok := l.modules[absPath]; ok {
		return m, nil
	}

	wasmBytes, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("steploader: read %q: %w", scriptPath, err)
	}

	compiled, err := l.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("steploader: compile %q: %w", scriptPath, err)
	}

	mod, err := l.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(absPath))
	if err != nil {
		return nil, fmt.Errorf("steploader: instantiate %q: %w", scriptPath, err)
	}

	m := &loadedModule{compiled: compiled, mod: mod}
	l.modules[absPath] = m
	return m, nil
}

// Initialize calls scriptPath's optional initialize export, bounded by
// timeout. It runs on a disposable module instance distinct from the
// cached one Invoke uses, so a module that blocks past timeout is
// forcibly closed (via the runtime's WithCloseOnContextDone) without
// disturbing the shared instance process_message calls rely on; a failed
// or timed-out initialize must still leave the module available for
// runtime Invoke calls.
func (l *Loader) Initialize(ctx context.Context, scriptPath string, clients map[string]ClientHandle, timeout time.Duration) {
	m, err := l.resolve(ctx, scriptPath)
	if err != nil {
		l.logger.Error("step module resolve failed", "script_path", scriptPath, "error", err)
		return
	}

	if m.mod.ExportedFunction("initialize") == nil {
		return // optional export absent, not an error
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	initMod, err := l.runtime.InstantiateModule(callCtx, m.compiled,
		wazero.NewModuleConfig().WithName(scriptPath+"#init-"+uuid.NewString()))
	if err != nil {
		l.logger.Error("step module initialize instantiate failed", "script_path", scriptPath, "error", err)
		return
	}
	defer initMod.Close(context.Background())

	clientsJSON, err := json.Marshal(clients)
	if err != nil {
		l.logger.Error("step module initialize marshal failed", "script_path", scriptPath, "error", err)
		return
	}

	callCtx = withAllowedClients(callCtx, allowedSet(clients))
	if _, err := callModule(callCtx, initMod, "initialize", clientsJSON); err != nil {
		l.logger.Error("step module initialize failed or timed out", "script_path", scriptPath, "error", err)
		return
	}
}

// Invoke calls scriptPath's required process_message export with the
// current envelope and the resolved client subset. A missing export or a
// call error is logged and the envelope is returned unchanged: a failing
// step is a no-op, never a fatal error.
func (l *Loader) Invoke(ctx context.Context, scriptPath string, env *envelope.Envelope, clients map[string]ClientHandle) *envelope.Envelope {
	m, err := l.resolve(ctx, scriptPath)
	if err != nil {
		l.logger.Error("step module resolve failed", "script_path", scriptPath, "error", err)
		return env
	}

	if m.mod.ExportedFunction("process_message") == nil {
		l.logger.Warn("step module has no process_message export", "script_path", scriptPath, "error", errs.ErrStepMisconfigured)
		return env
	}

	input := struct {
		Envelope any                     `json:"envelope"`
		Clients  map[string]ClientHandle `json:"clients"`
	}{Envelope: env.Value, Clients: clients}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		l.logger.Error("step invocation marshal failed", "script_path", scriptPath, "error", err)
		return env
	}

	ctx = withAllowedClients(ctx, allowedSet(clients))
	resultJSON, err := m.call(ctx, "process_message", inputJSON)
	if err != nil {
		l.logger.Error("step invocation failed", "script_path", scriptPath, "error", errs.ErrStepFailed, "cause", err)
		return env
	}
	if len(resultJSON) == 0 {
		return env // missing result leaves the envelope unchanged
	}

	var decoded any
	if err := json.Unmarshal(resultJSON, &decoded); err != nil {
		l.logger.Error("step result decode failed", "script_path", scriptPath, "error", err)
		return env
	}
	return envelope.New(decoded)
}

// call implements the shared-memory (ptr, len) calling convention on the
// module's own cached instance, serialized by its mutex.
func (m *loadedModule) call(ctx context.Context, fnName string, input []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return callModule(ctx, m.mod, fnName, input)
}

// callModule implements the shared-memory (ptr, len) calling convention:
// allocate input, write it, call fnName(ptr, len), unpack the packed
// (ptr<<32)|len return, read and copy the result, then free both buffers.
// It is a free function (rather than a loadedModule method) because
// Initialize calls it against a disposable instance that isn't a
// loadedModule at all.
func callModule(ctx context.Context, mod api.Module, fnName string, input []byte) ([]byte, error) {
	allocFn := mod.ExportedFunction("wasm_alloc")
	freeFn := mod.ExportedFunction("wasm_free")
	targetFn := mod.ExportedFunction(fnName)
	if allocFn == nil || freeFn == nil || targetFn == nil {
		return nil, fmt.Errorf("missing export %q (or wasm_alloc/wasm_free)", fnName)
	}

	inputSize := uint64(len(input))
	var inputPtr uint64
	if inputSize > 0 {
		results, err := allocFn.Call(ctx, inputSize)
		if err != nil {
			return nil, fmt.Errorf("wasm_alloc: %w", err)
		}
		inputPtr = results[0]
		if inputPtr == 0 {
			return nil, fmt.Errorf("wasm_alloc returned null")
		}
		if !mod.Memory().Write(uint32(inputPtr), input) {
			freeFn.Call(ctx, inputPtr, inputSize)
			return nil, fmt.Errorf("memory write out of range")
		}
	}

	results, err := targetFn.Call(ctx, inputPtr, inputSize)
	if inputSize > 0 {
		freeFn.Call(ctx, inputPtr, inputSize)
	}
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", fnName, err)
	}

	packed := results[0]
	resultPtr := uint32(packed >> 32)
	resultLen := uint32(packed & 0xFFFFFFFF)
	if resultPtr == 0 || resultLen == 0 {
		return nil, nil
	}

	resultBytes, ok := mod.Memory().Read(resultPtr, resultLen)
	if !ok {
		return nil, fmt.Errorf("memory read out of range")
	}
	output := make([]byte, len(resultBytes))
	copy(output, resultBytes)
	freeFn.Call(ctx, uint64(resultPtr), uint64(resultLen))

	return output, nil
}

// allowedSet narrows a client map down to the set of ids a host-bridge call
// in the current invocation may address.
func allowedSet(clients map[string]ClientHandle) map[string]bool {
	out := make(map[string]bool, len(clients))
	for id := range clients {
		out[id] = true
	}
	return out
}

type allowedClientsKey struct{}

func withAllowedClients(ctx context.Context, allowed map[string]bool) context.Context {
	return context.WithValue(ctx, allowedClientsKey{}, allowed)
}

func allowedClients(ctx context.Context) map[string]bool {
	m, _ := ctx.Value(allowedClientsKey{}).(map[string]bool)
	return m
}
