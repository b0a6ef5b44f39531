package steploader

import (
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero/api"

	"github.com/chainflow/streamd/internal/registry"
	"github.com/chainflow/streamd/internal/relational"
)

// instantiateHostModule registers the "env" host module a guest script
// imports to reach cache, relational, and broker clients at runtime. Every
// function takes a client_id string (as a ptr/len pair into the calling
// module's own memory) and checks it against the allowed-client set carried
// on ctx by Invoke/Initialize before resolving it in the registry: a
// script can only reach clients its step declared under client_access,
// never an arbitrary client_id it happens to guess.
//
// A host function that returns data allocates the result through the
// *calling* module's own wasm_alloc export before writing it, the same
// ownership rule Invoke already applies to process_message's result.
func (l *Loader) instantiateHostModule(ctx context.Context) error {
	_, err := l.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(l.hostCacheGet).Export("cache_get").
		NewFunctionBuilder().WithFunc(l.hostCacheSet).Export("cache_set").
		NewFunctionBuilder().WithFunc(l.hostCacheDelete).Export("cache_delete").
		NewFunctionBuilder().WithFunc(l.hostRelationalQuery).Export("relational_query").
		NewFunctionBuilder().WithFunc(l.hostBrokerPublish).Export("broker_publish").
		Instantiate(ctx)
	return err
}

// resolveCache looks up clientID as a cache capability, honoring the
// allowed-client set carried on ctx for the current invocation.
func (l *Loader) resolveCache(ctx context.Context, clientID string) (CacheCapability, bool) {
	if !allowedClients(ctx)[clientID] {
		return nil, false
	}
	c, ok := l.reg.ResolveKind(clientID, registry.KindCache)
	if !ok {
		return nil, false
	}
	capability, ok := c.(CacheCapability)
	return capability, ok
}

func (l *Loader) resolveRelational(ctx context.Context, clientID string) (RelationalCapability, bool) {
	if !allowedClients(ctx)[clientID] {
		return nil, false
	}
	c, ok := l.reg.ResolveKind(clientID, registry.KindRelational)
	if !ok {
		return nil, false
	}
	capability, ok := c.(RelationalCapability)
	return capability, ok
}

func (l *Loader) resolveBroker(ctx context.Context, clientID string) (BrokerCapability, bool) {
	if !allowedClients(ctx)[clientID] {
		return nil, false
	}
	c, ok := l.reg.ResolveKind(clientID, registry.KindBroker)
	if !ok {
		return nil, false
	}
	capability, ok := c.(BrokerCapability)
	return capability, ok
}

// hostCacheGet: cache_get(client_id_ptr, client_id_len, key_ptr, key_len) -> packed (ptr<<32)|len, 0 if absent or denied.
func (l *Loader) hostCacheGet(ctx context.Context, mod api.Module, clientIDPtr, clientIDLen, keyPtr, keyLen uint32) uint64 {
	clientID, ok := readGuestString(mod, clientIDPtr, clientIDLen)
	if !ok {
		return 0
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return 0
	}

	cache, ok := l.resolveCache(ctx, clientID)
	if !ok {
		return 0
	}

	value, found := cache.Get(ctx, key)
	if !found {
		return 0
	}
	return writeGuestBytes(ctx, mod, value)
}

// hostCacheSet: cache_set(client_id_ptr, client_id_len, key_ptr, key_len, value_ptr, value_len) -> 1 ok, 0 denied/missing.
func (l *Loader) hostCacheSet(ctx context.Context, mod api.Module, clientIDPtr, clientIDLen, keyPtr, keyLen, valuePtr, valueLen uint32) uint32 {
	clientID, ok := readGuestString(mod, clientIDPtr, clientIDLen)
	if !ok {
		return 0
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return 0
	}
	value, ok := mod.Memory().Read(valuePtr, valueLen)
	if !ok {
		return 0
	}

	cache, ok := l.resolveCache(ctx, clientID)
	if !ok {
		return 0
	}

	cache.Set(ctx, key, value)
	return 1
}

// hostCacheDelete: cache_delete(client_id_ptr, client_id_len, key_ptr, key_len) -> 1 ok, 0 denied/missing.
func (l *Loader) hostCacheDelete(ctx context.Context, mod api.Module, clientIDPtr, clientIDLen, keyPtr, keyLen uint32) uint32 {
	clientID, ok := readGuestString(mod, clientIDPtr, clientIDLen)
	if !ok {
		return 0
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return 0
	}

	cache, ok := l.resolveCache(ctx, clientID)
	if !ok {
		return 0
	}

	cache.Delete(ctx, key)
	return 1
}

// hostRelationalQuery: relational_query(client_id_ptr, client_id_len, query_ptr, query_len) -> packed
// (ptr<<32)|len pointing at a JSON array of row objects. A denied client,
// missing client, or query error all yield an empty "[]" array rather than
// trapping the guest; a failing host call must never crash the script.
func (l *Loader) hostRelationalQuery(ctx context.Context, mod api.Module, clientIDPtr, clientIDLen, queryPtr, queryLen uint32) uint64 {
	clientID, ok := readGuestString(mod, clientIDPtr, clientIDLen)
	if !ok {
		return writeGuestBytes(ctx, mod, []byte("[]"))
	}
	query, ok := readGuestString(mod, queryPtr, queryLen)
	if !ok {
		return writeGuestBytes(ctx, mod, []byte("[]"))
	}

	db, ok := l.resolveRelational(ctx, clientID)
	if !ok {
		return writeGuestBytes(ctx, mod, []byte("[]"))
	}

	rows := []relational.Row{}
	err := db.ExecuteQuery(ctx, query, func(row relational.Row) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		l.logger.Error("host relational_query failed", "client_id", clientID, "error", err)
		return writeGuestBytes(ctx, mod, []byte("[]"))
	}

	resultJSON, err := json.Marshal(rows)
	if err != nil {
		return writeGuestBytes(ctx, mod, []byte("[]"))
	}
	return writeGuestBytes(ctx, mod, resultJSON)
}

// hostBrokerPublish: broker_publish(client_id_ptr, client_id_len, topic_ptr, topic_len, payload_ptr, payload_len) -> 1 ok, 0 denied/failed.
func (l *Loader) hostBrokerPublish(ctx context.Context, mod api.Module, clientIDPtr, clientIDLen, topicPtr, topicLen, payloadPtr, payloadLen uint32) uint32 {
	clientID, ok := readGuestString(mod, clientIDPtr, clientIDLen)
	if !ok {
		return 0
	}
	topic, ok := readGuestString(mod, topicPtr, topicLen)
	if !ok {
		return 0
	}
	payload, ok := mod.Memory().Read(payloadPtr, payloadLen)
	if !ok {
		return 0
	}

	pub, ok := l.resolveBroker(ctx, clientID)
	if !ok {
		return 0
	}

	if err := pub.Publish(topic, payload); err != nil {
		l.logger.Error("host broker_publish failed", "client_id", clientID, "topic", topic, "error", err)
		return 0
	}
	return 1
}

// readGuestString reads a UTF-8 string out of the calling module's own
// linear memory; the host never allocates for input parameters, only for
// return data.
func readGuestString(mod api.Module, ptr, length uint32) (string, bool) {
	if length == 0 {
		return "", true
	}
	b, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

// writeGuestBytes allocates data.len bytes via the calling module's own
// wasm_alloc export, writes data into it, and returns the packed
// (ptr<<32)|len result the guest expects, the same convention callModule
// uses for process_message's return value. Returns 0 if the module has no
// allocator or the write fails.
func writeGuestBytes(ctx context.Context, mod api.Module, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	allocFn := mod.ExportedFunction("wasm_alloc")
	if allocFn == nil {
		return 0
	}
	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil || results[0] == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0
	}
	return (uint64(ptr) << 32) | uint64(len(data))
}

