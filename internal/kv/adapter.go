package kv

import "context"

// HashResolver looks up the hashId currently associated with a path, so
// a delete event (which only carries a path) can find the KV record to
// remove. The processing-state registry is the only authority on this
// mapping; the adapter never tracks path→hashId itself.
type HashResolver func(path string) (hashID string, ok bool)

// Adapter is the persistence adapter (component I): it flattens
// accumulated per-plugin output and writes it under the file's hashId.
type Adapter struct {
	store   Store
	resolve HashResolver
}

// New wires an Adapter to its backing Store and a path→hashId resolver.
func New(store Store, resolve HashResolver) *Adapter {
	return &Adapter{store: store, resolve: resolve}
}

// Persist flattens pluginOutputs (keyed by pluginID) and writes the
// result under hashID.
func (a *Adapter) Persist(hashID string, pluginOutputs map[string]any) error {
	fields := Flatten(pluginOutputs)
	return a.store.SetFields(context.Background(), hashID, fields)
}

// Snapshot returns a file's currently persisted fields as a generic map,
// for inclusion in a plugin dispatch payload. A hashId with no record
// yet returns an empty map, not an error.
func (a *Adapter) Snapshot(hashID string) (map[string]any, error) {
	fields, err := a.store.GetFields(context.Background(), hashID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

// Delete removes a path's persisted record, resolving its hashId via
// the registry first. A path with no known hashId (deleted before the
// fast stage ever ran) has nothing to remove.
func (a *Adapter) Delete(path string) error {
	hashID, ok := a.resolve(path)
	if !ok || hashID == "" {
		return nil
	}
	return a.store.Delete(context.Background(), hashID)
}
