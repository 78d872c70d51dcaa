package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenNestedObjectJoinsWithSlash(t *testing.T) {
	in := map[string]any{
		"tagger": map[string]any{"tag": "x", "confidence": 0.92},
	}
	out := Flatten(in)
	assert.Equal(t, "x", out["tagger/tag"])
	assert.Equal(t, "0.92", out["tagger/confidence"])
}

func TestFlattenArraysAreIndexedByPosition(t *testing.T) {
	in := map[string]any{
		"tagger": map[string]any{"labels": []any{"a", "b", "c"}},
	}
	out := Flatten(in)
	assert.Equal(t, "a", out["tagger/labels/0"])
	assert.Equal(t, "b", out["tagger/labels/1"])
	assert.Equal(t, "c", out["tagger/labels/2"])
}

func TestFlattenDropsReservedKeysAtAnyLevel(t *testing.T) {
	in := map[string]any{
		"status": "ok",
		"tagger": map[string]any{"status": "ok", "tag": "x"},
	}
	out := Flatten(in)
	_, hasTopStatus := out["status"]
	_, hasNestedStatus := out["tagger/status"]
	assert.False(t, hasTopStatus)
	assert.False(t, hasNestedStatus)
	assert.Equal(t, "x", out["tagger/tag"])
}

type fakeStore struct {
	fields  map[string]map[string]string
	deleted []string
}

func newFakeStore() *fakeStore { return &fakeStore{fields: make(map[string]map[string]string)} }

func (f *fakeStore) SetFields(ctx context.Context, hashID string, fields map[string]string) error {
	f.fields[hashID] = fields
	return nil
}

func (f *fakeStore) GetFields(ctx context.Context, hashID string) (map[string]string, error) {
	return f.fields[hashID], nil
}

func (f *fakeStore) Delete(ctx context.Context, hashID string) error {
	f.deleted = append(f.deleted, hashID)
	delete(f.fields, hashID)
	return nil
}

func TestAdapterPersistFlattensAndWrites(t *testing.T) {
	store := newFakeStore()
	adapter := New(store, func(path string) (string, bool) { return "", false })

	err := adapter.Persist("hash1", map[string]any{"tagger": map[string]any{"tag": "x"}})
	require.NoError(t, err)
	assert.Equal(t, "x", store.fields["hash1"]["tagger/tag"])
}

func TestAdapterDeleteResolvesHashIDFirst(t *testing.T) {
	store := newFakeStore()
	store.fields["hash1"] = map[string]string{"tagger/tag": "x"}
	adapter := New(store, func(path string) (string, bool) {
		if path == "/watch/a.mkv" {
			return "hash1", true
		}
		return "", false
	})

	require.NoError(t, adapter.Delete("/watch/a.mkv"))
	assert.Equal(t, []string{"hash1"}, store.deleted)
}

func TestAdapterDeleteUnknownPathIsNoop(t *testing.T) {
	store := newFakeStore()
	adapter := New(store, func(path string) (string, bool) { return "", false })

	require.NoError(t, adapter.Delete("/watch/unknown.mkv"))
	assert.Empty(t, store.deleted)
}
