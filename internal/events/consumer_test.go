package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmitter struct{ admitted []string }

func (f *fakeAdmitter) Admit(path string) error {
	f.admitted = append(f.admitted, path)
	return nil
}

type fakeRemover struct{ removed []string }

func (f *fakeRemover) Remove(path string) { f.removed = append(f.removed, path) }

type fakeMetaDeleter struct{ deleted []string }

func (f *fakeMetaDeleter) Delete(path string) error {
	f.deleted = append(f.deleted, path)
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestConsumer(admitter *fakeAdmitter, remover *fakeRemover, meta *fakeMetaDeleter) *Consumer {
	return &Consumer{pipeline: admitter, registry: remover, meta: meta, log: testLogger()}
}

func encodeEvent(t *testing.T, evt FileEvent) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	return &nats.Msg{Data: data}
}

func TestCreateEventAdmitsPath(t *testing.T) {
	admitter := &fakeAdmitter{}
	c := newTestConsumer(admitter, &fakeRemover{}, &fakeMetaDeleter{})

	c.handle(encodeEvent(t, FileEvent{Kind: "create", Path: "/watch/a.mkv"}))
	require.Len(t, admitter.admitted, 1)
	assert.Equal(t, "/watch/a.mkv", admitter.admitted[0])
}

func TestUpdateEventAdmitsPath(t *testing.T) {
	admitter := &fakeAdmitter{}
	c := newTestConsumer(admitter, &fakeRemover{}, &fakeMetaDeleter{})

	c.handle(encodeEvent(t, FileEvent{Kind: "update", Path: "/watch/a.mkv"}))
	assert.Len(t, admitter.admitted, 1)
}

func TestDeleteEventClearsRegistryAndMetadata(t *testing.T) {
	remover := &fakeRemover{}
	meta := &fakeMetaDeleter{}
	c := newTestConsumer(&fakeAdmitter{}, remover, meta)

	c.handle(encodeEvent(t, FileEvent{Kind: "delete", Path: "/watch/a.mkv"}))
	assert.Equal(t, []string{"/watch/a.mkv"}, remover.removed)
	assert.Equal(t, []string{"/watch/a.mkv"}, meta.deleted)
}

func TestMalformedEventIsDiscarded(t *testing.T) {
	admitter := &fakeAdmitter{}
	c := newTestConsumer(admitter, &fakeRemover{}, &fakeMetaDeleter{})

	c.handle(&nats.Msg{Data: []byte("not json")})
	assert.Empty(t, admitter.admitted)
}

func TestUnknownKindIsIgnored(t *testing.T) {
	admitter := &fakeAdmitter{}
	remover := &fakeRemover{}
	c := newTestConsumer(admitter, remover, &fakeMetaDeleter{})

	c.handle(encodeEvent(t, FileEvent{Kind: "rename", Path: "/watch/a.mkv"}))
	assert.Empty(t, admitter.admitted)
	assert.Empty(t, remover.removed)
}
