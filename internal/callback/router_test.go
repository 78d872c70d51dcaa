package callback

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metacore/ingest-core/internal/merrors"
)

type fakeResolver struct {
	calls []Payload
	err   error
}

func (f *fakeResolver) Resolve(taskID string, metadata map[string]any, callbackErr error) error {
	f.calls = append(f.calls, Payload{TaskID: taskID, Metadata: metadata})
	return f.err
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHandleResolvesSuccess(t *testing.T) {
	r := &fakeResolver{}
	router := New(r, testLogger())

	err := router.Handle(Payload{TaskID: "t1", Status: "ok", Metadata: map[string]any{"tag": "x"}})
	require.NoError(t, err)
	require.Len(t, r.calls, 1)
	assert.Equal(t, "t1", r.calls[0].TaskID)
}

func TestHandleUnknownTaskIsNoop(t *testing.T) {
	r := &fakeResolver{err: merrors.ErrUnknownTask}
	router := New(r, testLogger())

	err := router.Handle(Payload{TaskID: "ghost", Status: "ok"})
	assert.NoError(t, err)
}

func TestHandlePropagatesOtherErrors(t *testing.T) {
	boom := merrors.ErrGateClosed
	r := &fakeResolver{err: boom}
	router := New(r, testLogger())

	err := router.Handle(Payload{TaskID: "t1", Status: "ok"})
	assert.ErrorIs(t, err, boom)
}
