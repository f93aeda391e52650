package capture

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perimeter/pkg/structlog"
	"perimeter/pkg/typing"
)

func openTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := OpenSpool(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func batch(user string, ts ...int64) typing.Batch {
	b := typing.Batch{UserID: user}
	for _, x := range ts {
		b.TypingData = append(b.TypingData, typing.Event{Key: "a", Timestamp: x, Keydown: true})
	}
	return b
}

func TestSpoolPutPendingDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestSpool(t)

	id1, err := s.Put(ctx, batch("u1", 1, 2), errors.New("down"))
	require.NoError(t, err)
	_, err = s.Put(ctx, batch("u2"), nil)
	require.NoError(t, err)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, batch("u1", 1, 2), pending[0].Batch)
	assert.Equal(t, "down", pending[0].LastError)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, []typing.Event{}, pending[1].Batch.TypingData)

	require.NoError(t, s.MarkFailed(ctx, id1, errors.New("still down")))
	first, err := s.Pending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 2, first[0].Attempts)
	assert.Equal(t, "still down", first[0].LastError)

	require.NoError(t, s.Delete(ctx, id1))
	n, _ = s.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestSpoolSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "spool.db")
	s, err := OpenSpool(path)
	require.NoError(t, err)
	_, err = s.Put(ctx, batch("u1", 1), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSpool(path)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func quiet() *structlog.Logger { return structlog.NewLogger("test", structlog.LevelFatal, io.Discard) }

func TestSpoolingSenderSpoolsRetryableFailures(t *testing.T) {
	ctx := context.Background()
	spool := openTestSpool(t)
	next := &fakeSender{err: &StatusError{StatusCode: 502}}
	s := NewSpoolingSender(next, spool, quiet())

	_, err := s.Send(ctx, batch("u1", 1))
	assert.Error(t, err)
	n, _ := spool.Len(ctx)
	assert.Equal(t, 1, n)

	next.err = &StatusError{StatusCode: 400}
	_, err = s.Send(ctx, batch("u1", 2))
	assert.Error(t, err)
	n, _ = spool.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	spool := openTestSpool(t)
	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := spool.Put(ctx, batch(u, 1), nil)
		require.NoError(t, err)
	}

	next := &fakeSender{err: errors.New("connection refused")}
	s := NewSpoolingSender(next, spool, quiet())

	res, err := s.Replay(ctx)
	assert.Error(t, err)
	assert.Equal(t, ReplayResult{Remaining: 3}, res)
	pending, _ := spool.Pending(ctx, 1)
	assert.Equal(t, 2, pending[0].Attempts)

	next.err = nil
	next.resp = &Response{StatusCode: 200}
	res, err = s.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)

	sent := next.sent()
	require.Len(t, sent, 4)
	assert.Equal(t, []string{"u1", "u1", "u2", "u3"},
		[]string{sent[0].UserID, sent[1].UserID, sent[2].UserID, sent[3].UserID})
	n, _ := spool.Len(ctx)
	assert.Zero(t, n)
}

func TestReplayDiscardsRejected(t *testing.T) {
	ctx := context.Background()
	spool := openTestSpool(t)
	_, err := spool.Put(ctx, batch("u1", 1), nil)
	require.NoError(t, err)

	s := NewSpoolingSender(&fakeSender{err: &StatusError{StatusCode: 400}}, spool, quiet())
	res, err := s.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)
	n, _ := spool.Len(ctx)
	assert.Zero(t, n)
}
