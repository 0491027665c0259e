package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapdocs/internal/models"
	"synapdocs/internal/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db))
	return New(db)
}

func seedChat(t *testing.T, l *Ledger, userID, threadID string, docs ...string) {
	t.Helper()
	ctx := context.Background()
	for _, d := range docs {
		require.NoError(t, l.AddDocument(ctx, userID, d, time.Now()))
	}
	_, err := l.CreateChat(ctx, userID, threadID, "", docs, time.Now())
	require.NoError(t, err)
}

func TestUserOwnsThreadThreeWay(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	seedChat(t, l, "alice", "T1")
	seedChat(t, l, "bob", "T2")

	got, err := l.UserOwnsThread(ctx, "alice", "T1")
	require.NoError(t, err)
	assert.Equal(t, Owned, got)

	got, err = l.UserOwnsThread(ctx, "alice", "T2")
	require.NoError(t, err)
	assert.Equal(t, Forbidden, got)

	got, err = l.UserOwnsThread(ctx, "alice", "T3")
	require.NoError(t, err)
	assert.Equal(t, NotFound, got)
	assert.Equal(t, "notFound", got.String())
}

func TestBeginFinalizeTurn(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	seedChat(t, l, "alice", "T1", "a.pdf")

	begin := time.Now().UTC()
	turn, err := l.BeginTurn(ctx, "T1", "What is this?", begin)
	require.NoError(t, err)
	assert.Greater(t, turn.AIMessageID, turn.UserMessageID)

	history, err := l.FetchHistory(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.SenderAI, history[1].Sender)
	assert.Empty(t, history[1].Message)

	text := "Hello" + " world"
	require.NoError(t, l.FinalizeTurn(ctx, "T1", turn.AIMessageID, text, begin.Add(time.Second)))

	history, err = l.FetchHistory(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.SenderUser, history[0].Sender)
	assert.Equal(t, "What is this?", history[0].Message)
	assert.Equal(t, models.SenderAI, history[1].Sender)
	assert.Equal(t, "Hello world", history[1].Message)
	assert.False(t, history[1].TimeSent.Before(history[0].TimeSent))

	chats, err := l.ListChats(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.False(t, chats[0].UpdatedAt.Before(begin.Add(time.Second)))
}

func TestBeginTurnSameTimestampOrdersByID(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	seedChat(t, l, "alice", "T1")

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	_, err := l.BeginTurn(ctx, "T1", "q1", ts)
	require.NoError(t, err)
	_, err = l.BeginTurn(ctx, "T1", "q2", ts)
	require.NoError(t, err)

	history, err := l.FetchHistory(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].ID, history[i-1].ID)
	}
	assert.Equal(t, "q1", history[0].Message)
	assert.Equal(t, "q2", history[2].Message)
}

func TestBeginTurnUnknownThread(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.BeginTurn(context.Background(), "missing", "q", time.Now())
	assert.ErrorIs(t, err, ErrThreadNotFound)

	history, err := l.FetchHistory(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDiscardTurn(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	seedChat(t, l, "alice", "T1")

	turn, err := l.BeginTurn(ctx, "T1", "q", time.Now())
	require.NoError(t, err)
	require.NoError(t, l.DiscardTurn(ctx, turn.AIMessageID, turn.UserMessageID))
	history, err := l.FetchHistory(ctx, "T1")
	require.NoError(t, err)
	assert.Empty(t, history)

	turn, err = l.BeginTurn(ctx, "T1", "keep me", time.Now())
	require.NoError(t, err)
	require.NoError(t, l.DiscardTurn(ctx, turn.AIMessageID, 0))
	history, err = l.FetchHistory(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "keep me", history[0].Message)
}

func TestFinalizeMissingPlaceholder(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	seedChat(t, l, "alice", "T1")

	err := l.FinalizeTurn(ctx, "T1", 999, "text", time.Now())
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestTouchThread(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	seedChat(t, l, "alice", "T1")
	seedChat(t, l, "alice", "T2")

	require.NoError(t, l.TouchThread(ctx, "T1", time.Now().Add(time.Hour)))
	chats, err := l.ListChats(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "T1", chats[0].ThreadID)

	assert.ErrorIs(t, l.TouchThread(ctx, "nope", time.Now()), ErrThreadNotFound)
}
