package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"synapdocs/internal/models"
	"synapdocs/internal/storage"
)

var (
	ErrThreadNotFound   = errors.New("thread not found")
	ErrThreadExists     = errors.New("thread already exists")
	ErrMessageNotFound  = errors.New("message not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
)

var serializable = &sql.TxOptions{Isolation: sql.LevelSerializable}

// Ledger persists documents, chat threads and their messages. It is the only
// writer of chat_messages.
type Ledger struct {
	db *storage.DB
}

func New(db *storage.DB) *Ledger {
	return &Ledger{db: db}
}

// Turn identifies the two rows written optimistically for one exchange.
type Turn struct {
	UserMessageID int64
	AIMessageID   int64
	Timestamp     time.Time
}

// BeginTurn stores the user's query and an empty AI placeholder with the same
// timestamp and touches the thread. The placeholder's larger id orders it
// after the query.
func (l *Ledger) BeginTurn(ctx context.Context, threadID, query string, ts time.Time) (turn Turn, err error) {
	ts = ts.UTC()
	tx, err := l.db.BeginTx(ctx, serializable)
	if err != nil {
		return Turn{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = l.touch(ctx, tx, threadID, ts); err != nil {
		return Turn{}, err
	}
	userID, err := l.insertMessage(ctx, tx, threadID, models.SenderUser, query, ts)
	if err != nil {
		return Turn{}, fmt.Errorf("insert user message: %w", err)
	}
	aiID, err := l.insertMessage(ctx, tx, threadID, models.SenderAI, "", ts)
	if err != nil {
		return Turn{}, fmt.Errorf("insert ai placeholder: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("commit begin turn: %w", err)
	}
	return Turn{UserMessageID: userID, AIMessageID: aiID, Timestamp: ts}, nil
}

// FinalizeTurn overwrites the AI placeholder with the streamed text and
// touches the thread.
func (l *Ledger) FinalizeTurn(ctx context.Context, threadID string, aiMessageID int64, text string, ts time.Time) (err error) {
	ts = ts.UTC()
	tx, err := l.db.BeginTx(ctx, serializable)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, l.db.Rebind(
		`UPDATE chat_messages SET message = ?, time_sent = ? WHERE id = ? AND thread_id = ? AND sender = ?`),
		text, ts, aiMessageID, threadID, models.SenderAI,
	)
	if err != nil {
		return fmt.Errorf("update ai message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ai message rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrMessageNotFound
		return err
	}
	if err = l.touch(ctx, tx, threadID, ts); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize turn: %w", err)
	}
	return nil
}

// DiscardTurn deletes the AI placeholder and, when userMessageID is non-zero,
// the user message it answered.
func (l *Ledger) DiscardTurn(ctx context.Context, aiMessageID, userMessageID int64) error {
	ids := []any{aiMessageID}
	query := `DELETE FROM chat_messages WHERE id = ?`
	if userMessageID != 0 {
		ids = append(ids, userMessageID)
		query = `DELETE FROM chat_messages WHERE id IN (?, ?)`
	}
	if _, err := l.db.ExecContext(ctx, l.db.Rebind(query), ids...); err != nil {
		return fmt.Errorf("discard turn: %w", err)
	}
	return nil
}

// FetchHistory returns the thread's messages ordered by time sent, ties
// broken by id. In-flight placeholders are returned with an empty body.
func (l *Ledger) FetchHistory(ctx context.Context, threadID string) ([]models.ChatMessage, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(
		`SELECT id, thread_id, sender, message, time_sent FROM chat_messages WHERE thread_id = ? ORDER BY time_sent ASC, id ASC`),
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Sender, &m.Message, &m.TimeSent); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// TouchThread records activity on the thread.
func (l *Ledger) TouchThread(ctx context.Context, threadID string, ts time.Time) error {
	return l.touch(ctx, l.db, threadID, ts.UTC())
}

func (l *Ledger) touch(ctx context.Context, q storage.Querier, threadID string, ts time.Time) error {
	res, err := q.ExecContext(ctx, l.db.Rebind(`UPDATE user_chats SET updated_at = ? WHERE thread_id = ?`), ts, threadID)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("thread rows affected: %w", err)
	}
	if affected == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func (l *Ledger) insertMessage(ctx context.Context, q storage.Querier, threadID string, sender models.Sender, body string, ts time.Time) (int64, error) {
	return storage.InsertID(ctx, q, l.db.Dialect,
		`INSERT INTO chat_messages (thread_id, sender, message, time_sent) VALUES (?, ?, ?, ?)`,
		threadID, string(sender), body, ts,
	)
}
