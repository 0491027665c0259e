package ledger

import (
	"context"
	"fmt"

	"synapdocs/internal/storage"
)

// Purged lists what PurgeUser removed so the AI service can be told to forget it.
type Purged struct {
	Documents []string
	Threads   []string
}

// PurgeUser deletes every document, chat, association and message owned by
// userID in one transaction.
func (l *Ledger) PurgeUser(ctx context.Context, userID string) (_ Purged, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Purged{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var purged Purged
	purged.Documents, err = collect(ctx, tx, l.db.Rebind(`SELECT document_name FROM user_documents WHERE user_id = ?`), userID)
	if err != nil {
		return Purged{}, fmt.Errorf("list documents: %w", err)
	}
	purged.Threads, err = collect(ctx, tx, l.db.Rebind(`SELECT thread_id FROM user_chats WHERE user_id = ?`), userID)
	if err != nil {
		return Purged{}, fmt.Errorf("list chats: %w", err)
	}

	stmts := []struct {
		what  string
		query string
	}{
		{"chat messages", `DELETE FROM chat_messages WHERE thread_id IN (SELECT thread_id FROM user_chats WHERE user_id = ?)`},
		{"chat documents", `DELETE FROM user_chat_documents WHERE user_id = ?`},
		{"chats", `DELETE FROM user_chats WHERE user_id = ?`},
		{"documents", `DELETE FROM user_documents WHERE user_id = ?`},
	}
	for _, s := range stmts {
		if _, err = tx.ExecContext(ctx, l.db.Rebind(s.query), userID); err != nil {
			return Purged{}, fmt.Errorf("delete %s: %w", s.what, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return Purged{}, fmt.Errorf("commit purge: %w", err)
	}
	return purged, nil
}

func collect(ctx context.Context, q storage.Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
