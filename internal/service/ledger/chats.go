package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"synapdocs/internal/models"
)

// CreateChat inserts a thread and its document associations in one transaction.
func (l *Ledger) CreateChat(ctx context.Context, userID, threadID, name string, documents []string, ts time.Time) (_ *models.ChatThread, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = models.DefaultChatName
	}
	ts = ts.UTC()
	documents = dedupe(documents)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var exists int
	if err = tx.QueryRowContext(ctx, l.db.Rebind(`SELECT COUNT(*) FROM user_chats WHERE thread_id = ?`), threadID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check thread: %w", err)
	}
	if exists > 0 {
		err = ErrThreadExists
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, l.db.Rebind(
		`INSERT INTO user_chats (thread_id, user_id, chat_name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		threadID, userID, name, ts, ts,
	); err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	for _, doc := range documents {
		if _, err = tx.ExecContext(ctx, l.db.Rebind(
			`INSERT INTO user_chat_documents (thread_id, user_id, document_name) VALUES (?, ?, ?)`),
			threadID, userID, doc,
		); err != nil {
			return nil, fmt.Errorf("insert chat document: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create chat: %w", err)
	}
	return &models.ChatThread{
		ThreadID:  threadID,
		UserID:    userID,
		ChatName:  name,
		Documents: documents,
		CreatedAt: ts,
		UpdatedAt: ts,
	}, nil
}

// DeleteChat removes a thread owned by userID together with its messages and
// document associations.
func (l *Ledger) DeleteChat(ctx context.Context, userID, threadID string) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, l.db.Rebind(`DELETE FROM user_chat_documents WHERE thread_id = ? AND user_id = ?`), threadID, userID); err != nil {
		return fmt.Errorf("delete chat documents: %w", err)
	}
	if _, err = tx.ExecContext(ctx, l.db.Rebind(
		`DELETE FROM chat_messages WHERE thread_id IN (SELECT thread_id FROM user_chats WHERE thread_id = ? AND user_id = ?)`),
		threadID, userID,
	); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, l.db.Rebind(`DELETE FROM user_chats WHERE thread_id = ? AND user_id = ?`), threadID, userID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrThreadNotFound
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chat: %w", err)
	}
	return nil
}

// ListChats returns the user's threads, most recently active first, with
// their document associations.
func (l *Ledger) ListChats(ctx context.Context, userID string) ([]models.ChatThread, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(
		`SELECT thread_id, user_id, chat_name, created_at, updated_at FROM user_chats WHERE user_id = ? ORDER BY updated_at DESC`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := make([]models.ChatThread, 0)
	index := make(map[string]int)
	for rows.Next() {
		var c models.ChatThread
		if err := rows.Scan(&c.ThreadID, &c.UserID, &c.ChatName, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.Documents = []string{}
		index[c.ThreadID] = len(chats)
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	docRows, err := l.db.QueryContext(ctx, l.db.Rebind(
		`SELECT thread_id, document_name FROM user_chat_documents WHERE user_id = ? ORDER BY document_name`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat documents: %w", err)
	}
	defer docRows.Close()
	for docRows.Next() {
		var threadID, doc string
		if err := docRows.Scan(&threadID, &doc); err != nil {
			return nil, fmt.Errorf("scan chat document: %w", err)
		}
		if i, ok := index[threadID]; ok {
			chats[i].Documents = append(chats[i].Documents, doc)
		}
	}
	return chats, docRows.Err()
}

// ChatDocuments lists the documents a thread is scoped to.
func (l *Ledger) ChatDocuments(ctx context.Context, threadID string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(
		`SELECT document_name FROM user_chat_documents WHERE thread_id = ? ORDER BY document_name`),
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat documents: %w", err)
	}
	defer rows.Close()

	docs := make([]string, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan chat document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ChatName returns the thread's current name.
func (l *Ledger) ChatName(ctx context.Context, threadID string) (string, error) {
	var name string
	err := l.db.QueryRowContext(ctx, l.db.Rebind(`SELECT chat_name FROM user_chats WHERE thread_id = ?`), threadID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrThreadNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get chat name: %w", err)
	}
	return name, nil
}

// RenameIfDefault sets the thread name only while it still carries the
// default, so a name chosen by the user is never replaced.
func (l *Ledger) RenameIfDefault(ctx context.Context, threadID, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, errors.New("name cannot be empty")
	}
	res, err := l.db.ExecContext(ctx, l.db.Rebind(
		`UPDATE user_chats SET chat_name = ? WHERE thread_id = ? AND chat_name = ?`),
		name, threadID, models.DefaultChatName,
	)
	if err != nil {
		return false, fmt.Errorf("rename chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("chat rows affected: %w", err)
	}
	return affected > 0, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
