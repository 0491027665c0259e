package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"synapdocs/internal/models"
)

func (l *Ledger) ListDocuments(ctx context.Context, userID string) ([]models.Document, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(
		`SELECT user_id, document_name, upload_time FROM user_documents WHERE user_id = ? ORDER BY upload_time ASC, document_name ASC`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]models.Document, 0)
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.UserID, &d.Name, &d.UploadTime); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// AddDocument records an upload the AI service has accepted.
func (l *Ledger) AddDocument(ctx context.Context, userID, name string, ts time.Time) error {
	owned, err := l.OwnsDocument(ctx, userID, name)
	if err != nil {
		return err
	}
	if owned {
		return ErrDocumentExists
	}
	if _, err := l.db.ExecContext(ctx, l.db.Rebind(
		`INSERT INTO user_documents (user_id, document_name, upload_time) VALUES (?, ?, ?)`),
		userID, name, ts.UTC(),
	); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// DeleteDocument removes the document row and every chat association that
// references it.
func (l *Ledger) DeleteDocument(ctx context.Context, userID, name string) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, l.db.Rebind(
		`DELETE FROM user_chat_documents WHERE user_id = ? AND document_name = ?`), userID, name); err != nil {
		return fmt.Errorf("delete document associations: %w", err)
	}
	res, err := tx.ExecContext(ctx, l.db.Rebind(
		`DELETE FROM user_documents WHERE user_id = ? AND document_name = ?`), userID, name)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("document rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrDocumentNotFound
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete document: %w", err)
	}
	return nil
}

func (l *Ledger) OwnsDocument(ctx context.Context, userID, name string) (bool, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, l.db.Rebind(
		`SELECT COUNT(*) FROM user_documents WHERE user_id = ? AND document_name = ?`), userID, name,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("check document owner: %w", err)
	}
	return n > 0, nil
}

// OwnedDocuments reports whether every name in names belongs to userID.
func (l *Ledger) OwnedDocuments(ctx context.Context, userID string, names []string) (bool, error) {
	names = dedupe(names)
	if len(names) == 0 {
		return true, nil
	}
	args := make([]any, 0, len(names)+1)
	args = append(args, userID)
	for _, n := range names {
		args = append(args, n)
	}
	query := `SELECT COUNT(*) FROM user_documents WHERE user_id = ? AND document_name IN (` +
		strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ") + `)`

	var n int
	if err := l.db.QueryRowContext(ctx, l.db.Rebind(query), args...).Scan(&n); err != nil {
		return false, fmt.Errorf("check document owners: %w", err)
	}
	return n == len(names), nil
}
