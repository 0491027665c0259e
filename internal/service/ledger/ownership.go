package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Ownership is the three-way answer to "may this user act on this thread".
type Ownership int

const (
	// NotFound means no thread row exists yet; reads treat it as an empty thread.
	NotFound Ownership = iota
	Owned
	Forbidden
)

func (o Ownership) String() string {
	switch o {
	case Owned:
		return "owned"
	case Forbidden:
		return "forbidden"
	default:
		return "notFound"
	}
}

// UserOwnsThread classifies the caller's relation to threadID.
func (l *Ledger) UserOwnsThread(ctx context.Context, userID, threadID string) (Ownership, error) {
	var owner string
	err := l.db.QueryRowContext(ctx, l.db.Rebind(`SELECT user_id FROM user_chats WHERE thread_id = ?`), threadID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound, nil
	}
	if err != nil {
		return NotFound, fmt.Errorf("lookup thread owner: %w", err)
	}
	if owner != userID {
		return Forbidden, nil
	}
	return Owned, nil
}
