package models

import (
	"strings"
	"time"
)

const GuestPrefix = "guest_"

// GuestSession is an anonymous identity that is purged after its TTL.
type GuestSession struct {
	ID        string
	CreatedAt time.Time
}

// IsGuest reports whether the user id belongs to a guest session.
func IsGuest(userID string) bool {
	return strings.HasPrefix(userID, GuestPrefix)
}
