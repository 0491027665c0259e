package guest

import (
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"synapdocs/internal/models"
)

// Registry tracks live guest sessions by id. Entries never expire on their
// own; the Sweeper decides when a session is old enough to purge.
type Registry struct {
	items *cache.Cache
}

func NewRegistry() *Registry {
	return &Registry{items: cache.New(cache.NoExpiration, 0)}
}

// Add records a session. Adding an id that is already present keeps the
// first creation time.
func (r *Registry) Add(id string, createdAt time.Time) {
	_ = r.items.Add(id, createdAt, cache.NoExpiration)
}

func (r *Registry) Remove(id string) {
	r.items.Delete(id)
}

// Snapshot returns a copy of the sessions, oldest first. Concurrent Add and
// Remove calls do not affect a snapshot already taken.
func (r *Registry) Snapshot() []models.GuestSession {
	items := r.items.Items()
	out := make([]models.GuestSession, 0, len(items))
	for id, item := range items {
		createdAt, ok := item.Object.(time.Time)
		if !ok {
			continue
		}
		out = append(out, models.GuestSession{ID: id, CreatedAt: createdAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Len() int {
	return r.items.ItemCount()
}
