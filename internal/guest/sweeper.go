package guest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"synapdocs/internal/logging"
	"synapdocs/internal/models"
	"synapdocs/internal/observability"
	"synapdocs/internal/service/ledger"
)

// Purger removes everything a user owns from the relational store.
type Purger interface {
	PurgeUser(ctx context.Context, userID string) (ledger.Purged, error)
}

// Forgetter tells the AI service to drop what it holds for a user.
type Forgetter interface {
	DeleteDocument(ctx context.Context, userID, docName string) error
	DeleteThreadState(ctx context.Context, threadID string) error
}

// Sweeper periodically purges guest sessions older than the TTL.
type Sweeper struct {
	registry  *Registry
	purger    Purger
	forgetter Forgetter
	ttl       time.Duration
	interval  time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

func NewSweeper(registry *Registry, purger Purger, forgetter Forgetter, ttl, interval time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{
		registry:  registry,
		purger:    purger,
		forgetter: forgetter,
		ttl:       ttl,
		interval:  interval,
		logger:    logging.OrNop(logger),
		metrics:   metrics,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled. Only the first call
// starts a loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.loop(ctx)
}

// Wait blocks until the loop has exited. It returns at once if Start was
// never called.
func (s *Sweeper) Wait() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged := s.SweepOnce(ctx)
			if purged > 0 {
				s.logger.Info("guest sweep finished", zap.Int("purged", purged), zap.Int("remaining", s.registry.Len()))
			}
		}
	}
}

// SweepOnce purges every expired session and returns how many were removed.
// A session whose ledger purge fails stays registered for the next sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	cutoff := s.now().Add(-s.ttl)
	purged := 0
	for _, sess := range s.registry.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if sess.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.purge(ctx, sess); err != nil {
			s.metrics.GuestSwept("error")
			s.logger.Error("purge guest session", zap.String("user_id", sess.ID), zap.Error(err))
			continue
		}
		s.registry.Remove(sess.ID)
		s.metrics.GuestSwept("ok")
		purged++
	}
	s.metrics.SetGuestSessions(s.registry.Len())
	return purged
}

func (s *Sweeper) purge(ctx context.Context, sess models.GuestSession) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic purging %s: %v", sess.ID, r)
		}
	}()

	removed, err := s.purger.PurgeUser(ctx, sess.ID)
	if err != nil {
		return err
	}
	for _, doc := range removed.Documents {
		if err := s.forgetter.DeleteDocument(ctx, sess.ID, doc); err != nil {
			s.logger.Warn("upstream delete-doc failed", zap.String("user_id", sess.ID), zap.String("document", doc), zap.Error(err))
		}
	}
	for _, thread := range removed.Threads {
		if err := s.forgetter.DeleteThreadState(ctx, thread); err != nil {
			s.logger.Warn("upstream delete-state failed", zap.String("user_id", sess.ID), zap.String("thread_id", thread), zap.Error(err))
		}
	}
	return nil
}
