package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"synapdocs/internal/admission"
	"synapdocs/internal/logging"
	"synapdocs/internal/observability"
	"synapdocs/internal/service/ledger"
	"synapdocs/internal/upstream"
)

const (
	DefaultHeartbeat        = 3 * time.Second
	DefaultUpstreamTimeout  = 6 * time.Minute
	DefaultReconcileTimeout = 10 * time.Second
)

// Sink is the client side of an event stream. Open commits the response
// headers; Send writes one frame and flushes it.
type Sink interface {
	Open() error
	Send(frame []byte) error
}

// Ledger is the persistence the relay needs.
type Ledger interface {
	UserOwnsThread(ctx context.Context, userID, threadID string) (ledger.Ownership, error)
	BeginTurn(ctx context.Context, threadID, query string, ts time.Time) (ledger.Turn, error)
	FinalizeTurn(ctx context.Context, threadID string, aiMessageID int64, text string, ts time.Time) error
	DiscardTurn(ctx context.Context, aiMessageID, userMessageID int64) error
}

type Upstream interface {
	AskStream(ctx context.Context, req upstream.AskRequest) (*upstream.Stream, error)
}

// Titler names a thread after its first answered turn.
type Titler interface {
	Schedule(threadID, query, answer string)
}

type Options struct {
	Heartbeat        time.Duration
	UpstreamTimeout  time.Duration
	ReconcileTimeout time.Duration
}

func (o *Options) defaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.UpstreamTimeout <= 0 {
		o.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if o.ReconcileTimeout <= 0 {
		o.ReconcileTimeout = DefaultReconcileTimeout
	}
}

// Relay runs /ask-stream sessions: validate, admit, persist the optimistic
// turn, relay the upstream stream, reconcile the ledger and release.
type Relay struct {
	ledger    Ledger
	admission *admission.Controller
	upstream  Upstream
	titler    Titler
	logger    *zap.Logger
	metrics   *observability.Metrics
	validate  *validator.Validate
	opts      Options
	now       func() time.Time
}

func New(l Ledger, a *admission.Controller, up Upstream, opts Options, logger *zap.Logger, metrics *observability.Metrics) *Relay {
	opts.defaults()
	return &Relay{
		ledger:    l,
		admission: a,
		upstream:  up,
		logger:    logging.OrNop(logger),
		metrics:   metrics,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		opts:      opts,
		now:       time.Now,
	}
}

// SetTitler enables chat title generation after finalized turns.
func (r *Relay) SetTitler(t Titler) {
	r.titler = t
}

// Outcome summarises a session that reached the streaming phase.
type Outcome struct {
	Events       int
	Heartbeats   int
	Chars        int
	Disconnected bool
	UpstreamErr  error
	Finalized    bool
	Discarded    bool
	ReconcileErr error
}

func (o *Outcome) label() string {
	switch {
	case o.ReconcileErr != nil:
		return "persistence_error"
	case o.UpstreamErr != nil:
		return "upstream_error"
	case o.Disconnected:
		return "disconnected"
	case o.Finalized:
		return "finalized"
	default:
		return "discarded"
	}
}

// Run serves one stream request for userID. Failures before the stream is
// opened come back as *Error and leave nothing persisted. Once the stream is
// open, problems are reported in-band and Run returns the Outcome.
func (r *Relay) Run(ctx context.Context, userID string, req Request, sink Sink) (*Outcome, error) {
	if userID == "" {
		return nil, &Error{Kind: Unauthenticated, Message: msgUnauthorized}
	}
	missing, limit := checkRequest(r.validate, userID, req)
	if missing != "" {
		return nil, &Error{Kind: BadRequest, Message: missing}
	}

	own, err := r.ledger.UserOwnsThread(ctx, userID, req.ThreadID)
	if err != nil {
		return nil, &Error{Kind: PersistenceError, Message: msgOwnershipFailed, Err: err}
	}
	if own != ledger.Owned {
		return nil, &Error{Kind: Forbidden, Message: msgForbidden}
	}
	if limit != "" {
		return nil, &Error{Kind: BadRequest, Message: limit}
	}

	slot, res := r.admission.TryAcquire(userID)
	r.metrics.Admission(res.String())
	switch res {
	case admission.GlobalFull:
		r.logger.Warn("[stream] rejected: server at capacity", zap.String("user_id", userID), zap.Int("active", r.admission.Active()))
		return nil, &Error{Kind: CapacityExceeded, Message: msgAtCapacity}
	case admission.UserFull:
		r.logger.Warn("[stream] rejected: per-user limit", zap.String("user_id", userID))
		return nil, &Error{Kind: RateLimited, Message: msgTooManyStreams}
	}
	defer slot.Release()

	turn, err := r.ledger.BeginTurn(ctx, req.ThreadID, req.Query, r.now())
	if err != nil {
		return nil, &Error{Kind: PersistenceError, Message: msgSaveFailed, Err: err}
	}

	r.metrics.StreamStarted()
	out := &Outcome{}
	defer func() { r.metrics.StreamEnded(out.label()) }()

	r.logger.Info("[stream] started",
		zap.String("user_id", userID),
		zap.String("thread_id", req.ThreadID),
		zap.Int("documents", len(req.DocumentNames)),
		zap.Int("active", r.admission.Active()),
	)

	answer := r.stream(ctx, userID, req, sink, out)
	r.reconcile(ctx, req, turn, answer, out)

	r.logger.Info("[stream] finished",
		zap.String("user_id", userID),
		zap.String("thread_id", req.ThreadID),
		zap.Int("events", out.Events),
		zap.Int("heartbeats", out.Heartbeats),
		zap.Int("chars", out.Chars),
		zap.String("outcome", out.label()),
	)
	return out, nil
}

// sinkError marks a failed write to the client.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return "write to client: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

type lockedSink struct {
	mu   sync.Mutex
	sink Sink
}

func (s *lockedSink) send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sink.Send(frame); err != nil {
		return &sinkError{err: err}
	}
	return nil
}

var prelude = []byte(": sse prelude\n\n")

func pingFrame(n int) []byte {
	return []byte("event: ping\ndata: " + strconv.Itoa(n) + "\n\n")
}

func errorFrame(message string) []byte {
	body, _ := json.Marshal(struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}{message, "upstream_error"})
	return []byte("event: error\ndata: " + string(body) + "\n\n")
}

// stream relays upstream events to the sink and returns the accumulated
// answer. It never returns before the pump and heartbeat have exited.
func (r *Relay) stream(ctx context.Context, userID string, req Request, sink Sink, out *Outcome) string {
	if err := sink.Open(); err != nil {
		out.Disconnected = true
		return ""
	}
	w := &lockedSink{sink: sink}
	if err := w.send(prelude); err != nil {
		out.Disconnected = true
		return ""
	}
	if err := w.send(pingFrame(0)); err != nil {
		out.Disconnected = true
		return ""
	}

	streamCtx, cancel := context.WithTimeout(ctx, r.opts.UpstreamTimeout)
	defer cancel()

	var (
		answer    strings.Builder
		firstData = make(chan struct{})
		pumpDone  = make(chan struct{})
		firstOnce sync.Once
	)
	g, gctx := errgroup.WithContext(streamCtx)

	g.Go(func() error {
		defer close(pumpDone)
		stream, err := r.upstream.AskStream(gctx, upstream.AskRequest{
			ThreadID:      req.ThreadID,
			Query:         req.Query,
			UserID:        userID,
			DocumentNames: req.DocumentNames,
		})
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			ev, err := stream.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read upstream: %w", err)
			}
			firstOnce.Do(func() { close(firstData) })
			if tok, ok := ev.Token(); ok {
				answer.WriteString(tok)
			}
			if err := w.send(ev.Encode()); err != nil {
				return err
			}
			out.Events++
			r.metrics.EventRelayed()
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(r.opts.Heartbeat)
		defer ticker.Stop()
		n := 0
		for {
			select {
			case <-firstData:
				return nil
			case <-pumpDone:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				select {
				case <-firstData:
					return nil
				default:
				}
				n++
				if err := w.send(pingFrame(n)); err != nil {
					return err
				}
				out.Heartbeats++
				r.metrics.HeartbeatSent()
			}
		}
	})

	err := g.Wait()
	out.Chars = answer.Len()

	var se *sinkError
	switch {
	case err == nil:
	case ctx.Err() != nil || errors.As(err, &se):
		out.Disconnected = true
		r.logger.Info("[stream] client disconnected", zap.String("thread_id", req.ThreadID), zap.Int("events", out.Events))
	default:
		out.UpstreamErr = err
		r.logger.Error("[stream] upstream failed", zap.String("thread_id", req.ThreadID), zap.Error(err))
		if werr := w.send(errorFrame(msgUpstreamFailed)); werr != nil {
			out.Disconnected = true
		}
	}
	return answer.String()
}

// reconcile settles the optimistic turn. It runs detached from the request
// context so a disconnect still leaves the ledger consistent.
func (r *Relay) reconcile(ctx context.Context, req Request, turn ledger.Turn, answer string, out *Outcome) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.ReconcileTimeout)
	defer cancel()

	log := r.logger.With(zap.String("thread_id", req.ThreadID), zap.Int64("ai_message_id", turn.AIMessageID))

	if answer == "" {
		if err := r.ledger.DiscardTurn(rctx, turn.AIMessageID, turn.UserMessageID); err != nil {
			out.ReconcileErr = err
			log.Error("[stream] discard empty turn", zap.Error(err))
			return
		}
		out.Discarded = true
		return
	}

	ts := r.now()
	if ts.Before(turn.Timestamp) {
		ts = turn.Timestamp
	}
	if err := r.ledger.FinalizeTurn(rctx, req.ThreadID, turn.AIMessageID, answer, ts); err != nil {
		out.ReconcileErr = err
		log.Error("[stream] finalize turn", zap.Error(err))
		if derr := r.ledger.DiscardTurn(rctx, turn.AIMessageID, 0); derr != nil {
			log.Error("[stream] discard placeholder after failed finalize", zap.Error(derr))
		}
		return
	}
	out.Finalized = true
	if r.titler != nil {
		r.titler.Schedule(req.ThreadID, req.Query, answer)
	}
}
