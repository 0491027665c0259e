package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapdocs/internal/admission"
	"synapdocs/internal/models"
	"synapdocs/internal/service/ledger"
	"synapdocs/internal/storage"
	"synapdocs/internal/upstream"
)

type recordSink struct {
	mu        sync.Mutex
	opened    bool
	frames    []string
	failAfter int
}

func newSink() *recordSink { return &recordSink{failAfter: -1} }

func (s *recordSink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return nil
}

func (s *recordSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter >= 0 && len(s.frames) >= s.failAfter {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *recordSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

// fakeUpstream serves a scripted body. With block set the stream stays open
// after the body until the request context ends.
type fakeUpstream struct {
	body  string
	delay time.Duration
	err   error
	block bool

	mu  sync.Mutex
	got []upstream.AskRequest
}

func (f *fakeUpstream) AskStream(ctx context.Context, req upstream.AskRequest) (*upstream.Stream, error) {
	f.mu.Lock()
	f.got = append(f.got, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	go func() {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return
			}
		}
		if f.body != "" {
			if _, err := pw.Write([]byte(f.body)); err != nil {
				return
			}
		}
		if !f.block {
			pw.Close()
		}
	}()
	return upstream.NewStream(pr), nil
}

func tokens(toks ...string) string {
	var b strings.Builder
	for _, t := range toks {
		fmt.Fprintf(&b, "data: {\"token\": %q}\n\n", t)
	}
	return b.String()
}

type fixture struct {
	ledger    *ledger.Ledger
	admission *admission.Controller
	upstream  *fakeUpstream
	relay     *Relay
}

func newFixture(t *testing.T, up *fakeUpstream) *fixture {
	t.Helper()
	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db))

	l := ledger.New(db)
	ctx := context.Background()
	require.NoError(t, l.AddDocument(ctx, "alice", "a.pdf", time.Now()))
	_, err = l.CreateChat(ctx, "alice", "T1", "", []string{"a.pdf"}, time.Now())
	require.NoError(t, err)
	_, err = l.CreateChat(ctx, "bob", "T2", "", nil, time.Now())
	require.NoError(t, err)

	a := admission.New(50, 3)
	r := New(l, a, up, Options{Heartbeat: 20 * time.Millisecond, UpstreamTimeout: time.Second}, nil, nil)
	return &fixture{ledger: l, admission: a, upstream: up, relay: r}
}

func validRequest() Request {
	return Request{ThreadID: "T1", Query: "What is in a.pdf?", UserID: "ignored", DocumentNames: []string{"a.pdf"}}
}

func (f *fixture) history(t *testing.T) []models.ChatMessage {
	t.Helper()
	h, err := f.ledger.FetchHistory(context.Background(), "T1")
	require.NoError(t, err)
	return h
}

func TestRunFinalizesAnswer(t *testing.T) {
	f := newFixture(t, &fakeUpstream{body: tokens("Hello", " world") + "data: {\"done\": true}\n\n"})
	sink := newSink()

	out, err := f.relay.Run(context.Background(), "alice", validRequest(), sink)
	require.NoError(t, err)
	assert.True(t, out.Finalized)
	assert.Equal(t, 3, out.Events)
	assert.Equal(t, len("Hello world"), out.Chars)

	frames := sink.all()
	require.Len(t, frames, 5)
	assert.Equal(t, ": sse prelude\n\n", frames[0])
	assert.Equal(t, "event: ping\ndata: 0\n\n", frames[1])
	assert.Equal(t, "data: {\"token\": \"Hello\"}\n\n", frames[2])
	assert.Equal(t, "data: {\"done\": true}\n\n", frames[4])

	h := f.history(t)
	require.Len(t, h, 2)
	assert.Equal(t, models.SenderUser, h[0].Sender)
	assert.Equal(t, "What is in a.pdf?", h[0].Message)
	assert.Equal(t, "Hello world", h[1].Message)
	assert.False(t, h[1].TimeSent.Before(h[0].TimeSent))

	require.Len(t, f.upstream.got, 1)
	assert.Equal(t, "alice", f.upstream.got[0].UserID)
	assert.Equal(t, []string{"a.pdf"}, f.upstream.got[0].DocumentNames)
	assert.Zero(t, f.admission.Active())
}

func TestRunZeroTokensDiscardsTurn(t *testing.T) {
	f := newFixture(t, &fakeUpstream{body: "data: {\"done\": true}\n\n"})

	out, err := f.relay.Run(context.Background(), "alice", validRequest(), newSink())
	require.NoError(t, err)
	assert.True(t, out.Discarded)
	assert.False(t, out.Finalized)
	assert.Empty(t, f.history(t))
	assert.Zero(t, f.admission.Active())
}

func TestRunUpstreamErrorEmitsErrorEvent(t *testing.T) {
	f := newFixture(t, &fakeUpstream{err: &upstream.StatusError{StatusCode: 500}})
	sink := newSink()

	out, err := f.relay.Run(context.Background(), "alice", validRequest(), sink)
	require.NoError(t, err)
	assert.ErrorIs(t, out.UpstreamErr, upstream.ErrStatus)
	assert.True(t, out.Discarded)

	frames := sink.all()
	require.NotEmpty(t, frames)
	assert.Equal(t,
		"event: error\ndata: {\"message\":\"Connection to AI service failed\",\"type\":\"upstream_error\"}\n\n",
		frames[len(frames)-1])
	assert.Empty(t, f.history(t))
	assert.Zero(t, f.admission.Active())
}

func TestRunUpstreamTimeoutKeepsPartialAnswer(t *testing.T) {
	f := newFixture(t, &fakeUpstream{body: tokens("partial"), block: true})
	f.relay.opts.UpstreamTimeout = 50 * time.Millisecond
	sink := newSink()

	out, err := f.relay.Run(context.Background(), "alice", validRequest(), sink)
	require.NoError(t, err)
	require.Error(t, out.UpstreamErr)
	assert.False(t, out.Disconnected)
	assert.True(t, out.Finalized)
	assert.Contains(t, sink.all()[len(sink.all())-1], "event: error")

	h := f.history(t)
	require.Len(t, h, 2)
	assert.Equal(t, "partial", h[1].Message)
}

func TestRunClientDisconnectSendsNoErrorEvent(t *testing.T) {
	f := newFixture(t, &fakeUpstream{body: tokens("one", "two", "three")})
	sink := newSink()
	sink.failAfter = 3 // prelude, ping, first token

	out, err := f.relay.Run(context.Background(), "alice", validRequest(), sink)
	require.NoError(t, err)
	assert.True(t, out.Disconnected)
	assert.Nil(t, out.UpstreamErr)
	for _, fr := range sink.all() {
		assert.NotContains(t, fr, "event: error")
	}

	h := f.history(t)
	require.Len(t, h, 2)
	assert.Equal(t, "onetwo", h[1].Message)
	assert.Zero(t, f.admission.Active())
}

func TestRunContextCancelledMidStream(t *testing.T) {
	f := newFixture(t, &fakeUpstream{block: true})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	out, err := f.relay.Run(ctx, "alice", validRequest(), newSink())
	require.NoError(t, err)
	assert.True(t, out.Disconnected)
	assert.Nil(t, out.UpstreamErr)
	assert.True(t, out.Discarded)
	assert.Empty(t, f.history(t))
	assert.Zero(t, f.admission.Active())
}

func TestRunHeartbeatUntilFirstData(t *testing.T) {
	f := newFixture(t, &fakeUpstream{body: tokens("late"), delay: 90 * time.Millisecond})
	sink := newSink()

	out, err := f.relay.Run(context.Background(), "alice", validRequest(), sink)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, out.Heartbeats, 2)

	pings := 0
	sawToken := false
	for _, fr := range sink.all() {
		if strings.HasPrefix(fr, "event: ping") {
			assert.Equal(t, fmt.Sprintf("event: ping\ndata: %d\n\n", pings), fr)
			pings++
		}
		if fr == "data: {\"token\": \"late\"}\n\n" {
			sawToken = true
		}
	}
	assert.Equal(t, out.Heartbeats+1, pings)
	assert.True(t, sawToken)
}

func TestRunRejections(t *testing.T) {
	long := strings.Repeat("x", 101)
	docs := make([]string, 101)
	for i := range docs {
		docs[i] = fmt.Sprintf("d%d.pdf", i)
	}
	cases := []struct {
		name    string
		userID  string
		mutate  func(*Request)
		kind    Kind
		message string
		setup   func(*testing.T, *fixture)
	}{
		{"no user", "", func(*Request) {}, Unauthenticated, "Unauthorized", nil},
		{"missing query", "alice", func(r *Request) { r.Query = "" }, BadRequest, "Missing thread_id or query", nil},
		{"missing thread", "alice", func(r *Request) { r.ThreadID = ""; r.DocumentNames = nil }, BadRequest, "Missing thread_id or query", nil},
		{"no documents", "alice", func(r *Request) { r.DocumentNames = []string{} }, BadRequest, "No documents provided", nil},
		{"nil documents", "alice", func(r *Request) { r.DocumentNames = nil }, BadRequest, "No documents provided", nil},
		{"long query", "alice", func(r *Request) { r.Query = strings.Repeat("q", 10001) }, BadRequest, "Query too long. Maximum 10000 characters.", nil},
		{"long thread", "alice", func(r *Request) { r.ThreadID = long }, BadRequest, "Invalid parameter length", seedLongThread},
		{"long unowned thread", "alice", func(r *Request) { r.ThreadID = long }, Forbidden, "Forbidden", nil},
		{"long user", long, func(*Request) {}, Forbidden, "Forbidden", nil},
		{"too many documents", "alice", func(r *Request) { r.DocumentNames = docs }, BadRequest, "Too many documents. Maximum 100.", nil},
		{"other owner", "alice", func(r *Request) { r.ThreadID = "T2" }, Forbidden, "Forbidden", nil},
		{"unknown thread", "alice", func(r *Request) { r.ThreadID = "T404" }, Forbidden, "Forbidden", nil},
		{"long query on other owner", "alice", func(r *Request) { r.ThreadID = "T2"; r.Query = strings.Repeat("q", 10001) }, Forbidden, "Forbidden", nil},
		{"too many documents on unknown thread", "alice", func(r *Request) { r.ThreadID = "T404"; r.DocumentNames = docs }, Forbidden, "Forbidden", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, &fakeUpstream{body: tokens("x")})
			if tc.setup != nil {
				tc.setup(t, f)
			}
			req := validRequest()
			tc.mutate(&req)
			sink := newSink()

			out, err := f.relay.Run(context.Background(), tc.userID, req, sink)
			assert.Nil(t, out)
			var rerr *Error
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, tc.kind, rerr.Kind)
			assert.Equal(t, tc.message, rerr.Message)
			assert.False(t, sink.opened)
			assert.Empty(t, f.upstream.got)
			assert.Empty(t, f.history(t))
			assert.Zero(t, f.admission.Active())
		})
	}
}

func seedLongThread(t *testing.T, f *fixture) {
	t.Helper()
	_, err := f.ledger.CreateChat(context.Background(), "alice", strings.Repeat("x", 101), "", []string{"a.pdf"}, time.Now())
	require.NoError(t, err)
}

func TestRunQueryLengthCountsCharacters(t *testing.T) {
	f := newFixture(t, &fakeUpstream{body: tokens("ok")})
	req := validRequest()
	req.Query = strings.Repeat("é", 10000)

	out, err := f.relay.Run(context.Background(), "alice", req, newSink())
	require.NoError(t, err)
	assert.True(t, out.Finalized)
}

func TestRunCapacityLimits(t *testing.T) {
	f := newFixture(t, &fakeUpstream{body: tokens("x")})

	var held []*admission.Slot
	for i := 0; i < 3; i++ {
		s, res := f.admission.TryAcquire("alice")
		require.Equal(t, admission.Granted, res)
		held = append(held, s)
	}
	_, err := f.relay.Run(context.Background(), "alice", validRequest(), newSink())
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, RateLimited, rerr.Kind)
	assert.Equal(t, "Too many concurrent streams. Please wait for existing streams to complete.", rerr.Message)

	for i := 0; i < 47; i++ {
		_, res := f.admission.TryAcquire(fmt.Sprintf("user-%d", i))
		require.Equal(t, admission.Granted, res)
	}
	_, err = f.relay.Run(context.Background(), "alice", validRequest(), newSink())
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, CapacityExceeded, rerr.Kind)
	assert.Equal(t, "Server is at capacity. Please try again later.", rerr.Message)

	assert.Empty(t, f.history(t))
	assert.Empty(t, f.upstream.got)
	assert.Equal(t, 50, f.admission.Active())

	for _, s := range held {
		s.Release()
	}
	assert.Equal(t, 47, f.admission.Active())
}

type failingFinalize struct {
	*ledger.Ledger
}

func (failingFinalize) FinalizeTurn(context.Context, string, int64, string, time.Time) error {
	return errors.New("disk full")
}

func TestRunFinalizeFailureKeepsUserMessage(t *testing.T) {
	f := newFixture(t, &fakeUpstream{body: tokens("answer")})
	r := New(failingFinalize{f.ledger}, f.admission, f.upstream, Options{}, nil, nil)

	out, err := r.Run(context.Background(), "alice", validRequest(), newSink())
	require.NoError(t, err)
	assert.Error(t, out.ReconcileErr)
	assert.False(t, out.Finalized)

	h := f.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, models.SenderUser, h[0].Sender)
	assert.Zero(t, f.admission.Active())
}

type recordTitler struct {
	calls []string
}

func (r *recordTitler) Schedule(threadID, query, answer string) {
	r.calls = append(r.calls, threadID+"|"+query+"|"+answer)
}

func TestRunSchedulesTitleAfterFinalize(t *testing.T) {
	f := newFixture(t, &fakeUpstream{body: tokens("A")})
	tt := &recordTitler{}
	f.relay.SetTitler(tt)

	_, err := f.relay.Run(context.Background(), "alice", validRequest(), newSink())
	require.NoError(t, err)
	assert.Equal(t, []string{"T1|What is in a.pdf?|A"}, tt.calls)

	f.upstream.body = "data: {}\n\n"
	_, err = f.relay.Run(context.Background(), "alice", validRequest(), newSink())
	require.NoError(t, err)
	assert.Len(t, tt.calls, 1)
}

func TestRunConcurrentStreamsRespectCeiling(t *testing.T) {
	f := newFixture(t, &fakeUpstream{body: tokens("x"), delay: 300 * time.Millisecond})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		limited int
		ok      int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.relay.Run(context.Background(), "alice", validRequest(), newSink())
			mu.Lock()
			defer mu.Unlock()
			var rerr *Error
			if errors.As(err, &rerr) && rerr.Kind == RateLimited {
				limited++
			} else if err == nil {
				ok++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
	assert.Equal(t, 2, limited)
	assert.Zero(t, f.admission.Active())
}
