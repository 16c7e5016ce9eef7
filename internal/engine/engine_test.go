package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"chatmigrate/internal/auth"
	"chatmigrate/internal/checkpoint"
	"chatmigrate/internal/destination"
	"chatmigrate/internal/domain"
	"chatmigrate/internal/export"
	"chatmigrate/internal/format"
)

type outcome struct {
	status     int
	retryAfter time.Duration
	err        error
}

type post struct {
	token   string
	content string
}

// fakeSender plays back a scripted sequence of outcomes; once the script is
// exhausted every further call succeeds.
type fakeSender struct {
	script []outcome
	calls  []post
}

func (f *fakeSender) PostMessage(_ context.Context, token, content string) (destination.SendResult, error) {
	i := len(f.calls)
	f.calls = append(f.calls, post{token: token, content: content})
	if i >= len(f.script) {
		return destination.SendResult{StatusCode: http.StatusCreated, MessageID: fmt.Sprintf("m-%d", i)}, nil
	}
	o := f.script[i]
	if o.err != nil {
		return destination.SendResult{}, o.err
	}
	res := destination.SendResult{StatusCode: o.status, RetryAfter: o.retryAfter}
	if res.OK() {
		res.MessageID = fmt.Sprintf("m-%d", i)
	}
	return res, nil
}

type fakeTokens struct {
	token      string
	refreshes  int
	refreshErr error
}

func (f *fakeTokens) Current() string { return f.token }

func (f *fakeTokens) Refresh(context.Context) error {
	f.refreshes++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.token = fmt.Sprintf("token-%d", f.refreshes)
	return nil
}

func messages(n int) []domain.Message {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	out := make([]domain.Message, n)
	for i := range out {
		out[i] = domain.Message{
			Sender:      fmt.Sprintf("sender-%d", i),
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			Content:     fmt.Sprintf("body-%d", i),
			ContentType: domain.ContentTypeText,
		}
	}
	return out
}

type sliceSource struct{ msgs []domain.Message }

func (s *sliceSource) Len() int { return len(s.msgs) }
func (s *sliceSource) Message(i int) (domain.Message, error) {
	return s.msgs[i], nil
}
func (s *sliceSource) Close() error { return nil }

var _ export.Source = (*sliceSource)(nil)

type testEngine struct {
	*Engine
	sender *fakeSender
	tokens *fakeTokens
	store  *checkpoint.MemoryStore
	sleeps *[]time.Duration
}

func newTestEngine(t *testing.T, msgs []domain.Message, store *checkpoint.MemoryStore, budget int) *testEngine {
	t.Helper()
	f, err := format.New("UTC", "en-US")
	if err != nil {
		t.Fatalf("formatter: %v", err)
	}
	tracker, err := checkpoint.NewTracker(store, "run-test", len(msgs))
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	sender := &fakeSender{}
	tokens := &fakeTokens{token: "token-0"}
	var sleeps []time.Duration
	e := &Engine{
		Source:             &sliceSource{msgs: msgs},
		Format:             f,
		Sender:             sender,
		Tokens:             tokens,
		Tracker:            tracker,
		ErrorBudget:        budget,
		RetryAfterFallback: 5 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		},
	}
	return &testEngine{Engine: e, sender: sender, tokens: tokens, store: store, sleeps: &sleeps}
}

func (te *testEngine) loadCheckpoint(t *testing.T) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := te.store.Load()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp == nil {
		t.Fatalf("no checkpoint persisted")
	}
	return cp
}

func TestRunDeliversAllInOrder(t *testing.T) {
	te := newTestEngine(t, messages(3), checkpoint.NewMemoryStore(), 5)

	sum, err := te.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Posted != 3 || sum.Total != 3 || len(sum.Errors) != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if len(te.sender.calls) != 3 {
		t.Fatalf("expected 3 posts, got %d", len(te.sender.calls))
	}
	for i, c := range te.sender.calls {
		if !strings.Contains(c.content, fmt.Sprintf("sender-%d", i)) {
			t.Fatalf("post %d out of order: %q", i, c.content)
		}
	}

	cp := te.loadCheckpoint(t)
	if !cp.Completed || cp.CompletedAt == nil || cp.Posted != 3 || cp.LastPosted != 2 {
		t.Fatalf("unexpected final checkpoint: %+v", cp)
	}
}

func TestRunResumesAfterRestart(t *testing.T) {
	// Simulate a run killed right after the flush for index 1.
	store := checkpoint.NewMemoryStore()
	prev := checkpoint.New("run-prev", 4)
	prev.LastPosted = 1
	prev.Posted = 2
	if err := store.Save(prev); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	te := newTestEngine(t, messages(4), store, 5)
	sum, err := te.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Posted != 4 {
		t.Fatalf("expected posted=4 after resume, got %d", sum.Posted)
	}
	// Indices 0..1 must not be re-sent.
	if len(te.sender.calls) != 2 {
		t.Fatalf("expected 2 posts after resume, got %d", len(te.sender.calls))
	}
	if !strings.Contains(te.sender.calls[0].content, "sender-2") {
		t.Fatalf("resume did not start at index 2: %q", te.sender.calls[0].content)
	}
}

func TestRunAlreadyCompletedSendsNothing(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	prev := checkpoint.New("run-prev", 2)
	prev.LastPosted = 1
	prev.Posted = 2
	prev.Completed = true
	if err := store.Save(prev); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	te := newTestEngine(t, messages(2), store, 5)
	if _, err := te.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(te.sender.calls) != 0 {
		t.Fatalf("completed run re-sent %d messages", len(te.sender.calls))
	}
}

func TestRateLimitWaitsAndRetriesSameIndex(t *testing.T) {
	te := newTestEngine(t, messages(3), checkpoint.NewMemoryStore(), 5)
	te.sender.script = []outcome{
		{status: http.StatusCreated},
		{status: http.StatusTooManyRequests, retryAfter: 2 * time.Second},
		{status: http.StatusCreated},
	}

	sum, err := te.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Posted != 3 {
		t.Fatalf("expected 3 posted, got %d", sum.Posted)
	}
	if len(*te.sleeps) != 1 || (*te.sleeps)[0] != 2*time.Second {
		t.Fatalf("expected exactly one 2s wait, got %v", *te.sleeps)
	}
	// 4 calls total: index 1 sent twice, back to back, with the wait between.
	if len(te.sender.calls) != 4 {
		t.Fatalf("expected 4 posts, got %d", len(te.sender.calls))
	}
	if te.sender.calls[1].content != te.sender.calls[2].content {
		t.Fatalf("retry targeted a different message: %q vs %q", te.sender.calls[1].content, te.sender.calls[2].content)
	}
}

func TestRateLimitWithoutHeaderUsesFallback(t *testing.T) {
	te := newTestEngine(t, messages(1), checkpoint.NewMemoryStore(), 5)
	te.sender.script = []outcome{{status: http.StatusTooManyRequests}}

	if _, err := te.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(*te.sleeps) != 1 || (*te.sleeps)[0] != 5*time.Second {
		t.Fatalf("expected fallback 5s wait, got %v", *te.sleeps)
	}
}

func TestUnauthorizedRefreshesOnceThenSucceeds(t *testing.T) {
	te := newTestEngine(t, messages(2), checkpoint.NewMemoryStore(), 5)
	te.sender.script = []outcome{{status: http.StatusUnauthorized}}

	sum, err := te.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Posted != 2 {
		t.Fatalf("expected 2 posted, got %d", sum.Posted)
	}
	if te.tokens.refreshes != 1 {
		t.Fatalf("expected exactly 1 refresh, got %d", te.tokens.refreshes)
	}
	// The retry and all later sends carry the refreshed token.
	if te.sender.calls[0].token != "token-0" || te.sender.calls[1].token != "token-1" {
		t.Fatalf("unexpected tokens: %+v", te.sender.calls)
	}
	if te.sender.calls[0].content != te.sender.calls[1].content {
		t.Fatalf("post-refresh retry targeted a different message")
	}
}

func TestSecondUnauthorizedIsFatalWithoutSecondRefresh(t *testing.T) {
	te := newTestEngine(t, messages(2), checkpoint.NewMemoryStore(), 5)
	te.sender.script = []outcome{
		{status: http.StatusUnauthorized},
		{status: http.StatusUnauthorized},
	}

	_, err := te.Run(context.Background())
	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *auth.Error, got %v", err)
	}
	if te.tokens.refreshes != 1 {
		t.Fatalf("expected exactly 1 refresh before fatal, got %d", te.tokens.refreshes)
	}
	// Checkpoint stays at its last flushed value.
	cp := te.Tracker.Checkpoint()
	if cp.Posted != 0 || cp.LastPosted != -1 || cp.Completed {
		t.Fatalf("checkpoint advanced through fatal auth error: %+v", cp)
	}
}

func TestRefreshFailureIsFatal(t *testing.T) {
	te := newTestEngine(t, messages(2), checkpoint.NewMemoryStore(), 5)
	te.sender.script = []outcome{{status: http.StatusUnauthorized}}
	te.tokens.refreshErr = &auth.Error{Reason: "refresh rejected: invalid_grant"}

	_, err := te.Run(context.Background())
	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *auth.Error, got %v", err)
	}
	if len(te.sender.calls) != 1 {
		t.Fatalf("expected no further sends after failed refresh, got %d", len(te.sender.calls))
	}
	cp := te.Tracker.Checkpoint()
	if cp.Posted != 0 || len(cp.Errors) != 0 {
		t.Fatalf("checkpoint changed by failed refresh: %+v", cp)
	}
}

func TestErrorBudgetHaltsOnExcessFailure(t *testing.T) {
	const budget = 2
	te := newTestEngine(t, messages(5), checkpoint.NewMemoryStore(), budget)
	te.sender.script = []outcome{
		{status: http.StatusInternalServerError},
		{status: http.StatusBadGateway},
		{status: http.StatusInternalServerError},
	}

	_, err := te.Run(context.Background())
	if !errors.Is(err, ErrTooManyErrors) {
		t.Fatalf("expected ErrTooManyErrors, got %v", err)
	}
	// Halt happened on the (budget+1)-th failure; the checkpoint holds
	// exactly budget errors and never advanced.
	cp := te.loadCheckpoint(t)
	if len(cp.Errors) != budget {
		t.Fatalf("expected %d recorded errors, got %d", budget, len(cp.Errors))
	}
	if cp.Errors[0].Index != 0 || cp.Errors[1].Index != 1 {
		t.Fatalf("unexpected error indices: %+v", cp.Errors)
	}
	if cp.LastPosted != -1 || cp.Posted != 0 || cp.Completed {
		t.Fatalf("checkpoint advanced past halt: %+v", cp)
	}
	if len(te.sender.calls) != budget+1 {
		t.Fatalf("engine kept sending after halt: %d calls", len(te.sender.calls))
	}
}

func TestDeliveryErrorDoesNotStopRun(t *testing.T) {
	te := newTestEngine(t, messages(3), checkpoint.NewMemoryStore(), 5)
	te.sender.script = []outcome{
		{status: http.StatusCreated},
		{err: errors.New("connection reset")}, // transport failure
		{status: http.StatusCreated},
	}

	sum, err := te.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Posted != 2 || len(sum.Errors) != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.Errors[0].Index != 1 || sum.Errors[0].Sender != "sender-1" {
		t.Fatalf("unexpected error record: %+v", sum.Errors[0])
	}
	cp := te.loadCheckpoint(t)
	if !cp.Completed || cp.LastPosted != 2 {
		t.Fatalf("run did not complete past a budgeted failure: %+v", cp)
	}
}

func TestCanceledContextHaltsWithCheckpointIntact(t *testing.T) {
	te := newTestEngine(t, messages(3), checkpoint.NewMemoryStore(), 5)
	te.sender.script = []outcome{
		{status: http.StatusCreated},
		{status: http.StatusTooManyRequests, retryAfter: time.Hour},
	}
	ctx, cancel := context.WithCancel(context.Background())
	te.Sleep = func(c context.Context, _ time.Duration) error {
		cancel()
		return c.Err()
	}

	_, err := te.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	cp := te.loadCheckpoint(t)
	if cp.LastPosted != 0 || cp.Posted != 1 || cp.Completed {
		t.Fatalf("checkpoint not at last flushed state: %+v", cp)
	}
}
