package conversation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/edututor/internal/analytics"
	"github.com/hitoshi/edututor/internal/model"
	"github.com/hitoshi/edututor/internal/repository"
	"github.com/hitoshi/edututor/internal/sentiment"
	"github.com/hitoshi/edututor/internal/session"
)

// mockResponder はテスト用のResponder。
type mockResponder struct {
	calls      atomic.Int32
	completeFn func(ctx context.Context, input string, history []model.Turn) (string, error)
}

func (m *mockResponder) Name() string { return "mock-llm" }

func (m *mockResponder) Complete(ctx context.Context, input string, history []model.Turn) (string, error) {
	m.calls.Add(1)
	if m.completeFn != nil {
		return m.completeFn(ctx, input, history)
	}
	return "reply to " + input, nil
}

// mockClassifier はテスト用のClassifier。
type mockClassifier struct {
	calls      atomic.Int32
	classifyFn func(ctx context.Context, text string) (sentiment.Classification, error)
}

func (m *mockClassifier) Name() string { return "mock-classifier" }

func (m *mockClassifier) Classify(ctx context.Context, text string) (sentiment.Classification, error) {
	m.calls.Add(1)
	if m.classifyFn != nil {
		return m.classifyFn(ctx, text)
	}
	return sentiment.Classification{Label: sentiment.Positive, Confidence: 1}, nil
}

// failingInteractions はAppendが失敗するInteractionRepository。
type failingInteractions struct {
	repository.InteractionRepository
}

func (failingInteractions) Append(ctx context.Context, in *model.Interaction) error {
	return errors.New("connection refused")
}

// failingAnalytics はUpsertAnalyticsが失敗するUserRepository。
type failingAnalytics struct {
	repository.UserRepository
}

func (failingAnalytics) UpsertAnalytics(ctx context.Context, username string, summary model.AnalyticsSummary) error {
	return errors.New("write conflict")
}

// countingInteractions はListRecentの呼び出し回数を数える。
type countingInteractions struct {
	repository.InteractionRepository
	listCalls atomic.Int32
}

func (c *countingInteractions) ListRecent(ctx context.Context, username string, limit int) ([]*model.Interaction, error) {
	c.listCalls.Add(1)
	return c.InteractionRepository.ListRecent(ctx, username, limit)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObserveTurn(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingObserver) ObserveProviderCall(string, string, time.Duration) {}

type fixture struct {
	orch       *Orchestrator
	store      *repository.MemoryStore
	sessions   *session.Manager
	responder  *mockResponder
	classifier *mockClassifier
	observer   *recordingObserver
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	if err := store.Create(context.Background(), &model.User{Username: "alice"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	normalizer, err := sentiment.NewNormalizer(sentiment.DefaultMapping())
	if err != nil {
		t.Fatalf("NewNormalizer() error = %v", err)
	}
	mgr := session.NewManager(session.NewTracker(30*time.Minute, 24*time.Hour), store.Sessions(), store, nil)

	f := &fixture{
		store:      store,
		sessions:   mgr,
		responder:  &mockResponder{},
		classifier: &mockClassifier{},
		observer:   &recordingObserver{},
	}
	f.orch = NewOrchestrator(cfg, Deps{
		Responder:    f.responder,
		Classifier:   f.classifier,
		Normalizer:   normalizer,
		Aggregator:   analytics.NewAggregator(20),
		Users:        store,
		Interactions: store,
		Sessions:     mgr,
		Observer:     f.observer,
	})
	return f
}

func (f *fixture) login(t *testing.T) *model.Session {
	t.Helper()
	s, err := f.sessions.Begin(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReplyTimeout = time.Second
	cfg.ClassifyTimeout = time.Second
	return cfg
}

func TestHandleTurn_WhitespaceInputMakesNoCalls(t *testing.T) {
	f := newFixture(t, testConfig())
	sess := f.login(t)

	for _, input := range []string{"", "   ", "\n\t "} {
		_, err := f.orch.HandleTurn(context.Background(), sess, input)
		if !model.IsCode(err, model.ErrCodeEmptyInput) {
			t.Errorf("HandleTurn(%q) error = %v, want EMPTY_INPUT", input, err)
		}
	}
	if f.responder.calls.Load() != 0 || f.classifier.calls.Load() != 0 {
		t.Errorf("external calls made: responder=%d classifier=%d", f.responder.calls.Load(), f.classifier.calls.Load())
	}
	recent, _ := f.store.ListRecent(context.Background(), "alice", 10)
	if len(recent) != 0 {
		t.Errorf("interactions persisted for empty input: %d", len(recent))
	}
}

func TestHandleTurn_Success(t *testing.T) {
	f := newFixture(t, testConfig())
	sess := f.login(t)
	f.classifier.classifyFn = func(ctx context.Context, text string) (sentiment.Classification, error) {
		return sentiment.Classification{Label: sentiment.Negative, Confidence: 0.9}, nil
	}

	res, err := f.orch.HandleTurn(context.Background(), sess, "  I don't get fractions  ")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	if res.Reply != "reply to I don't get fractions" {
		t.Errorf("Reply = %q", res.Reply)
	}
	if res.Mood != "negative" || len(res.Degraded) != 0 {
		t.Errorf("Mood = %q, Degraded = %v", res.Mood, res.Degraded)
	}
	in := res.Interaction
	if in.UserInput != "I don't get fractions" || in.Username != "alice" || in.SessionID != sess.ID {
		t.Errorf("interaction = %+v", in)
	}
	if in.SentimentScore == nil || math.Abs(*in.SentimentScore+0.9) > 1e-12 {
		t.Errorf("SentimentScore = %v, want -0.9", in.SentimentScore)
	}
	if res.Session.InteractionCount != 1 {
		t.Errorf("session InteractionCount = %d, want 1", res.Session.InteractionCount)
	}

	user, _ := f.store.FindByUsername(context.Background(), "alice")
	if user.Analytics.TotalInteractions != 1 || math.Abs(user.Analytics.AvgSentiment+0.9) > 1e-12 {
		t.Errorf("stored analytics = %+v", user.Analytics)
	}
	if len(f.observer.outcomes) != 1 || f.observer.outcomes[0] != OutcomeOK {
		t.Errorf("outcomes = %v", f.observer.outcomes)
	}
}

// alice {count:2, mean:0.5} に 1.0 のスコアを加えると {count:3, mean:0.6667}
func TestHandleTurn_AliceScenario(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	_ = f.store.UpsertAnalytics(ctx, "alice", model.AnalyticsSummary{
		TotalInteractions:  2,
		ScoredInteractions: 2,
		AvgSentiment:       0.5,
	})
	sess := f.login(t)

	res, err := f.orch.HandleTurn(ctx, sess, "this is great")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Summary.TotalInteractions != 3 {
		t.Errorf("TotalInteractions = %d, want 3", res.Summary.TotalInteractions)
	}
	if math.Abs(res.Summary.AvgSentiment-2.0/3.0) > 1e-9 {
		t.Errorf("AvgSentiment = %v, want 0.6667", res.Summary.AvgSentiment)
	}
}

// AI応答がタイムアウトしても、分類スコア付きで記録され件数が増えること
func TestHandleTurn_ReplyTimeoutStillPersists(t *testing.T) {
	cfg := testConfig()
	cfg.ReplyTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	sess := f.login(t)

	release := make(chan struct{})
	defer close(release)
	// コンテキストを無視して戻らないプロバイダ
	f.responder.completeFn = func(ctx context.Context, input string, history []model.Turn) (string, error) {
		<-release
		return "late reply", nil
	}
	f.classifier.classifyFn = func(ctx context.Context, text string) (sentiment.Classification, error) {
		return sentiment.Classification{Label: sentiment.Positive, Confidence: 0.8}, nil
	}

	start := time.Now()
	res, err := f.orch.HandleTurn(context.Background(), sess, "explain photosynthesis")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("HandleTurn blocked for %v", elapsed)
	}

	if res.Interaction.AIResponse != model.SentinelUnavailable {
		t.Errorf("AIResponse = %q, want sentinel", res.Interaction.AIResponse)
	}
	if res.Reply != cfg.FallbackReply {
		t.Errorf("Reply = %q, want fallback", res.Reply)
	}
	if res.Interaction.SentimentScore == nil || math.Abs(*res.Interaction.SentimentScore-0.8) > 1e-12 {
		t.Errorf("SentimentScore = %v, want 0.8", res.Interaction.SentimentScore)
	}
	if len(res.Degraded) != 1 || res.Degraded[0] != DegradedReply {
		t.Errorf("Degraded = %v", res.Degraded)
	}

	user, _ := f.store.FindByUsername(context.Background(), "alice")
	if user.Analytics.TotalInteractions != 1 || user.Analytics.ScoredInteractions != 1 {
		t.Errorf("analytics = %+v", user.Analytics)
	}
	stored, _ := f.store.ListRecent(context.Background(), "alice", 1)
	if len(stored) != 1 || stored[0].AIResponse != model.SentinelUnavailable {
		t.Errorf("stored = %+v", stored)
	}
	if f.observer.outcomes[0] != OutcomeDegraded {
		t.Errorf("outcome = %q, want degraded", f.observer.outcomes[0])
	}
}

func TestHandleTurn_ClassifierFailureRecordsUnavailableScore(t *testing.T) {
	f := newFixture(t, testConfig())
	sess := f.login(t)
	f.classifier.classifyFn = func(ctx context.Context, text string) (sentiment.Classification, error) {
		return sentiment.Classification{}, model.NewRateLimitedError("mock-classifier", nil)
	}

	res, err := f.orch.HandleTurn(context.Background(), sess, "what is a prime number")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Interaction.SentimentScore != nil {
		t.Errorf("SentimentScore = %v, want nil", *res.Interaction.SentimentScore)
	}
	if res.Interaction.SentimentLabel != model.SentinelUnavailable || res.Mood != model.SentinelUnavailable {
		t.Errorf("label = %q mood = %q", res.Interaction.SentimentLabel, res.Mood)
	}
	if res.Summary.TotalInteractions != 1 || res.Summary.ScoredInteractions != 0 {
		t.Errorf("summary = %+v", res.Summary)
	}
}

func TestHandleTurn_InvalidConfidenceTreatedAsProviderFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	sess := f.login(t)
	f.classifier.classifyFn = func(ctx context.Context, text string) (sentiment.Classification, error) {
		return sentiment.Classification{Label: sentiment.Positive, Confidence: 1.7}, nil
	}

	res, err := f.orch.HandleTurn(context.Background(), sess, "hello")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Interaction.SentimentScore != nil {
		t.Error("expected unscored interaction")
	}
	if len(res.Degraded) != 1 || res.Degraded[0] != DegradedSentiment {
		t.Errorf("Degraded = %v", res.Degraded)
	}
}

func TestHandleTurn_StorageErrorIsFatal(t *testing.T) {
	f := newFixture(t, testConfig())
	f.orch.deps.Interactions = failingInteractions{InteractionRepository: f.store}
	sess := f.login(t)

	_, err := f.orch.HandleTurn(context.Background(), sess, "hello")
	if !model.IsCode(err, model.ErrCodeStorageError) {
		t.Fatalf("HandleTurn() error = %v, want STORAGE_ERROR", err)
	}

	user, _ := f.store.FindByUsername(context.Background(), "alice")
	if user.Analytics.TotalInteractions != 0 {
		t.Errorf("summary updated despite storage failure: %+v", user.Analytics)
	}
	if f.observer.outcomes[0] != OutcomeFailed {
		t.Errorf("outcome = %q, want failed", f.observer.outcomes[0])
	}
}

// endAndCheckCounts はセッションを終了し、セッション記録のやり取り数の合計が
// サマリのtotal_interactionsと保存済みのやり取り件数に一致することを確かめる。
func endAndCheckCounts(t *testing.T, f *fixture, sess *model.Session) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.sessions.End(ctx, sess.ID, model.CloseReasonLogout); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	user, _ := f.store.FindByUsername(ctx, "alice")
	sum := 0
	for _, rec := range user.Analytics.Sessions {
		sum += rec.InteractionCount
	}
	if int64(sum) != user.Analytics.TotalInteractions {
		t.Errorf("sum of session counts = %d, total_interactions = %d", sum, user.Analytics.TotalInteractions)
	}
	stored, _ := f.store.ListRecent(ctx, "alice", 100)
	if int64(len(stored)) != user.Analytics.TotalInteractions {
		t.Errorf("stored interactions = %d, total_interactions = %d", len(stored), user.Analytics.TotalInteractions)
	}
}

func TestHandleTurn_AppendFailureKeepsCountsConsistent(t *testing.T) {
	f := newFixture(t, testConfig())
	sess := f.login(t)

	if _, err := f.orch.HandleTurn(context.Background(), sess, "first"); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	f.orch.deps.Interactions = failingInteractions{InteractionRepository: f.store}
	if _, err := f.orch.HandleTurn(context.Background(), sess, "second"); !model.IsCode(err, model.ErrCodeStorageError) {
		t.Fatalf("HandleTurn() error = %v, want STORAGE_ERROR", err)
	}

	found, _ := f.store.Sessions().FindByID(context.Background(), sess.ID)
	if found.InteractionCount != 1 {
		t.Errorf("session InteractionCount = %d, want 1", found.InteractionCount)
	}
	endAndCheckCounts(t, f, sess)
}

func TestHandleTurn_AnalyticsFailureRemovesInteraction(t *testing.T) {
	f := newFixture(t, testConfig())
	f.orch.deps.Users = failingAnalytics{UserRepository: f.store}
	sess := f.login(t)

	if _, err := f.orch.HandleTurn(context.Background(), sess, "hello"); !model.IsCode(err, model.ErrCodeStorageError) {
		t.Fatalf("HandleTurn() error = %v, want STORAGE_ERROR", err)
	}

	recent, _ := f.store.ListRecent(context.Background(), "alice", 10)
	if len(recent) != 0 {
		t.Errorf("interaction kept after analytics failure: %d", len(recent))
	}
	found, _ := f.store.Sessions().FindByID(context.Background(), sess.ID)
	if found.InteractionCount != 0 {
		t.Errorf("session InteractionCount = %d, want 0", found.InteractionCount)
	}
	endAndCheckCounts(t, f, sess)
}

func TestHandleTurn_ZeroHistoryTurnsSendsNoContext(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryTurns = 0
	f := newFixture(t, cfg)
	counting := &countingInteractions{InteractionRepository: f.store}
	f.orch.deps.Interactions = counting
	sess := f.login(t)

	var got []model.Turn
	f.responder.completeFn = func(ctx context.Context, input string, history []model.Turn) (string, error) {
		got = history
		return "ok " + input, nil
	}

	for _, msg := range []string{"one", "two"} {
		if _, err := f.orch.HandleTurn(context.Background(), sess, msg); err != nil {
			t.Fatalf("HandleTurn(%q) error = %v", msg, err)
		}
	}

	if len(got) != 0 {
		t.Errorf("history = %+v, want empty", got)
	}
	if counting.listCalls.Load() != 0 {
		t.Errorf("ListRecent called %d times", counting.listCalls.Load())
	}
}

func TestHandleTurn_ClosedSessionRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	sess := f.login(t)
	closed, err := f.sessions.End(context.Background(), sess.ID, model.CloseReasonLogout)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}

	_, err = f.orch.HandleTurn(context.Background(), closed, "hello")
	if !model.IsCode(err, model.ErrCodeSessionClosed) {
		t.Errorf("HandleTurn() error = %v, want SESSION_CLOSED", err)
	}
	if f.responder.calls.Load() != 0 {
		t.Error("responder called for closed session")
	}

	// 古いコピーを使っても、ストア側で拒否され何も保存されない
	_, err = f.orch.HandleTurn(context.Background(), sess, "hello")
	if !model.IsCode(err, model.ErrCodeSessionClosed) {
		t.Errorf("HandleTurn(stale) error = %v, want SESSION_CLOSED", err)
	}
	recent, _ := f.store.ListRecent(context.Background(), "alice", 10)
	if len(recent) != 0 {
		t.Errorf("interactions persisted for closed session: %d", len(recent))
	}
}

func TestHandleTurn_PassesHistoryOldestFirst(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryTurns = 2
	f := newFixture(t, cfg)
	sess := f.login(t)

	var got []model.Turn
	f.responder.completeFn = func(ctx context.Context, input string, history []model.Turn) (string, error) {
		got = history
		return "ok " + input, nil
	}

	for _, msg := range []string{"one", "two", "three"} {
		if _, err := f.orch.HandleTurn(context.Background(), sess, msg); err != nil {
			t.Fatalf("HandleTurn(%q) error = %v", msg, err)
		}
	}

	if len(got) != 2 || got[0].UserInput != "one" || got[1].UserInput != "two" {
		t.Errorf("history for third turn = %+v", got)
	}
}

// 同一ユーザーの並行ターンが直列化され、件数と平均が一致すること
func TestHandleTurn_ConcurrentTurnsSerializedPerUser(t *testing.T) {
	f := newFixture(t, testConfig())
	sess := f.login(t)

	var n atomic.Int32
	f.classifier.classifyFn = func(ctx context.Context, text string) (sentiment.Classification, error) {
		i := n.Add(1)
		if i%2 == 0 {
			return sentiment.Classification{Label: sentiment.Positive, Confidence: 1}, nil
		}
		return sentiment.Classification{Label: sentiment.Negative, Confidence: 0.5}, nil
	}

	const turns = 20
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.orch.HandleTurn(context.Background(), sess, fmt.Sprintf("question %d", i)); err != nil {
				t.Errorf("HandleTurn() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	user, _ := f.store.FindByUsername(context.Background(), "alice")
	if user.Analytics.TotalInteractions != turns {
		t.Errorf("TotalInteractions = %d, want %d", user.Analytics.TotalInteractions, turns)
	}
	want := (10*1.0 + 10*-0.5) / turns
	if math.Abs(user.Analytics.AvgSentiment-want) > 1e-9 {
		t.Errorf("AvgSentiment = %v, want %v", user.Analytics.AvgSentiment, want)
	}
	stored, _ := f.sessions.List(context.Background(), "alice")
	if stored[0].InteractionCount != turns {
		t.Errorf("session InteractionCount = %d, want %d", stored[0].InteractionCount, turns)
	}
	if f.orch.locks.size() != 0 {
		t.Errorf("locks not released: %d", f.orch.locks.size())
	}
}
