// Package conversation はユーザーの1ターン（入力→AI応答・感情分類→記録→集計）を順序立てて処理する。
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/edututor/internal/analytics"
	"github.com/hitoshi/edututor/internal/model"
	"github.com/hitoshi/edututor/internal/repository"
	"github.com/hitoshi/edututor/internal/sentiment"
)

// Responder はAI応答を生成する外部プロバイダ。
type Responder interface {
	Name() string
	Complete(ctx context.Context, input string, history []model.Turn) (string, error)
}

// Classifier は感情分類を行う外部プロバイダ。
type Classifier interface {
	Name() string
	Classify(ctx context.Context, text string) (sentiment.Classification, error)
}

// TopicTagger は入力文からトピックタグを抽出する。
type TopicTagger interface {
	Tag(text string) []string
}

// Sanitizer はAI応答を表示・保存可能な形に無害化する。
type Sanitizer interface {
	Sanitize(raw string) string
}

// SessionRecorder はセッションへのやり取り記録を担う。session.Managerが実装する。
type SessionRecorder interface {
	CheckActive(s *model.Session) error
	RecordInteraction(ctx context.Context, s *model.Session) (*model.Session, error)
	UndoInteraction(ctx context.Context, s *model.Session) error
}

// Observer はターンとプロバイダ呼び出しの結果を受け取る。metrics.Collectorが実装する。
type Observer interface {
	ObserveTurn(outcome string, duration time.Duration)
	ObserveProviderCall(provider, outcome string, duration time.Duration)
}

// ターンの結果区分
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// 縮退したステップ名
const (
	DegradedReply     = "reply"
	DegradedSentiment = "sentiment"
)

// rollbackTimeout は失敗したターンの書き込みを取り消す処理の上限時間。
const rollbackTimeout = 5 * time.Second

// Config はOrchestratorの設定。
type Config struct {
	ReplyTimeout    time.Duration
	ClassifyTimeout time.Duration
	// HistoryTurns はプロバイダに渡す過去のやり取りの件数。
	HistoryTurns int
	// FallbackReply はAI応答が得られなかったときにユーザーへ表示する文言。
	FallbackReply string
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		ReplyTimeout:    20 * time.Second,
		ClassifyTimeout: 10 * time.Second,
		HistoryTurns:    5,
		FallbackReply:   "The tutor is unavailable right now. Your message was saved, so please try again in a moment.",
	}
}

// Deps はOrchestratorが依存するコンポーネント。
type Deps struct {
	Responder    Responder
	Classifier   Classifier
	Normalizer   *sentiment.Normalizer
	Aggregator   *analytics.Aggregator
	Tagger       TopicTagger
	Sanitizer    Sanitizer
	Users        repository.UserRepository
	Interactions repository.InteractionRepository
	Sessions     SessionRecorder
	Observer     Observer
	Logger       *slog.Logger
}

// TurnResult は1ターンの処理結果。
type TurnResult struct {
	Interaction *model.Interaction
	// Reply はユーザーに表示する応答。AI応答が得られなかった場合は代替文言。
	Reply string
	// Mood は入力の感情ラベル。分類できなかった場合は "unavailable"。
	Mood string
	// Degraded は失敗して番兵値で記録したステップ。
	Degraded []string
	Summary  model.AnalyticsSummary
	Session  *model.Session
}

// Orchestrator は1ターンの処理を順序通りに実行する。
type Orchestrator struct {
	cfg    Config
	deps   Deps
	locks  *userLocks
	now    func() time.Time
	logger *slog.Logger
}

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Tagger == nil {
		deps.Tagger = nopTagger{}
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = nopSanitizer{}
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		locks:  newUserLocks(),
		now:    time.Now,
		logger: logger,
	}
}

// HandleTurn はユーザーの1ターンを処理する。
//
//  1. 入力の検証（空ならEmptyInput、外部呼び出しは行わない）
//  2. AI応答の取得と 3. 感情分類 を並行に実行し、両方の完了（またはタイムアウト）を待つ
//  4. 正規化
//  5. Interactionの構築
//  6. 保存
//  7. 集計
//  8. サマリの保存
//
// プロバイダの失敗はターン全体を失敗させず、番兵値で記録する。
// 保存の失敗はStorageErrorとして返す。その場合はそのターンで行った書き込みを取り消し、
// セッションのやり取り数・保存済みのやり取り・サマリの件数がずれないようにする。
// 同一ユーザーのターンは直列に処理する。
func (o *Orchestrator) HandleTurn(ctx context.Context, sess *model.Session, input string) (*TurnResult, error) {
	start := o.now()

	text := strings.TrimSpace(input)
	if text == "" {
		o.deps.Observer.ObserveTurn(OutcomeRejected, o.now().Sub(start))
		return nil, model.NewEmptyInputError()
	}
	if err := o.deps.Sessions.CheckActive(sess); err != nil {
		o.deps.Observer.ObserveTurn(OutcomeRejected, o.now().Sub(start))
		return nil, err
	}

	unlock := o.locks.Lock(sess.Username)
	defer unlock()

	result, err := o.handleLocked(ctx, sess, text)
	switch {
	case err != nil && model.IsCode(err, model.ErrCodeSessionClosed):
		o.deps.Observer.ObserveTurn(OutcomeRejected, o.now().Sub(start))
	case err != nil:
		o.deps.Observer.ObserveTurn(OutcomeFailed, o.now().Sub(start))
	case len(result.Degraded) > 0:
		o.deps.Observer.ObserveTurn(OutcomeDegraded, o.now().Sub(start))
	default:
		o.deps.Observer.ObserveTurn(OutcomeOK, o.now().Sub(start))
	}
	return result, err
}

func (o *Orchestrator) handleLocked(ctx context.Context, sess *model.Session, text string) (*TurnResult, error) {
	username := sess.Username

	// HistoryTurnsが0の場合は会話コンテキストを渡さない
	var history []*model.Interaction
	if o.cfg.HistoryTurns > 0 {
		var err error
		history, err = o.deps.Interactions.ListRecent(ctx, username, o.cfg.HistoryTurns)
		if err != nil {
			return nil, o.storageFailure("history", username, err)
		}
	}

	// 2, 3: AI応答と感情分類は互いに独立しているため並行に呼び出す
	var (
		reply    string
		replyErr error
		cls      sentiment.Classification
		clsErr   error
		g        errgroup.Group
	)
	g.Go(func() error {
		reply, replyErr = o.complete(ctx, text, toTurns(history))
		return nil
	})
	g.Go(func() error {
		cls, clsErr = o.classify(ctx, text)
		return nil
	})
	_ = g.Wait()

	result := &TurnResult{
		Reply: o.cfg.FallbackReply,
		Mood:  model.SentinelUnavailable,
	}

	// 4: 正規化。分類器が範囲外の確信度を返した場合もプロバイダの失敗として扱う
	var score *float64
	if clsErr == nil {
		s, err := o.deps.Normalizer.NormalizeClassification(cls)
		if err != nil {
			clsErr = model.NewProviderError(o.deps.Classifier.Name(), err)
		} else {
			score = &s
			result.Mood = string(cls.Label)
		}
	}
	if clsErr != nil {
		result.Degraded = append(result.Degraded, DegradedSentiment)
		o.logProviderFailure(o.deps.Classifier.Name(), username, clsErr)
	}

	aiResponse := model.SentinelUnavailable
	if replyErr == nil {
		clean := strings.TrimSpace(o.deps.Sanitizer.Sanitize(reply))
		if clean == "" {
			replyErr = model.NewProviderError(o.deps.Responder.Name(), fmt.Errorf("empty reply"))
		} else {
			aiResponse = clean
			result.Reply = clean
		}
	}
	if replyErr != nil {
		result.Degraded = append(result.Degraded, DegradedReply)
		o.logProviderFailure(o.deps.Responder.Name(), username, replyErr)
	}

	// 5
	label := model.SentinelUnavailable
	if score != nil {
		label = string(cls.Label)
	}
	in := &model.Interaction{
		ID:             uuid.NewString(),
		Username:       username,
		SessionID:      sess.ID,
		UserInput:      text,
		AIResponse:     aiResponse,
		SentimentScore: score,
		SentimentLabel: label,
		Topics:         o.deps.Tagger.Tag(text),
		Timestamp:      o.now(),
	}

	// セッションへの記録は保存の前に行う。終了済みセッションへの投稿はここで拒否され、何も保存されない
	updated, err := o.deps.Sessions.RecordInteraction(ctx, sess)
	if err != nil {
		if model.IsCode(err, model.ErrCodeStorageError) {
			o.logger.Error("failed to record session interaction",
				slog.String("username", username),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	result.Session = updated

	// 6
	if err := o.deps.Interactions.Append(ctx, in); err != nil {
		o.rollback(ctx, updated, nil)
		return nil, o.storageFailure("interaction", username, err)
	}
	result.Interaction = in

	// 7, 8
	summary, err := o.foldSummary(ctx, username, in)
	if err != nil {
		o.rollback(ctx, updated, in)
		return nil, o.storageFailure("analytics", username, err)
	}
	result.Summary = summary

	return result, nil
}

func (o *Orchestrator) foldSummary(ctx context.Context, username string, in *model.Interaction) (model.AnalyticsSummary, error) {
	user, err := o.deps.Users.FindByUsername(ctx, username)
	if err != nil {
		return model.AnalyticsSummary{}, err
	}
	if user == nil {
		return model.AnalyticsSummary{}, repository.ErrUserNotFound
	}
	summary := o.deps.Aggregator.Fold(user.Analytics, in)
	if err := o.deps.Users.UpsertAnalytics(ctx, username, summary); err != nil {
		return model.AnalyticsSummary{}, err
	}
	return summary, nil
}

// rollback は保存に失敗したターンの書き込みを取り消す。
// inがnilでなければ保存済みのやり取りも削除する。
func (o *Orchestrator) rollback(ctx context.Context, sess *model.Session, in *model.Interaction) {
	if in != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		err := o.deps.Interactions.Remove(rctx, in.ID)
		cancel()
		if err != nil {
			o.logger.Error("failed to remove interaction after storage failure",
				slog.String("username", sess.Username),
				slog.String("interaction_id", in.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := o.deps.Sessions.UndoInteraction(ctx, sess); err != nil {
		o.logger.Error("failed to undo session interaction after storage failure",
			slog.String("username", sess.Username),
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) complete(ctx context.Context, text string, history []model.Turn) (string, error) {
	name := o.deps.Responder.Name()
	start := o.now()
	reply, err := callWithTimeout(ctx, o.cfg.ReplyTimeout, func(ctx context.Context) (string, error) {
		return o.deps.Responder.Complete(ctx, text, history)
	})
	if err != nil {
		failure := providerFailure(name, err)
		o.deps.Observer.ObserveProviderCall(name, failure.Code, o.now().Sub(start))
		return "", failure
	}
	o.deps.Observer.ObserveProviderCall(name, OutcomeOK, o.now().Sub(start))
	return reply, nil
}

func (o *Orchestrator) classify(ctx context.Context, text string) (sentiment.Classification, error) {
	name := o.deps.Classifier.Name()
	start := o.now()
	cls, err := callWithTimeout(ctx, o.cfg.ClassifyTimeout, func(ctx context.Context) (sentiment.Classification, error) {
		return o.deps.Classifier.Classify(ctx, text)
	})
	if err != nil {
		failure := providerFailure(name, err)
		o.deps.Observer.ObserveProviderCall(name, failure.Code, o.now().Sub(start))
		return sentiment.Classification{}, failure
	}
	o.deps.Observer.ObserveProviderCall(name, OutcomeOK, o.now().Sub(start))
	return cls, nil
}

func (o *Orchestrator) logProviderFailure(provider, username string, err error) {
	o.logger.Warn("provider call failed, recording sentinel value",
		slog.String("provider", provider),
		slog.String("username", username),
		slog.String("error", err.Error()),
	)
}

func (o *Orchestrator) storageFailure(op, username string, err error) error {
	o.logger.Error("storage failure",
		slog.String("op", op),
		slog.String("username", username),
		slog.String("error", err.Error()),
	)
	return model.NewStorageError(op, err)
}

// toTurns は新しい順のやり取りを古い順の会話コンテキストに並べ替える。
// AI応答が得られなかったやり取りは含めない。
func toTurns(history []*model.Interaction) []model.Turn {
	turns := make([]model.Turn, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if !h.ReplyAvailable() {
			continue
		}
		turns = append(turns, model.Turn{UserInput: h.UserInput, AIResponse: h.AIResponse})
	}
	return turns
}

type nopObserver struct{}

func (nopObserver) ObserveTurn(string, time.Duration)                 {}
func (nopObserver) ObserveProviderCall(string, string, time.Duration) {}

type nopTagger struct{}

func (nopTagger) Tag(string) []string { return nil }

type nopSanitizer struct{}

func (nopSanitizer) Sanitize(raw string) string { return raw }
