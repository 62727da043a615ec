// Package repository はデータ永続化のインターフェースを定義する。
//
// 実装はPostgreSQL（postgres_*.go）、MongoDB（mongo_*.go）、インメモリ（memory_store.go）の3種類。
// いずれもusernameをキーとするドキュメントストアとして振る舞う。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/edututor/internal/model"
)

// ErrDuplicateUsername はユーザー名が既に登録済みであることを示す。
var ErrDuplicateUsername = errors.New("username already exists")

// ErrUserNotFound は更新対象のユーザーが存在しないことを示す。
var ErrUserNotFound = errors.New("user not found")

// UserRepository はユーザードキュメントの永続化インターフェース。
type UserRepository interface {
	// FindByUsername は指定ユーザー名のユーザーを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// Create はユーザーを作成する。ユーザー名が重複する場合はErrDuplicateUsernameを返す。
	Create(ctx context.Context, user *model.User) error

	// UpsertAnalytics はanalyticsのうちsessions以外のフィールドを書き換える。
	// sessionsはAppendSessionRecordのみが追記するため、並行するセッション終了処理と競合しない。
	// ユーザーが存在しない場合はErrUserNotFoundを返す。
	UpsertAnalytics(ctx context.Context, username string, summary model.AnalyticsSummary) error

	// AppendSessionRecord はanalytics.sessionsに終了済みセッションを追記する。
	AppendSessionRecord(ctx context.Context, username string, record model.SessionRecord) error
}

// InteractionRepository はやり取り履歴の追記専用リポジトリ。
type InteractionRepository interface {
	// Append はやり取りを1件追記する。
	Append(ctx context.Context, interaction *model.Interaction) error

	// ListRecent は指定ユーザーの直近のやり取りを新しい順に最大limit件返す。
	// limitが0以下の場合は空を返す。
	ListRecent(ctx context.Context, username string, limit int) ([]*model.Interaction, error)

	// Remove は指定IDのやり取りを削除する。サマリへの反映に失敗したターンの取り消しにのみ使う。
	// 存在しない場合もエラーにしない。
	Remove(ctx context.Context, id string) error
}

// SessionRepository はセッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを取得する。終了済みでも返す。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// RecordInteraction はアクティブなセッションのやり取り数を1増やし、最終操作時刻を更新する。
	// セッションが終了済みまたは存在しない場合はnilを返す。
	RecordInteraction(ctx context.Context, id string, at time.Time) (*model.Session, error)

	// UndoInteraction はRecordInteractionで加算したやり取り数を1減らす。
	// 対象はアクティブでやり取り数が1以上のセッションのみ。該当しない場合は何もしない。
	UndoInteraction(ctx context.Context, id string) error

	// Close はアクティブなセッションを終了状態にして返す。
	// 既に終了済みの場合はnilを返す（終了は1回だけ成立する）。
	Close(ctx context.Context, id string, endedAt time.Time, reason string) (*model.Session, error)

	// Reopen は終了済みのセッションをアクティブに戻す。
	// 終了記録の追記に失敗したセッションを、次の終了処理で再度記録できるようにする。
	Reopen(ctx context.Context, id string) error

	// ListByUsername は指定ユーザーのセッションを開始の新しい順に返す。
	ListByUsername(ctx context.Context, username string) ([]*model.Session, error)

	// ListIdle は最終操作がidleBeforeより前、または有効期限がnowを過ぎた
	// アクティブなセッションを最大limit件返す。
	ListIdle(ctx context.Context, idleBefore, now time.Time, limit int) ([]*model.Session, error)
}
