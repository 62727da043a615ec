// Package auth はユーザー登録、パスワード認証、ログイン・ログアウトを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/edututor/internal/model"
	"github.com/hitoshi/edututor/internal/repository"
)

const (
	minPasswordLength = 8
	// bcryptは72バイトを超える部分を無視するため、それ以上は受け付けない
	maxPasswordBytes = 72
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

// SessionLifecycle はセッションの開始と終了を担う。session.Managerが実装する。
// Prepareは保存前のセッションを返し、Saveで初めて永続化される。
type SessionLifecycle interface {
	Prepare(username string) (*model.Session, error)
	Save(ctx context.Context, s *model.Session) error
	End(ctx context.Context, id, reason string) (*model.Session, error)
}

// TokenSigner はセッションに紐づくアクセストークンを発行する。TokenIssuerが実装する。
type TokenSigner interface {
	Issue(username, sessionID string, expiresAt time.Time) (string, error)
}

// RegisterInput はユーザー登録の入力。
type RegisterInput struct {
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	User    *model.User
	Session *model.Session
	// Token はBearer認証用のアクセストークン。
	Token string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	users    repository.UserRepository
	sessions SessionLifecycle
	hasher   PasswordHasher
	tokens   TokenSigner
	logger   *slog.Logger
	now      func() time.Time

	// dummyDigest はユーザーが存在しない場合の照合に使い、応答時間からユーザーの有無を推測させない。
	dummyDigest []byte
}

// NewService はServiceを生成する。
// 照合用のダミーダイジェストを生成できない場合はpanicする。
func NewService(users repository.UserRepository, sessions SessionLifecycle, hasher PasswordHasher, tokens TokenSigner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	dummy, err := hasher.Hash("edututor-dummy-password")
	if err != nil {
		panic(fmt.Sprintf("failed to hash dummy password: %v", err))
	}
	return &Service{
		users:       users,
		sessions:    sessions,
		hasher:      hasher,
		tokens:      tokens,
		logger:      logger,
		now:         time.Now,
		dummyDigest: dummy,
	}
}

// Register はユーザーを登録する。新しいユーザーの集計は空の状態で始まる。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(in.Email)

	if !usernamePattern.MatchString(username) {
		return nil, model.NewInvalidInputError("ユーザー名は3〜32文字の英数字と _ . - で指定してください")
	}
	if _, err := mail.ParseAddress(email); err != nil || strings.ContainsAny(email, "<> ") {
		return nil, model.NewInvalidInputError("メールアドレスの形式が正しくありません")
	}
	if len(in.Password) < minPasswordLength {
		return nil, model.NewInvalidInputError(fmt.Sprintf("パスワードは%d文字以上にしてください", minPasswordLength))
	}
	if len(in.Password) > maxPasswordBytes {
		return nil, model.NewInvalidInputError(fmt.Sprintf("パスワードは%dバイト以内にしてください", maxPasswordBytes))
	}
	if in.Password != in.ConfirmPassword {
		return nil, model.NewPasswordMismatchError()
	}

	existing, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, model.NewStorageError("user", err)
	}
	if existing != nil {
		return nil, model.NewUsernameTakenError(username)
	}

	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		Username:       username,
		Email:          email,
		PasswordDigest: digest,
		CreatedAt:      s.now().UTC(),
		Analytics:      model.AnalyticsSummary{},
	}
	if err := s.users.Create(ctx, user); err != nil {
		// 存在確認と作成の間に同名ユーザーが登録された場合
		if errors.Is(err, repository.ErrDuplicateUsername) {
			return nil, model.NewUsernameTakenError(username)
		}
		return nil, model.NewStorageError("user", err)
	}

	s.logger.Info("user registered", slog.String("username", username))
	return user, nil
}

// Login はユーザー名とパスワードを照合し、成功すればセッションを開始する。
// 失敗時はAuthFailedを返し、セッションは作成しない。
// トークンの発行に失敗した場合もセッションは保存しない。
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	username = strings.TrimSpace(username)

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, model.NewStorageError("user", err)
	}
	if user == nil {
		s.hasher.Verify(s.dummyDigest, password)
		s.logger.Info("login failed", slog.String("username", username), slog.String("reason", "unknown user"))
		return nil, model.NewAuthFailedError()
	}
	if !s.hasher.Verify(user.PasswordDigest, password) {
		s.logger.Info("login failed", slog.String("username", username), slog.String("reason", "password mismatch"))
		return nil, model.NewAuthFailedError()
	}

	sess, err := s.sessions.Prepare(user.Username)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.Issue(user.Username, sess.ID, sess.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", slog.String("username", user.Username))
	return &LoginResult{User: user, Session: sess, Token: token}, nil
}

// Logout はセッションを終了する。既に終了済みの場合も成功として扱う。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return model.NewUnauthorizedError()
	}
	if _, err := s.sessions.End(ctx, sessionID, model.CloseReasonLogout); err != nil {
		return err
	}
	return nil
}

// CurrentUser はユーザーを取得する。
func (s *Service) CurrentUser(ctx context.Context, username string) (*model.User, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, model.NewStorageError("user", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}
