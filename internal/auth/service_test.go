package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/edututor/internal/model"
	"github.com/hitoshi/edututor/internal/repository"
	"github.com/hitoshi/edututor/internal/session"
)

// --- モック定義 ---

type mockUserRepo struct {
	repository.UserRepository
	findFn   func(ctx context.Context, username string) (*model.User, error)
	createFn func(ctx context.Context, user *model.User) error
}

func (m *mockUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	if m.findFn != nil {
		return m.findFn(ctx, username)
	}
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

// failingSigner はトークン発行に失敗するTokenSigner。
type failingSigner struct{}

func (failingSigner) Issue(username, sessionID string, expiresAt time.Time) (string, error) {
	return "", errors.New("signing key unavailable")
}

// failingHasher はハッシュ化に失敗するPasswordHasher。
type failingHasher struct{}

func (failingHasher) Hash(password string) ([]byte, error) { return nil, errors.New("entropy exhausted") }

func (failingHasher) Verify(digest []byte, password string) bool { return false }

type testEnv struct {
	svc      *Service
	store    *repository.MemoryStore
	sessions *session.Manager
	tokens   *TokenIssuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	mgr := session.NewManager(session.NewTracker(30*time.Minute, 24*time.Hour), store.Sessions(), store, nil)
	tokens := NewTokenIssuer("test-secret")
	svc := NewService(store, mgr, NewBcryptHasher(bcrypt.MinCost), tokens, nil)
	return &testEnv{svc: svc, store: store, sessions: mgr, tokens: tokens}
}

func validInput() RegisterInput {
	return RegisterInput{
		Username:        "alice",
		Email:           "alice@example.com",
		Password:        "correct-horse",
		ConfirmPassword: "correct-horse",
	}
}

func TestRegister_Success(t *testing.T) {
	env := newTestEnv(t)

	user, err := env.svc.Register(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.Username != "alice" || user.Email != "alice@example.com" {
		t.Errorf("user = %+v", user)
	}
	if string(user.PasswordDigest) == "correct-horse" {
		t.Error("password stored in plain text")
	}

	stored, _ := env.store.FindByUsername(context.Background(), "alice")
	if stored == nil {
		t.Fatal("user not persisted")
	}
	if stored.Analytics.TotalInteractions != 0 || stored.Analytics.AvgSentiment != 0 {
		t.Errorf("new user analytics = %+v, want empty", stored.Analytics)
	}
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(in *RegisterInput)
		wantCode string
	}{
		{"short username", func(in *RegisterInput) { in.Username = "al" }, model.ErrCodeInvalidInput},
		{"username with space", func(in *RegisterInput) { in.Username = "al ice" }, model.ErrCodeInvalidInput},
		{"bad email", func(in *RegisterInput) { in.Email = "not-an-email" }, model.ErrCodeInvalidInput},
		{"short password", func(in *RegisterInput) { in.Password, in.ConfirmPassword = "short", "short" }, model.ErrCodeInvalidInput},
		{"confirmation mismatch", func(in *RegisterInput) { in.ConfirmPassword = "different-one" }, model.ErrCodePasswordMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			in := validInput()
			tt.mutate(&in)

			_, err := env.svc.Register(context.Background(), in)
			if !model.IsCode(err, tt.wantCode) {
				t.Errorf("Register() error = %v, want %s", err, tt.wantCode)
			}
			if u, _ := env.store.FindByUsername(context.Background(), in.Username); u != nil {
				t.Error("user persisted despite validation error")
			}
		})
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.Register(context.Background(), validInput()); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}

	_, err := env.svc.Register(context.Background(), validInput())
	if !model.IsCode(err, model.ErrCodeUsernameTaken) {
		t.Errorf("Register() error = %v, want USERNAME_TAKEN", err)
	}
}

// 存在確認と作成の間に同名ユーザーが登録された場合もUSERNAME_TAKENになる
func TestRegister_DuplicateRace(t *testing.T) {
	repo := &mockUserRepo{
		createFn: func(ctx context.Context, user *model.User) error {
			return repository.ErrDuplicateUsername
		},
	}
	svc := NewService(repo, nil, NewBcryptHasher(bcrypt.MinCost), NewTokenIssuer("s"), nil)

	_, err := svc.Register(context.Background(), validInput())
	if !model.IsCode(err, model.ErrCodeUsernameTaken) {
		t.Errorf("Register() error = %v, want USERNAME_TAKEN", err)
	}
}

func TestRegister_StorageError(t *testing.T) {
	repo := &mockUserRepo{
		findFn: func(ctx context.Context, username string) (*model.User, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := NewService(repo, nil, NewBcryptHasher(bcrypt.MinCost), NewTokenIssuer("s"), nil)

	_, err := svc.Register(context.Background(), validInput())
	if !model.IsCode(err, model.ErrCodeStorageError) {
		t.Errorf("Register() error = %v, want STORAGE_ERROR", err)
	}
}

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.Register(context.Background(), validInput()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	res, err := env.svc.Login(context.Background(), "alice", "correct-horse")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if res.Session.State() != model.SessionActive {
		t.Errorf("session state = %s, want active", res.Session.State())
	}

	claims, err := env.tokens.Parse(res.Token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.SessionID != res.Session.ID || claims.Subject != "alice" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestLogin_FailureCreatesNoSession(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.Register(context.Background(), validInput()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	for _, tc := range []struct{ username, password string }{
		{"alice", "wrong-password"},
		{"bob", "correct-horse"},
	} {
		_, err := env.svc.Login(context.Background(), tc.username, tc.password)
		if !model.IsCode(err, model.ErrCodeAuthFailed) {
			t.Errorf("Login(%s) error = %v, want AUTH_FAILED", tc.username, err)
		}
	}

	sessions, _ := env.sessions.List(context.Background(), "alice")
	if len(sessions) != 0 {
		t.Errorf("sessions created on failed login: %d", len(sessions))
	}
}

func TestLogin_TokenFailureCreatesNoSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.svc.Register(ctx, validInput()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	svc := NewService(env.store, env.sessions, NewBcryptHasher(bcrypt.MinCost), failingSigner{}, nil)

	if _, err := svc.Login(ctx, "alice", "correct-horse"); err == nil {
		t.Fatal("Login() error = nil, want signing error")
	}
	sessions, _ := env.sessions.List(ctx, "alice")
	if len(sessions) != 0 {
		t.Errorf("sessions created on failed login: %d", len(sessions))
	}
}

func TestNewService_PanicsWhenDummyHashFails(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewService() did not panic")
		}
	}()
	NewService(&mockUserRepo{}, nil, failingHasher{}, NewTokenIssuer("s"), nil)
}

func TestLogout_ClosesSessionOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.svc.Register(ctx, validInput()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	res, err := env.svc.Login(ctx, "alice", "correct-horse")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if err := env.svc.Logout(ctx, res.Session.ID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if err := env.svc.Logout(ctx, res.Session.ID); err != nil {
		t.Fatalf("second Logout() error = %v", err)
	}

	user, _ := env.store.FindByUsername(ctx, "alice")
	if len(user.Analytics.Sessions) != 1 {
		t.Fatalf("session records = %d, want 1", len(user.Analytics.Sessions))
	}
	if user.Analytics.Sessions[0].Reason != model.CloseReasonLogout {
		t.Errorf("reason = %s", user.Analytics.Sessions[0].Reason)
	}

	if err := env.svc.Logout(ctx, ""); !model.IsCode(err, model.ErrCodeUnauthorized) {
		t.Errorf("Logout(\"\") error = %v, want UNAUTHORIZED", err)
	}
}

func TestCurrentUser(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.Register(context.Background(), validInput()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if u, err := env.svc.CurrentUser(context.Background(), "alice"); err != nil || u.Username != "alice" {
		t.Errorf("CurrentUser() = %v, %v", u, err)
	}
	if _, err := env.svc.CurrentUser(context.Background(), "ghost"); !model.IsCode(err, model.ErrCodeUserNotFound) {
		t.Errorf("CurrentUser(ghost) error = %v, want USER_NOT_FOUND", err)
	}
}
