package auth

import "golang.org/x/crypto/bcrypt"

// PasswordHasher はパスワードのハッシュ化と照合を行う。
type PasswordHasher interface {
	Hash(password string) ([]byte, error)
	Verify(digest []byte, password string) bool
}

// BcryptHasher はbcryptによるPasswordHasherの実装。
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher はBcryptHasherを生成する。costが範囲外の場合は既定値を使う。
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{Cost: cost}
}

// Hash はパスワードのダイジェストを生成する。
func (h *BcryptHasher) Hash(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), h.Cost)
}

// Verify はダイジェストとパスワードが一致するかを返す。
func (h *BcryptHasher) Verify(digest []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(digest, []byte(password)) == nil
}
