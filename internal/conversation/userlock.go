package conversation

import "sync"

// userLocks はユーザー名ごとの排他ロック。
// 同じユーザーのサマリ更新を直列化し、異なるユーザー同士は並行に処理する。
// 参照がなくなったロックはマップから取り除く。
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*refLock)}
}

// Lock は指定ユーザーのロックを取得し、解放関数を返す。
func (u *userLocks) Lock(username string) (unlock func()) {
	u.mu.Lock()
	l, ok := u.locks[username]
	if !ok {
		l = &refLock{}
		u.locks[username] = l
	}
	l.refs++
	u.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		u.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(u.locks, username)
		}
		u.mu.Unlock()
	}
}

// size は保持中のロック数を返す。テスト用。
func (u *userLocks) size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.locks)
}
