package persistence

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/marcushq/marcus/internal/marcuserr"
)

// migrationLock serializes schema migration across processes sharing one
// database file, via an exclusive advisory lock on a sibling lock file.
type migrationLock struct {
	f *os.File
}

// acquireMigrationLock blocks until the lock for dbPath is held.
func acquireMigrationLock(dbPath string) (*migrationLock, error) {
	path := dbPath + ".migrate.lock"
	if dir := filepath.Dir(path); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, marcuserr.Wrap(marcuserr.KindStorage, err, "cannot open migration lock file")
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, marcuserr.Wrap(marcuserr.KindStorage, err, "cannot acquire migration lock")
	}
	return &migrationLock{f: f}, nil
}

// release drops the advisory lock. Nil-safe.
func (l *migrationLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}
