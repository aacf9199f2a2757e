// Package diskguard takes an advisory exclusive lock on a data
// directory so two cxdb-server processes can never open the same store
// concurrently — a single-node safety property the spec assumes but
// does not itself enforce (spec section 1, "single-node database").
//
// Grounded on the indirect golang.org/x/sys dependency already pulled
// in transitively via badger in the teacher's go.mod; this gives it its
// first direct use.
package diskguard

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Lock holds an advisory flock on a sentinel file inside dir for the
// lifetime of the process. Release it with Close.
type Lock struct {
	f *os.File
}

// Acquire takes the lock, failing immediately (rather than blocking) if
// another process already holds it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diskguard: creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, ".cxdb.lock")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskguard: opening %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("diskguard: data directory %s is already in use by another process: %w", dir, err)
	}

	return &Lock{f: f}, nil
}

// Close releases the lock. The sentinel file is left in place; only the
// flock is released.
func (l *Lock) Close() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
