//go:build linux

// Package instance manages per-sandbox state: the decimal instance id, the
// state directory under the per-user runtime dir, the advisory lock, and the
// sealed app-info document mounted at /.flatpak-info.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"
)

// State directory entries. bwrapinfo.json is written by the supervisor, not
// by this package; the name is fixed here so callers agree on it.
const (
	InfoFile      = "info"
	PIDFile       = "pid"
	LockFile      = "lock"
	BwrapInfoFile = "bwrapinfo.json"
)

// ErrExhausted reports that no instance id could be claimed.
var ErrExhausted = errors.New("instance ids exhausted")

// allocRetries bounds the claim loop against pathological races.
const allocRetries = 100

// State is one allocated instance directory. It is removed by Release once
// the last holder is done.
type State struct {
	// ID is the decimal instance id.
	ID string
	// Dir is the state directory.
	Dir string

	lock *os.File
}

// Allocate claims the smallest positive decimal id without a directory under
// baseDir, creates the directory, and takes the advisory lock. Concurrent
// launches are serialized by mkdir atomicity: a lost race rescans.
func Allocate(baseDir string) (*State, error) {
	err := os.MkdirAll(baseDir, 0o700)
	if err != nil {
		return nil, fmt.Errorf("instance: creating %s: %w", baseDir, err)
	}

	for attempt := 0; attempt < allocRetries; attempt++ {
		id, scanErr := smallestFreeID(baseDir)
		if scanErr != nil {
			return nil, scanErr
		}

		dir := filepath.Join(baseDir, id)

		mkErr := os.Mkdir(dir, 0o700)
		if mkErr != nil {
			if os.IsExist(mkErr) {
				// Lost the race; rescan.
				continue
			}

			return nil, fmt.Errorf("instance: claiming %s: %w", dir, mkErr)
		}

		state := &State{ID: id, Dir: dir}

		lockErr := state.acquireLock()
		if lockErr != nil {
			_ = os.RemoveAll(dir)

			return nil, lockErr
		}

		return state, nil
	}

	return nil, ErrExhausted
}

// smallestFreeID returns the smallest positive decimal not present as a
// subdirectory name.
func smallestFreeID(baseDir string) (string, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return "", fmt.Errorf("instance: scanning %s: %w", baseDir, err)
	}

	used := make([]int, 0, len(entries))

	for _, entry := range entries {
		n, convErr := strconv.Atoi(entry.Name())
		if convErr != nil || n <= 0 {
			continue
		}

		used = append(used, n)
	}

	sort.Ints(used)

	next := 1

	for _, n := range used {
		if n == next {
			next++

			continue
		}

		if n > next {
			break
		}
	}

	return strconv.Itoa(next), nil
}

// acquireLock takes the instance's advisory lock. The lock outlives the
// launch function: other processes use it to tell live instances from
// leftovers.
func (s *State) acquireLock() error {
	f, err := os.OpenFile(filepath.Join(s.Dir, LockFile), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("instance %s: creating lock: %w", s.ID, err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = f.Close()

		return fmt.Errorf("instance %s: locking: %w", s.ID, err)
	}

	s.lock = f

	return nil
}

// LockFD exposes the lock descriptor so the launch pipeline can keep it
// alive across exec via the argument vector's non-inheritable set.
func (s *State) LockFD() *os.File {
	return s.lock
}

// WriteInfo writes the sealed app-info document into the state dir. The
// identical bytes are mounted at /.flatpak-info inside the sandbox.
func (s *State) WriteInfo(data []byte) error {
	err := os.WriteFile(filepath.Join(s.Dir, InfoFile), data, 0o644)
	if err != nil {
		return fmt.Errorf("instance %s: writing info: %w", s.ID, err)
	}

	return nil
}

// WritePID records the supervisor pid.
func (s *State) WritePID(pid int) error {
	err := os.WriteFile(filepath.Join(s.Dir, PIDFile), []byte(strconv.Itoa(pid)+"\n"), 0o644)
	if err != nil {
		return fmt.Errorf("instance %s: writing pid: %w", s.ID, err)
	}

	return nil
}

// Release drops the lock and removes the state directory. Safe to call
// multiple times; removal errors are reported but leave the state usable
// for a retry.
func (s *State) Release() error {
	if s.lock != nil {
		_ = unix.Flock(int(s.lock.Fd()), unix.LOCK_UN)
		_ = s.lock.Close()
		s.lock = nil
	}

	if s.Dir == "" {
		return nil
	}

	err := os.RemoveAll(s.Dir)
	if err != nil {
		return fmt.Errorf("instance %s: removing state dir: %w", s.ID, err)
	}

	s.Dir = ""

	return nil
}
