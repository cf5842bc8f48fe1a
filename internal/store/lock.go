package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

const lockDirName = ".lock"

// lockGrace is how long a lock directory without a readable pid is assumed
// to belong to a process that is still writing it.
const lockGrace = 30 * time.Second

var ErrLocked = errors.New("another search holds the lock")

// Lock claims the search root for this process. The lock directory is
// created atomically; a lock left by a dead process is replaced. A lock
// without a pid yet is held until lockGrace has passed.
func (s *Store) Lock() (unlock func(), err error) {
	dir := filepath.Join(s.root, lockDirName)
	pidPath := filepath.Join(dir, "pid")

	err = s.fs.Mkdir(dir, 0o755)
	if errors.Is(err, fs.ErrExist) {
		data, _ := afero.ReadFile(s.fs, pidPath)
		pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
		if pid > 0 && processAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
		}
		if pid <= 0 {
			if info, err := s.fs.Stat(dir); err == nil && time.Since(info.ModTime()) < lockGrace {
				return nil, fmt.Errorf("%w (being acquired)", ErrLocked)
			}
		}
		if err := s.fs.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("removing stale lock: %w", err)
		}
		err = s.fs.Mkdir(dir, 0o755)
	}
	if err != nil {
		return nil, fmt.Errorf("creating lock: %w", err)
	}
	tmp := pidPath + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		s.fs.RemoveAll(dir)
		return nil, fmt.Errorf("writing lock pid: %w", err)
	}
	if err := s.fs.Rename(tmp, pidPath); err != nil {
		s.fs.RemoveAll(dir)
		return nil, fmt.Errorf("writing lock pid: %w", err)
	}
	return func() { s.fs.RemoveAll(dir) }, nil
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
