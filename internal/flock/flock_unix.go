//go:build linux || darwin || freebsd || netbsd || openbsd

package flock

import (
	"sync"

	"golang.org/x/sys/unix"
)

type unixLock struct {
	path string
	mu   sync.Mutex
	fd   int
}

func newPlatformLock(path string) Lock {
	return &unixLock{path: path}
}

func (l *unixLock) Lock() error  { return l.acquire(unix.LOCK_EX) }
func (l *unixLock) RLock() error { return l.acquire(unix.LOCK_SH) }

func (l *unixLock) acquire(how int) error {
	l.mu.Lock()
	fd, err := unix.Open(l.path, unix.O_CREAT|unix.O_RDWR, 0o666)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := unix.Flock(fd, how); err != nil {
		unix.Close(fd)
		l.mu.Unlock()
		return err
	}
	l.fd = fd
	return nil
}

func (l *unixLock) Unlock() error {
	err := unix.Flock(l.fd, unix.LOCK_UN)
	closeErr := unix.Close(l.fd)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return closeErr
}
