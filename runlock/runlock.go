// Package runlock guards a job against concurrent runs with an O_EXCL lock file.
// A lock older than its TTL is considered abandoned and taken over; a running
// holder keeps it fresh with a heartbeat.
package runlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const DefaultTTL = 10 * time.Minute

// ErrHeld means another live process owns the lock.
var ErrHeld = errors.New("another run is active; aborting")

type Lock struct {
	path string
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

type owner struct {
	PID  int   `json:"pid"`
	Time int64 `json:"time"`
}

// Acquire takes the lock at path and starts a heartbeat every ttl/10.
func Acquire(path string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			b, _ := json.Marshal(owner{PID: os.Getpid(), Time: time.Now().Unix()})
			_, _ = f.Write(append(b, '\n'))
			_ = f.Close()
			l := &Lock{path: abs, stop: make(chan struct{})}
			l.wg.Add(1)
			go l.heartbeat(ttl / 10)
			return l, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		fi, serr := os.Stat(abs)
		if serr != nil {
			continue // holder released between our open and stat
		}
		if time.Since(fi.ModTime()) < ttl {
			return nil, fmt.Errorf("%w (lock %s)", ErrHeld, abs)
		}
		_ = os.Remove(abs)
	}
	return nil, fmt.Errorf("%w (lock %s)", ErrHeld, abs)
}

func (l *Lock) heartbeat(every time.Duration) {
	defer l.wg.Done()
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			now := time.Now()
			_ = os.Chtimes(l.path, now, now)
		}
	}
}

func (l *Lock) Path() string { return l.path }

// Release stops the heartbeat and removes the lock file. Safe to call twice.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		close(l.stop)
		l.wg.Wait()
		_ = os.Remove(l.path)
	})
}
