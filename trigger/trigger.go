// Package trigger provides out-of-band "check for a stream now" signals the
// bot polls between backoff waits. A signal stays pending until Reset so a
// trigger raised mid-wait is never lost.
package trigger

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Channel is a manual trigger source. Check reports whether a trigger is
// pending; Reset consumes it.
type Channel interface {
	Check(ctx context.Context) bool
	Reset(ctx context.Context) error
}

// Memory is an in-process trigger flag, fired from the HTTP surface.
type Memory struct {
	pending atomic.Bool
}

func NewMemory() *Memory { return &Memory{} }

// Fire marks the trigger pending. Safe from any goroutine.
func (m *Memory) Fire() { m.pending.Store(true) }

func (m *Memory) Check(ctx context.Context) bool { return m.pending.Load() }

func (m *Memory) Reset(ctx context.Context) error {
	m.pending.Store(false)
	return nil
}

// File treats the presence of a flag file as a pending trigger, so operators
// can poke the bot with `touch` from a shell or a cron job. A background
// watcher notices the file appearing; Check also stats the path directly so
// triggers survive watcher gaps and restarts.
type File struct {
	path    string
	pending atomic.Bool
}

func NewFile(path string) *File { return &File{path: path} }

func (f *File) Check(ctx context.Context) bool {
	if f.pending.Load() {
		return true
	}
	if _, err := os.Stat(f.path); err == nil {
		f.pending.Store(true)
		return true
	}
	return false
}

// Reset removes the flag file and clears the pending state. A file that is
// already gone is not an error.
func (f *File) Reset(ctx context.Context) error {
	f.pending.Store(false)
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Watch runs until ctx is done, marking the trigger pending whenever the flag
// file is created or written. fsnotify watchers can wedge or close their
// channels on some platforms, so the watcher is recreated with a jittered
// exponential backoff whenever it breaks; Check's stat fallback covers any
// events missed in between.
func (f *File) Watch(ctx context.Context) {
	dir := filepath.Dir(f.path)
	file := filepath.Base(f.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			slog.Warn("trigger watch init failed",
				slog.String("component", "trigger"),
				slog.String("dir", dir),
				slog.Any("err", err))
			if !wait() {
				return
			}
			continue
		}

		if err := w.Add(dir); err != nil {
			_ = w.Close()
			slog.Warn("trigger watch add failed",
				slog.String("component", "trigger"),
				slog.String("dir", dir),
				slog.Any("err", err))
			if !wait() {
				return
			}
			continue
		}

		// Watcher is healthy again; transient failures should not leave us
		// stuck at the max restart delay.
		backoff = restartBackoffBase
		slog.Debug("trigger watcher started",
			slog.String("component", "trigger"),
			slog.String("path", f.path))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if !strings.EqualFold(filepath.Base(ev.Name), file) {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0 {
					f.pending.Store(true)
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means events were dropped; the flag file may
				// already exist, so consult it directly.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					if _, statErr := os.Stat(f.path); statErr == nil {
						f.pending.Store(true)
					}
					continue
				}
				slog.Warn("trigger watch error",
					slog.String("component", "trigger"),
					slog.String("dir", dir),
					slog.Any("err", err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
					break
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Warn("trigger watcher stopped; restarting",
			slog.String("component", "trigger"),
			slog.String("path", f.path))
		if !wait() {
			return
		}
	}
}

// Multi combines several trigger sources into one. Check reports true when
// any source is pending; Reset clears them all.
type Multi struct {
	channels []Channel
}

func NewMulti(channels ...Channel) *Multi { return &Multi{channels: channels} }

func (m *Multi) Check(ctx context.Context) bool {
	for _, c := range m.channels {
		if c.Check(ctx) {
			return true
		}
	}
	return false
}

func (m *Multi) Reset(ctx context.Context) error {
	var errs []error
	for _, c := range m.channels {
		if err := c.Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
