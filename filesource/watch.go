package filesource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/l0p7/requery"
)

// Watcher owns the background goroutine started by Watch.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop terminates the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		if w.done != nil {
			<-w.done
		}
	})
}

// Watch monitors the document tree and reports changed keys through
// onChange. Events are debounced so a burst of edits produces one batched
// callback. onError receives watcher failures; it may be nil.
func (s *Source) Watch(ctx context.Context, onChange func([]requery.Key), onError func(error)) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("filesource: watch requires a change callback")
	}
	if onError == nil {
		onError = func(error) {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filesource: start watcher: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	handle := &Watcher{cancel: cancel, done: done}

	ready := make(chan struct{})
	var readyOnce sync.Once
	signalReady := func() {
		readyOnce.Do(func() { close(ready) })
	}

	go func() {
		defer close(done)
		defer func() {
			if cerr := watcher.Close(); cerr != nil {
				onError(fmt.Errorf("filesource: close watcher: %w", cerr))
			}
		}()
		defer signalReady()

		dirs := make(map[string]struct{})
		addDir := func(dir string) {
			if _, seen := dirs[dir]; seen {
				return
			}
			if err := watcher.Add(dir); err != nil {
				onError(fmt.Errorf("filesource: watch %s: %w", dir, err))
				return
			}
			dirs[dir] = struct{}{}
		}

		walkErr := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				addDir(path)
			}
			return nil
		})
		if walkErr != nil {
			onError(fmt.Errorf("filesource: walk %s: %w", s.root, walkErr))
			return
		}
		signalReady()

		pending := make(map[string]requery.Key)
		flush := func() {
			if len(pending) == 0 {
				return
			}
			keys := make([]requery.Key, 0, len(pending))
			for _, key := range pending {
				keys = append(keys, key)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
			pending = make(map[string]requery.Key)
			s.logger.Debug("documents changed", slog.Int("keys", len(keys)))
			onChange(keys)
		}

		const debounce = 25 * time.Millisecond
		var flushTimer *time.Timer
		flushSignal := make(chan struct{}, 1)
		scheduleFlush := func() {
			if flushTimer == nil {
				flushTimer = time.AfterFunc(debounce, func() {
					select {
					case flushSignal <- struct{}{}:
					default:
					}
				})
				return
			}
			flushTimer.Reset(debounce)
		}
		stopTimer := func() {
			if flushTimer != nil {
				flushTimer.Stop()
			}
		}
		defer stopTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-flushSignal:
				flush()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create != 0 {
					if info, serr := os.Stat(event.Name); serr == nil && info.IsDir() {
						addDir(event.Name)
						continue
					}
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
					continue
				}
				if key, ok := s.keyForPath(event.Name); ok {
					pending[key.String()] = key
					scheduleFlush()
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if werr != nil {
					onError(fmt.Errorf("filesource: watch: %w", werr))
				}
			}
		}
	}()

	<-ready
	return handle, nil
}
