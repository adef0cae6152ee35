package filesource

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/l0p7/requery"
)

func writeDoc(t *testing.T, root string, rel string, contents string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create document folder: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write document: %v", err)
	}
}

func TestNewRejectsBadRoot(t *testing.T) {
	if _, err := New("", nil); err == nil {
		t.Fatal("expected error for empty root")
	}
	if _, err := New(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Fatal("expected error for missing root")
	}

	file := filepath.Join(t.TempDir(), "plain.json")
	if err := os.WriteFile(file, []byte("{}"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := New(file, nil); err == nil {
		t.Fatal("expected error for non-directory root")
	}
}

func TestFetchReadsDocuments(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "users/42.json", `{"name":"alice","role":"admin"}`)

	source, err := New(root, nil)
	if err != nil {
		t.Fatalf("source failed: %v", err)
	}

	value, err := source.Fetch(context.Background(), requery.NewKey("users", "42"))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	want := map[string]any{"name": "alice", "role": "admin"}
	if !reflect.DeepEqual(value, want) {
		t.Fatalf("unexpected document: %#v", value)
	}
}

func TestFetchMissingDocumentIsNotRetryable(t *testing.T) {
	source, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("source failed: %v", err)
	}

	_, err = source.Fetch(context.Background(), requery.NewKey("users", "404"))
	remote, ok := requery.AsRemoteError(err)
	if !ok {
		t.Fatalf("expected remote error, got %v", err)
	}
	if remote.Kind != requery.KindServer || remote.Status != 404 {
		t.Fatalf("expected 404 server error, got kind=%v status=%d", remote.Kind, remote.Status)
	}
	if requery.DefaultRetryable(err) {
		t.Fatal("missing documents must not be retried")
	}
}

func TestFetchRejectsEscapingSegments(t *testing.T) {
	source, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("source failed: %v", err)
	}

	for _, key := range []requery.Key{
		requery.NewKey("..", "etc", "passwd"),
		requery.NewKey("users", "a/b"),
		requery.NewKey("."),
		{},
	} {
		_, ferr := source.Fetch(context.Background(), key)
		remote, ok := requery.AsRemoteError(ferr)
		if !ok || remote.Status != 400 {
			t.Fatalf("expected 400 for key %q, got %v", key, ferr)
		}
	}
}

func TestFetchInvalidJSONIsServerError(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "broken.json", "{not json")

	source, err := New(root, nil)
	if err != nil {
		t.Fatalf("source failed: %v", err)
	}

	_, err = source.Fetch(context.Background(), requery.NewKey("broken"))
	remote, ok := requery.AsRemoteError(err)
	if !ok || remote.Kind != requery.KindServer || remote.Status != 400 {
		t.Fatalf("expected 400 server error, got %v", err)
	}
}

func TestWatchReportsChangedKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := t.TempDir()
	writeDoc(t, root, "users/1.json", `{"v":1}`)

	source, err := New(root, nil)
	if err != nil {
		t.Fatalf("source failed: %v", err)
	}

	changeCh := make(chan []requery.Key, 8)
	errCh := make(chan error, 4)
	watcher, err := source.Watch(ctx, func(keys []requery.Key) {
		changeCh <- keys
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	writeDoc(t, root, "users/1.json", `{"v":2}`)
	writeDoc(t, root, "users/2.json", `{"v":1}`)

	seen := make(map[string]bool)
	deadline := time.After(3 * time.Second)
	for !seen["users/1"] || !seen["users/2"] {
		select {
		case keys := <-changeCh:
			for _, key := range keys {
				seen[key.String()] = true
			}
		case werr := <-errCh:
			t.Fatalf("unexpected watch error: %v", werr)
		case <-deadline:
			t.Fatalf("timeout waiting for change events, saw %v", seen)
		}
	}
}

func TestWatchPicksUpNewDirectories(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := t.TempDir()
	source, err := New(root, nil)
	if err != nil {
		t.Fatalf("source failed: %v", err)
	}

	changeCh := make(chan []requery.Key, 8)
	watcher, err := source.Watch(ctx, func(keys []requery.Key) {
		changeCh <- keys
	}, nil)
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := os.MkdirAll(filepath.Join(root, "posts"), 0o755); err != nil {
		t.Fatalf("failed to create folder: %v", err)
	}
	// The watcher needs a moment to register the new directory before a
	// write inside it is visible.
	time.Sleep(100 * time.Millisecond)
	writeDoc(t, root, "posts/9.json", `{"title":"hello"}`)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case keys := <-changeCh:
			for _, key := range keys {
				if key.Equal(requery.NewKey("posts", "9")) {
					return
				}
			}
		case <-deadline:
			t.Fatal("timeout waiting for key from new directory")
		}
	}
}

func TestWatchIgnoresNonJSONFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := t.TempDir()
	source, err := New(root, nil)
	if err != nil {
		t.Fatalf("source failed: %v", err)
	}

	changeCh := make(chan []requery.Key, 8)
	watcher, err := source.Watch(ctx, func(keys []requery.Key) {
		changeCh <- keys
	}, nil)
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	writeDoc(t, root, "notes.txt", "scratch")
	writeDoc(t, root, "real.json", `{"v":1}`)

	select {
	case keys := <-changeCh:
		for _, key := range keys {
			if key.Equal(requery.NewKey("notes.txt")) || key.Equal(requery.NewKey("notes")) {
				t.Fatalf("non-JSON file reported as key: %v", keys)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for change event")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	source, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("source failed: %v", err)
	}
	watcher, err := source.Watch(context.Background(), func([]requery.Key) {}, nil)
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	watcher.Stop()
	watcher.Stop()
	var nilWatcher *Watcher
	nilWatcher.Stop()
}

func TestCacheOverFileSourceInvalidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := t.TempDir()
	writeDoc(t, root, "users/7.json", `{"name":"before"}`)

	source, err := New(root, nil)
	if err != nil {
		t.Fatalf("source failed: %v", err)
	}

	cache, err := requery.New(requery.Config{
		Fetcher:  source,
		Defaults: requery.Profile{StaleAfter: time.Minute},
	})
	if err != nil {
		t.Fatalf("cache failed: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		if cerr := cache.Close(closeCtx); cerr != nil {
			t.Fatalf("close failed: %v", cerr)
		}
	}()

	key := requery.NewKey("users", "7")
	sub, err := cache.Subscribe(key, func(requery.Snapshot) {})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cache.Unsubscribe(sub)

	value, err := cache.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !reflect.DeepEqual(value, map[string]any{"name": "before"}) {
		t.Fatalf("unexpected initial value: %#v", value)
	}

	watcher, err := source.Watch(ctx, func(keys []requery.Key) {
		for _, changed := range keys {
			cache.Invalidate(changed)
		}
	}, nil)
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	writeDoc(t, root, "users/7.json", `{"name":"after"}`)

	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := cache.Read(key)
		if reflect.DeepEqual(snap.Value, map[string]any{"name": "after"}) && snap.Status == requery.StatusFresh {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache never reconciled, last snapshot %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
