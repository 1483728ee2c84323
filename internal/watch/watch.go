// Package watch reloads the policy file when it changes on disk. The watch
// is on the containing directory, not the file itself: editors and config
// management tools replace files by rename, which drops an inode-level
// watch.
package watch

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDefault is the debounce interval for file events. A save is often
// several events (create, write, chmod, rename); one reload per burst.
const debounceDefault = 250 * time.Millisecond

// pollDefault is the polling interval when fsnotify is unavailable.
const pollDefault = 5 * time.Second

// PolicyWatcher watches one policy file and invokes the reload handler
// after each change settles.
type PolicyWatcher struct {
	path     string
	handler  func(path string)
	debounce time.Duration
}

// NewPolicyWatcher creates a watcher for the policy file. The handler is
// called from the watch goroutine with the policy path; it is expected to
// reload, and to keep the previous policy if reloading fails.
func NewPolicyWatcher(path string, handler func(path string)) *PolicyWatcher {
	return &PolicyWatcher{
		path:     path,
		handler:  handler,
		debounce: debounceDefault,
	}
}

// Run watches the policy file. Blocks until ctx is cancelled.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target, err := filepath.Abs(w.path)
	if err != nil {
		target = w.path
	}

	// Single debounce timer, reset on each event. Initialized as stopped;
	// the first event starts it.
	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounceTimer.C:
			if pending {
				pending = false
				slog.Info("policy file changed, reloading", "path", w.path)
				w.handler(w.path)
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name, err := filepath.Abs(event.Name)
			if err != nil {
				name = event.Name
			}
			if name != target {
				continue
			}

			pending = true
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy watch error", "path", w.path, "error", err)
		}
	}
}

// PollWatcher watches the policy file by content hash, for filesystems
// where fsnotify does not work (some network mounts, some containers).
type PollWatcher struct {
	path     string
	handler  func(path string)
	interval time.Duration
}

// NewPollWatcher creates a polling watcher for the policy file.
func NewPollWatcher(path string, handler func(path string)) *PollWatcher {
	return &PollWatcher{
		path:     path,
		handler:  handler,
		interval: pollDefault,
	}
}

// Run polls the policy file. Blocks until ctx is cancelled.
func (w *PollWatcher) Run(ctx context.Context) error {
	last := fileDigest(w.path)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur := fileDigest(w.path)
			if cur != last {
				last = cur
				slog.Info("policy file changed, reloading", "path", w.path)
				w.handler(w.path)
			}
		}
	}
}

// fileDigest hashes the file's contents; a read failure yields the empty
// digest, so a file that appears later still triggers a reload.
func fileDigest(path string) [32]byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}
	}
	return sha256.Sum256(data)
}
