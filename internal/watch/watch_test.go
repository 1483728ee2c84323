package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForReload(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Errorf("handler path = %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestPolicyWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("signer_role: any\n"), 0600); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan string, 4)
	w := NewPolicyWatcher(path, func(p string) { reloads <- p })
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before touching the file.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte("signer_role: fee_payer\n"), 0600); err != nil {
		t.Fatal(err)
	}
	waitForReload(t, reloads, path)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestPolicyWatcherReloadsOnRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan string, 4)
	w := NewPolicyWatcher(path, func(p string) { reloads <- p })
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	// Atomic replace: write a temp file and rename over the target.
	tmp := filepath.Join(dir, "policy.yaml.tmp")
	if err := os.WriteFile(tmp, []byte("a: 2\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	waitForReload(t, reloads, path)
}

func TestPolicyWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan string, 4)
	w := NewPolicyWatcher(path, func(p string) { reloads <- p })
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("b: 2\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-reloads:
		t.Errorf("unexpected reload for %q", p)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestPollWatcherDetectsContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan string, 4)
	w := NewPollWatcher(path, func(p string) { reloads <- p })
	w.interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("a: 2\n"), 0600); err != nil {
		t.Fatal(err)
	}
	waitForReload(t, reloads, path)
}

func TestPollWatcherSeesFileAppear(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")

	reloads := make(chan string, 4)
	w := NewPollWatcher(path, func(p string) { reloads <- p })
	w.interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("a: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	waitForReload(t, reloads, path)
}

func TestPollWatcherIgnoresUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan string, 4)
	w := NewPollWatcher(path, func(p string) { reloads <- p })
	w.interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Rewrite identical content; the digest does not change.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("a: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-reloads:
		t.Errorf("unexpected reload for %q", p)
	case <-time.After(300 * time.Millisecond):
	}
}
