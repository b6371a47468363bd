package browser

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	pkgbrowser "github.com/pkg/browser"
)

func TestLauncherFunc(t *testing.T) {
	var got string
	l := LauncherFunc(func(ctx context.Context, url string) error {
		got = url
		return nil
	})

	if err := l.Open(context.Background(), "http://localhost/authorize"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got != "http://localhost/authorize" {
		t.Errorf("url = %s", got)
	}

	failing := LauncherFunc(func(context.Context, string) error { return errors.New("no display") })
	if err := failing.Open(context.Background(), "x"); err == nil {
		t.Error("expected error")
	}
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	l := New(false, &buf)

	if err := l.Open(context.Background(), "http://localhost/authorize?state=S1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !strings.Contains(buf.String(), "http://localhost/authorize?state=S1") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestNewSelectsSystem(t *testing.T) {
	if _, ok := New(true, nil).(System); !ok {
		t.Error("New(true) should return System")
	}
}

func TestSystemHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := (System{}).Open(ctx, "http://localhost"); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestSystemConcurrentOpen(t *testing.T) {
	var opened atomic.Int32
	saved := openURL
	openURL = func(string) error {
		opened.Add(1)
		return nil
	}
	t.Cleanup(func() { openURL = saved })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := (System{}).Open(context.Background(), "http://localhost/authorize"); err != nil {
				t.Errorf("Open failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := opened.Load(); got != 4 {
		t.Errorf("opened %d times, want 4", got)
	}
	if pkgbrowser.Stdout != io.Discard || pkgbrowser.Stderr != io.Discard {
		t.Error("opener output is not discarded")
	}
}

func TestSystemWrapsOpenerError(t *testing.T) {
	saved := openURL
	openURL = func(string) error { return errors.New("no display") }
	t.Cleanup(func() { openURL = saved })

	err := (System{}).Open(context.Background(), "http://localhost")
	if err == nil || !strings.Contains(err.Error(), "no display") {
		t.Errorf("error = %v, want wrapped opener error", err)
	}
}
