package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/winter-ide/winter-auth/internal/config"
)

// exerciseStorage runs the Storage contract against s.
func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get missing = ok:%v err:%v, want not found", ok, err)
	}

	if err := s.Set(ctx, "winter.sessions", `[{"id":"1"}]`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	v, ok, err := s.Get(ctx, "winter.sessions")
	if err != nil || !ok {
		t.Fatalf("Get = ok:%v err:%v", ok, err)
	}
	if v != `[{"id":"1"}]` {
		t.Errorf("Get = %q", v)
	}

	if err := s.Set(ctx, "winter.sessions", "[]"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if v, _, _ := s.Get(ctx, "winter.sessions"); v != "[]" {
		t.Errorf("overwrite not visible, got %q", v)
	}

	if err := s.Delete(ctx, "winter.sessions"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "winter.sessions"); ok {
		t.Error("key still present after Delete")
	}

	if err := s.Delete(ctx, "winter.sessions"); err != nil {
		t.Errorf("Delete of absent key should succeed, got %v", err)
	}
}

func TestMemory(t *testing.T) {
	exerciseStorage(t, NewMemory())
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "secrets.json")

	fs, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	exerciseStorage(t, fs)
}

func TestFilePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	ctx := context.Background()

	first, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Set(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	if err := first.Set(ctx, "other", "w"); err != nil {
		t.Fatal(err)
	}

	second, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok, err := second.Get(ctx, "k"); err != nil || !ok || v != "v" {
		t.Errorf("Get = %q, %v, %v", v, ok, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	// no temporary files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the secrets file, found %d entries", len(entries))
	}
}

func TestFileCorruptedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	fs, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, _, err := fs.Get(ctx, "k"); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("Get error = %v, want ErrCorrupted", err)
	}

	// deleting an absent key still rewrites a corrupted file
	if err := fs.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, err := fs.Get(ctx, "k"); err != nil || ok {
		t.Errorf("Get after reset = ok:%v err:%v, want empty", ok, err)
	}
}

func TestFileSetReplacesCorruptedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte(`{"winter.sessions": [trunc`), 0600); err != nil {
		t.Fatal(err)
	}

	fs, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := fs.Set(ctx, "winter.sessions", "[]"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, ok, err := fs.Get(ctx, "winter.sessions"); err != nil || !ok || v != "[]" {
		t.Errorf("Get = %q, %v, %v", v, ok, err)
	}
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StorageConfig{Backend: config.StorageMemory}},
		{name: "file", cfg: config.StorageConfig{Backend: config.StorageFile, Path: filepath.Join(t.TempDir(), "s.json")}},
		{name: "redis", cfg: config.StorageConfig{Backend: config.StorageRedis, Redis: config.RedisConfig{Addr: "127.0.0.1:1"}}},
		{name: "unknown", cfg: config.StorageConfig{Backend: "etcd"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, closer, err := Open(&tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if s == nil || closer == nil {
				t.Fatal("Open returned nil storage or closer")
			}
			if err := closer.Close(); err != nil {
				t.Errorf("Close failed: %v", err)
			}
		})
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("WINTER_AUTH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WINTER_AUTH_TEST_REDIS_ADDR not set")
	}

	rs := NewRedis(NewRedisClient(config.RedisConfig{Addr: addr}), "winter-auth-test:")
	defer func() { _ = rs.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	exerciseStorage(t, rs)
}
