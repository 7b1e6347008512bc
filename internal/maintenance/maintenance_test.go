package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/luisarev/mensajero/internal/broadcast"
	"github.com/luisarev/mensajero/internal/qrwindow"
	"github.com/luisarev/mensajero/internal/ratelimit"
	"github.com/luisarev/mensajero/internal/registry"
	"github.com/luisarev/mensajero/internal/waproto"
)

func newTestRunner(t *testing.T) (*Runner, *registry.Registry, *ratelimit.Limiter, string, string) {
	t.Helper()
	authDir := t.TempDir()
	scratchDir := t.TempDir()

	provider := waproto.NewMockProvider()
	limiter := ratelimit.New()
	reg := registry.New(provider, broadcast.New(), limiter, nil, authDir)
	qr := qrwindow.New(qrwindow.DefaultTimeout, func(key string) {
		_ = reg.Teardown(context.Background(), key)
	})
	reg.SetQRController(qr)

	r := NewRunner(reg, limiter, qr, authDir, scratchDir, time.Hour)
	return r, reg, limiter, authDir, scratchDir
}

func TestFullResetClearsEverything(t *testing.T) {
	r, reg, limiter, authDir, scratchDir := newTestRunner(t)
	ctx := context.Background()

	for _, key := range []string{"111", "222"} {
		if _, err := reg.GetOrCreate(ctx, key); err != nil {
			t.Fatalf("GetOrCreate(%s) error = %v", key, err)
		}
		limiter.Track(key)
	}
	// A saved-but-inactive account's credentials and a scratch leftover.
	if err := os.MkdirAll(filepath.Join(authDir, "session-333"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(scratchDir, "upload-1"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write scratch: %v", err)
	}

	r.FullReset(ctx)

	if got := reg.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d after reset, want 0", got)
	}
	if s := limiter.Stats("111"); s.Daily != 0 {
		t.Fatalf("counters survived reset: %+v", s)
	}
	entries, err := os.ReadDir(authDir)
	if err != nil {
		t.Fatalf("read auth dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("auth dir not emptied, %d entries remain", len(entries))
	}
	scratch, err := os.ReadDir(scratchDir)
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(scratch) != 0 {
		t.Fatalf("scratch dir not emptied, %d entries remain", len(scratch))
	}
}

func TestCleanScratchRecreatesDir(t *testing.T) {
	r, _, _, _, scratchDir := newTestRunner(t)

	if err := os.WriteFile(filepath.Join(scratchDir, "stale"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r.CleanScratch()

	info, err := os.Stat(scratchDir)
	if err != nil || !info.IsDir() {
		t.Fatalf("scratch dir missing after clean: %v", err)
	}
	entries, _ := os.ReadDir(scratchDir)
	if len(entries) != 0 {
		t.Fatalf("scratch dir not empty after clean")
	}
}

func TestStartRunsOnInterval(t *testing.T) {
	authDir := t.TempDir()
	scratchDir := t.TempDir()
	provider := waproto.NewMockProvider()
	limiter := ratelimit.New()
	reg := registry.New(provider, broadcast.New(), limiter, nil, authDir)

	r := NewRunner(reg, limiter, nil, authDir, scratchDir, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := reg.GetOrCreate(ctx, "555"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	r.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.ActiveCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("interval reset never tore the session down")
}
