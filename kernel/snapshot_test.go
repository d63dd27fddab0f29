package kernel

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilnhq/kiln"
)

func startedManager(t *testing.T, srvURL string) *Manager {
	t.Helper()
	m := NewManager(Config{Tier: TierExternal, URL: srvURL}, http.DefaultClient)
	if _, err := m.Client(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

func TestSnapshotSaveAndRestore(t *testing.T) {
	fk, srv := newFakeKernel(t)
	fk.snapshot = []byte("opaque-kernel-state")
	m := startedManager(t, srv.URL)
	dir := t.TempDir()
	s := NewSnapshotter(dir, kiln.HashID("/work/project"), m)
	ctx := context.Background()

	if err := s.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(s.path())
	if err != nil {
		t.Fatalf("snapshot file: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.SchemaVersion != 1 || env.SessionID != s.SessionID() || string(env.Kernel) != "opaque-kernel-state" {
		t.Errorf("envelope = %+v", env)
	}
	// No leftover temp file.
	if _, err := os.Stat(s.path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file survived the rename")
	}

	c, _ := m.Client(ctx)
	restored, skipped, err := s.Restore(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 1 || len(skipped) != 1 {
		t.Errorf("restored=%v skipped=%v", restored, skipped)
	}
}

func TestSnapshotSaveNoKernelIsNoop(t *testing.T) {
	_, srv := newFakeKernel(t)
	m := NewManager(Config{Tier: TierExternal, URL: srv.URL}, http.DefaultClient)
	s := NewSnapshotter(t.TempDir(), "sess", m)
	if err := s.Save(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.path()); !os.IsNotExist(err) {
		t.Error("no-op save wrote a file")
	}
}

func TestSnapshotRestoreMissingFile(t *testing.T) {
	_, srv := newFakeKernel(t)
	m := startedManager(t, srv.URL)
	s := NewSnapshotter(t.TempDir(), "sess", m)
	c, _ := m.Client(context.Background())
	restored, skipped, err := s.Restore(context.Background(), c)
	if err != nil || restored != nil || skipped != nil {
		t.Errorf("missing snapshot: %v %v %v", restored, skipped, err)
	}
}

func TestSnapshotRestoreExpired(t *testing.T) {
	fk, srv := newFakeKernel(t)
	fk.snapshot = []byte("state")
	m := startedManager(t, srv.URL)
	s := NewSnapshotter(t.TempDir(), "sess", m, WithExpiry(time.Nanosecond))
	ctx := context.Background()
	if err := s.Save(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)

	c, _ := m.Client(ctx)
	restored, _, err := s.Restore(ctx, c)
	if err != nil || restored != nil {
		t.Errorf("expired snapshot should not restore: %v %v", restored, err)
	}
	if _, err := os.Stat(s.path()); !os.IsNotExist(err) {
		t.Error("expired snapshot not removed")
	}
}

func TestSnapshotRestoreCorruptQuarantined(t *testing.T) {
	_, srv := newFakeKernel(t)
	m := startedManager(t, srv.URL)
	dir := t.TempDir()
	s := NewSnapshotter(dir, "sess", m)
	if err := os.WriteFile(s.path(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	c, _ := m.Client(context.Background())
	restored, _, err := s.Restore(context.Background(), c)
	if err != nil || restored != nil {
		t.Errorf("corrupt snapshot: %v %v", restored, err)
	}
	if _, err := os.Stat(s.path() + ".corrupt"); err != nil {
		t.Errorf("corrupt file not quarantined: %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	_, srv := newFakeKernel(t)
	m := startedManager(t, srv.URL)
	dir := t.TempDir()
	s := NewSnapshotter(dir, "current", m, WithExpiry(time.Hour))

	write := func(name string, savedAt int64) {
		env := envelope{SessionID: name, SavedAt: savedAt, SchemaVersion: 1, Kernel: []byte("x")}
		data, _ := json.Marshal(env)
		if err := os.WriteFile(filepath.Join(dir, name+snapshotSuffix), data, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("old", time.Now().Add(-2*time.Hour).Unix())
	write("fresh", time.Now().Unix())

	removed, err := s.CleanupExpired()
	if err != nil || removed != 1 {
		t.Fatalf("removed = %d err=%v", removed, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "fresh"+snapshotSuffix)); err != nil {
		t.Error("fresh snapshot removed")
	}
}
