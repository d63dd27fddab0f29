package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kilnhq/kiln"
)

const (
	snapshotSchemaVersion = 1
	defaultSnapshotExpiry = 7 * 24 * time.Hour
	defaultSaveInterval   = 5 * time.Minute
	snapshotSuffix        = ".snapshot"
)

// envelope is the on-disk snapshot format. Kernel is the kernel's opaque
// blob; json base64-encodes it.
type envelope struct {
	SessionID     string `json:"session_id"`
	SavedAt       int64  `json:"saved_at"`
	SchemaVersion int    `json:"schema_version"`
	Kernel        []byte `json:"kernel"`
}

// Snapshotter persists kernel sessions to disk and restores them across
// process restarts. Session identity is the working directory's hash, so
// the same project resumes the same namespace.
type Snapshotter struct {
	dir       string
	sessionID string
	manager   *Manager
	expiry    time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// SnapshotterOption configures a Snapshotter.
type SnapshotterOption func(*Snapshotter)

// WithExpiry sets how old a snapshot may be and still restore.
func WithExpiry(d time.Duration) SnapshotterOption {
	return func(s *Snapshotter) { s.expiry = d }
}

// WithSaveInterval sets the periodic save period.
func WithSaveInterval(d time.Duration) SnapshotterOption {
	return func(s *Snapshotter) { s.interval = d }
}

// WithSnapshotterLogger sets the logger.
func WithSnapshotterLogger(l *slog.Logger) SnapshotterOption {
	return func(s *Snapshotter) { s.logger = l }
}

// NewSnapshotter creates a Snapshotter storing sessions under dir.
func NewSnapshotter(dir, sessionID string, m *Manager, opts ...SnapshotterOption) *Snapshotter {
	s := &Snapshotter{
		dir:       dir,
		sessionID: sessionID,
		manager:   m,
		expiry:    defaultSnapshotExpiry,
		interval:  defaultSaveInterval,
		logger:    nopLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SessionID returns the session this snapshotter serves.
func (s *Snapshotter) SessionID() string { return s.sessionID }

func (s *Snapshotter) path() string {
	return filepath.Join(s.dir, s.sessionID+snapshotSuffix)
}

// Save captures the kernel state and writes it atomically. Saving with no
// running kernel is a no-op: there is nothing to lose.
func (s *Snapshotter) Save(ctx context.Context) error {
	s.manager.mu.Lock()
	running := s.manager.running
	client := s.manager.client
	s.manager.mu.Unlock()
	if !running {
		return nil
	}

	blob, err := client.SnapshotSave(ctx)
	if err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}
	env := envelope{
		SessionID:     s.sessionID,
		SavedAt:       kiln.NowUnix(),
		SchemaVersion: snapshotSchemaVersion,
		Kernel:        blob,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("snapshot encode: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("snapshot write: %w", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return fmt.Errorf("snapshot rename: %w", err)
	}
	s.logger.Debug("session snapshot saved", "session", s.sessionID, "bytes", len(blob))
	return nil
}

// Restore loads the session's snapshot into the kernel, if a fresh one
// exists. Expired snapshots are removed; corrupt ones are renamed aside.
// A missing snapshot is not an error.
func (s *Snapshotter) Restore(ctx context.Context, client *Client) (restored, skipped []string, err error) {
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot read: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.SchemaVersion != snapshotSchemaVersion || len(env.Kernel) == 0 {
		s.quarantine()
		return nil, nil, nil
	}
	if time.Since(time.Unix(env.SavedAt, 0)) > s.expiry {
		s.logger.Info("session snapshot expired", "session", s.sessionID)
		_ = os.Remove(s.path())
		return nil, nil, nil
	}

	restored, skipped, err = client.SnapshotRestore(ctx, env.Kernel)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot restore: %w", err)
	}
	s.logger.Info("session restored", "session", s.sessionID,
		"restored", len(restored), "skipped", len(skipped))
	return restored, skipped, nil
}

// quarantine renames a corrupt snapshot aside so the next save starts
// clean but the bytes survive for inspection.
func (s *Snapshotter) quarantine() {
	corrupt := s.path() + ".corrupt"
	if err := os.Rename(s.path(), corrupt); err == nil {
		s.logger.Warn("corrupt session snapshot set aside", "path", corrupt)
	}
}

// Run saves periodically until ctx is cancelled, then saves once more.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := s.Save(saveCtx); err != nil {
				s.logger.Warn("final snapshot failed", "err", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Save(ctx); err != nil {
				s.logger.Warn("periodic snapshot failed", "err", err)
			}
		}
	}
}

// CleanupExpired removes snapshots older than the expiry across all
// sessions in the directory. Returns how many were removed.
func (s *Snapshotter) CleanupExpired() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotSuffix) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if time.Since(time.Unix(env.SavedAt, 0)) > s.expiry {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}
