package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kilnhq/kiln"
)

// OpenFunc builds a Store for a project id. The registry calls it once per
// project and caches the result.
type OpenFunc func(projectID string) (*Store, error)

// Registry maps project ids to live Stores. Stores open on first access
// and stay open until CloseAll or Clear.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
	open   OpenFunc
	logger *slog.Logger
}

// NewRegistry creates a Registry with the given store factory.
func NewRegistry(open OpenFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = nopLogger()
	}
	return &Registry{stores: make(map[string]*Store), open: open, logger: logger}
}

// Get returns the project's Store, opening it if needed.
func (r *Registry) Get(projectID string) (*Store, error) {
	if projectID == "" {
		return nil, kiln.E(kiln.KindValidation, "project id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[projectID]; ok {
		return s, nil
	}
	s, err := r.open(projectID)
	if err != nil {
		return nil, fmt.Errorf("open knowledge store %q: %w", projectID, err)
	}
	r.stores[projectID] = s
	r.logger.Debug("opened knowledge store", "project", projectID)
	return s, nil
}

// Clear destroys a project's knowledge and drops it from the cache. The
// next Get opens a fresh, empty store. Clearing an unopened project opens
// it first so on-disk state is removed too.
func (r *Registry) Clear(ctx context.Context, projectID string) error {
	s, err := r.Get(projectID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.stores, projectID)
	r.mu.Unlock()
	return s.Clear(ctx)
}

// CloseAll closes every open store. Safe to call more than once.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", id, err))
		}
		delete(r.stores, id)
	}
	return errors.Join(errs...)
}

// ProjectID derives the default project id from a working directory: a
// stable 16-hex-char hash of the absolute path. Explicit topic slugs pass
// through SanitizeSlug instead.
func ProjectID(workingDir string) string {
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		abs = workingDir
	}
	return kiln.HashID(abs)
}

// SanitizeSlug normalizes an explicit project name: lowercase, with runs
// of anything outside [a-z0-9_-] collapsed to single dashes.
func SanitizeSlug(name string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(sb.String(), "-")
}

// --- no-op logger ---

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

func nopLogger() *slog.Logger { return slog.New(discardHandler{}) }
