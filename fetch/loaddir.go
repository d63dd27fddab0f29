package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/ingest"
	"github.com/kilnhq/kiln/knowledge"
)

// LocalLabel buckets documents ingested from the local filesystem.
const LocalLabel = "local"

// maxLocalFileBytes caps how much of a local file is ingested.
const maxLocalFileBytes = 20 << 20

// LoadDirSummary aggregates one LoadDir call.
type LoadDirSummary struct {
	Matched  int      `json:"matched"`
	Ingested int      `json:"ingested"`
	Deduped  int      `json:"deduped"`
	Failed   int      `json:"failed"`
	Chunks   int      `json:"chunks"`
	Errors   []string `json:"errors,omitempty"`
}

// LoadDir ingests every file matching a glob pattern into the project
// knowledge, choosing an extractor by file extension. Titles are paths
// relative to the glob's base directory.
func (f *Fetcher) LoadDir(ctx context.Context, pattern, project string) (LoadDirSummary, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return LoadDirSummary{}, kiln.Errorf(kiln.KindValidation, "bad glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return LoadDirSummary{}, kiln.E(kiln.KindNotFound, fmt.Sprintf("no files match %q", pattern))
	}
	store, err := f.stores.Get(project)
	if err != nil {
		return LoadDirSummary{}, err
	}

	base := globBase(pattern)
	var summary LoadDirSummary
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		summary.Matched++

		title := path
		if rel, err := filepath.Rel(base, path); err == nil {
			title = filepath.ToSlash(rel)
		}
		res, err := f.loadFile(ctx, store, path, title)
		if err != nil {
			summary.Failed++
			if len(summary.Errors) < 10 {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", title, kiln.Message(err)))
			}
			continue
		}
		if res.Deduped {
			summary.Deduped++
		} else {
			summary.Ingested++
			summary.Chunks += res.Chunks
		}
	}
	f.logger.Info("directory loaded", "pattern", pattern,
		"matched", summary.Matched, "ingested", summary.Ingested, "failed", summary.Failed)
	return summary, nil
}

func (f *Fetcher) loadFile(ctx context.Context, store *knowledge.Store, path, title string) (knowledge.IngestResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return knowledge.IngestResult{}, err
	}
	if info.Size() > maxLocalFileBytes {
		return knowledge.IngestResult{}, kiln.E(kiln.KindValidation,
			fmt.Sprintf("file exceeds %d bytes", maxLocalFileBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return knowledge.IngestResult{}, err
	}
	text, err := ingest.ForExtension(filepath.Ext(path)).Extract(data)
	if err != nil {
		return knowledge.IngestResult{}, fmt.Errorf("extract: %w", err)
	}
	return store.Ingest(ctx, knowledge.IngestRequest{
		Title: title, Label: LocalLabel, Text: text,
		Metadata: map[string]string{"path": path},
	})
}

// globBase returns the longest wildcard-free directory prefix of a glob.
func globBase(pattern string) string {
	dir := pattern
	for hasGlobMeta(dir) {
		dir = filepath.Dir(dir)
	}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return filepath.Dir(dir)
}

func hasGlobMeta(s string) bool {
	for _, r := range s {
		if r == '*' || r == '?' || r == '[' {
			return true
		}
	}
	return false
}
