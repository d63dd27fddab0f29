package research

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/fetch"
	"github.com/kilnhq/kiln/knowledge"
	"github.com/kilnhq/kiln/store/sqlite"
)

func newTestFetcher(t *testing.T) *fetch.Fetcher {
	t.Helper()
	dir := t.TempDir()
	reg := knowledge.NewRegistry(func(projectID string) (*knowledge.Store, error) {
		idx := sqlite.New(filepath.Join(dir, projectID+".db"))
		if err := idx.Init(context.Background()); err != nil {
			return nil, err
		}
		return knowledge.New(idx), nil
	}, nil)
	t.Cleanup(func() { reg.CloseAll() })
	return fetch.NewFetcher(http.DefaultClient, reg, t.TempDir(), fetch.WithPerHostRPS(0))
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string][]string{
		"Flask": {"https://flask.example/docs"},
	})
	if got := r.Resolve(context.Background(), "  flask "); len(got) != 1 {
		t.Errorf("case-insensitive lookup failed: %v", got)
	}
	if got := r.Resolve(context.Background(), "unknown"); got != nil {
		t.Errorf("unknown topic = %v", got)
	}
	if got := NewStaticResolver(nil).Resolve(context.Background(), "x"); got != nil {
		t.Errorf("empty resolver = %v", got)
	}
}

func TestPatternResolver(t *testing.T) {
	got := PatternResolver{}.Resolve(context.Background(), "My Lib")
	if len(got) != 4 {
		t.Fatalf("candidates = %v", got)
	}
	for _, u := range got {
		if !strings.Contains(u, "my-lib") || !strings.HasSuffix(u, "sitemap.xml") {
			t.Errorf("candidate %q", u)
		}
	}
	if got := (PatternResolver{}).Resolve(context.Background(), "!!!"); got != nil {
		t.Errorf("unslugifiable topic = %v", got)
	}
}

func TestResearchSeedsAndResolver(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	markdown := func(title string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/markdown")
			w.Write([]byte("# " + title + "\n\ndocumentation body for " + title))
		}
	}
	mux.HandleFunc("/resolved", markdown("resolved"))
	mux.HandleFunc("/seed", markdown("seed"))
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusInternalServerError)
	})

	o := NewOrchestrator(newTestFetcher(t), []Resolver{
		NewStaticResolver(map[string][]string{"widgets": {srv.URL + "/resolved", srv.URL + "/broken"}}),
	}, nil)

	// The seed duplicates a resolved URL once; dedupe keeps three sources.
	report, err := o.Research(context.Background(), "widgets", "p",
		[]string{srv.URL + "/seed", srv.URL + "/resolved"})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Sources) != 3 {
		t.Errorf("sources = %v", report.Sources)
	}
	if report.Fetched != 2 || report.Failed != 1 || report.IndexedChunks == 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestResearchSitemapExpansion(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<urlset><url><loc>` + srv.URL + `/page</loc></url></urlset>`))
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/markdown")
		w.Write([]byte("# Page\n\nsitemap page body"))
	})

	o := NewOrchestrator(newTestFetcher(t), nil, nil)
	report, err := o.Research(context.Background(), "", "p", []string{srv.URL + "/sitemap.xml"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Fetched != 1 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
	if report.IndexedChunks == 0 {
		t.Error("sitemap pages must count toward indexed_chunks")
	}
}

func TestResearchValidation(t *testing.T) {
	o := NewOrchestrator(newTestFetcher(t), nil, nil)
	if _, err := o.Research(context.Background(), "", "p", nil); kiln.KindOf(err) != kiln.KindValidation {
		t.Errorf("kind = %v", kiln.KindOf(err))
	}
	if _, err := o.Research(context.Background(), "nothing-resolves", "p", nil); kiln.KindOf(err) != kiln.KindNotFound {
		t.Errorf("kind = %v", kiln.KindOf(err))
	}
}
