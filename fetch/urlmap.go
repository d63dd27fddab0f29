package fetch

import (
	"net/url"
	"path"
	"strings"
)

// genericTLDs never serve as a library name on their own.
var genericTLDs = map[string]bool{
	"com": true, "org": true, "io": true, "dev": true, "net": true, "co": true,
}

// DeriveLibrary names the documentation source a URL belongs to, used as
// the knowledge label. GitHub URLs become "org-repo"; for everything else
// the first meaningful host segment wins.
func DeriveLibrary(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())

	if host == "github.com" || host == "raw.githubusercontent.com" {
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(segs) >= 2 {
			return segs[0] + "-" + segs[1]
		}
	}

	for _, prefix := range []string{"www.", "docs.", "api.", "developer."} {
		host = strings.TrimPrefix(host, prefix)
	}
	for _, seg := range strings.Split(host, ".") {
		if len(seg) > 2 && !genericTLDs[seg] {
			return seg
		}
	}
	return strings.ReplaceAll(host, ".", "-")
}

// urlPath maps a URL to its location under the project raw-cache dir:
// <library>/<path>.md. Extensions the source already carries are stripped
// first; an empty path becomes "index".
func urlPath(rawURL string) string {
	library := DeriveLibrary(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil {
		return path.Join(library, "index.md")
	}
	p := strings.Trim(u.Path, "/")
	for _, ext := range []string{".md", ".html", ".htm"} {
		p = strings.TrimSuffix(p, ext)
	}
	if p == "" {
		p = "index"
	}
	return path.Join(library, p+".md")
}
