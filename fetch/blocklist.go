package fetch

import "strings"

// defaultBlockedDomains are hosts whose pages are paywalled or hostile to
// automated readers; fetching them wastes the cascade's time.
var defaultBlockedDomains = []string{"medium.com", "substack.com"}

// Blocklist rejects URLs by host suffix.
type Blocklist struct {
	domains []string
}

// NewBlocklist creates a Blocklist with the default domains plus extras.
func NewBlocklist(extra ...string) *Blocklist {
	domains := append([]string{}, defaultBlockedDomains...)
	for _, d := range extra {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains = append(domains, d)
		}
	}
	return &Blocklist{domains: domains}
}

// Blocked reports whether host matches a blocked domain. Leading "www."
// and "docs." are ignored; matching is at dot boundaries, so
// "my-medium.com.example" does not match "medium.com".
func (b *Blocklist) Blocked(host string) bool {
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "docs.")
	for _, d := range b.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
