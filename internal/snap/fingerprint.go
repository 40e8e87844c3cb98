package snap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
)

// Fingerprint derives the dedup key for a payload: the sha256 of its
// canonical JSON after normalization. Sync, LastModified, and Delay are
// zeroed first so delivery mode, sitemap bookkeeping, and scheduling
// never split otherwise identical requests.
func Fingerprint(p Payload) string {
	n := p.Normalized()
	n.URL = NormalizeURL(n.URL)
	n.Sync = false
	n.LastModified = ""
	n.Delay = 0

	// json.Marshal is canonical here: struct fields serialize in
	// declaration order and map keys are sorted.
	b, err := json.Marshal(n)
	if err != nil {
		// Payload contains only JSON-safe types.
		b = []byte(n.URL)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NormalizeURL canonicalizes a URL for fingerprinting and storage:
// lowercased scheme and host, default ports stripped, fragment
// dropped, empty path rewritten to "/". Unparseable input is passed
// through trimmed.
func NormalizeURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trimmed
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
