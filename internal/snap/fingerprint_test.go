package snap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStableAcrossEquivalentPayloads(t *testing.T) {
	a := Payload{URL: "HTTPS://Example.com:443/page#section", IncludeHTML: true}
	b := Payload{URL: "https://example.com/page", IncludeHTML: true}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintIgnoresSyncAndLastModified(t *testing.T) {
	base := Payload{URL: "https://example.com/", IncludeScreenshot: true}
	synced := base
	synced.Sync = true
	synced.LastModified = "2026-08-01T00:00:00Z"
	assert.Equal(t, Fingerprint(base), Fingerprint(synced))
}

func TestFingerprintDistinguishesOptions(t *testing.T) {
	base := Payload{URL: "https://example.com/"}
	wide := Payload{URL: "https://example.com/", Width: 1920}
	other := Payload{URL: "https://example.com/other"}
	assert.NotEqual(t, Fingerprint(base), Fingerprint(wide))
	assert.NotEqual(t, Fingerprint(base), Fingerprint(other))
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://EXAMPLE.com/Path", "https://example.com/Path"},
		{"strips default https port", "https://example.com:443/x", "https://example.com/x"},
		{"strips default http port", "http://example.com:80/", "http://example.com/"},
		{"keeps custom port", "https://example.com:8443/", "https://example.com:8443/"},
		{"drops fragment", "https://example.com/page#top", "https://example.com/page"},
		{"adds root path", "https://example.com", "https://example.com/"},
		{"keeps query", "https://example.com/?a=1", "https://example.com/?a=1"},
		{"passes junk through trimmed", "  not a url  ", "not a url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeURL(tc.in))
		})
	}
}

func TestNormalizedDefaults(t *testing.T) {
	p := Payload{URL: "https://example.com/"}.Normalized()
	assert.Equal(t, DefaultWidth, p.Width)
	assert.Equal(t, DefaultHeight, p.Height)
	assert.Equal(t, DefaultQuality, p.Quality)
	assert.Equal(t, DefaultFormat, p.Format)
	assert.Equal(t, DefaultTimeoutMs, p.Timeout)

	custom := Payload{URL: "https://example.com/", Width: 800, Quality: 101}.Normalized()
	assert.Equal(t, 800, custom.Width)
	assert.Equal(t, DefaultQuality, custom.Quality)
}
