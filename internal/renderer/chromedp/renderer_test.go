package chromedp

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsNegativeParallel(t *testing.T) {
	_, err := New(Config{MaxParallel: -1}, zap.NewNop())
	require.Error(t, err)
}

func TestResponseMetaCapturesDocumentOnly(t *testing.T) {
	meta := newResponseMeta()

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404},
	})
	assert.Zero(t, meta.status())

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 304, URL: "https://example.com/"},
	})
	assert.Equal(t, 304, meta.status())
}

func TestStatusErrAccepts200And304Only(t *testing.T) {
	for _, status := range []int{0, 200, 304} {
		assert.NoError(t, statusErr(status), "status %d", status)
	}
	for _, status := range []int{201, 204, 301, 404, 429, 500, 503} {
		assert.Error(t, statusErr(status), "status %d", status)
	}
}

func TestToNetworkHeaders(t *testing.T) {
	headers := toNetworkHeaders(map[string]string{"X-Token": "abc"})
	assert.Equal(t, "abc", headers["X-Token"])
}

func TestWaitDomainDisabledOrUnparseable(t *testing.T) {
	r, err := New(Config{}, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	assert.NoError(t, r.waitDomain(ctx, "https://example.com/"))

	r.cfg.DomainQPS = 10
	assert.NoError(t, r.waitDomain(ctx, "://junk"))
	assert.NoError(t, r.waitDomain(ctx, "https://example.com/"))
}

func TestAcquireHonorsContext(t *testing.T) {
	r, err := New(Config{MaxParallel: 1}, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.acquire(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, r.acquire(cancelled))

	r.release()
	require.NoError(t, r.acquire(ctx))
}

func TestJSString(t *testing.T) {
	assert.Equal(t, `"a\"b"`, jsString(`a"b`))
}
