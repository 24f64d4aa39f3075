package proxy_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"anistream-proxy/work/buffer"
	"anistream-proxy/work/client"
	"anistream-proxy/work/config"
	"anistream-proxy/work/proxy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(referrers ...string) *config.Config {
	return &config.Config{
		BaseURL:            "http://proxy.test",
		UserAgent:          "test-agent",
		ReferrerCandidates: referrers,
		ProxyHeaderTimeout: 2 * time.Second,
		LogLevel:           "ERROR",
	}
}

func newProxy(cfg *config.Config) *proxy.Proxy {
	return proxy.New(cfg, client.NewHeaderSettingClient(cfg), buffer.NewPool())
}

func doStream(p *proxy.Proxy, target, blob string) *httptest.ResponseRecorder {
	q := url.Values{}
	q.Set("url", target)
	if blob != "" {
		q.Set("h", blob)
	}
	req := httptest.NewRequest(http.MethodGet, "/stream?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	p.HandleStream(rec, req)
	return rec
}

func TestHandleStreamRejectsBadRequests(t *testing.T) {
	p := newProxy(testConfig())

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rec := httptest.NewRecorder()
	p.HandleStream(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing url")

	rec = doStream(p, "not-a-url", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "relative url")

	rec = doStream(p, "ftp://host/file", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "non-http scheme")

	rec = doStream(p, "https://cdn.example/seg1.ts", "!!!not-base64!!!")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed blob")
}

func TestBinaryBlockPageNeverForwarded(t *testing.T) {
	var attempts int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>Access denied</body></html>"))
	}))
	defer upstream.Close()

	p := newProxy(testConfig("https://a.test/", "https://b.test/"))
	rec := doStream(p, upstream.URL+"/seg1.ts", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "<html>", "block page bytes must never reach the player")
	assert.Contains(t, rec.Body.String(), "block page")
	assert.Equal(t, 2, attempts, "every referrer candidate is tried before giving up")
}

func TestBinaryBlockPageWithoutContentType(t *testing.T) {
	// some CDNs serve the block page with a media content-type; the body
	// sniff has to catch it anyway
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write([]byte("  <!DOCTYPE html><html>nope</html>"))
	}))
	defer upstream.Close()

	p := newProxy(testConfig("https://a.test/"))
	rec := doStream(p, upstream.URL+"/seg1.ts", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestBinaryRelayAfterReferrerRetry(t *testing.T) {
	segment := strings.Repeat("x", 100_000)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Referer") != "https://b.test/" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		assert.Equal(t, "https://b.test", r.Header.Get("Origin"), "origin follows the retried referer")
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("X-Internal", "secret")
		w.Write([]byte(segment))
	}))
	defer upstream.Close()

	p := newProxy(testConfig("https://a.test/", "https://b.test/"))
	rec := doStream(p, upstream.URL+"/seg1.ts", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, segment, rec.Body.String())
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "max-age=60", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("X-Internal"), "only the safe header subset is forwarded")
}

func TestBinaryRangePassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-99", r.Header.Get("Range"))
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Range", "bytes 0-99/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 100))
	}))
	defer upstream.Close()

	p := newProxy(testConfig("https://a.test/"))
	req := httptest.NewRequest(http.MethodGet, "/stream?url="+url.QueryEscape(upstream.URL+"/seg1.ts"), nil)
	req.Header.Set("Range", "bytes=0-99")
	rec := httptest.NewRecorder()
	p.HandleStream(rec, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 0-99/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, 100, rec.Body.Len())
}

func TestManifestRewriteAndAdaptiveReferrer(t *testing.T) {
	const manifest = "#EXTM3U\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"enc.key\"\n" +
		"#EXTINF:4.0,\n" +
		"seg1.ts\n" +
		"#EXTINF:4.0,\n" +
		"https://other.example/seg2.ts\n"

	var upstream *httptest.Server
	upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page-b":
			// the harvested player page hands out a session cookie
			http.SetCookie(w, &http.Cookie{Name: "sess", Value: "abc123"})
			w.Write([]byte("<html>player</html>"))
		case "/video/master.m3u8":
			if r.Header.Get("Referer") != upstream.URL+"/page-b" {
				w.Header().Set("Content-Type", "text/html")
				w.Write([]byte("<html>blocked</html>"))
				return
			}
			assert.Equal(t, "sess=abc123", r.Header.Get("Cookie"), "harvested cookie rides the retried fetch")
			w.Write([]byte(manifest))
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL+"/page-a", upstream.URL+"/page-b")
	p := newProxy(cfg)
	rec := doStream(p, upstream.URL+"/video/master.m3u8", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "#EXTM3U"))

	var segLine string
	for _, line := range strings.Split(body, "\n") {
		if strings.Contains(line, "seg1.ts") {
			segLine = line
		}
	}
	require.NotEmpty(t, segLine)
	require.True(t, strings.HasPrefix(segLine, "http://proxy.test/stream?"), "got %s", segLine)

	u, err := url.Parse(segLine)
	require.NoError(t, err)
	assert.Equal(t, upstream.URL+"/video/seg1.ts", u.Query().Get("url"), "relative URI resolved against the manifest")

	// the blob propagated into rewritten URIs carries the referrer that
	// actually worked, plus the harvested cookie
	blob, err := client.DecodeHeaderBlob(u.Query().Get("h"))
	require.NoError(t, err)
	assert.Equal(t, upstream.URL+"/page-b", blob["referer"])
	assert.Equal(t, "sess=abc123", blob["cookie"])

	assert.Contains(t, body, `URI="http://proxy.test/stream?`, "key URIs inside tags are rewritten too")
}

func TestExtensionlessPlaylistRewritten(t *testing.T) {
	// tokenized CDN URLs carry no .m3u8 extension; the response itself has to
	// route the request into the manifest pipeline
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n"))
	}))
	defer upstream.Close()

	p := newProxy(testConfig("https://a.test/"))
	rec := doStream(p, upstream.URL+"/playlist", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.NotContains(t, body, "\nseg1.ts", "segment URIs must not pass through unrewritten")

	var segLine string
	for _, line := range strings.Split(body, "\n") {
		if strings.Contains(line, "seg1.ts") {
			segLine = line
		}
	}
	require.True(t, strings.HasPrefix(segLine, "http://proxy.test/stream?"), "got %s", segLine)
	u, err := url.Parse(segLine)
	require.NoError(t, err)
	assert.Equal(t, upstream.URL+"/seg1.ts", u.Query().Get("url"))
}

func TestExtensionlessPlaylistSniffedFromBody(t *testing.T) {
	// no playlist content-type either; only the #EXTM3U magic gives it away
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n"))
	}))
	defer upstream.Close()

	p := newProxy(testConfig("https://a.test/"))
	rec := doStream(p, upstream.URL+"/v/abc123", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http://proxy.test/stream?")
	assert.NotContains(t, rec.Body.String(), "\nseg1.ts")
}

func TestUndecodablePlaylistTreatedAsBlocked(t *testing.T) {
	// block pages sometimes echo the #EXTM3U magic; the strict decode has to
	// reject them so the referrer ladder keeps moving
	var attempts int
	var upstream *httptest.Server
	upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page-a", "/page-b":
			w.Write([]byte("<html>player</html>"))
		default:
			attempts++
			w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:banana\n#EXTINF:4.0,\nseg1.ts\n"))
		}
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL+"/page-a", upstream.URL+"/page-b")
	p := newProxy(cfg)
	rec := doStream(p, upstream.URL+"/master.m3u8", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 2, attempts, "decode failure advances the ladder instead of serving the body")
	assert.NotContains(t, rec.Body.String(), "#EXTM3U", "undecodable playlist bytes never reach the player")
}

func TestManifestExhaustionReturns502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>blocked</html>"))
	}))
	defer upstream.Close()

	p := newProxy(testConfig("https://a.test/"))
	rec := doStream(p, upstream.URL+"/master.m3u8", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "block page")
}

func TestRewriteManifestIdempotent(t *testing.T) {
	blob := map[string]string{"referer": "https://r.test/"}
	manifest := []byte("#EXTM3U\nhttps://cdn.example/v1.m3u8\n")

	once := proxy.RewriteManifest(manifest, "https://cdn.example/master.m3u8", "http://proxy.test", blob)
	twice := proxy.RewriteManifest(once, "https://cdn.example/master.m3u8", "http://proxy.test", blob)

	extract := func(body []byte) string {
		for _, line := range strings.Split(string(body), "\n") {
			if strings.HasPrefix(line, "http://proxy.test/stream?") {
				u, err := url.Parse(line)
				require.NoError(t, err)
				return u.Query().Get("url")
			}
		}
		return ""
	}

	assert.Equal(t, "https://cdn.example/v1.m3u8", extract(once))
	assert.Equal(t, "https://cdn.example/v1.m3u8", extract(twice), "no double-encoding drift across rewrites")
}
