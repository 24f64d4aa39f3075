package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"anistream-proxy/work/client"
	"anistream-proxy/work/logger"
	"anistream-proxy/work/metrics"
	"anistream-proxy/work/types"
	"anistream-proxy/work/utils"
)

// forwardedResponseHeaders is the safe subset of upstream response headers
// relayed to the player. Everything else (cookies, CDN internals, CORS the
// upstream may have set) is dropped; this service sets its own CORS headers.
var forwardedResponseHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Cache-Control",
	"ETag",
	"Last-Modified",
	"Expires",
}

// referrerCandidates returns the ordered referrers to try for one request:
// the caller's (or CDN-family default) referrer first, then the configured
// fallbacks, deduplicated.
func (p *Proxy) referrerCandidates(req *streamRequest) []string {
	initial := client.RefererOf(req.blob)
	if initial == "" {
		initial = client.DefaultRefererFor(req.target)
	}

	candidates := make([]string, 0, len(p.cfg.ReferrerCandidates)+1)
	seen := map[string]bool{}
	add := func(ref string) {
		if ref != "" && !seen[ref] {
			seen[ref] = true
			candidates = append(candidates, ref)
		}
	}
	add(initial)
	for _, ref := range p.cfg.ReferrerCandidates {
		add(ref)
	}
	if len(candidates) == 0 {
		candidates = append(candidates, "")
	}
	return candidates
}

// fetchOnce performs a single upstream attempt with the given referrer
// substituted into the header set. cookie, when non-empty, is attached on top
// of any blob cookie.
func (p *Proxy) fetchOnce(ctx context.Context, req *streamRequest, referer, cookie string) (*http.Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.target, nil)
	if err != nil {
		return nil, err
	}

	hreq.Header = client.BuildUpstreamHeaders(p.cfg.UserAgent, req.target, req.blob, req.rangeHeader)
	if referer != "" {
		client.ApplyReferer(hreq.Header, referer)
	}
	if cookie != "" {
		hreq.Header.Set("Cookie", cookie)
	}

	return p.http.Do(hreq)
}

// readCloser pairs a peeked reader with the original body's closer.
type readCloser struct {
	io.Reader
	io.Closer
}

type upstreamKind int

const (
	kindMedia upstreamKind = iota
	kindPlaylist
	kindBlockPage
)

// classifyResponse inspects a 2xx upstream response by content-type and a
// body peek: HTML is a disguised block page, mpegurl content-types and
// #EXTM3U-prefixed bodies are playlists no matter what the URL path looked
// like, everything else is media. The body is peeked, not consumed: the
// returned reader replays the peeked bytes.
func classifyResponse(resp *http.Response) (upstreamKind, io.ReadCloser) {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/html") {
		return kindBlockPage, resp.Body
	}

	br := bufio.NewReader(resp.Body)
	body := io.ReadCloser(readCloser{Reader: br, Closer: resp.Body})

	peeked, _ := br.Peek(512)
	head := bytes.TrimPrefix(peeked, []byte("\xef\xbb\xbf"))
	head = bytes.ToLower(bytes.TrimSpace(head))
	switch {
	case bytes.HasPrefix(head, []byte("<!doctype")), bytes.HasPrefix(head, []byte("<html")):
		return kindBlockPage, body
	case strings.Contains(ct, "mpegurl"), bytes.HasPrefix(head, []byte("#extm3u")):
		return kindPlaylist, body
	}
	return kindMedia, body
}

// relayBinary streams a media segment (or key file) to the player. A 200 with
// an HTML body counts as blocked the same as a 403: the ladder moves to the
// next referrer, and after exhaustion the player gets a 502, never the block
// page bytes.
func (p *Proxy) relayBinary(w http.ResponseWriter, r *http.Request, req *streamRequest) {
	ctx := r.Context()

	for _, referer := range p.referrerCandidates(req) {
		resp, err := p.fetchOnce(ctx, req, referer, "")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("{proxy - relayBinary} fetch %s failed: %v", utils.LogURL(p.cfg, req.target), err)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			logger.Debug("{proxy - relayBinary} status %d with referer %q, trying next", resp.StatusCode, referer)
			resp.Body.Close()
			continue
		}

		kind, body := classifyResponse(resp)
		switch kind {
		case kindBlockPage:
			metrics.BlockPageDetections.WithLabelValues("binary").Inc()
			logger.Info("{proxy - relayBinary} block page from %s with referer %q", utils.LogURL(p.cfg, req.target), referer)
			body.Close()
			continue
		case kindPlaylist:
			// tokenized CDN paths serve playlists from extensionless URLs;
			// divert so the playlist URIs still get rewritten through us
			data, readErr := io.ReadAll(io.LimitReader(body, maxManifestBytes))
			body.Close()
			if readErr != nil || !usablePlaylist(data) {
				metrics.BlockPageDetections.WithLabelValues("binary").Inc()
				logger.Info("{proxy - relayBinary} unusable playlist from %s with referer %q", utils.LogURL(p.cfg, req.target), referer)
				continue
			}
			logger.Debug("{proxy - relayBinary} playlist detected at %s, rewriting", utils.LogURL(p.cfg, req.target))
			p.writeManifest(w, req, data, referer, "")
			return
		}

		p.copyResponse(ctx, w, resp, body)
		return
	}

	logger.Warn("{proxy - relayBinary} all referrer candidates exhausted for %s: %v", utils.LogURL(p.cfg, req.target), types.ErrUpstreamBlocked)
	http.Error(w, types.ErrUpstreamBlocked.Error(), http.StatusBadGateway)
}

// copyResponse forwards the safe header subset and pumps the body through the
// chunk loop. The loop stops promptly when the player disconnects; the
// context cancellation also aborts the upstream read.
func (p *Proxy) copyResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, body io.ReadCloser) {
	defer body.Close()

	for _, name := range forwardedResponseHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := p.buffers.Get()
	defer p.buffers.Put(buf)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, readErr := body.Read(buf.B)
		if n > 0 {
			metrics.ProxyBytesTransferred.WithLabelValues("upstream").Add(float64(n))
			if _, writeErr := w.Write(buf.B[:n]); writeErr != nil {
				return
			}
			metrics.ProxyBytesTransferred.WithLabelValues("downstream").Add(float64(n))
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF && ctx.Err() == nil {
				logger.Debug("{proxy - copyResponse} upstream read ended: %v", readErr)
			}
			return
		}
	}
}

// harvestCookie fetches a referrer page and collects its Set-Cookie values
// into a Cookie header line. Some CDN families hand out a session cookie on
// the player page and require it on the playlist fetch.
func (p *Proxy) harvestCookie(ctx context.Context, referer string) string {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, referer, nil)
	if err != nil {
		return ""
	}
	hreq.Header.Set("User-Agent", p.cfg.UserAgent)

	resp, err := p.http.Do(hreq)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	var pairs []string
	for _, c := range resp.Cookies() {
		if c.Name != "" {
			pairs = append(pairs, c.Name+"="+c.Value)
		}
	}
	return strings.Join(pairs, "; ")
}
