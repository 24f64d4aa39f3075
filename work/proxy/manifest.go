package proxy

import (
	"bytes"
	"io"
	"net/http"

	"anistream-proxy/work/client"
	"anistream-proxy/work/logger"
	"anistream-proxy/work/metrics"
	"anistream-proxy/work/types"
	"anistream-proxy/work/utils"

	"github.com/grafov/m3u8"
)

// maxManifestBytes bounds how much of a playlist response is read. Real
// playlists are a few hundred KB at most; anything larger is not a playlist.
const maxManifestBytes = 10 << 20

// validManifest reports whether body is an HLS playlist: the #EXTM3U magic
// must appear at the start, allowing leading whitespace and a UTF-8 BOM. An
// HTML page wrapping a valid playlist would still pass, which is the wanted
// conservative behavior: only provably non-playlist bodies trigger the
// referrer ladder.
func validManifest(body []byte) bool {
	head := bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	head = bytes.TrimSpace(head)
	return bytes.HasPrefix(head, []byte("#EXTM3U"))
}

// usablePlaylist is the full validation gate: the #EXTM3U magic plus a strict
// structural decode. Block pages that happen to echo the magic, or truncated
// playlists, fail the decode and fall back to the referrer ladder instead of
// being served to the player.
func usablePlaylist(body []byte) bool {
	if !validManifest(body) {
		return false
	}
	pl, kind, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		logger.Debug("{proxy - usablePlaylist} playlist decode failed: %v", err)
		return false
	}
	switch kind {
	case m3u8.MASTER:
		master := pl.(*m3u8.MasterPlaylist)
		logger.Debug("{proxy - usablePlaylist} master playlist, %d variants", len(master.Variants))
	case m3u8.MEDIA:
		media := pl.(*m3u8.MediaPlaylist)
		logger.Debug("{proxy - usablePlaylist} media playlist, %d segments", media.Count())
	}
	return true
}

// serveManifest fetches a playlist, walking the referrer ladder until a body
// passes the playlist validation gate, then rewrites every URI in it to
// re-enter this proxy carrying the header set that actually worked.
func (p *Proxy) serveManifest(w http.ResponseWriter, r *http.Request, req *streamRequest) {
	ctx := r.Context()

	for i, referer := range p.referrerCandidates(req) {
		// retry attempts pre-fetch the candidate's player page; some CDN
		// families require its session cookie on the playlist fetch
		cookie := ""
		if i > 0 && referer != "" {
			cookie = p.harvestCookie(ctx, referer)
		}

		resp, err := p.fetchOnce(ctx, req, referer, cookie)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("{proxy - serveManifest} fetch %s failed: %v", utils.LogURL(p.cfg, req.target), err)
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
		resp.Body.Close()
		if readErr != nil {
			logger.Warn("{proxy - serveManifest} reading %s: %v", utils.LogURL(p.cfg, req.target), readErr)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 || !usablePlaylist(body) {
			metrics.BlockPageDetections.WithLabelValues("manifest").Inc()
			logger.Info("{proxy - serveManifest} invalid playlist (status %d) from %s with referer %q",
				resp.StatusCode, utils.LogURL(p.cfg, req.target), referer)
			continue
		}

		p.writeManifest(w, req, body, referer, cookie)
		return
	}

	logger.Warn("{proxy - serveManifest} all referrer candidates exhausted for %s: %v", utils.LogURL(p.cfg, req.target), types.ErrUpstreamBlocked)
	http.Error(w, types.ErrUpstreamBlocked.Error(), http.StatusBadGateway)
}

// writeManifest rewrites and serves a validated playlist. The blob propagated
// into rewritten URIs carries the discovered referrer (and harvested cookie),
// so every nested fetch inherits the combination proven to work.
func (p *Proxy) writeManifest(w http.ResponseWriter, req *streamRequest, body []byte, referer, cookie string) {
	blob := client.BlobWithReferer(req.blob, referer)
	if cookie != "" {
		blob["cookie"] = cookie
	}

	rewritten := RewriteManifest(body, req.target, p.cfg.BaseURL, blob)

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(rewritten)
	metrics.ProxyBytesTransferred.WithLabelValues("downstream").Add(float64(len(rewritten)))
}
