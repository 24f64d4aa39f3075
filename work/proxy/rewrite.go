package proxy

import (
	"net/url"
	"strings"

	"anistream-proxy/work/client"

	"github.com/grafana/regexp"
)

// uriAttrRe matches URI="..." attributes inside playlist tag lines
// (EXT-X-KEY, EXT-X-MAP, EXT-X-MEDIA and friends).
var uriAttrRe = regexp.MustCompile(`URI="([^"]+)"`)

// RewriteManifest rewrites every URI reference in an HLS playlist, bare
// segment/variant lines and URI="..." tag attributes alike, to point back at
// this service's /stream endpoint with the absolute upstream target and the
// header blob re-encoded. References that already point at /stream are
// unwrapped to their ultimate target first, so rewriting is idempotent: no
// double-encoding accumulates across nested playlist levels.
func RewriteManifest(body []byte, manifestURL, baseURL string, blob map[string]string) []byte {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return body
	}

	lines := strings.Split(string(body), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			lines[i] = uriAttrRe.ReplaceAllStringFunc(line, func(attr string) string {
				sub := uriAttrRe.FindStringSubmatch(attr)
				return `URI="` + rewriteTarget(base, sub[1], baseURL, blob) + `"`
			})
			continue
		}
		lines[i] = rewriteTarget(base, trimmed, baseURL, blob)
	}
	return []byte(strings.Join(lines, "\n"))
}

// rewriteTarget resolves one URI reference against the manifest's own URL and
// wraps it in a proxy URL. An unparsable reference is left untouched rather
// than corrupted.
func rewriteTarget(base *url.URL, ref, baseURL string, blob map[string]string) string {
	if ultimate, ok := proxiedTarget(ref); ok {
		ref = ultimate
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	abs := base.ResolveReference(u)
	return client.ProxyURL(baseURL, abs.String(), blob)
}

// proxiedTarget unwraps a reference that already points at a /stream endpoint
// and returns the upstream target it carries.
func proxiedTarget(ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil || !strings.HasSuffix(u.Path, "/stream") {
		return "", false
	}
	target := u.Query().Get("url")
	if target == "" {
		return "", false
	}
	return target, true
}
