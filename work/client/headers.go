package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"anistream-proxy/work/utils"
)

// allowedBlobHeaders is the full set of header names a caller may smuggle
// through the proxy's h= parameter. Anything else in the blob is dropped
// without comment; the proxy never forwards arbitrary client headers upstream.
var allowedBlobHeaders = map[string]bool{
	"referer":       true,
	"origin":        true,
	"user-agent":    true,
	"authorization": true,
	"cookie":        true,
}

// cdnFamilies maps host-name fragments to the referrer each CDN family
// expects. Hot-link protection on these hosts rejects requests whose Referer
// does not look like the embedding player page.
var cdnFamilies = []struct {
	fragments []string
	referer   string
}{
	{[]string{"megacloud"}, "https://megacloud.blog/"},
	{[]string{"rapid-cloud", "rapidcdn"}, "https://rapid-cloud.co/"},
	{[]string{"netmagcdn", "lightningspark"}, "https://megacloud.club/"},
}

// DecodeHeaderBlob decodes the transport-encoded header map from a proxy
// request. The blob is base64 over a flat JSON object; keys outside the
// allow-list are silently discarded. An empty blob yields an empty map.
func DecodeHeaderBlob(blob string) (map[string]string, error) {
	headers := make(map[string]string)
	if blob == "" {
		return headers, nil
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		// some players re-encode query params with the URL-safe alphabet
		raw, err = base64.URLEncoding.DecodeString(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding header blob: %w", err)
		}
	}

	var decoded map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("parsing header blob: %w", err)
	}

	for k, v := range decoded {
		name := strings.ToLower(strings.TrimSpace(k))
		if allowedBlobHeaders[name] && v != "" {
			headers[name] = v
		}
	}
	return headers, nil
}

// EncodeHeaderBlob is the inverse of DecodeHeaderBlob, used when rewriting
// manifest URIs so nested fetches inherit the proven header set.
func EncodeHeaderBlob(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// DefaultRefererFor returns the CDN-family default referrer for a target URL,
// or "" when the host matches no known family.
func DefaultRefererFor(targetURL string) string {
	for _, family := range cdnFamilies {
		if utils.HostContainsAny(targetURL, family.fragments) {
			return family.referer
		}
	}
	return ""
}

// BuildUpstreamHeaders assembles the header set for one upstream attempt:
// browser user agent, CDN-family default referrer/origin, then the allow-listed
// blob overlaid on top. A referer (from either source) always overrides the
// origin with its own, since CDNs cross-check the pair. An inbound Range
// header is forwarded verbatim for segment seeking.
func BuildUpstreamHeaders(userAgent, targetURL string, blob map[string]string, rangeHeader string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "*/*")

	if ref := DefaultRefererFor(targetURL); ref != "" {
		h.Set("Referer", ref)
		if origin := utils.OriginOf(ref); origin != "" {
			h.Set("Origin", origin)
		}
	}

	for name, value := range blob {
		h.Set(canonicalName(name), value)
	}

	if ref := h.Get("Referer"); ref != "" {
		if origin := utils.OriginOf(ref); origin != "" {
			h.Set("Origin", origin)
		}
	}

	if rangeHeader != "" {
		h.Set("Range", rangeHeader)
	}
	return h
}

// ApplyReferer swaps the referrer on an assembled header set, keeping the
// origin consistent with it. Used by the proxy's referrer-candidate ladder.
func ApplyReferer(h http.Header, referer string) {
	h.Set("Referer", referer)
	if origin := utils.OriginOf(referer); origin != "" {
		h.Set("Origin", origin)
	}
}

func canonicalName(lower string) string {
	switch lower {
	case "referer":
		return "Referer"
	case "origin":
		return "Origin"
	case "user-agent":
		return "User-Agent"
	case "authorization":
		return "Authorization"
	case "cookie":
		return "Cookie"
	default:
		return http.CanonicalHeaderKey(lower)
	}
}

// RefererOf extracts the referer from a decoded blob, or "".
func RefererOf(blob map[string]string) string {
	return blob["referer"]
}

// BlobWithReferer returns a copy of blob with its referer (and nothing else)
// replaced. The original map is not modified.
func BlobWithReferer(blob map[string]string, referer string) map[string]string {
	out := make(map[string]string, len(blob)+1)
	for k, v := range blob {
		out[k] = v
	}
	if referer != "" {
		out["referer"] = referer
	}
	return out
}

// ProxyURL builds the /stream URL that re-enters this proxy for target,
// carrying the header blob that is known to work.
func ProxyURL(baseURL, target string, blob map[string]string) string {
	v := url.Values{}
	v.Set("url", target)
	if encoded := EncodeHeaderBlob(blob); encoded != "" {
		v.Set("h", encoded)
	}
	return strings.TrimRight(baseURL, "/") + "/stream?" + v.Encode()
}
