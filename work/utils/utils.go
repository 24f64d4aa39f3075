package utils

import (
	"anistream-proxy/work/config"
	"net/url"
	"strings"
)

// LogURL returns either the original URL or an obfuscated version for logging.
// Upstream stream URLs carry short-lived auth tokens in their paths and query
// strings; debug logs must not leak them.
func LogURL(cfg *config.Config, u string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(u)
	}
	return u
}

// ObfuscateURL keeps the scheme and host of a URL and masks everything else.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}

// OriginOf reduces a URL to its scheme://host origin, or "" if unparsable.
func OriginOf(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// HostContainsAny reports whether the URL's host contains any of the given
// name fragments, case-insensitively. Used to match CDN families.
func HostContainsAny(urlStr string, fragments []string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, f := range fragments {
		if f != "" && strings.Contains(host, strings.ToLower(f)) {
			return true
		}
	}
	return false
}
