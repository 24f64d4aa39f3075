package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ResolveRequests counts resolution endpoint calls by action and outcome.
// The "result" label is one of: ok, error, fallback (legacy backend served it),
// substituted (category fallback occurred).
var ResolveRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anistream_resolve_requests_total",
	Help: "Resolution requests by action and result",
}, []string{"action", "result"})

// UpstreamRetries counts retry attempts against the scraping backends,
// labeled by pipeline stage (search, episodes, servers, sources, legacy).
var UpstreamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anistream_upstream_retries_total",
	Help: "Retries issued against upstream backends",
}, []string{"stage"})

// BlockPageDetections counts HTML-disguised block pages caught by the proxy,
// labeled by path (binary, manifest).
var BlockPageDetections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anistream_blockpage_detections_total",
	Help: "Disguised block pages detected and retried",
}, []string{"path"})

// ProxyBytesTransferred tracks bytes relayed through the stream proxy.
// Direction is "upstream" (read from CDN) or "downstream" (written to player).
var ProxyBytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anistream_proxy_bytes_transferred",
	Help: "Total bytes relayed through the stream proxy",
}, []string{"direction"})

// CacheOps counts memo/bundle cache hits and misses by cache name.
var CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anistream_cache_ops_total",
	Help: "Cache lookups by cache and outcome",
}, []string{"cache", "outcome"})

// CoalescedCalls counts resolver calls that attached to an in-flight fetch
// instead of issuing their own backend request.
var CoalescedCalls = promauto.NewCounter(prometheus.CounterOpts{
	Name: "anistream_coalesced_calls_total",
	Help: "Calls deduplicated onto an in-flight backend fetch",
})

// ActiveProxyStreams gauges concurrently open relay connections.
var ActiveProxyStreams = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "anistream_active_proxy_streams",
	Help: "Currently open stream relay connections",
})
