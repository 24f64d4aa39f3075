package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration for the resolver and the stream
// rewrite proxy. Durations arrive as strings in the config file ("90s", "10m")
// and are parsed into time.Duration here.
type Config struct {
	BaseURL             string        // public base URL of this service, used when rewriting manifest URIs
	ListenPort          int           // HTTP listen port
	PrimaryAPIURL       string        // primary scraping backend base URL
	LegacyAPIURL        string        // secondary legacy backend base URL, last resort after the server ladder
	MetadataAPIURL      string        // metadata provider base URL (titles, episode counts); empty disables lookups
	UserAgent           string        // browser-like user agent attached to every upstream request
	ServerLadder        []string      // ordered delivery servers to try for sources; non-primary CDN families first
	ReferrerCandidates  []string      // ordered referrer fallbacks for the proxy's retry ladder
	CacheEnabled        bool          // whether response caching is enabled globally
	SearchCacheTTL      time.Duration // TTL for search/episode/server results
	SourceCacheTTL      time.Duration // TTL for resolved stream sources (short: upstream URLs expire quickly)
	MetadataCacheTTL    time.Duration // TTL for metadata provider lookups
	StepTimeout         time.Duration // per-attempt timeout for search/episodes/servers calls
	SourcesTimeout      time.Duration // per-attempt timeout for the sources step (backend tries extractors serially)
	ProxyHeaderTimeout  time.Duration // proxy upstream time-to-first-byte limit
	SourcesRetries      int           // retry count for the sources step
	StepRetries         int           // retry count for cheaper steps
	RetryBackoff        time.Duration // linear backoff unit between attempts (backoff = unit * attempt)
	WorkerThreads       int           // worker pool size for background prefetch tasks
	MaxConnectionsToApp int           // maximum concurrent inbound requests
	BackendRateLimit    int           // per-backend outbound requests per second
	LogLevel            string        // DEBUG, INFO, WARN, ERROR
	ObfuscateUrls       bool          // obfuscate upstream URLs in logs
}

// ConfigFile mirrors Config for JSON unmarshaling, with durations as strings.
type ConfigFile struct {
	BaseURL             string   `json:"baseURL"`
	ListenPort          int      `json:"listenPort"`
	PrimaryAPIURL       string   `json:"primaryApiUrl"`
	LegacyAPIURL        string   `json:"legacyApiUrl"`
	MetadataAPIURL      string   `json:"metadataApiUrl"`
	UserAgent           string   `json:"userAgent"`
	ServerLadder        []string `json:"serverLadder"`
	ReferrerCandidates  []string `json:"referrerCandidates"`
	CacheEnabled        *bool    `json:"cacheEnabled"`
	SearchCacheTTL      string   `json:"searchCacheTTL"`
	SourceCacheTTL      string   `json:"sourceCacheTTL"`
	MetadataCacheTTL    string   `json:"metadataCacheTTL"`
	StepTimeout         string   `json:"stepTimeout"`
	SourcesTimeout      string   `json:"sourcesTimeout"`
	ProxyHeaderTimeout  string   `json:"proxyHeaderTimeout"`
	SourcesRetries      int      `json:"sourcesRetries"`
	StepRetries         int      `json:"stepRetries"`
	RetryBackoff        string   `json:"retryBackoff"`
	WorkerThreads       int      `json:"workerThreads"`
	MaxConnectionsToApp int      `json:"maxConnectionsToApp"`
	BackendRateLimit    int      `json:"backendRateLimit"`
	LogLevel            string   `json:"logLevel"`
	ObfuscateUrls       bool     `json:"obfuscateUrls"`
}

var (
	configCache *Config      // cached configuration instance (one per process)
	configMutex sync.RWMutex // protects configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
// It uses double-checked locking to avoid redundant reloads, falls back to
// defaults when the file is missing or invalid, and validates the result.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("ANISTREAM_CONFIG")
	if configPath == "" {
		configPath = "/settings/config.json"
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = &Config{}
	}

	validateAndSetDefaults(config)
	configCache = config
	return config
}

// ClearConfigCache drops the cached instance so the next LoadConfig re-reads
// the file. Used by graceful restart.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg := &Config{
		BaseURL:             cf.BaseURL,
		ListenPort:          cf.ListenPort,
		PrimaryAPIURL:       cf.PrimaryAPIURL,
		LegacyAPIURL:        cf.LegacyAPIURL,
		MetadataAPIURL:      cf.MetadataAPIURL,
		UserAgent:           cf.UserAgent,
		ServerLadder:        cf.ServerLadder,
		ReferrerCandidates:  cf.ReferrerCandidates,
		SourcesRetries:      cf.SourcesRetries,
		StepRetries:         cf.StepRetries,
		WorkerThreads:       cf.WorkerThreads,
		MaxConnectionsToApp: cf.MaxConnectionsToApp,
		BackendRateLimit:    cf.BackendRateLimit,
		LogLevel:            cf.LogLevel,
		ObfuscateUrls:       cf.ObfuscateUrls,
	}

	// caching defaults on unless the file says otherwise
	if cf.CacheEnabled != nil {
		cfg.CacheEnabled = *cf.CacheEnabled
	} else {
		cfg.CacheEnabled = true
	}

	cfg.SearchCacheTTL = parseDuration(cf.SearchCacheTTL, 0)
	cfg.SourceCacheTTL = parseDuration(cf.SourceCacheTTL, 0)
	cfg.MetadataCacheTTL = parseDuration(cf.MetadataCacheTTL, 0)
	cfg.StepTimeout = parseDuration(cf.StepTimeout, 0)
	cfg.SourcesTimeout = parseDuration(cf.SourcesTimeout, 0)
	cfg.ProxyHeaderTimeout = parseDuration(cf.ProxyHeaderTimeout, 0)
	cfg.RetryBackoff = parseDuration(cf.RetryBackoff, 0)

	return cfg, nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Printf("Invalid duration %q in config, using default", s)
		return fallback
	}
	return d
}

// validateAndSetDefaults fills any missing value with a safe default. Env
// overrides are honored for the values that differ per deployment.
func validateAndSetDefaults(cfg *Config) {
	if v := os.Getenv("ANISTREAM_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("ANISTREAM_PRIMARY_API"); v != "" {
		cfg.PrimaryAPIURL = v
	}
	if v := os.Getenv("ANISTREAM_LEGACY_API"); v != "" {
		cfg.LegacyAPIURL = v
	}
	if v := os.Getenv("ANISTREAM_METADATA_API"); v != "" {
		cfg.MetadataAPIURL = v
	}
	if v := os.Getenv("ANISTREAM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.ListenPort <= 0 {
		cfg.ListenPort = 8080
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.ListenPort)
	}
	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		log.Printf("Invalid baseURL %q, falling back to localhost", cfg.BaseURL)
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.ListenPort)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	}
	if len(cfg.ServerLadder) == 0 {
		// primary-CDN family last, it blocks datacenter IPs hardest
		cfg.ServerLadder = []string{"hd-2", "hd-3", "hd-1"}
	}
	if len(cfg.ReferrerCandidates) == 0 {
		cfg.ReferrerCandidates = []string{
			"https://megacloud.blog/",
			"https://megacloud.club/",
			"https://rapid-cloud.co/",
			"https://hianime.to/",
		}
	}
	if cfg.SearchCacheTTL <= 0 {
		cfg.SearchCacheTTL = 10 * time.Minute
	}
	if cfg.SourceCacheTTL <= 0 {
		cfg.SourceCacheTTL = 90 * time.Second
	}
	if cfg.MetadataCacheTTL <= 0 {
		cfg.MetadataCacheTTL = 30 * time.Minute
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 8 * time.Second
	}
	if cfg.SourcesTimeout <= 0 {
		cfg.SourcesTimeout = 15 * time.Second
	}
	if cfg.ProxyHeaderTimeout <= 0 {
		cfg.ProxyHeaderTimeout = 20 * time.Second
	}
	if cfg.SourcesRetries <= 0 {
		cfg.SourcesRetries = 2
	}
	if cfg.StepRetries <= 0 {
		cfg.StepRetries = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 8
	}
	if cfg.MaxConnectionsToApp <= 0 {
		cfg.MaxConnectionsToApp = 256
	}
	if cfg.BackendRateLimit <= 0 {
		cfg.BackendRateLimit = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
}
