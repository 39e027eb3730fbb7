package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Sources recognized across the corpus. Chunk locators and search filters
// are always one of these.
const (
	SourceMemory     = "memory"
	SourceChat       = "chat"
	SourceChatExport = "chat_export"
)

// KnownSources lists all chunk sources in a stable order.
var KnownSources = []string{SourceMemory, SourceChat, SourceChatExport}

// IsKnownSource reports whether s names a chunk source.
func IsKnownSource(s string) bool {
	switch s {
	case SourceMemory, SourceChat, SourceChatExport:
		return true
	}
	return false
}

// Features are the independently toggleable pipeline behaviors.
// All default to enabled except HistoryCompression.
type Features struct {
	ParallelExecution  bool `mapstructure:"parallelExecution"`
	VectorIndex        bool `mapstructure:"vectorIndex"`
	SkipLogic          bool `mapstructure:"skipLogic"`
	EmbeddingCache     bool `mapstructure:"embeddingCache"`
	RouteAwareSources  bool `mapstructure:"routeAwareSources"`
	TimingStats        bool `mapstructure:"timingStats"`
	HistoryCompression bool `mapstructure:"historyCompression"`
}

// Config holds every recognized option. The overrides file is a flat YAML
// document; anything viper finds that is not enumerated here is warned about
// and ignored.
type Config struct {
	HTTPPort int    `mapstructure:"httpPort"`
	DBPath   string `mapstructure:"dbPath"`
	LogLevel string `mapstructure:"logLevel"`

	EmbeddingBaseURL     string `mapstructure:"embeddingBaseUrl"`
	EmbeddingModel       string `mapstructure:"embeddingModel"`
	EmbeddingDimension   int    `mapstructure:"embeddingDimension"`
	EmbeddingTimeoutMs   int    `mapstructure:"embeddingTimeoutMs"`
	EmbeddingConcurrency int    `mapstructure:"embeddingConcurrency"`
	EmbeddingBatchSize   int    `mapstructure:"embeddingBatchSize"`
	EmbeddingCacheSize   int    `mapstructure:"embeddingCacheSize"`
	EmbeddingCacheTTLMs  int    `mapstructure:"embeddingCacheTtlMs"`
	RedisAddr            string `mapstructure:"redisAddr"`

	RouterBaseURL   string `mapstructure:"routerBaseUrl"`
	RouterModel     string `mapstructure:"routerModel"`
	RouterTimeoutMs int    `mapstructure:"routerTimeoutMs"`

	ChunkSize    int `mapstructure:"chunkSize"`
	ChunkOverlap int `mapstructure:"chunkOverlap"`

	TopK      int                `mapstructure:"topK"`
	Overfetch int                `mapstructure:"overfetch"`
	MinScore  map[string]float64 `mapstructure:"minScore"`

	IndexStaleMs int `mapstructure:"indexStaleMs"`

	WatcherPollMs        int               `mapstructure:"watcherPollMs"`
	WatcherDebounceMs    int               `mapstructure:"watcherDebounceMs"`
	WatcherNewFileScanMs int               `mapstructure:"watcherNewFileScanMs"`
	WatchDirs            map[string]string `mapstructure:"watchDirs"`

	EnrichmentDeadlineMs int `mapstructure:"enrichmentDeadlineMs"`
	ShortTermSize        int `mapstructure:"shortTermSize"`
	HistoryForRouting    int `mapstructure:"historyForRouting"`
	HistoryForAssembly   int `mapstructure:"historyForAssembly"`
	DecisionRingSize     int `mapstructure:"decisionRingSize"`

	TracingEnabled  bool   `mapstructure:"tracingEnabled"`
	TracingEndpoint string `mapstructure:"tracingEndpoint"`

	Features Features `mapstructure:",squash"`
}

// Defaults returns the built-in configuration. Every value here can be
// overridden by the config file or by environment variables.
func Defaults() Config {
	return Config{
		HTTPPort: 8090,
		DBPath:   "lodestone.db",
		LogLevel: "info",

		EmbeddingBaseURL:     "http://127.0.0.1:11434",
		EmbeddingModel:       "mxbai-embed-large",
		EmbeddingDimension:   1024,
		EmbeddingTimeoutMs:   4000,
		EmbeddingConcurrency: 4,
		EmbeddingBatchSize:   10,
		EmbeddingCacheSize:   500,
		EmbeddingCacheTTLMs:  300000,

		RouterBaseURL:   "http://127.0.0.1:11434",
		RouterModel:     "qwen2.5:3b",
		RouterTimeoutMs: 4000,

		ChunkSize:    1500,
		ChunkOverlap: 300,

		TopK:      10,
		Overfetch: 3,
		MinScore: map[string]float64{
			SourceMemory:     0.35,
			SourceChat:       0.40,
			SourceChatExport: 0.40,
		},

		IndexStaleMs: 60000,

		WatcherPollMs:        5000,
		WatcherDebounceMs:    2000,
		WatcherNewFileScanMs: 30000,
		WatchDirs:            map[string]string{},

		EnrichmentDeadlineMs: 5000,
		ShortTermSize:        20,
		HistoryForRouting:    3,
		HistoryForAssembly:   6,
		DecisionRingSize:     256,

		Features: Features{
			ParallelExecution:  true,
			VectorIndex:        true,
			SkipLogic:          true,
			EmbeddingCache:     true,
			RouteAwareSources:  true,
			TimingStats:        true,
			HistoryCompression: false,
		},
	}
}

// recognizedKeys enumerates every option the overrides file may set.
var recognizedKeys = map[string]bool{
	"httpport": true, "dbpath": true, "loglevel": true,
	"embeddingbaseurl": true, "embeddingmodel": true, "embeddingdimension": true,
	"embeddingtimeoutms": true, "embeddingconcurrency": true, "embeddingbatchsize": true,
	"embeddingcachesize": true, "embeddingcachettlms": true, "redisaddr": true,
	"routerbaseurl": true, "routermodel": true, "routertimeoutms": true,
	"chunksize": true, "chunkoverlap": true,
	"topk": true, "overfetch": true, "minscore": true,
	"indexstalems": true,
	"watcherpollms": true, "watcherdebouncems": true, "watchernewfilescanms": true,
	"watchdirs": true,
	"enrichmentdeadlinems": true, "shorttermsize": true,
	"historyforrouting": true, "historyforassembly": true, "decisionringsize": true,
	"tracingenabled": true, "tracingendpoint": true,
	"parallelexecution": true, "vectorindex": true, "skiplogic": true,
	"embeddingcache": true, "routeawaresources": true, "timingstats": true,
	"historycompression": true,
}

// Path returns the overrides file location, from CONFIG_PATH or the
// built-in default.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/lodestone.yaml"
}

// Load reads the overrides file (if present) on top of Defaults. The path
// comes from CONFIG_PATH or defaults to config/lodestone.yaml; a missing
// file is not an error. Unknown keys are warned about but never fatal.
func Load(logger *zap.Logger) (Config, error) {
	return LoadFile(Path(), logger)
}

// LoadFile reads a specific overrides file on top of Defaults.
func LoadFile(path string, logger *zap.Logger) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("LODESTONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			// No overrides file; defaults plus env only.
			return cfg, applyEnvAndValidate(&cfg)
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	warnUnknownKeys(v, logger)

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	return cfg, applyEnvAndValidate(&cfg)
}

func warnUnknownKeys(v *viper.Viper, logger *zap.Logger) {
	if logger == nil {
		return
	}
	keys := v.AllKeys()
	sort.Strings(keys)
	for _, k := range keys {
		// Map-valued options surface as "minscore.memory" etc.
		base := k
		if i := strings.IndexByte(k, '.'); i >= 0 {
			base = k[:i]
		}
		if !recognizedKeys[strings.ToLower(base)] {
			logger.Warn("Ignoring unrecognized config key", zap.String("key", k))
		}
	}
}

func applyEnvAndValidate(cfg *Config) error {
	if p := os.Getenv("LODESTONE_HTTP_PORT"); p != "" {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}
	if p := os.Getenv("LODESTONE_DB_PATH"); p != "" {
		cfg.DBPath = p
	}
	if p := os.Getenv("LODESTONE_REDIS_ADDR"); p != "" {
		cfg.RedisAddr = p
	}

	if cfg.EmbeddingDimension <= 0 {
		return fmt.Errorf("embeddingDimension must be positive, got %d", cfg.EmbeddingDimension)
	}
	if cfg.ChunkSize <= 0 {
		return fmt.Errorf("chunkSize must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return fmt.Errorf("chunkOverlap must be in [0, chunkSize), got %d", cfg.ChunkOverlap)
	}
	if cfg.TopK <= 0 {
		return fmt.Errorf("topK must be positive, got %d", cfg.TopK)
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = 1
	}
	for src := range cfg.MinScore {
		if !IsKnownSource(src) {
			return fmt.Errorf("minScore references unknown source %q", src)
		}
	}
	for src := range cfg.WatchDirs {
		if !IsKnownSource(src) {
			return fmt.Errorf("watchDirs references unknown source %q", src)
		}
	}
	return nil
}

// Duration helpers keep millisecond knobs readable at call sites.

func (c Config) EmbeddingTimeout() time.Duration   { return time.Duration(c.EmbeddingTimeoutMs) * time.Millisecond }
func (c Config) RouterTimeout() time.Duration      { return time.Duration(c.RouterTimeoutMs) * time.Millisecond }
func (c Config) EmbeddingCacheTTL() time.Duration  { return time.Duration(c.EmbeddingCacheTTLMs) * time.Millisecond }
func (c Config) IndexStaleness() time.Duration     { return time.Duration(c.IndexStaleMs) * time.Millisecond }
func (c Config) WatcherPoll() time.Duration        { return time.Duration(c.WatcherPollMs) * time.Millisecond }
func (c Config) WatcherDebounce() time.Duration    { return time.Duration(c.WatcherDebounceMs) * time.Millisecond }
func (c Config) WatcherNewFileScan() time.Duration { return time.Duration(c.WatcherNewFileScanMs) * time.Millisecond }
func (c Config) EnrichmentDeadline() time.Duration {
	return time.Duration(c.EnrichmentDeadlineMs) * time.Millisecond
}

// MinScoreFor returns the per-source minimum similarity, 0 when unset.
func (c Config) MinScoreFor(source string) float64 {
	if c.MinScore == nil {
		return 0
	}
	return c.MinScore[source]
}
