package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func writeOverrides(t *testing.T, overrides map[string]interface{}) string {
	t.Helper()
	data, err := yaml.Marshal(overrides)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "lodestone.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 8090, cfg.HTTPPort)
	assert.Equal(t, 1024, cfg.EmbeddingDimension)
	assert.Equal(t, 1500, cfg.ChunkSize)
	assert.Equal(t, 300, cfg.ChunkOverlap)
	assert.Equal(t, 10, cfg.TopK)
	assert.InDelta(t, 0.35, cfg.MinScore[SourceMemory], 1e-9)
	assert.InDelta(t, 0.40, cfg.MinScore[SourceChat], 1e-9)
	assert.True(t, cfg.Features.VectorIndex)
	assert.True(t, cfg.Features.SkipLogic)
	assert.False(t, cfg.Features.HistoryCompression, "compression is opt-in")
}

func TestLoadFileAppliesOverrides(t *testing.T) {
	path := writeOverrides(t, map[string]interface{}{
		"httpPort":           9000,
		"embeddingDimension": 384,
		"topK":               5,
		"minScore":           map[string]float64{"memory": 0.5},
		"historyCompression": true,
		"vectorIndex":        false,
		"watchDirs":          map[string]string{"chat": "/var/transcripts"},
	})

	cfg, err := LoadFile(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 384, cfg.EmbeddingDimension)
	assert.Equal(t, 5, cfg.TopK)
	assert.InDelta(t, 0.5, cfg.MinScore["memory"], 1e-9)
	assert.True(t, cfg.Features.HistoryCompression)
	assert.False(t, cfg.Features.VectorIndex)
	assert.Equal(t, "/var/transcripts", cfg.WatchDirs["chat"])

	// Untouched options keep their defaults.
	assert.Equal(t, 1500, cfg.ChunkSize)
	assert.True(t, cfg.Features.SkipLogic)
}

func TestLoadFileMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Defaults().HTTPPort, cfg.HTTPPort)
}

func TestLoadFileRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]interface{}
	}{
		{"overlap not below size", map[string]interface{}{"chunkSize": 100, "chunkOverlap": 100}},
		{"negative dimension", map[string]interface{}{"embeddingDimension": -1}},
		{"zero topK", map[string]interface{}{"topK": 0}},
		{"unknown minScore source", map[string]interface{}{"minScore": map[string]float64{"emails": 0.5}}},
		{"unknown watch source", map[string]interface{}{"watchDirs": map[string]string{"emails": "/tmp"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFile(writeOverrides(t, tc.overrides), zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestLoadFileIgnoresUnknownKeys(t *testing.T) {
	path := writeOverrides(t, map[string]interface{}{
		"httpPort":      9001,
		"totallyBogus":  true,
		"anotherTypo42": "x",
	})
	cfg, err := LoadFile(path, zap.NewNop())
	require.NoError(t, err, "unknown keys warn, never fail")
	assert.Equal(t, 9001, cfg.HTTPPort)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 4*time.Second, cfg.EmbeddingTimeout())
	assert.Equal(t, 5*time.Second, cfg.EnrichmentDeadline())
	assert.Equal(t, time.Minute, cfg.IndexStaleness())
	assert.Equal(t, 2*time.Second, cfg.WatcherDebounce())
	assert.Equal(t, 5*time.Minute, cfg.EmbeddingCacheTTL())
}

func TestIsKnownSource(t *testing.T) {
	for _, s := range KnownSources {
		assert.True(t, IsKnownSource(s))
	}
	assert.False(t, IsKnownSource("emails"))
	assert.False(t, IsKnownSource(""))
}

func TestMinScoreFor(t *testing.T) {
	cfg := Defaults()
	assert.InDelta(t, 0.35, cfg.MinScoreFor(SourceMemory), 1e-9)
	assert.Zero(t, cfg.MinScoreFor("unknown"))
	assert.Zero(t, Config{}.MinScoreFor(SourceMemory))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lodestone.yaml")
	require.NoError(t, os.WriteFile(path, []byte("httpPort: 9000\n"), 0o644))

	initial, err := LoadFile(path, zap.NewNop())
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	changed := make(chan Config, 1)
	w.OnChange(func(c Config) {
		select {
		case changed <- c:
		default:
		}
	})
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("httpPort: 9001\n"), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, 9001, cfg.HTTPPort)
		assert.Equal(t, 9001, w.Current().HTTPPort)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload never fired")
	}
}

func TestWatcherKeepsSnapshotOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lodestone.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topK: 7\n"), 0o644))

	initial, err := LoadFile(path, zap.NewNop())
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	// Validation failure must not clobber the running config.
	require.NoError(t, os.WriteFile(path, []byte("topK: -5\n"), 0o644))
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 7, w.Current().TopK)
}
