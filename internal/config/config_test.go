package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polystore/polystore/internal/model"
)

const sampleConfig = `
storage_configs:
  main_pg:
    kind: relational
    host: ${PG_HOST:-localhost}
    port: ${PG_PORT:-5432}
    database: appdb
    username: app
    password: "${PG_PASSWORD:-}"
  vectors:
    kind: vector
    host: localhost
    database: appdb
  hot_cache:
    kind: cache
    host: localhost

model_defaults:
  sync_strategy: SEQUENTIAL

connection_pools:
  relational:
    min_conns: 4
    max_conns: 16

performance:
  workers: 8
  embedding_dimension: 128
  replicate_timeout: 10s

daemon:
  socket: /tmp/poly-test.sock
  tcp_addr: 127.0.0.1:9736

models:
  - name: articles
    path: articles
    storages: [main_pg, vectors, hot_cache]
    sync_strategy: PRIMARY_FIRST
  - name: notes
    path: notes
    storages: [main_pg]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "polystore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	t.Setenv("PG_PORT", "6543")
	t.Setenv("PG_PASSWORD", "12345")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	pg := cfg.StorageConfigs["main_pg"]
	assert.Equal(t, model.KindRelational, pg.Kind)
	assert.Equal(t, "localhost", pg.Host, "unset var should take its default")
	assert.Equal(t, 6543, pg.Port, "env substitution should come out as an int")
	assert.Equal(t, "12345", pg.Password, "quoted substitution should stay a string")
	assert.Equal(t, 30*time.Second, pg.Timeout, "timeout default should apply")

	assert.Equal(t, "SEQUENTIAL", cfg.ModelDefaults.SyncStrategy)
	assert.Equal(t, 8, cfg.Performance.Workers)
	assert.Equal(t, 128, cfg.Performance.EmbeddingDimension)
	assert.Equal(t, 10*time.Second, cfg.Performance.ReplicateTimeout)
	assert.Equal(t, "/tmp/poly-test.sock", cfg.Daemon.Socket)
}

func TestDefaultsWhenSectionsOmitted(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
storage_configs:
  mem:
    kind: cache
    host: localhost
models:
  - name: things
    storages: [mem]
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultSyncStrategy, cfg.ModelDefaults.SyncStrategy)
	assert.Equal(t, DefaultEmbeddingDimension, cfg.Performance.EmbeddingDimension)
	assert.Equal(t, DefaultReplicateTimeout, cfg.Performance.ReplicateTimeout)
	assert.NotEmpty(t, cfg.Daemon.Socket)

	mem := cfg.StorageConfigs["mem"]
	assert.Equal(t, model.DefaultPort(model.KindCache), mem.Port)
}

func TestExpand(t *testing.T) {
	t.Setenv("EXPAND_SET", "value")
	os.Unsetenv("EXPAND_UNSET")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"set variable", "x: ${EXPAND_SET}", "x: value"},
		{"unset with default", "x: ${EXPAND_UNSET:-fallback}", "x: fallback"},
		{"unset without default", "x: ${EXPAND_UNSET}", "x: "},
		{"embedded", "url: tcp://${EXPAND_SET}:5432/db", "url: tcp://value:5432/db"},
		{"no references", "x: plain", "x: plain"},
		{"empty default", "x: ${EXPAND_UNSET:-}", "x: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(Expand([]byte(tt.in))))
		})
	}
}

func TestRegistryResolvesModels(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	assert.Equal(t, []string{"articles", "notes"}, reg.Names())

	articles, err := reg.Lookup("articles")
	require.NoError(t, err)
	assert.Equal(t, "PRIMARY_FIRST", articles.Strategy)
	require.Len(t, articles.Bindings, 3)
	assert.Equal(t, "main_pg", articles.Bindings[0].Name)

	// Blank strategy picks up the model_defaults value.
	notes, err := reg.Lookup("notes")
	require.NoError(t, err)
	assert.Equal(t, "SEQUENTIAL", notes.Strategy)
}

func TestSecuredDefaultForcesSecurity(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
storage_configs:
  mem:
    kind: cache
    host: localhost
model_defaults:
  secured: true
models:
  - name: things
    storages: [mem]
`))
	require.NoError(t, err)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	d, err := reg.Lookup("things")
	require.NoError(t, err)
	assert.True(t, d.Secured)
}

func TestModelFiles(t *testing.T) {
	dir := t.TempDir()
	modelFile := filepath.Join(dir, "models.toml")
	require.NoError(t, os.WriteFile(modelFile, []byte(`
[[models]]
name = "documents"
path = "documents"
storages = ["mem"]
`), 0o600))

	path := filepath.Join(dir, "polystore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage_configs:
  mem:
    kind: cache
    host: localhost
model_files:
  - models.toml
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	d, err := reg.Lookup("documents")
	require.NoError(t, err)
	assert.Equal(t, DefaultSyncStrategy, d.Strategy)
	require.Len(t, d.Bindings, 1)
	assert.Equal(t, model.KindCache, d.Bindings[0].Kind)
}

func TestPoolLimits(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, PoolLimits{MinConns: 4, MaxConns: 16}, cfg.Pool(model.KindRelational))
	assert.Equal(t, PoolLimits{MinConns: 2, MaxConns: 10}, cfg.Pool(model.KindVector))
	assert.Equal(t, PoolLimits{MinConns: 0, MaxConns: 50}, cfg.Pool(model.KindCache))
	assert.Equal(t, PoolLimits{MinConns: 1, MaxConns: 10}, cfg.Pool(model.KindGraph))
}

func TestDaemonEnvOverride(t *testing.T) {
	t.Setenv("POLYSTORE_DAEMON_SOCKET", "/tmp/override.sock")
	t.Setenv("POLYSTORE_DAEMON_AUTH_TOKEN", "sekrit")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.sock", cfg.Daemon.Socket)
	assert.Equal(t, "sekrit", cfg.Daemon.AuthToken)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errLike string
	}{
		{
			name: "no models",
			content: `
storage_configs:
  mem:
    kind: cache
    host: localhost
`,
			errLike: "no models",
		},
		{
			name: "unknown pool kind",
			content: `
storage_configs:
  mem:
    kind: cache
    host: localhost
connection_pools:
  warehouse:
    max_conns: 5
models:
  - name: things
    storages: [mem]
`,
			errLike: "connection_pools",
		},
		{
			name: "binding without host",
			content: `
storage_configs:
  pg:
    kind: relational
models:
  - name: things
    storages: [pg]
`,
			errLike: "storage_configs.pg",
		},
		{
			name: "model references unknown storage",
			content: `
storage_configs:
  mem:
    kind: cache
    host: localhost
models:
  - name: things
    storages: [missing]
`,
			errLike: "", // surfaces from Registry, not Load
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.content))
			if tt.errLike != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errLike)
				return
			}
			require.NoError(t, err)
			_, err = cfg.Registry()
			assert.Error(t, err)
		})
	}
}

func TestFindPrefersEnv(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("POLYSTORE_CONFIG", path)

	found, err := Find()
	require.NoError(t, err)
	assert.Equal(t, path, found)
}

func TestFindMissingEnvPath(t *testing.T) {
	t.Setenv("POLYSTORE_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Find()
	assert.Error(t, err)
}

func TestWatchReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, func(c *Config) {
			select {
			case got <- c:
			default:
			}
		})
	}()

	// Keep rewriting until the watcher picks a change up; the first write
	// can race watcher setup.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-got:
			assert.Equal(t, "SEQUENTIAL", cfg.ModelDefaults.SyncStrategy)
			cancel()
			<-done
			return
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))
		case <-deadline:
			t.Fatal("watcher never delivered a reload")
		}
	}
}

func TestWatchStopsOnCancel(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Watch(ctx, path, func(*Config) {})
	}()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}
