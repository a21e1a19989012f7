package config

import (
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nobletooth/tiercache/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
log:
  level: debug
  source: true
request_cache:
  max_age: 90s
  max_size: 250
  strategy: LFU
storage:
  eviction_ratio: 0.25
  local_quota_bytes: 5242880
  postgres:
    dsn: postgres://crm@localhost/crm
crm:
  revocation_entries: 5000
`

const tomlConfig = `
[log]
level = "debug"
source = true

[request_cache]
max_age = "90s"
max_size = 250
strategy = "LFU"

[storage]
eviction_ratio = 0.25
local_quota_bytes = 5242880

[storage.postgres]
dsn = "postgres://crm@localhost/crm"

[crm]
revocation_entries = 5000
`

func ptr[T any](v T) *T { return &v }

var expectedConfig = &Config{
	Log: LogConfig{Level: ptr("debug"), Source: ptr(true)},
	RequestCache: RequestCacheConfig{
		MaxAge: ptr("90s"), MaxSize: ptr(250), Strategy: ptr("LFU"),
	},
	Storage: StorageConfig{
		EvictionRatio:   ptr(0.25),
		LocalQuotaBytes: ptr(int64(5 << 20)),
		Postgres:        PostgresConfig{DSN: ptr("postgres://crm@localhost/crm")},
	},
	CRM: CRMConfig{RevocationEntries: ptr(uint(5000))},
}

func TestParse(t *testing.T) {
	for _, testCase := range []struct {
		format string
		data   string
	}{
		{format: ".yaml", data: yamlConfig},
		{format: ".YML", data: yamlConfig},
		{format: ".toml", data: tomlConfig},
	} {
		t.Run(testCase.format, func(t *testing.T) {
			conf, err := Parse(testCase.format, []byte(testCase.data))
			require.NoError(t, err)
			if diff := cmp.Diff(expectedConfig, conf); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(".txtpb", []byte("log {}"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Parse(".yaml", []byte("log:\n  colour: red\n"))
	assert.Error(t, err, "Unknown yaml entries must be rejected")

	_, err = Parse(".toml", []byte("[log]\ncolour = \"red\"\n"))
	assert.Error(t, err, "Unknown toml entries must be rejected")

	conf, err := Parse(".yaml", nil)
	require.NoError(t, err, "An empty file is a valid config")
	assert.Equal(t, &Config{}, conf)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiercache.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlConfig), 0o600))
	conf, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "LFU", *conf.RequestCache.Strategy)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSetConfigFlags(t *testing.T) {
	// Register cleanups restoring the log flags.
	utils.SetTestFlags(t, map[string]string{
		"log_level":        flag.Lookup("log_level").Value.String(),
		"log_source":       flag.Lookup("log_source").Value.String(),
		"log_handler_type": "json",
	})

	conf := &Config{Log: LogConfig{Level: ptr("warn"), Source: ptr(true), HandlerType: ptr("text")}}
	require.NoError(t, setConfigFlags(conf, map[string]bool{"log_handler_type": true}))
	assert.Equal(t, "warn", flag.Lookup("log_level").Value.String())
	assert.Equal(t, "true", flag.Lookup("log_source").Value.String())
	assert.Equal(t, "json", flag.Lookup("log_handler_type").Value.String(), "Explicit flags win over the file")

	// Flags of packages this binary doesn't link are ignored.
	require.NoError(t, setConfigFlags(&Config{CRM: CRMConfig{SessionTTL: ptr("1h")}}, nil))

	type notPointer struct {
		Level string `flag:"log_level"`
	}
	assert.Error(t, collectAndRegisterFlags(map[string]string{}, reflect.ValueOf(notPointer{Level: "info"})))
}

func TestGetDefinedFlags(t *testing.T) {
	definedFlags, err := getDefinedFlags(reflect.TypeFor[Config]())
	require.NoError(t, err)
	assert.Contains(t, definedFlags, "postgres_dsn", "Nested structs are walked")
	assert.Contains(t, definedFlags, "request_cache_strategy")
	assert.NotContains(t, definedFlags, "config_file")

	type duplicated struct {
		A *string `flag:"log_level"`
		B struct {
			C *string `flag:"log_level"`
		}
	}
	_, err = getDefinedFlags(reflect.TypeFor[duplicated]())
	assert.Error(t, err)
}

func TestCollectUnregisteredFlags(t *testing.T) {
	assert.Empty(t, CollectUnregisteredFlags())
}
