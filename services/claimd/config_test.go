package claimd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"claimengine/native/claims"
)

const yamlConfig = `
listen: ":9000"
chain_id: 187
engine: "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
owner: "0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a"
signer: "0x1111111111111111111111111111111111111111"
unit_step: 10
conversions:
  USDT:
    ratio: 5000000
    scale: 1000000
storage:
  backend: bolt
  path: /var/lib/claimd/state.db
admin:
  jwt_secret_env: CLAIMD_TEST_SECRET
custody:
  native_balance: "1000"
  tokens:
    - symbol: USDC
      address: "0xc1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1"
      decimals: 6
      balance: "500"
telemetry:
  endpoint: "http://otel-collector:4318"
  traces: true
  sample_ratio: 0.2
  metric_interval: 30s
shutdown_timeout: 3s
`

const tomlConfig = `
chain_id = 1
engine = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
owner = "0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a"
signer = "0x1111111111111111111111111111111111111111"
drop_asset = "USDT"
shutdown_timeout = "1m"

[assets]
USDT = "0xc2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2"

[admin]
jwt_secret_file = "SECRET_PATH"

[journal]
dsn = "sqlite:claims.db"
`

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	t.Setenv("CLAIMD_TEST_SECRET", strings.Repeat("k", 32))
	cfg, err := LoadConfig(writeConfig(t, "claimd.yaml", yamlConfig))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, strings.Repeat("k", 32), cfg.Admin.JWTSecret)
	require.Equal(t, 3*time.Second, cfg.ShutdownTimeout.Duration)
	require.Equal(t, "0xc1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1", cfg.Assets["USDC"], "custody token should register its asset")

	engineCfg, err := cfg.EngineConfig()
	require.NoError(t, err)
	require.Equal(t, uint64(187), engineCfg.ChainID)
	require.Equal(t, uint64(10), engineCfg.Conversions.UnitStep)
	require.Equal(t, claims.Conversion{Ratio: 5_000_000, Scale: 1_000_000}, engineCfg.Conversions.Rates[claims.AssetUSDT])
	require.Equal(t, claims.AssetUSDC, engineCfg.DropAsset)
	require.Contains(t, engineCfg.Assets, claims.AssetUSDC)
}

func TestLoadConfigTOML(t *testing.T) {
	secretPath := writeConfig(t, "secret", strings.Repeat("z", 40)+"\n")
	path := writeConfig(t, "claimd.toml", strings.ReplaceAll(tomlConfig, "SECRET_PATH", filepath.ToSlash(secretPath)))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("z", 40), cfg.Admin.JWTSecret)
	require.Equal(t, time.Minute, cfg.ShutdownTimeout.Duration)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "sqlite:claims.db", cfg.Journal.DSN)

	engineCfg, err := cfg.EngineConfig()
	require.NoError(t, err)
	require.Equal(t, claims.AssetUSDT, engineCfg.DropAsset)
	require.Equal(t, [20]byte{0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2, 0xc2}, engineCfg.Assets[claims.AssetUSDT])
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("CLAIMD_TEST_SECRET", strings.Repeat("k", 32))
	cases := map[string]string{
		"missing chain":   strings.Replace(yamlConfig, "chain_id: 187", "chain_id: 0", 1),
		"bad owner":       strings.Replace(yamlConfig, "0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a", "0x0a", 1),
		"short secret":    strings.Replace(yamlConfig, "jwt_secret_env: CLAIMD_TEST_SECRET", `jwt_secret: "short"`, 1),
		"unknown backend": strings.Replace(yamlConfig, "backend: bolt", "backend: redis", 1),
		"native rate":     strings.Replace(yamlConfig, "  USDT:", "  NATIVE:", 1),
		"unknown field":   yamlConfig + "\nsurprise: true\n",
		"bad balance":     strings.Replace(yamlConfig, `native_balance: "1000"`, `native_balance: "-1"`, 1),
		"sample ratio":    strings.Replace(yamlConfig, "sample_ratio: 0.2", "sample_ratio: 1.5", 1),
	}
	for name, contents := range cases {
		_, err := LoadConfig(writeConfig(t, "claimd.yaml", contents))
		require.Error(t, err, name)
	}

	t.Setenv("CLAIMD_TEST_SECRET", "")
	_, err := LoadConfig(writeConfig(t, "claimd.yaml", yamlConfig))
	require.ErrorContains(t, err, "jwt_secret_env")
}

func TestTelemetryConfigDescribesDeployment(t *testing.T) {
	t.Setenv("CLAIMD_TEST_SECRET", strings.Repeat("k", 32))
	cfg, err := LoadConfig(writeConfig(t, "claimd.yaml", yamlConfig))
	require.NoError(t, err)

	out := telemetryConfig(cfg, "staging", cfg.Telemetry.Endpoint, map[string]string{"x-team": "claims"})
	require.Equal(t, "claimd", out.ServiceName)
	require.Equal(t, "staging", out.Environment)
	require.Equal(t, "http://otel-collector:4318", out.Endpoint)
	require.True(t, out.Traces)
	require.False(t, out.Metrics)
	require.InDelta(t, 0.2, out.SampleRatio, 1e-9)
	require.Equal(t, 30*time.Second, out.MetricInterval)
	require.Equal(t, "187", out.Attributes["chain_id"])
	require.Equal(t, "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", out.Attributes["engine"])
	require.Equal(t, "bolt", out.Attributes["storage"])
	require.Equal(t, "claims", out.Headers["x-team"])
}
