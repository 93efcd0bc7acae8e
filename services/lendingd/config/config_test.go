package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"termlend/native/lending"
	fp "termlend/native/lending/fixedpoint"
)

const adminAddress = "0x00000000000000000000000000000000000000ad"

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "config.yaml", contents)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
markets_file: markets.toml
tls:
  allow_insecure: true
auth:
  api_tokens:
    - token: " token-one "
      account: "0x00000000000000000000000000000000000000a1"
    - token: " "
      account: "0x00000000000000000000000000000000000000a2"
    - token: "token-two"
      account: "`+adminAddress+`"
      admin: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":6000", cfg.ListenAddress)
	require.True(t, cfg.TLS.AllowInsecure)
	require.Len(t, cfg.Auth.APITokens, 2)
	require.Equal(t, "token-one", cfg.Auth.APITokens[0].Token)
	require.Equal(t, filepath.Join(filepath.Dir(path), "markets.toml"), cfg.MarketsFile)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, defaultCheckpoint, cfg.Storage.Checkpoint)
	require.Equal(t, "roles", cfg.Auth.JWT.RoleClaim)
	require.Equal(t, "admin", cfg.Auth.JWT.AdminRole)
	require.EqualValues(t, defaultRatePerMin, cfg.RateLimit.RequestsPerMinute)
}

func TestLoadConfigRequiresAuthenticators(t *testing.T) {
	path := writeConfig(t, `
markets_file: markets.toml
tls:
  cert: "server.crt"
  key: "server.key"
auth: {}
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadConfigValidatesTLS(t *testing.T) {
	path := writeConfig(t, `
markets_file: markets.toml
tls:
  cert: "server.crt"
auth:
  jwt:
    hmac_secret: s3cret
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "tls")
}

func TestLoadConfigValidatesStorageAndArchive(t *testing.T) {
	path := writeConfig(t, `
markets_file: markets.toml
tls: {allow_insecure: true}
auth: {jwt: {hmac_secret: s3cret}}
storage: {backend: bolt}
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "path required")

	path = writeConfig(t, `
markets_file: markets.toml
tls: {allow_insecure: true}
auth: {jwt: {hmac_secret: s3cret}}
archive: {driver: mysql, dsn: x}
`)
	_, err = Load(path)
	require.ErrorContains(t, err, "unknown driver")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(envListen, "127.0.0.1:9000")
	t.Setenv(envStorageBackend, "LevelDB")
	t.Setenv(envStoragePath, "/var/lib/lendingd")
	t.Setenv(envJWTSecret, "from-env")
	t.Setenv(envAllowInsecure, "true")
	path := writeConfig(t, `
markets_file: /etc/lendingd/markets.toml
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, "leveldb", cfg.Storage.Backend)
	require.Equal(t, "/var/lib/lendingd", cfg.Storage.Path)
	require.Equal(t, "from-env", cfg.Auth.JWT.HMACSecret)
	require.Equal(t, "/etc/lendingd/markets.toml", cfg.MarketsFile)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
markets_file: markets.toml
listen_addr: ":1"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMarkets(t *testing.T) {
	path := writeFile(t, t.TempDir(), "markets.toml", `
[auditor]
LiquidatorIncentive = "0.05"

[[market]]
Symbol = "weth"
Price = "2500"
AdjustFactor = "0.8"

[market.params]
ReserveFactor = "0.1"
PenaltyRatePerDay = "0.0864"

[market.params.interest]
Model = "constant"
FixedRate = "0.05"

[[market]]
Symbol = "USDC"
Decimals = 6
Price = "1"
AdjustFactor = "0.9"
`)
	markets, err := LoadMarkets(path)
	require.NoError(t, err)
	require.Equal(t, fp.FromUint64(5e16), markets.Incentive.Liquidator)
	require.Equal(t, fp.FromUint64(1e16), markets.Incentive.Lenders)
	require.Len(t, markets.Markets, 2)

	weth := markets.Markets[0]
	require.Equal(t, "WETH", weth.Symbol)
	require.EqualValues(t, 18, weth.Decimals)
	require.Equal(t, fp.Wad(2500), weth.Price)
	require.Equal(t, fp.FromUint64(1e17), weth.Params.ReserveFactor)
	require.Equal(t, fp.FromUint64(1e12), weth.Params.PenaltyRate)
	require.Equal(t, lending.ConstantRateModel{Fixed: fp.FromUint64(5e16)}, weth.RateModel)

	usdc := markets.Markets[1]
	require.EqualValues(t, 6, usdc.Decimals)
	require.IsType(t, &lending.KinkedRateModel{}, usdc.RateModel)
}

func TestLoadMarketsRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"empty":     ``,
		"duplicate": "[[market]]\nSymbol=\"DAI\"\nPrice=\"1\"\nAdjustFactor=\"0.8\"\n[[market]]\nSymbol=\"dai\"\nPrice=\"1\"\nAdjustFactor=\"0.8\"\n",
		"price":     "[[market]]\nSymbol=\"DAI\"\nPrice=\"one\"\nAdjustFactor=\"0.8\"\n",
		"unknown":   "[[market]]\nSymbol=\"DAI\"\nPrice=\"1\"\nAdjustFactor=\"0.8\"\nCollateral=true\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, name+".toml", contents)
			_, err := LoadMarkets(path)
			require.Error(t, err)
		})
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, "bolt", cfg.Storage.Backend)
	require.Equal(t, "sqlite", cfg.Archive.Driver)
	require.Equal(t, "127.0.0.1:9443", cfg.Health.ListenAddress)
	require.Equal(t, 5*time.Second, cfg.Health.Interval)

	markets, err := LoadMarkets(cfg.MarketsFile)
	require.NoError(t, err)
	require.Len(t, markets.Markets, 2)
	require.Equal(t, "DAI", markets.Markets[0].Symbol)
	require.Equal(t, []string{"DAI", "WETH"}, markets.Symbols())
	require.Equal(t, fp.Wad(2500), markets.Markets[1].Price)
	require.NotNil(t, markets.Markets[1].RateModel)
}
