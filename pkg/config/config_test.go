package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "ntlm", cfg.Auth)
	assert.Equal(t, []string{"3128"}, cfg.Listen)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, int64(DefaultBodyBuffer), cfg.BodyBufferLimit)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cntlm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
username: alice
domain: CORP
auth: ntlmv2
password: secret
proxy:
  - proxy1.corp:3128
  - proxy2.corp:8080
no_proxy:
  - "*.local"
listen:
  - "3128"
socks5_proxy:
  - "1080"
tunnel:
  - "2525:mail.corp:25"
socks5_users:
  - "alice:s3cret"
header:
  - "X-Forwarded-For: 10.0.0.1"
connect_timeout: 5s
read_timeout: 30s
logging:
  level: DEBUG
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "CORP", cfg.Domain)
	assert.Equal(t, "ntlmv2", cfg.Auth)
	assert.Equal(t, []string{"proxy1.corp:3128", "proxy2.corp:8080"}, cfg.Proxy)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, map[string]string{"alice": "s3cret"}, cfg.SOCKS5UserTable())

	subs := cfg.HeaderSubs()
	require.Len(t, subs, 1)
	assert.Equal(t, [2]string{"X-Forwarded-For", "10.0.0.1"}, subs[0])
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Auth = "bogus"
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Header = []string{"NoColonHere"}
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.SOCKS5Users = []string{"nocolon"}
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Flags = "0xZZ"
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Auth = "ntlmv2"
	assert.Error(t, cfg.Validate(), "ntlmv2 without user and domain")
}

func TestParseFlags(t *testing.T) {
	n, err := ParseFlags("0xa208b205")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xa208b205), n)

	n, err = ParseFlags("1234")
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), n)

	_, err = ParseFlags("nope")
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Password = "hunter2"

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2", "secrets never land in dumps")
	assert.Contains(t, out, "auth: ntlm")
}
