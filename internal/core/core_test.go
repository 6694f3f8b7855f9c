package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/sitedeploy/pkg/api"
)

func mapLookup(m map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("KUDU_PASSWORD", "")
	t.Setenv("KUDU_TOKEN", "")
	t.Setenv("KUDU_USERNAME", "")

	path := filepath.Join(dir, "cfg.yaml")
	content := `site:
  transport: ssh
  linux: true
  ssh:
    host: 10.0.0.5
    home: /srv/site
journal:
  disabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ssh", cfg.Site.Transport)
	assert.True(t, cfg.Site.Linux)
	assert.Equal(t, "10.0.0.5", cfg.Site.SSH.Host)
	assert.Equal(t, "/srv/site", cfg.Site.SSH.Home)
	// Defaults survive for fields the file does not set.
	assert.Equal(t, 22, cfg.Site.SSH.Port)
	assert.Equal(t, "/site/wwwroot", cfg.Site.PhysicalRoot)
	assert.True(t, cfg.Journal.Disabled)
}

func TestLoadConfigMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	// Missing default file falls back to defaults.
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "kudu", cfg.Site.Transport)

	// Missing explicit file is an error.
	_, err = LoadConfig(filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open config")
}

func TestLoadConfigSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("KUDU_PASSWORD", "")
	t.Setenv("KUDU_USERNAME", "")
	t.Setenv("KUDU_TOKEN", "from-env")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sitedeploy"), 0700))
	secrets := "# creds\nKUDU_USERNAME=$site\nexport KUDU_PASSWORD=\"s3cret\"\nKUDU_TOKEN=from-file\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sitedeploy", "secrets.env"), []byte(secrets), 0600))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "$site", cfg.Site.Kudu.Username)
	assert.Equal(t, "s3cret", cfg.Site.Kudu.Password)
	assert.Equal(t, "from-env", cfg.Site.Kudu.Token)
}

func TestWriteConfigDropsSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("KUDU_PASSWORD", "")
	t.Setenv("KUDU_TOKEN", "")
	t.Setenv("KUDU_USERNAME", "")
	cfg := DefaultConfig()
	cfg.Site.Kudu.URL = "https://app.scm.example.net"
	cfg.Site.Kudu.Password = "hunter2"
	path := filepath.Join(dir, "out", "config.yaml")
	require.NoError(t, WriteConfig(path, cfg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")

	back, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://app.scm.example.net", back.Site.Kudu.URL)
}

func TestLoadBuildContext(t *testing.T) {
	bc := LoadBuildContext(mapLookup(map[string]string{
		VarBuildID:           "42",
		VarReleaseID:         "7",
		VarBuildRequestedFor: "dev@example.com",
		VarAgentName:         "agent-1",
		VarAgentTempDir:      "/tmp/agent",
	}))
	assert.Equal(t, "42", bc.BuildID)
	assert.Equal(t, "7", bc.ReleaseID)
	assert.Equal(t, "/tmp/agent", bc.TempDir)
	assert.Equal(t, "dev@example.com", bc.Author())

	empty := LoadBuildContext(mapLookup(nil))
	assert.Equal(t, os.TempDir(), empty.TempDir)
	assert.Empty(t, empty.Author())
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "BUILD_BUILDID", EnvName(VarBuildID))
	assert.Equal(t, "APPSERVICEDEPLOY_RETRYTIMEOUT", EnvName(VarRetryTimeout))
	assert.Equal(t, "SYSTEM_TEAMFOUNDATIONCOLLECTIONURI", EnvName(VarCollectionURI))
}

func TestRetryTimeoutOverride(t *testing.T) {
	vars := map[string]string{}
	override := RetryTimeoutOverride(mapLookup(vars))

	_, ok := override()
	assert.False(t, ok)

	vars[VarRetryTimeout] = "2.5"
	minutes, ok := override()
	require.True(t, ok)
	assert.Equal(t, 2.5, minutes)

	for _, v := range []string{"soon", "-1", "Inf", "+Inf", "NaN"} {
		vars[VarRetryTimeout] = v
		_, ok = override()
		assert.False(t, ok, v)
	}
}

func TestStoreAppendList(t *testing.T) {
	s, err := NewStore(":memory:", "contoso")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Append(ctx, api.HistoryRecord{ID: "a1", Status: api.StatusFailed, Message: "{}", Deployer: api.Deployer}))
	require.NoError(t, s.Append(ctx, api.HistoryRecord{ID: "a2", Active: true, Status: api.StatusSuccess, Message: `{"type":"Deployment"}`, Deployer: api.Deployer}))

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a2", all[0].ID)
	assert.True(t, all[0].Active)
	assert.Equal(t, api.StatusSuccess, all[0].Status)
	assert.Equal(t, "contoso", all[0].Site)
	assert.False(t, all[0].RecordedAt.IsZero())

	one, err := s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "a2", one[0].ID)
}
