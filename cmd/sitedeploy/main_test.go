package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/sitedeploy/internal/agent"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sitedeploy "+version)
}

func TestInit(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	out, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote default config")
	assert.Contains(t, out, "ssh-ed25519 ")

	out, err = execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "config exists")
	assert.Contains(t, out, "deploy key exists")
}

func TestRecordAndHistory(t *testing.T) {
	cfgHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", cfgHome)
	t.Setenv("KUDU_TOKEN", "tok")
	t.Setenv("BUILD_BUILDID", "77")

	ts := httptest.NewServer((&agent.Server{Root: t.TempDir(), Token: "tok", CommandTimeout: time.Second}).Handler())
	t.Cleanup(ts.Close)

	cfgPath := filepath.Join(cfgHome, "site.yaml")
	cfg := fmt.Sprintf("site:\n  transport: kudu\n  kudu:\n    url: %s\njournal:\n  path: %s\n", ts.URL, filepath.Join(cfgHome, "j", "journal.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	out, err := execute(t, "--config", cfgPath, "record", "--id", "77123", "--message", "note=hello")
	require.NoError(t, err)
	assert.Contains(t, out, "recorded 77123")

	out, err = execute(t, "--config", cfgPath, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "77123")

	out, err = execute(t, "--config", cfgPath, "history", "--remote")
	require.NoError(t, err)
	assert.Contains(t, out, "77123")
	assert.Contains(t, out, "hello")
}

func TestRunScriptRejectsUnknownType(t *testing.T) {
	_, err := execute(t, "run-script", "--type", "python")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown script type")
}
