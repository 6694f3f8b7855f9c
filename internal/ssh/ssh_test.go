package ssh

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/sitedeploy/internal/ssh/sshtest"
)

func connect(t *testing.T) *Conn {
	t.Helper()
	dir := t.TempDir()
	_, err := GenerateEd25519Keypair(filepath.Join(dir, "id"), "")
	require.NoError(t, err)
	signer, err := LoadPrivateKeySigner(filepath.Join(dir, "id"))
	require.NoError(t, err)
	srv := sshtest.NewServer(t, signer.PublicKey())

	c := &Client{
		Addr:       srv.Addr,
		User:       "deploy",
		Signer:     signer,
		KnownHosts: xssh.FixedHostKey(srv.HostKey),
		Timeout:    5 * time.Second,
	}
	conn, err := c.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectRequiresHostKeyCallback(t *testing.T) {
	c := &Client{Addr: "127.0.0.1:1"}
	_, err := c.Connect(context.Background())
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	conn := connect(t)
	ctx := context.Background()

	out, _, err := conn.Run(ctx, "echo hello", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	_, _, err = conn.Run(ctx, "echo oops >&2; exit 3", time.Minute)
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.ExitCode)
	assert.Equal(t, "oops\n", ce.Stderr)

	_, _, err = conn.Run(ctx, "sleep 2", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrCommandTimeout)
}

func TestSFTPHelpers(t *testing.T) {
	conn := connect(t)
	root := t.TempDir()

	local := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(local, []byte("alpha"), 0o644))
	require.NoError(t, conn.PushFile(local, root+"/nested/a.txt"))

	data, found, err := conn.ReadFile(root + "/nested/a.txt")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "alpha", string(data))

	_, found, err = conn.ReadFile(root + "/nested/missing.txt")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, conn.WriteFile(root+"/b/c.json", []byte("{}")))
	entries, found, err := conn.ReadDir(root + "/b")
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, entries, 1)
	assert.Equal(t, "c.json", entries[0].Name())

	_, found, err = conn.ReadDir(root + "/none")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, conn.Remove(root+"/b/c.json"))
	require.NoError(t, conn.Remove(root+"/b/c.json"))
}

func TestSFTPWritesAreFlushedOnReturn(t *testing.T) {
	conn := connect(t)
	root := t.TempDir()
	payload := strings.Repeat("x", 256*1024)

	require.NoError(t, conn.WriteFile(root+"/big.txt", []byte(payload)))
	local, err := os.ReadFile(filepath.Join(root, "big.txt"))
	require.NoError(t, err)
	assert.Equal(t, len(payload), len(local))

	src := filepath.Join(t.TempDir(), "src.txt")
	require.NoError(t, os.WriteFile(src, []byte(payload), 0o644))
	require.NoError(t, conn.PushFile(src, root+"/pushed.txt"))
	local, err = os.ReadFile(filepath.Join(root, "pushed.txt"))
	require.NoError(t, err)
	assert.Equal(t, payload, string(local))

	require.NoError(t, conn.Close())
	require.Error(t, conn.WriteFile(root+"/after-close.txt", []byte("x")))
}
