package ssh

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownHostsAppend(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	pub, err := GenerateEd25519Keypair(filepath.Join(dir, "id_ed25519"), "")
	require.NoError(t, err)
	require.NoError(t, AppendKnownHost(kh, "example.com", pub))

	b, err := os.ReadFile(kh)
	require.NoError(t, err)
	assert.Contains(t, string(b), "example.com ssh-ed25519 ")
}

func TestHostKeyCallback(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	for _, name := range []string{"a", "b"} {
		_, err := GenerateEd25519Keypair(filepath.Join(dir, name), "")
		require.NoError(t, err)
	}
	keyA, err := LoadPrivateKeySigner(filepath.Join(dir, "a"))
	require.NoError(t, err)
	keyB, err := LoadPrivateKeySigner(filepath.Join(dir, "b"))
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 22}

	strict, err := HostKeyCallback(kh, false)
	require.NoError(t, err)
	require.Error(t, strict("10.0.0.5:22", addr, keyA.PublicKey()), "unknown host rejected")

	tofu, err := HostKeyCallback(kh, true)
	require.NoError(t, err)
	require.NoError(t, tofu("10.0.0.5:22", addr, keyA.PublicKey()))
	require.NoError(t, strict("10.0.0.5:22", addr, keyA.PublicKey()), "key recorded on first use")
	require.Error(t, tofu("10.0.0.5:22", addr, keyB.PublicKey()), "changed key rejected")
}
