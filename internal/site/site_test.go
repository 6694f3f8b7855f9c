package site

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCommandTimeout(t *testing.T) {
	err := fmt.Errorf("run: %w", &TimeoutError{Endpoint: CommandEndpoint, Err: context.DeadlineExceeded})
	assert.True(t, IsCommandTimeout(err))
	assert.False(t, IsCommandTimeout(&TimeoutError{Endpoint: "/api/zip"}))
	assert.False(t, IsCommandTimeout(errors.New("request timeout: /api/command")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatusErrorFormat(t *testing.T) {
	err := &StatusError{StatusCode: 409, StatusMessage: "Conflict"}
	assert.Equal(t, "409 - Conflict", err.Error())
	err.Body = "busy"
	assert.Equal(t, "409 - Conflict: busy", err.Error())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("ssh", func() (Client, error) { return nil, errors.New("no key") })
	reg.Register("kudu", func() (Client, error) { return nil, nil })

	assert.Equal(t, []string{"kudu", "ssh"}, reg.Names())

	_, err := reg.Open("ftp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport not registered: ftp")

	_, err = reg.Open("ssh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open ssh transport")

	_, err = reg.Open("kudu")
	require.NoError(t, err)
}

func TestEntryIsDir(t *testing.T) {
	assert.True(t, Entry{Mime: "inode/directory"}.IsDir())
	assert.False(t, Entry{Mime: "text/plain"}.IsDir())
}
