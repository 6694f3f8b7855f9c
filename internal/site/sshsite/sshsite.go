// Package sshsite serves the site control-plane capabilities over SSH and
// SFTP, for hosts without an HTTP control plane.
package sshsite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitedeploy/internal/site"
	gssh "github.com/3cpo-dev/sitedeploy/internal/ssh"
	"github.com/3cpo-dev/sitedeploy/pkg/api"
)

// Config holds the connection settings of one host.
type Config struct {
	SSH gssh.Client
	// Home is the remote directory that site paths are rooted at.
	Home           string
	CommandTimeout time.Duration
}

// Client implements site.Client on top of one lazily opened SSH connection.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *gssh.Conn
}

var _ site.Client = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.SSH.Addr == "" {
		return nil, errors.New("ssh host missing; set site.ssh.host")
	}
	if cfg.Home == "" {
		cfg.Home = "/home"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 230 * time.Second
	}
	return &Client{cfg: cfg}, nil
}

func (c *Client) connect(ctx context.Context) (*gssh.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.cfg.SSH.Connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// Close drops the connection. Commands still running remotely are ended
// by the server.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) remote(p ...string) string {
	return path.Join(append([]string{c.cfg.Home}, p...)...)
}

func (c *Client) ListDir(ctx context.Context, dir string) ([]site.Entry, bool, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, false, err
	}
	infos, found, err := conn.ReadDir(c.remote(dir))
	if err != nil || !found {
		return nil, false, err
	}
	entries := make([]site.Entry, 0, len(infos))
	for _, fi := range infos {
		e := site.Entry{Name: fi.Name(), Size: fi.Size(), MTime: fi.ModTime(), Path: c.remote(dir, fi.Name())}
		if fi.IsDir() {
			e.Mime = "inode/directory"
		}
		entries = append(entries, e)
	}
	return entries, true, nil
}

func (c *Client) CreatePath(ctx context.Context, dir string) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	return conn.MkdirAll(c.remote(dir))
}

func (c *Client) UploadFile(ctx context.Context, dir, fileName, localFilePath string) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := conn.PushFile(localFilePath, c.remote(dir, fileName)); err != nil {
		return fmt.Errorf("upload %s: %w", fileName, err)
	}
	return nil
}

func (c *Client) GetFileContent(ctx context.Context, dir, fileName string) (string, bool, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return "", false, err
	}
	data, found, err := conn.ReadFile(c.remote(dir, fileName))
	return string(data), found, err
}

func (c *Client) DeleteFile(ctx context.Context, dir, fileName string) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	return conn.Remove(c.remote(dir, fileName))
}

// ExtractZip uploads the archive next to the site and unpacks it with the
// host's unzip.
func (c *Client) ExtractZip(ctx context.Context, archivePath, destPath string) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	tmp := c.remote("data", "tmp", "sitedeploy-"+uuid.NewString()+".zip")
	if err := conn.PushFile(archivePath, tmp); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	dest := c.remote(destPath)
	cmd := fmt.Sprintf("mkdir -p %s && unzip -o -q %s -d %s; rc=$?; rm -f %s; exit $rc",
		gssh.ShellQuote(dest), gssh.ShellQuote(tmp), gssh.ShellQuote(dest), gssh.ShellQuote(tmp))
	if _, _, err := conn.Run(ctx, cmd, 0); err != nil {
		return fmt.Errorf("extract zip: %w", err)
	}
	return nil
}

// RunCommand runs command from dir. A command that outlives the configured
// timeout yields a *site.TimeoutError and keeps running. A non-zero exit
// is not an error; callers read the outcome from files the command writes.
func (c *Client) RunCommand(ctx context.Context, dir, command string) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	full := "cd " + gssh.ShellQuote(c.remote(dir)) + " && " + command
	log.Debug().Str("command", command).Str("dir", dir).Msg("running remote command")
	stdout, stderr, err := conn.Run(ctx, full, c.cfg.CommandTimeout)
	var ce *gssh.CommandError
	switch {
	case errors.Is(err, gssh.ErrCommandTimeout):
		return &site.TimeoutError{Endpoint: site.CommandEndpoint, Err: err}
	case errors.As(err, &ce):
		log.Debug().Int("exit_code", ce.ExitCode).Str("stderr", ce.Stderr).Msg("remote command exited non-zero")
		return nil
	case err != nil:
		return err
	}
	log.Debug().Str("output", stdout).Str("error", stderr).Msg("remote command finished")
	return nil
}

func (c *Client) deploymentsDir() string { return c.remote("site", "deployments") }

// RecordDeploymentHistory stores the record as site/deployments/<id>.json.
func (c *Client) RecordDeploymentHistory(ctx context.Context, record api.HistoryRecord) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := conn.WriteFile(path.Join(c.deploymentsDir(), record.ID+".json"), data); err != nil {
		return fmt.Errorf("record deployment %s: %w", record.ID, err)
	}
	return nil
}

// ListDeployments reads every stored record, newest first.
func (c *Client) ListDeployments(ctx context.Context) ([]api.HistoryRecord, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	infos, found, err := conn.ReadDir(c.deploymentsDir())
	if err != nil || !found {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ModTime().After(infos[j].ModTime()) })
	var out []api.HistoryRecord
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".json") {
			continue
		}
		data, ok, err := conn.ReadFile(path.Join(c.deploymentsDir(), fi.Name()))
		if err != nil || !ok {
			continue
		}
		var rec api.HistoryRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Warn().Err(err).Str("file", fi.Name()).Msg("skipping unreadable deployment record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
