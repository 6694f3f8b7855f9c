// Package kudu talks to a site's control-plane HTTP API.
package kudu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/3cpo-dev/sitedeploy/internal/site"
	"github.com/3cpo-dev/sitedeploy/pkg/api"
)

// Config holds the connection settings of one site.
type Config struct {
	URL            string
	Username       string
	Password       string
	Token          string
	Timeout        time.Duration
	CommandTimeout time.Duration
	Retry          RetryConfig
	// Transport overrides the HTTP transport, e.g. to set a proxy.
	Transport http.RoundTripper
}

// Client implements site.Client over HTTP.
type Client struct {
	base    *url.URL
	cfg     Config
	http    *RetryableHTTPClient
	command *http.Client
}

var _ site.Client = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("kudu url missing; set site.kudu.url")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse kudu url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("kudu url must be http or https: %s", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 230 * time.Second
	}
	if cfg.Retry.BackoffFactor == 0 {
		retries := cfg.Retry.MaxRetries
		cfg.Retry = DefaultRetryConfig()
		cfg.Retry.MaxRetries = retries
	}
	return &Client{
		base:    base,
		cfg:     cfg,
		http:    NewRetryableHTTPClient(&http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport}, cfg.Retry),
		command: &http.Client{Timeout: cfg.CommandTimeout, Transport: cfg.Transport},
	}, nil
}

// endpoint joins the API prefix with a slash path, escaping every segment.
// A trailing slash marks a directory.
func (c *Client) endpoint(prefix, p string, dir bool) string {
	var segs []string
	for _, s := range strings.Split(strings.Trim(p, "/"), "/") {
		if s != "" {
			segs = append(segs, url.PathEscape(s))
		}
	}
	u := c.base.String() + prefix + "/" + strings.Join(segs, "/")
	if dir && len(segs) > 0 {
		u += "/"
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, u string, body []byte) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	return req, nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

// fileRequest streams a local file as the request body.
func (c *Client) fileRequest(ctx context.Context, method, u, localPath string) (*http.Request, func(), error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	req.ContentLength = info.Size()
	req.GetBody = func() (io.ReadCloser, error) { return os.Open(localPath) }
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)
	return req, func() { f.Close() }, nil
}

// do sends req and returns the body of a 2xx answer. A 404 yields found=false
// when allowMissing is set.
func (c *Client) do(req *http.Request, allowMissing bool) (body []byte, found bool, err error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound && allowMissing {
		return nil, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, statusError(resp, body)
	}
	return body, true, nil
}

func statusError(resp *http.Response, body []byte) *site.StatusError {
	msg := gjson.GetBytes(body, "Message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" && !gjson.ValidBytes(body) {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
	}
	return &site.StatusError{
		StatusCode:    resp.StatusCode,
		StatusMessage: http.StatusText(resp.StatusCode),
		Body:          msg,
	}
}

func (c *Client) ListDir(ctx context.Context, dir string) ([]site.Entry, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/api/vfs", dir, true), nil)
	if err != nil {
		return nil, false, err
	}
	body, found, err := c.do(req, true)
	if err != nil || !found {
		return nil, false, err
	}
	var entries []site.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, false, fmt.Errorf("decode listing: %w", err)
	}
	return entries, true, nil
}

func (c *Client) CreatePath(ctx context.Context, dir string) error {
	req, err := c.newRequest(ctx, http.MethodPut, c.endpoint("/api/vfs", dir, true), nil)
	if err != nil {
		return err
	}
	_, _, err = c.do(req, false)
	return err
}

func (c *Client) UploadFile(ctx context.Context, dir, fileName, localFilePath string) error {
	req, done, err := c.fileRequest(ctx, http.MethodPut, c.endpoint("/api/vfs", dir+"/"+fileName, false), localFilePath)
	if err != nil {
		return fmt.Errorf("upload %s: %w", fileName, err)
	}
	defer done()
	req.Header.Set("If-Match", "*")
	if _, _, err := c.do(req, false); err != nil {
		return fmt.Errorf("upload %s: %w", fileName, err)
	}
	log.Debug().Str("file", fileName).Str("dir", dir).Msg("uploaded file")
	return nil
}

func (c *Client) GetFileContent(ctx context.Context, dir, fileName string) (string, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/api/vfs", dir+"/"+fileName, false), nil)
	if err != nil {
		return "", false, err
	}
	body, found, err := c.do(req, true)
	if err != nil || !found {
		return "", false, err
	}
	return string(body), true, nil
}

func (c *Client) DeleteFile(ctx context.Context, dir, fileName string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.endpoint("/api/vfs", dir+"/"+fileName, false), nil)
	if err != nil {
		return err
	}
	req.Header.Set("If-Match", "*")
	if _, _, err := c.do(req, true); err != nil {
		return fmt.Errorf("delete %s: %w", fileName, err)
	}
	return nil
}

func (c *Client) ExtractZip(ctx context.Context, archivePath, destPath string) error {
	req, done, err := c.fileRequest(ctx, http.MethodPut, c.endpoint("/api/zip", destPath, true), archivePath)
	if err != nil {
		return fmt.Errorf("extract zip: %w", err)
	}
	defer done()
	if _, _, err := c.do(req, false); err != nil {
		return fmt.Errorf("extract zip: %w", err)
	}
	return nil
}

// commandDir converts a slash path to the backslash form the command
// endpoint expects, e.g. "/site/wwwroot" to "site\wwwroot".
func commandDir(dir string) string {
	return strings.ReplaceAll(strings.Trim(dir, "/"), "/", `\`)
}

// RunCommand posts command to the command endpoint. It is never retried.
// Gateway timeouts and client-side timeouts become *site.TimeoutError.
func (c *Client) RunCommand(ctx context.Context, dir, command string) error {
	payload, err := json.Marshal(api.CommandRequest{Command: command, Dir: commandDir(dir)})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.base.String()+site.CommandEndpoint, payload)
	if err != nil {
		return err
	}
	log.Debug().Str("command", command).Str("dir", dir).Msg("running remote command")
	resp, err := c.command.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
			return &site.TimeoutError{Endpoint: site.CommandEndpoint, Err: err}
		}
		return fmt.Errorf("run command: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read command response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return &site.TimeoutError{Endpoint: site.CommandEndpoint}
	default:
		return statusError(resp, body)
	}
	var res api.CommandResult
	if err := json.Unmarshal(body, &res); err == nil {
		log.Debug().Int("exit_code", res.ExitCode).Str("output", res.Output).Str("error", res.Error).Msg("remote command finished")
	}
	return nil
}

func (c *Client) RecordDeploymentHistory(ctx context.Context, record api.HistoryRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, c.endpoint("/api/deployments", record.ID, false), payload)
	if err != nil {
		return err
	}
	if _, _, err := c.do(req, false); err != nil {
		return fmt.Errorf("record deployment %s: %w", record.ID, err)
	}
	return nil
}

// ListDeployments returns the history the control plane keeps for the site.
func (c *Client) ListDeployments(ctx context.Context) ([]api.HistoryRecord, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.base.String()+"/api/deployments", nil)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(req, false)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	var out []api.HistoryRecord
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode deployments: %w", err)
	}
	return out, nil
}
