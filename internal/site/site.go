package site

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/sitedeploy/pkg/api"
)

// Entry is one item of a remote directory listing.
type Entry struct {
	Name  string    `json:"name"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
	Mime  string    `json:"mime"`
	Path  string    `json:"path"`
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Mime == "inode/directory" }

// Client is the capability set of a remote site's control plane.
//
// Paths are slash separated and rooted at the site home, e.g. "/site/wwwroot".
// ListDir and GetFileContent report absence through their bool result, never
// through an error.
type Client interface {
	ListDir(ctx context.Context, path string) ([]Entry, bool, error)
	CreatePath(ctx context.Context, path string) error
	UploadFile(ctx context.Context, path, fileName, localFilePath string) error
	GetFileContent(ctx context.Context, path, fileName string) (string, bool, error)
	DeleteFile(ctx context.Context, path, fileName string) error
	ExtractZip(ctx context.Context, archivePath, destPath string) error
	RunCommand(ctx context.Context, dir, command string) error
	RecordDeploymentHistory(ctx context.Context, record api.HistoryRecord) error
}

// CommandEndpoint is the endpoint name carried by command timeouts.
const CommandEndpoint = "/api/command"

// TimeoutError is returned when a control-plane endpoint gave up waiting on
// the remote side. For the command endpoint the command keeps running
// remotely.
type TimeoutError struct {
	Endpoint string
	Err      error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request timeout: %s: %v", e.Endpoint, e.Err)
	}
	return "request timeout: " + e.Endpoint
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsCommandTimeout reports whether err is a timeout of the command endpoint.
func IsCommandTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te) && te.Endpoint == CommandEndpoint
}

// StatusError is a non-success answer from the control plane.
type StatusError struct {
	StatusCode    int
	StatusMessage string
	Body          string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%d - %s: %s", e.StatusCode, e.StatusMessage, e.Body)
	}
	return fmt.Sprintf("%d - %s", e.StatusCode, e.StatusMessage)
}
