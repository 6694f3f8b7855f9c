package deploy

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitedeploy/internal/site"
)

const (
	OfflineFileName = "app_offline.htm"
	offlineContent  = "<h1>App Service is offline.</h1>"
)

// OfflineToggle puts a site in and out of maintenance by managing the
// offline sentinel file.
type OfflineToggle struct {
	client  site.Client
	tempDir string
}

func NewOfflineToggle(client site.Client, tempDir string) *OfflineToggle {
	return &OfflineToggle{client: client, tempDir: tempDir}
}

// Set uploads the sentinel into dir when enabled and deletes it otherwise.
func (t *OfflineToggle) Set(ctx context.Context, dir string, enabled bool) error {
	if !enabled {
		log.Debug().Str("dir", dir).Msg("disabling app offline mode")
		if err := t.client.DeleteFile(ctx, dir, OfflineFileName); err != nil {
			return fmt.Errorf("delete offline sentinel: %w", err)
		}
		log.Debug().Msg("app offline mode disabled")
		return nil
	}

	log.Debug().Str("dir", dir).Msg("enabling app offline mode")
	local, err := writeTemp(t.tempDir, "app_offline_temp_*.htm", offlineContent, 0o644)
	if err != nil {
		return fmt.Errorf("write offline sentinel: %w", err)
	}
	defer os.Remove(local)
	if err := t.client.UploadFile(ctx, dir, OfflineFileName, local); err != nil {
		return fmt.Errorf("upload offline sentinel: %w", err)
	}
	log.Debug().Msg("app offline mode enabled")
	return nil
}
