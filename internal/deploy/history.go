package deploy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/3cpo-dev/sitedeploy/internal/core"
	"github.com/3cpo-dev/sitedeploy/pkg/api"
)

// Message types understood by the control plane's history view.
const (
	TypeDeployment = "Deployment"
	TypeScript     = "Script"
)

// HistoryMessage builds the message map for a history record. Base fields
// come from bc and are omitted when empty; extra keys replace base keys.
func HistoryMessage(bc core.BuildContext, extra map[string]any) map[string]any {
	msg := map[string]any{"type": ""}
	for k, v := range map[string]string{
		"commitId":      bc.CommitID,
		"buildId":       bc.BuildID,
		"releaseId":     bc.ReleaseID,
		"buildNumber":   bc.BuildNumber,
		"releaseName":   bc.ReleaseName,
		"repoProvider":  bc.RepoProvider,
		"repoName":      bc.RepoName,
		"collectionUrl": bc.CollectionURI,
		"teamProject":   bc.TeamProject,
	} {
		if v != "" {
			msg[k] = v
		}
	}
	for k, v := range extra {
		msg[k] = v
	}
	return msg
}

// DetailsURL links the record to the release summary, or the build summary
// when there is no release.
func DetailsURL(bc core.BuildContext) string {
	switch {
	case bc.ReleaseURI != "":
		return bc.CollectionURI + bc.TeamProject +
			"/_apps/hub/ms.vss-releaseManagement-web.hub-explorer?releaseId=" + bc.ReleaseID + "&_a=release-summary"
	case bc.BuildURI != "":
		return bc.CollectionURI + bc.TeamProject + "/_build?buildId=" + bc.BuildID + "&_a=summary"
	default:
		return ""
	}
}

// NewHistoryRecord assembles the record sent for deployment id.
func NewHistoryRecord(bc core.BuildContext, success bool, id string, extra map[string]any) (api.HistoryRecord, error) {
	msg := HistoryMessage(bc, extra)
	body, err := json.Marshal(msg)
	if err != nil {
		return api.HistoryRecord{}, fmt.Errorf("encode history message: %w", err)
	}
	typ, _ := msg["type"].(string)
	status := api.StatusFailed
	if success {
		status = api.StatusSuccess
	}
	return api.HistoryRecord{
		ID:       id,
		Active:   success && strings.EqualFold(typ, TypeDeployment),
		Status:   status,
		Message:  string(body),
		Author:   bc.Author(),
		Deployer: api.Deployer,
		Details:  DetailsURL(bc),
	}, nil
}
