package core

import (
	"math"
	"os"
	"strconv"
	"strings"
)

// BuildContext is the read-only pipeline context a deployment runs under.
// It is captured once, at construction, from pipeline variables.
type BuildContext struct {
	BuildID     string
	BuildNumber string
	BuildURI    string
	ReleaseID   string
	ReleaseName string
	ReleaseURI  string

	CollectionURI string
	TeamProject   string

	CommitID     string
	RepoName     string
	RepoProvider string

	SourceVersionAuthor string
	BuildRequestedFor   string
	ReleaseRequestedFor string
	AgentName           string

	TempDir string
}

// Pipeline variable names, in their dotted form.
const (
	VarBuildID             = "build.buildId"
	VarBuildNumber         = "build.buildNumber"
	VarBuildURI            = "build.buildUri"
	VarReleaseID           = "release.releaseId"
	VarReleaseName         = "release.releaseName"
	VarReleaseURI          = "release.releaseUri"
	VarCollectionURI       = "system.TeamFoundationCollectionUri"
	VarTeamProject         = "system.teamProjectId"
	VarCommitID            = "build.sourceVersion"
	VarRepoName            = "build.repository.name"
	VarRepoProvider        = "build.repository.provider"
	VarSourceVersionAuthor = "build.sourceVersionAuthor"
	VarBuildRequestedFor   = "build.requestedfor"
	VarReleaseRequestedFor = "release.requestedfor"
	VarAgentName           = "agent.name"
	VarAgentTempDir        = "agent.tempDirectory"
	VarRetryTimeout        = "appservicedeploy.retrytimeout"
)

// Lookup resolves a dotted pipeline variable.
type Lookup func(name string) (string, bool)

// EnvLookup maps a dotted variable to its environment form
// (build.buildId -> BUILD_BUILDID) and reads it from the process environment.
func EnvLookup(name string) (string, bool) {
	return os.LookupEnv(EnvName(name))
}

// EnvName returns the environment variable name for a dotted variable.
func EnvName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, ".", "_"))
}

// LoadBuildContext captures the pipeline context using lookup.
func LoadBuildContext(lookup Lookup) BuildContext {
	get := func(name string) string {
		v, _ := lookup(name)
		return v
	}
	bc := BuildContext{
		BuildID:             get(VarBuildID),
		BuildNumber:         get(VarBuildNumber),
		BuildURI:            get(VarBuildURI),
		ReleaseID:           get(VarReleaseID),
		ReleaseName:         get(VarReleaseName),
		ReleaseURI:          get(VarReleaseURI),
		CollectionURI:       get(VarCollectionURI),
		TeamProject:         get(VarTeamProject),
		CommitID:            get(VarCommitID),
		RepoName:            get(VarRepoName),
		RepoProvider:        get(VarRepoProvider),
		SourceVersionAuthor: get(VarSourceVersionAuthor),
		BuildRequestedFor:   get(VarBuildRequestedFor),
		ReleaseRequestedFor: get(VarReleaseRequestedFor),
		AgentName:           get(VarAgentName),
		TempDir:             get(VarAgentTempDir),
	}
	if bc.TempDir == "" {
		bc.TempDir = os.TempDir()
	}
	return bc
}

// Author picks the first known identity of whoever triggered the run.
func (bc BuildContext) Author() string {
	for _, v := range []string{bc.SourceVersionAuthor, bc.BuildRequestedFor, bc.ReleaseRequestedFor, bc.AgentName} {
		if v != "" {
			return v
		}
	}
	return ""
}

// RetryTimeoutOverride returns the operator-provided poll timeout in minutes.
// It is read on every call so operators can tune it between runs.
func RetryTimeoutOverride(lookup Lookup) func() (float64, bool) {
	return func() (float64, bool) {
		v, ok := lookup(VarRetryTimeout)
		if !ok || strings.TrimSpace(v) == "" {
			return 0, false
		}
		minutes, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || minutes < 0 || math.IsNaN(minutes) || math.IsInf(minutes, 0) {
			return 0, false
		}
		return minutes, true
	}
}
