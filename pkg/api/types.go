package api

// v0 contains public types shared by the CLI, the site clients and the agent.

// DeploymentStatus is the numeric status the control plane stores for a
// deployment history entry.
type DeploymentStatus int

const (
	StatusFailed  DeploymentStatus = 3
	StatusSuccess DeploymentStatus = 4
)

func (s DeploymentStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Deployer is the fixed deployer name written into every history record.
const Deployer = "VSTS"

// HistoryRecord is one deployment history entry as sent to the control plane.
// Message holds the JSON-serialized message map.
type HistoryRecord struct {
	ID       string           `json:"id" yaml:"id"`
	Active   bool             `json:"active" yaml:"active"`
	Status   DeploymentStatus `json:"status" yaml:"status"`
	Message  string           `json:"message" yaml:"message"`
	Author   string           `json:"author" yaml:"author"`
	Deployer string           `json:"deployer" yaml:"deployer"`
	Details  string           `json:"details" yaml:"details"`
}

type ScriptType string

const (
	ScriptInline ScriptType = "Inline Script"
	ScriptFile   ScriptType = "File Path"
)

// CommandResult mirrors the body returned by the remote command endpoint.
type CommandResult struct {
	Output   string `json:"Output"`
	Error    string `json:"Error"`
	ExitCode int    `json:"ExitCode"`
}

// CommandRequest is the body accepted by the remote command endpoint.
type CommandRequest struct {
	Command string `json:"command"`
	Dir     string `json:"dir"`
}
