package agent

import "time"

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
}

// errorResponse matches the error body shape of the control plane.
type errorResponse struct {
	Message string `json:"Message"`
}
