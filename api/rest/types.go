package rest

import (
	"time"

	"yqhp/dispatch-engine/pkg/types"
)

// ErrorResponse is the uniform error body for every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse answers the liveness probe.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse answers the readiness probe.
type ReadyResponse struct {
	Ready     bool   `json:"ready"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// SubmitJobRequest carries one job submission. Target defaults to all
// minions; Deadline takes a Go duration string ("30s"); Wait blocks the
// request until the job reaches a terminal status and answers with the full
// report instead of the submission summary.
type SubmitJobRequest struct {
	Fun      string                 `json:"fun"`
	Args     []interface{}          `json:"args,omitempty"`
	Kwargs   map[string]interface{} `json:"kwargs,omitempty"`
	Target   *types.TargetSpec      `json:"target,omitempty"`
	Deadline string                 `json:"deadline,omitempty"`
	Wait     bool                   `json:"wait,omitempty"`
}

// JobSubmittedResponse is the async submission answer.
type JobSubmittedResponse struct {
	JID     string   `json:"jid"`
	Status  string   `json:"status"`
	Minions []string `json:"minions"`
}

// ListJobsResponse pages recent jobs, newest first.
type ListJobsResponse struct {
	Jobs  []*types.JobRecord `json:"jobs"`
	Count int                `json:"count"`
}

// MinionView couples registration info with liveness.
type MinionView struct {
	*types.MinionInfo
	State    string    `json:"state"`
	LastSeen time.Time `json:"last_seen"`
}

// MinionsResponse lists the registered fleet.
type MinionsResponse struct {
	Minions []*MinionView `json:"minions"`
	Count   int           `json:"count"`
}

// PingStatusResponse splits the fleet by probe outcome.
type PingStatusResponse struct {
	Up   []string `json:"up"`
	Down []string `json:"down"`
}

// PublishEventRequest injects a custom event onto the bus.
type PublishEventRequest struct {
	Tag  string                 `json:"tag"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// PublishEventResponse confirms the injection.
type PublishEventResponse struct {
	Published bool   `json:"published"`
	Tag       string `json:"tag"`
}
