// Package jobs runs post-ingest enrichment work on a bounded worker pool.
// Jobs are submitted and observed through a registry guarded by one lock;
// a worker owns its job while it is processing. Terminal jobs persist their
// full state to a result file before the registry may evict them.
package jobs

import "time"

// Status is a job lifecycle state. pending -> processing -> completed or
// failed; pending -> cancelled. Terminal states never transition again.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Options carries per-job settings chosen at submit time.
type Options struct {
	// ArtifactPath points at the parsed JSON artifact the job reads. When
	// empty, FilePath is taken to be an artifact already.
	ArtifactPath string `json:"artifact_path,omitempty"`

	// MinConfidence overrides the configured OCR confidence floor when > 0.
	MinConfidence float64 `json:"min_confidence,omitempty"`

	// RegionTypes restricts enrichment to the named region types when set.
	RegionTypes []string `json:"region_types,omitempty"`
}

// JobState is the observable record of one job. Copies are handed out;
// the registry holds the only mutable instance.
type JobState struct {
	ID          string                 `json:"job_id"`
	FilePath    string                 `json:"file_path"`
	Options     Options                `json:"options"`
	Status      Status                 `json:"status"`
	Progress    float64                `json:"progress"`
	Stage       string                 `json:"current_stage"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
	Result      interface{}            `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}
