// Package models holds the shared row types for the tables in spec §3.
package models

import (
	"encoding/json"
	"time"
)

// RepoType enumerates the supported source-control backends.
type RepoType string

const (
	RepoTypeGit RepoType = "git"
	RepoTypeSVN RepoType = "svn"
)

// Repo is a row in the repos table.
type Repo struct {
	RepoID         int64     `db:"repo_id"`
	RepoType       RepoType  `db:"repo_type"`
	URL            string    `db:"url"`
	ProjectKey     string    `db:"project_key"`
	DefaultBranch  string    `db:"default_branch"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// JobType enumerates the closed job taxonomy.
type JobType string

const (
	JobTypeGitLabCommits JobType = "gitlab_commits"
	JobTypeGitLabMRs     JobType = "gitlab_mrs"
	JobTypeGitLabReviews JobType = "gitlab_reviews"
	JobTypeSVN           JobType = "svn"
)

// JobMode distinguishes an incremental job from a backfill chunk.
type JobMode string

const (
	ModeIncremental JobMode = "incremental"
	ModeBackfill    JobMode = "backfill"
)

// JobStatus is the sync_jobs lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

// BackfillPayload carries the window descriptor and chunk metadata embedded
// in sync_jobs.payload_json for backfill jobs (spec §3, §4.K).
type BackfillPayload struct {
	WindowType         string     `json:"window_type"` // time | revision
	Since              *time.Time `json:"since,omitempty"`
	Until              *time.Time `json:"until,omitempty"`
	StartRev           *int64     `json:"start_rev,omitempty"`
	EndRev             *int64     `json:"end_rev,omitempty"`
	ChunkIndex         int        `json:"chunk_index"`
	ChunkTotal         int        `json:"chunk_total"`
	UpdateWatermark    bool       `json:"update_watermark"`
	WatermarkConstraint string    `json:"watermark_constraint,omitempty"`
	GitLabInstance     string     `json:"gitlab_instance,omitempty"`
	TenantID           string     `json:"tenant_id,omitempty"`
}

// Job is a row in sync_jobs.
type Job struct {
	JobID        string          `db:"job_id"`
	RepoID       int64           `db:"repo_id"`
	JobType      JobType         `db:"job_type"`
	Mode         JobMode         `db:"mode"`
	Priority     int             `db:"priority"`
	Status       JobStatus       `db:"status"`
	Attempts     int             `db:"attempts"`
	MaxAttempts  int             `db:"max_attempts"`
	NotBefore    time.Time       `db:"not_before"`
	LockedBy     *string         `db:"locked_by"`
	LockedAt     *time.Time      `db:"locked_at"`
	LeaseSeconds int             `db:"lease_seconds"`
	LastError    *string         `db:"last_error"`
	LastRunID    *string         `db:"last_run_id"`
	PayloadJSON  json.RawMessage `db:"payload_json"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// Payload decodes PayloadJSON into a BackfillPayload. For incremental jobs
// most fields are zero-valued.
func (j *Job) Payload() (BackfillPayload, error) {
	var p BackfillPayload
	if len(j.PayloadJSON) == 0 {
		return p, nil
	}
	err := json.Unmarshal(j.PayloadJSON, &p)
	return p, err
}

// RunStatus is the sync_runs lifecycle state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunNoData    RunStatus = "no_data"
)

// Run is a row in sync_runs.
type Run struct {
	RunID             string          `db:"run_id"`
	RepoID            int64           `db:"repo_id"`
	JobType           JobType         `db:"job_type"`
	Mode              JobMode         `db:"mode"`
	StartedAt         time.Time       `db:"started_at"`
	FinishedAt        *time.Time      `db:"finished_at"`
	CursorBefore      json.RawMessage `db:"cursor_before"`
	CursorAfter       json.RawMessage `db:"cursor_after"`
	Counts            json.RawMessage `db:"counts"`
	ErrorSummaryJSON  json.RawMessage `db:"error_summary_json"`
	DegradationJSON   json.RawMessage `db:"degradation_json"`
	Status            RunStatus       `db:"status"`
}

// MaterializeStatus enumerates patch_blobs.meta_json.materialize_status.
type MaterializeStatus string

const (
	MaterializePending    MaterializeStatus = "pending"
	MaterializeInProgress MaterializeStatus = "in_progress"
	MaterializeDone       MaterializeStatus = "done"
	MaterializeFailed     MaterializeStatus = "failed"
)

// BlobFormat enumerates patch_blobs.format.
type BlobFormat string

const (
	FormatDiff      BlobFormat = "diff"
	FormatDiffstat  BlobFormat = "diffstat"
	FormatMinistat  BlobFormat = "ministat"
)

// BlobMeta is the typed view of patch_blobs.meta_json.
type BlobMeta struct {
	MaterializeStatus MaterializeStatus `json:"materialize_status"`
	Attempts          int               `json:"attempts"`
	MaxAttempts       int               `json:"max_attempts"`
	LastError         string            `json:"last_error,omitempty"`
	ErrorCategory     string            `json:"error_category,omitempty"`
	LastEndpoint      string            `json:"last_endpoint,omitempty"`
	LastStatusCode    int               `json:"last_status_code,omitempty"`
	MaterializedAt    *time.Time        `json:"materialized_at,omitempty"`
	LastAttemptAt     *time.Time        `json:"last_attempt_at,omitempty"`
	EvidenceURI       string            `json:"evidence_uri,omitempty"`
	MirrorURI         string            `json:"mirror_uri,omitempty"`
	ActualSHA256      string            `json:"actual_sha256,omitempty"`
	MirroredAt        *time.Time        `json:"mirrored_at,omitempty"`
	Stats             json.RawMessage   `json:"stats,omitempty"`
	ChangedPaths      json.RawMessage   `json:"changed_paths,omitempty"`
}

// PatchBlob is a row in patch_blobs.
type PatchBlob struct {
	BlobID       int64      `db:"blob_id"`
	SourceType   string     `db:"source_type"`
	SourceID     string     `db:"source_id"`
	SHA256       string     `db:"sha256"`
	SizeBytes    int64      `db:"size_bytes"`
	Format       BlobFormat `db:"format"`
	URI          *string    `db:"uri"`
	EvidenceURI  *string    `db:"evidence_uri"`
	MetaJSON     []byte     `db:"meta_json"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// Meta decodes MetaJSON into a BlobMeta.
func (b *PatchBlob) Meta() (BlobMeta, error) {
	var m BlobMeta
	if len(b.MetaJSON) == 0 {
		return m, nil
	}
	err := json.Unmarshal(b.MetaJSON, &m)
	return m, err
}

// SyncLock is a row in sync_locks — the per-(repo, job_type) advisory lock,
// separate from a sync_jobs row's own locked_by/locked_at.
type SyncLock struct {
	LockID       int64     `db:"lock_id"`
	RepoID       int64     `db:"repo_id"`
	JobType      JobType   `db:"job_type"`
	LockedBy     *string   `db:"locked_by"`
	LockedAt     *time.Time `db:"locked_at"`
	LeaseSeconds int       `db:"lease_seconds"`
}

// GitCommit is a row in git_commits. source_id is the derived
// "git:<repo_id>:<sha>" key patch_blobs joins against.
type GitCommit struct {
	RepoID    int64     `db:"repo_id"`
	CommitSHA string    `db:"commit_sha"`
	SourceID  string    `db:"source_id"`
	AuthorRaw string    `db:"author_raw"`
	Message   string    `db:"message"`
	Timestamp *time.Time `db:"timestamp"`
	IsBulk    bool      `db:"is_bulk"`
	IsMerge   bool      `db:"is_merge"`
	MetaJSON  []byte    `db:"meta_json"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SVNRevision is a row in svn_revisions. source_id is the derived
// "svn:<repo_id>:<rev>" key patch_blobs joins against.
type SVNRevision struct {
	RepoID    int64     `db:"repo_id"`
	RevNum    int64     `db:"rev_num"`
	SourceID  string    `db:"source_id"`
	AuthorRaw string    `db:"author_raw"`
	Message   string    `db:"message"`
	Timestamp *time.Time `db:"timestamp"`
	IsBulk    bool      `db:"is_bulk"`
	IsMerge   bool      `db:"is_merge"`
	MetaJSON  []byte    `db:"meta_json"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// MRStatus enumerates mrs.status.
type MRStatus string

const (
	MROpened MRStatus = "opened"
	MRMerged MRStatus = "merged"
	MRClosed MRStatus = "closed"
)

// MR is a row in mrs. MRID is the composite external key
// "<platform>:<project>:<iid>".
type MR struct {
	MRID      string    `db:"mr_id"`
	RepoID    int64     `db:"repo_id"`
	IID       int64     `db:"iid"`
	Status    MRStatus  `db:"status"`
	Author    string    `db:"author"`
	URL       string    `db:"url"`
	MetaJSON  []byte    `db:"meta_json"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ReviewEvent is a row in review_events, append-only, dedup key
// (mr_id, source_event_id).
type ReviewEvent struct {
	EventID       int64     `db:"event_id"`
	MRID          string    `db:"mr_id"`
	SourceEventID string    `db:"source_event_id"`
	Kind          string    `db:"kind"`
	Actor         string    `db:"actor"`
	Timestamp     *time.Time `db:"timestamp"`
	MetaJSON      []byte    `db:"meta_json"`
	CreatedAt     time.Time `db:"created_at"`
}
