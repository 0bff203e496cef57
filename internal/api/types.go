package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Error codes carried by ErrorResponse.
const (
	CodeInvalidState = "invalid_state"
	CodeNotReady     = "not_ready"
	CodeNotFound     = "not_found"
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// JobView describes a job in a transport-friendly format.
type JobView struct {
	ID              int64   `json:"id"`
	UnitID          string  `json:"unit_id"`
	WorkID          string  `json:"work_id,omitempty"`
	WorkTitle       string  `json:"work_title"`
	UnitNumber      float64 `json:"unit_number"`
	ContentType     string  `json:"content_type"`
	Status          string  `json:"status"`
	Progress        int     `json:"progress"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	ExpectedBytes   int64   `json:"expected_bytes,omitempty"`
	Host            string  `json:"host,omitempty"`
	SourceURL       string  `json:"source_url"`
	PartIndex       int     `json:"part_index,omitempty"`
	TotalParts      int     `json:"total_parts,omitempty"`
	BundleKey       string  `json:"bundle_key,omitempty"`
	BundleSize      int     `json:"bundle_size"`
	RetryCount      int     `json:"retry_count"`
	ErrorKind       string  `json:"error_kind,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	NextRetryAt     string  `json:"next_retry_at,omitempty"`
	FilePath        string  `json:"file_path,omitempty"`
	ConvertedPath   string  `json:"converted_path,omitempty"`
	Priority        int     `json:"priority"`
	CreatedAt       string  `json:"created_at,omitempty"`
	UpdatedAt       string  `json:"updated_at,omitempty"`
	StartedAt       string  `json:"started_at,omitempty"`
	CompletedAt     string  `json:"completed_at,omitempty"`
	SentAt          string  `json:"sent_at,omitempty"`
}

// QueueSnapshot is a page of jobs.
type QueueSnapshot struct {
	Items  []JobView `json:"items"`
	Total  int       `json:"total"`
	Offset int       `json:"offset"`
	Limit  int       `json:"limit"`
}

// QueueStats counts jobs per status.
type QueueStats struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// WorkflowStatus summarizes the dispatch loop.
type WorkflowStatus struct {
	Running     bool          `json:"running"`
	Inflight    int           `json:"inflight"`
	QueueStats  QueueStats    `json:"queue_stats"`
	LastError   string        `json:"last_error,omitempty"`
	LastJob     *JobView      `json:"last_job,omitempty"`
	StageHealth []StageHealth `json:"stage_health"`
}

// StageHealth mirrors readiness reporting for the converter and deliverer.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DependencyStatus captures availability of an external binary.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information.
type DaemonStatus struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	QueueDBPath  string             `json:"queue_db_path"`
	LockFilePath string             `json:"lock_file_path"`
	APIBind      string             `json:"api_bind"`
	Workflow     WorkflowStatus     `json:"workflow"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// EnqueueRequest asks for jobs to be created for catalog units.
type EnqueueRequest struct {
	UnitIDs []string `json:"unit_ids"`
}

// EnqueueResponse reports what Enqueue did with each unit id.
type EnqueueResponse struct {
	EnqueuedCount int      `json:"enqueued_count"`
	JobIDs        []int64  `json:"job_ids"`
	Skipped       []string `json:"skipped"`
	Unknown       []string `json:"unknown"`
}

// CancelResponse reports a cancel.
type CancelResponse struct {
	Cancelled  bool `json:"cancelled"`
	BundleSize int  `json:"bundle_size"`
}

// StatusResponse carries the status a job moved to.
type StatusResponse struct {
	Status string `json:"status"`
}

// DeleteFileResponse reports a file deletion.
type DeleteFileResponse struct {
	Deleted bool `json:"deleted"`
}

// ResetStuckResponse reports how many downloads were reset.
type ResetStuckResponse struct {
	ResetCount int64 `json:"reset_count"`
}

// ClearRequest names the statuses to clear. Empty means every clearable status.
type ClearRequest struct {
	Statuses []string `json:"statuses"`
}

// ClearResponse reports how many jobs were removed.
type ClearResponse struct {
	Removed int64 `json:"removed"`
}

// UnitInput is a catalog entry supplied by the scheduler.
type UnitInput struct {
	ID          string   `json:"id"`
	WorkID      string   `json:"work_id"`
	WorkTitle   string   `json:"work_title"`
	Number      float64  `json:"number"`
	Title       string   `json:"title,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	SourceURL   string   `json:"source_url"`
	HostHint    string   `json:"host_hint,omitempty"`
	BackupURLs  []string `json:"backup_urls,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

// RegisterUnitsRequest upserts catalog units.
type RegisterUnitsRequest struct {
	Units []UnitInput `json:"units"`
}

// RegisterUnitsResponse reports how many units were written.
type RegisterUnitsResponse struct {
	Registered int `json:"registered"`
}

// ConvertedCallback reports a finished conversion.
type ConvertedCallback struct {
	ConvertedPath string `json:"converted_path"`
}

// FailureCallback reports a failed conversion or delivery.
type FailureCallback struct {
	Reason string `json:"reason"`
}

// SentCallback reports a delivery. SentAt is optional RFC3339.
type SentCallback struct {
	SentAt string `json:"sent_at,omitempty"`
}

// AckResponse acknowledges a callback.
type AckResponse struct {
	OK bool `json:"ok"`
}
