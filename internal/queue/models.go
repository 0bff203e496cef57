package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a download job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusConverting  Status = "converting"
	StatusConverted   Status = "converted"
	StatusSent        Status = "sent"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusDownloaded,
	StatusConverting,
	StatusConverted,
	StatusSent,
	StatusError,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var (
	activeStatuses      = []Status{StatusPending, StatusDownloading}
	cancellableStatuses = activeStatuses
	fileStatuses        = []Status{StatusDownloaded, StatusConverted, StatusSent, StatusError}
	sendableStatuses    = []Status{StatusConverted, StatusSent, StatusError}
	clearableStatuses   = []Status{StatusCancelled, StatusSent, StatusError}
)

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsActive reports whether the status holds a unit against re-enqueueing.
func (s Status) IsActive() bool {
	return statusIn(s, activeStatuses)
}

// IsClearable reports whether jobs in this status may be removed by ClearQueue.
func (s Status) IsClearable() bool {
	return statusIn(s, clearableStatuses)
}

func statusIn(status Status, set []Status) bool {
	for _, candidate := range set {
		if candidate == status {
			return true
		}
	}
	return false
}

// ContentType classifies the kind of publication a unit belongs to.
type ContentType string

const (
	ContentManga ContentType = "manga"
	ContentComic ContentType = "comic"
	ContentBook  ContentType = "book"
)

// ParseContentType normalizes a content type, defaulting to manga when empty.
func ParseContentType(value string) (ContentType, bool) {
	switch ContentType(strings.ToLower(strings.TrimSpace(value))) {
	case "", ContentManga:
		return ContentManga, true
	case ContentComic:
		return ContentComic, true
	case ContentBook:
		return ContentBook, true
	default:
		return "", false
	}
}

// Unit is the catalog entry (volume or chapter) a job downloads.
type Unit struct {
	ID          string
	WorkID      string
	WorkTitle   string
	Number      float64
	Title       string
	ContentType ContentType
	SourceURL   string
	HostHint    string
	BackupURLs  []string
	Priority    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Job is a single download unit of work persisted in SQLite.
type Job struct {
	ID              int64
	UnitID          string
	WorkID          string
	WorkTitle       string
	UnitNumber      float64
	ContentType     ContentType
	Status          Status
	SourceURL       string
	Host            string
	BackupURLs      []string
	DirectURL       string
	FileName        string
	ExpectedBytes   int64
	PartIndex       int
	TotalParts      int
	BundleKey       string
	Progress        int
	DownloadedBytes int64
	RetryCount      int
	ErrorKind       string
	ErrorMessage    string
	NextRetryAt     *time.Time
	FilePath        string
	ConvertedPath   string
	Priority        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	SentAt          *time.Time
	LastHeartbeat   *time.Time
}

// InBundle reports whether the job shares its lifecycle with siblings.
func (j *Job) InBundle() bool {
	return j != nil && j.BundleKey != ""
}

// ConvertedPaths splits the converted path into the individual output files.
func (j *Job) ConvertedPaths() []string {
	return SplitConvertedPaths(j.ConvertedPath)
}

// ConvertedPathSeparator joins multiple converter outputs in converted_path.
const ConvertedPathSeparator = "|"

// SplitConvertedPaths splits a stored converted_path into its entries.
func SplitConvertedPaths(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ConvertedPathSeparator)
	out := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Part is one resolved download descriptor assigned to a job when dispatch
// moves it to downloading.
type Part struct {
	// UnitID links the part to an existing pending job for that unit instead
	// of creating a new sibling. Empty means the part belongs to the
	// dispatched job's unit.
	UnitID        string
	DirectURL     string
	FileName      string
	ExpectedBytes int64
	PartIndex     int
	TotalParts    int
}

// Failure describes a failed job or bundle.
type Failure struct {
	Kind    string
	Message string
	// RetryAt, when set, receives the new retry count and returns the
	// automatic retry time, or nil when the bundle is not eligible.
	RetryAt func(retryCount int) *time.Time
}

// EnqueueResult reports the outcome of an enqueue request.
type EnqueueResult struct {
	Enqueued []int64
	Skipped  []string
	Unknown  []string
}

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	Cancelled  bool
	BundleSize int
}

// ListFilter selects and paginates jobs.
type ListFilter struct {
	Statuses []Status
	Offset   int
	Limit    int
}

// Stats counts jobs per status.
type Stats struct {
	Counts map[Status]int
	Total  int
}

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	IntegrityCheck   bool
	TotalJobs        int
	TotalUnits       int
	Error            string
}
