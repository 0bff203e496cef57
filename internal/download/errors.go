package download

import (
	"fmt"
	"strings"
)

// ErrorKind classifies download failures.
type ErrorKind string

const (
	KindSizeMismatch     ErrorKind = "SizeMismatch"
	KindConnectionLost   ErrorKind = "ConnectionLost"
	KindTimeout          ErrorKind = "Timeout"
	KindDiskWriteFailure ErrorKind = "DiskWriteFailure"
	KindCorruptArchive   ErrorKind = "CorruptArchive"
)

// DownloadError reports a transient transfer failure. Jobs failing with a
// DownloadError are eligible for automatic retry.
type DownloadError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *DownloadError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DownloadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorKind returns the taxonomy kind persisted on the job.
func (e *DownloadError) ErrorKind() string {
	return string(e.Kind)
}

func newError(kind ErrorKind, err error, format string, args ...any) *DownloadError {
	return &DownloadError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}
