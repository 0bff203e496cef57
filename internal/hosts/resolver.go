package hosts

import (
	"context"
	"fmt"
	"strings"
)

// Source is the page a job downloads from.
type Source struct {
	URL      string
	HostHint string
}

// Descriptor is one directly downloadable file. Several descriptors from a
// single resolution form a bundle.
type Descriptor struct {
	DirectURL  string `json:"direct_url"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	PartIndex  int    `json:"part_index"`
	TotalParts int    `json:"total_parts"`
	FileName   string `json:"file_name,omitempty"`
	// UnitID links the part to an existing content unit instead of the
	// unit being dispatched.
	UnitID string `json:"unit_id,omitempty"`
}

// Resolver resolves a source page into direct download descriptors.
type Resolver interface {
	Resolve(ctx context.Context, src Source) ([]Descriptor, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, src Source) ([]Descriptor, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, src Source) ([]Descriptor, error) {
	return f(ctx, src)
}

// ErrorKind classifies resolver failures.
type ErrorKind string

const (
	KindHostUnsupported ErrorKind = "HostUnsupported"
	KindCaptchaRequired ErrorKind = "CaptchaRequired"
	KindAuthExpired     ErrorKind = "AuthExpired"
	KindNotFound        ErrorKind = "NotFound"
)

// ResolverError reports why a host could not produce descriptors. Resolver
// errors are recorded verbatim on the job and never retried automatically.
type ResolverError struct {
	Kind    ErrorKind
	Host    string
	Message string
}

func (e *ResolverError) Error() string {
	if e == nil {
		return ""
	}
	host := strings.TrimSpace(e.Host)
	if host == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", host, e.Message)
}

// ErrorKind returns the taxonomy kind persisted on the job.
func (e *ResolverError) ErrorKind() string {
	return string(e.Kind)
}

// NewResolverError builds a ResolverError with a formatted message.
func NewResolverError(kind ErrorKind, host, format string, args ...any) *ResolverError {
	return &ResolverError{Kind: kind, Host: host, Message: fmt.Sprintf(format, args...)}
}

// normalizeDescriptors fills part numbering when a resolver left it out.
func normalizeDescriptors(descriptors []Descriptor) []Descriptor {
	total := len(descriptors)
	out := make([]Descriptor, 0, total)
	for i, d := range descriptors {
		d.DirectURL = strings.TrimSpace(d.DirectURL)
		if d.TotalParts <= 0 {
			d.TotalParts = total
		}
		if total > 1 && d.PartIndex == 0 && i > 0 {
			d.PartIndex = i
		}
		if d.SizeBytes < 0 {
			d.SizeBytes = 0
		}
		out = append(out, d)
	}
	return out
}
