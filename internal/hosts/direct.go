package hosts

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DirectResolver treats the source URL as the file itself and learns its
// size and name with a HEAD request.
type DirectResolver struct {
	Client    *http.Client
	UserAgent string
}

// NewDirectResolver builds a DirectResolver with the given request timeout.
func NewDirectResolver(timeout time.Duration, userAgent string) *DirectResolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DirectResolver{Client: &http.Client{Timeout: timeout}, UserAgent: userAgent}
}

// Resolve issues a HEAD request. A missing or expired link fails with
// NotFound, a rejected one with AuthExpired. Servers that refuse HEAD or
// fail transiently still produce a descriptor of unknown size so the
// download itself reports the real problem.
func (r *DirectResolver) Resolve(ctx context.Context, src Source) ([]Descriptor, error) {
	host := HostFor(src)
	target := strings.TrimSpace(src.URL)
	if _, err := url.ParseRequestURI(target); err != nil {
		return nil, NewResolverError(KindHostUnsupported, host, "invalid url %q", target)
	}

	descriptor := Descriptor{DirectURL: target, TotalParts: 1, FileName: FileNameFromURL(target)}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return nil, NewResolverError(KindHostUnsupported, host, "build request: %v", err)
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	resp, err := r.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return []Descriptor{descriptor}, nil
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, NewResolverError(KindNotFound, host, "link returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewResolverError(KindAuthExpired, host, "link returned %d", resp.StatusCode)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	default:
		return []Descriptor{descriptor}, nil
	}

	if IsHTMLContentType(resp.Header.Get("Content-Type")) {
		return nil, NewResolverError(KindNotFound, host, "link serves an HTML page instead of a file (expired or requires a browser)")
	}
	if resp.ContentLength > 0 {
		descriptor.SizeBytes = resp.ContentLength
	}
	if name := FileNameFromDisposition(resp.Header.Get("Content-Disposition")); name != "" {
		descriptor.FileName = name
	} else if resp.Request != nil && resp.Request.URL != nil {
		if name := FileNameFromURL(resp.Request.URL.String()); name != "" {
			descriptor.FileName = name
		}
	}
	return []Descriptor{descriptor}, nil
}

func (r *DirectResolver) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

// IsHTMLContentType reports whether a Content-Type header names an HTML page.
func IsHTMLContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "text/html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// FileNameFromDisposition extracts the filename parameter of a
// Content-Disposition header.
func FileNameFromDisposition(header string) string {
	if strings.TrimSpace(header) == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return cleanFileName(params["filename"])
}

// FileNameFromURL returns the last path segment of a URL when it looks like
// a file name.
func FileNameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := cleanFileName(path.Base(parsed.Path))
	if !strings.Contains(name, ".") {
		return ""
	}
	return name
}

func cleanFileName(name string) string {
	name = strings.TrimSpace(name)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	switch name {
	case ".", "/", "..":
		return ""
	}
	return name
}

func describeStatus(resp *http.Response) string {
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
