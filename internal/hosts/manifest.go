package hosts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ManifestSuffix marks URLs that point at a multi-part manifest.
const ManifestSuffix = ".parts.json"

// maxManifestBytes bounds how much of a manifest response is read.
const maxManifestBytes = 1 << 20

// manifest is the JSON document served at a ".parts.json" URL.
type manifest struct {
	Parts []manifestPart `json:"parts"`
}

type manifestPart struct {
	URL    string `json:"url"`
	Size   int64  `json:"size"`
	Name   string `json:"name"`
	UnitID string `json:"unit_id"`
}

// ManifestResolver fetches a JSON manifest listing the parts of a split
// upload and returns one descriptor per part.
type ManifestResolver struct {
	Client    *http.Client
	UserAgent string
}

// IsManifestURL reports whether rawURL points at a parts manifest.
func IsManifestURL(rawURL string) bool {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(parsed.Path), ManifestSuffix)
}

// Resolve downloads and decodes the manifest. Relative part URLs are
// resolved against the manifest location.
func (r *ManifestResolver) Resolve(ctx context.Context, src Source) ([]Descriptor, error) {
	host := HostFor(src)
	base, err := url.Parse(strings.TrimSpace(src.URL))
	if err != nil {
		return nil, NewResolverError(KindHostUnsupported, host, "invalid manifest url: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, NewResolverError(KindHostUnsupported, host, "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewResolverError(KindNotFound, host, "fetch manifest: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewResolverError(KindAuthExpired, host, "manifest returned %s", describeStatus(resp))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, NewResolverError(KindNotFound, host, "manifest returned %s", describeStatus(resp))
	}

	var doc manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestBytes)).Decode(&doc); err != nil {
		return nil, NewResolverError(KindNotFound, host, "decode manifest: %v", err)
	}
	if len(doc.Parts) == 0 {
		return nil, NewResolverError(KindNotFound, host, "manifest lists no parts")
	}

	descriptors := make([]Descriptor, 0, len(doc.Parts))
	for i, part := range doc.Parts {
		ref, err := url.Parse(strings.TrimSpace(part.URL))
		if err != nil || part.URL == "" {
			return nil, NewResolverError(KindNotFound, host, "manifest part %d has an invalid url", i+1)
		}
		direct := base.ResolveReference(ref).String()
		name := cleanFileName(part.Name)
		if name == "" {
			name = FileNameFromURL(direct)
		}
		descriptors = append(descriptors, Descriptor{
			DirectURL:  direct,
			SizeBytes:  max(part.Size, 0),
			PartIndex:  i,
			TotalParts: len(doc.Parts),
			FileName:   name,
			UnitID:     strings.TrimSpace(part.UnitID),
		})
	}
	return descriptors, nil
}

// GenericResolver dispatches manifests to ManifestResolver and everything
// else to DirectResolver. It is registered for HostDirect by default.
type GenericResolver struct {
	Direct   *DirectResolver
	Manifest *ManifestResolver
}

// Resolve picks the resolver by URL shape.
func (g GenericResolver) Resolve(ctx context.Context, src Source) ([]Descriptor, error) {
	if IsManifestURL(src.URL) {
		return g.Manifest.Resolve(ctx, src)
	}
	return g.Direct.Resolve(ctx, src)
}
