package download

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"bindery/internal/hosts"
	"bindery/internal/textutil"
)

// DefaultExtension is used when neither the descriptor nor its URL names one.
const DefaultExtension = ".cbz"

// Target describes the volume a download belongs to. JobID is the bundle's
// primary job; it keeps repeated downloads of one unit on separate paths.
type Target struct {
	JobID       int64
	WorkTitle   string
	ContentType string
	Number      float64
}

// Destination returns
// "<dir>/<Work Title>/<Work Title> - <Kind> <number> [#<job>][.partNN].<ext>".
func Destination(dir string, target Target, d hosts.Descriptor) string {
	folder := textutil.SanitizeFileName(textutil.NormalizeTitle(target.WorkTitle))
	name := textutil.VolumeBaseName(target.WorkTitle, target.ContentType, target.Number)
	if target.JobID > 0 {
		name += fmt.Sprintf(" [#%d]", target.JobID)
	}
	if d.TotalParts > 1 {
		name += fmt.Sprintf(".part%02d", d.PartIndex+1)
	}
	return filepath.Join(dir, folder, name+Extension(d))
}

// Extension picks the file extension for a descriptor from its file name,
// then its URL path, falling back to DefaultExtension.
func Extension(d hosts.Descriptor) string {
	if ext := cleanExtension(path.Ext(d.FileName)); ext != "" {
		return ext
	}
	if name := hosts.FileNameFromURL(d.DirectURL); name != "" {
		if ext := cleanExtension(path.Ext(name)); ext != "" {
			return ext
		}
	}
	return DefaultExtension
}

func cleanExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	switch ext {
	case ".html", ".htm", ".php", ".json":
		return ""
	}
	return ext
}
