package api

import (
	"fmt"

	"bindery/internal/textutil"
)

// DisplayName renders "<Work Title> - <Kind> <number>" with a part suffix
// for bundle members.
func (v JobView) DisplayName() string {
	title := v.WorkTitle
	if title == "" {
		title = v.UnitID
	}
	name := textutil.VolumeBaseName(title, v.ContentType, v.UnitNumber)
	if v.TotalParts > 1 {
		name += fmt.Sprintf(" (part %d/%d)", v.PartIndex, v.TotalParts)
	}
	return name
}

// ProgressLabel renders progress for table output. Only downloading jobs show
// a percentage; finished downloads show 100%.
func (v JobView) ProgressLabel() string {
	switch v.Status {
	case "downloading":
		return fmt.Sprintf("%d%%", v.Progress)
	case "pending", "cancelled":
		return "-"
	case "error":
		if v.FilePath == "" {
			return fmt.Sprintf("%d%%", v.Progress)
		}
		return "100%"
	default:
		return "100%"
	}
}

// BundleLabel renders the bundle size, or "-" for a lone job.
func (v JobView) BundleLabel() string {
	if v.BundleKey == "" || v.BundleSize <= 1 {
		return "-"
	}
	return fmt.Sprintf("%d jobs", v.BundleSize)
}
