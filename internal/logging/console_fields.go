package logging

import (
	"log/slog"
	"strings"
)

type infoField struct {
	label string
	value string
}

const infoAttrLimit = 8

var infoHighlightKeys = []string{
	FieldAlert,
	FieldEventType,
	FieldBundleKey,
	"status",
	"unit_id",
	"work_title",
	"host",
	FieldProgressPercent,
	"downloaded_bytes",
	"expected_bytes",
	"parts",
	"bundle_size",
	"retry_count",
	"next_retry_at",
	"file_path",
	"converted_path",
	"command",
	"error_message",
	FieldErrorKind,
	FieldErrorHint,
	"reason",
	"duration",
}

// selectInfoFields returns formatted info-level fields and a count of hidden entries.
// limit=0 means no limit. includeDebug controls whether debug-only keys are allowed.
func selectInfoFields(attrs []kv, limit int, includeDebug bool) ([]infoField, int) {
	if len(attrs) == 0 {
		return nil, 0
	}
	if limit < 0 {
		limit = 0
	}
	used := make([]bool, len(attrs))
	result := make([]infoField, 0, infoAttrLimit)
	hidden := 0

	consider := func(idx int) {
		attr := attrs[idx]
		used[idx] = true
		if skipInfoKey(attr.key) {
			return
		}
		if !includeDebug && isDebugOnlyKey(attr.key) {
			hidden++
			return
		}
		val := formatValueForKey(attr.key, attr.value)
		if !includeDebug && len(val) > 160 && !isErrorKey(attr.key) {
			hidden++
			return
		}
		if limit > 0 && len(result) >= limit {
			hidden++
			return
		}
		result = append(result, infoField{label: displayLabel(attr.key), value: val})
	}

	for _, key := range infoHighlightKeys {
		for idx, attr := range attrs {
			if !used[idx] && attr.key == key {
				consider(idx)
				break
			}
		}
	}
	for idx := range attrs {
		if !used[idx] {
			consider(idx)
		}
	}
	return result, hidden
}

// formatValueForKey applies byte, duration and percent formatting based on the key name.
func formatValueForKey(key string, v slog.Value) string {
	v = v.Resolve()

	if isByteSizeKey(key) {
		switch v.Kind() {
		case slog.KindInt64:
			return formatBytes(v.Int64())
		case slog.KindUint64:
			return formatBytes(int64(v.Uint64()))
		}
	}
	if v.Kind() == slog.KindDuration {
		return formatDurationHuman(v.Duration())
	}
	if isPercentKey(key) && v.Kind() == slog.KindFloat64 {
		return formatPercent(v.Float64())
	}
	if v.Kind() == slog.KindBool {
		if v.Bool() {
			return "yes"
		}
		return "no"
	}

	value := formatValue(v)
	if isErrorKey(key) {
		value = truncateErrorValue(value)
	}
	return value
}

func isByteSizeKey(key string) bool {
	return strings.HasSuffix(key, "_bytes") || key == "size"
}

func isPercentKey(key string) bool {
	return strings.HasSuffix(key, "_percent") || key == FieldProgressPercent
}

func isErrorKey(key string) bool {
	return key == "error" || key == "error_message" || key == "reason"
}

func truncateErrorValue(value string) string {
	value = strings.TrimSpace(value)
	const maxLen = 200
	if len(value) > maxLen {
		value = value[:maxLen] + "…"
	}
	return value
}

func skipInfoKey(key string) bool {
	switch key {
	case "", FieldJobID, FieldStage, FieldComponent:
		return true
	default:
		return false
	}
}

func isDebugOnlyKey(key string) bool {
	switch key {
	case FieldCorrelationID, "direct_url", "source_url", "backup_urls", "token_file", "args":
		return true
	}
	return strings.HasSuffix(key, "_dir")
}

func displayLabel(key string) string {
	switch key {
	case FieldAlert:
		return "Alert"
	case FieldEventType:
		return "Event"
	case FieldBundleKey:
		return "Bundle"
	case FieldErrorKind:
		return "Error Kind"
	case FieldErrorHint:
		return "Hint"
	case FieldProgressPercent:
		return "Progress"
	case "unit_id":
		return "Unit"
	case "work_title":
		return "Work"
	case "downloaded_bytes":
		return "Downloaded"
	case "expected_bytes":
		return "Expected"
	case "bundle_size":
		return "Bundle Size"
	case "retry_count":
		return "Retries"
	case "next_retry_at":
		return "Next Retry"
	case "file_path":
		return "File"
	case "converted_path":
		return "Converted"
	default:
		return titleizeKey(key)
	}
}

func titleizeKey(key string) string {
	if key == "" {
		return ""
	}
	parts := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	for i, part := range parts {
		parts[i] = capitalizeASCII(part)
	}
	return strings.Join(parts, " ")
}

func capitalizeASCII(value string) string {
	switch len(value) {
	case 0:
		return ""
	case 1:
		return strings.ToUpper(value)
	default:
		lower := strings.ToLower(value)
		return strings.ToUpper(lower[:1]) + lower[1:]
	}
}

// infoSummaryKey groups repeated info fields per job, falling back to the
// bundle and then the component so unrelated entries never suppress each other.
func infoSummaryKey(component, jobID string, attrs []kv) string {
	if jobID = strings.TrimSpace(jobID); jobID != "" {
		return "job:" + jobID
	}
	if bundle := attrValue(attrs, FieldBundleKey); bundle != "" {
		return "bundle:" + bundle
	}
	return component
}

func attrValue(attrs []kv, key string) string {
	for _, kv := range attrs {
		if kv.key == key {
			return attrString(kv.value)
		}
	}
	return ""
}
