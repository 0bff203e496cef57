package logging

import (
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const jsonTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Keys holding host or API URLs. Direct links and token endpoints carry
// signed query strings, so only scheme, host and path are logged.
var urlKeys = map[string]struct{}{
	"direct_url": {},
	"source_url": {},
	"url":        {},
	"endpoint":   {},
	"token_url":  {},
}

// newJSONHandler writes one object per record with ts/level/msg keys. Job,
// bundle and stage fields pass through unchanged so entries can be grouped
// by job_id and bundle_key.
func newJSONHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) (slog.Handler, error) {
	opts := slog.HandlerOptions{
		Level:       lvl,
		AddSource:   addSource,
		ReplaceAttr: replaceJSONAttr,
	}
	return slog.NewJSONHandler(w, &opts), nil
}

func replaceJSONAttr(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) == 0 {
		switch attr.Key {
		case slog.TimeKey:
			attr.Key = "ts"
			if attr.Value.Kind() == slog.KindTime {
				attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(jsonTimestampLayout))
			}
			return attr
		case slog.LevelKey:
			attr.Key = "level"
			attr.Value = slog.StringValue(strings.ToLower(attr.Value.String()))
			return attr
		case slog.MessageKey:
			attr.Key = "msg"
			return attr
		case slog.SourceKey:
			if src, ok := attr.Value.Any().(*slog.Source); ok && src != nil {
				attr.Value = slog.StringValue(filepath.Base(src.File) + ":" + strconv.Itoa(src.Line))
			}
			return attr
		}
	}

	switch attr.Value.Kind() {
	case slog.KindDuration:
		attr.Value = slog.StringValue(attr.Value.Duration().Round(time.Millisecond).String())
	case slog.KindString:
		if _, ok := urlKeys[attr.Key]; ok {
			attr.Value = slog.StringValue(redactURL(attr.Value.String()))
		}
	}
	return attr
}

// redactURL drops credentials, query and fragment from raw. Values that do
// not parse as absolute URLs are returned unchanged.
func redactURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
