package textutil

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// NormalizeTitle trims and NFC-normalizes a work title and collapses
// whitespace. Titles written entirely in one letter case (as scraped
// catalogs often deliver them) are title-cased; mixed-case titles are kept.
func NormalizeTitle(title string) string {
	title = strings.Join(strings.Fields(norm.NFC.String(title)), " ")
	if title == "" {
		return "Unknown"
	}
	if singleCase(title) {
		return cases.Title(language.Und).String(title)
	}
	return title
}

func singleCase(value string) bool {
	var upper, lower bool
	for _, r := range value {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		}
	}
	return upper != lower
}

// FormatNumber renders a chapter or volume index without trailing zeros:
// 3 becomes "3" and 10.5 becomes "10.5".
func FormatNumber(number float64) string {
	return strconv.FormatFloat(number, 'f', -1, 64)
}

// KindLabel returns the display word for a content type: Volume for manga
// and books, Issue for comics.
func KindLabel(contentType string) string {
	if strings.EqualFold(strings.TrimSpace(contentType), "comic") {
		return "Issue"
	}
	return "Volume"
}

// VolumeBaseName returns "<Title> - <Kind> <number>", sanitized, without an
// extension.
func VolumeBaseName(title, contentType string, number float64) string {
	return SanitizeFileName(NormalizeTitle(title) + " - " + KindLabel(contentType) + " " + FormatNumber(number))
}
