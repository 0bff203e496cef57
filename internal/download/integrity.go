package download

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
)

const (
	minArchiveBytes = 1024
	minUnknownBytes = 10 * 1024
)

var (
	zipSignatures = [][]byte{[]byte("PK\x03\x04"), []byte("PK\x05\x06"), []byte("PK\x07\x08")}
	rarSignature  = []byte("Rar!\x1a\x07")
	pdfSignature  = []byte("%PDF")
	htmlMarkers   = [][]byte{[]byte("<!DOCTYPE"), []byte("<!doctype"), []byte("<html"), []byte("<HTML")}
)

// Format is the detected container format of a downloaded file.
type Format string

const (
	FormatZip     Format = "zip"
	FormatRar     Format = "rar"
	FormatPDF     Format = "pdf"
	FormatUnknown Format = "unknown"
)

// DetectFormat classifies a file header by its magic bytes.
func DetectFormat(header []byte) Format {
	for _, sig := range zipSignatures {
		if bytes.HasPrefix(header, sig) {
			return FormatZip
		}
	}
	switch {
	case bytes.HasPrefix(header, rarSignature):
		return FormatRar
	case bytes.HasPrefix(header, pdfSignature):
		return FormatPDF
	}
	return FormatUnknown
}

// looksLikeHTML reports whether the first bytes of a body are an HTML page.
func looksLikeHTML(head []byte) bool {
	head = bytes.TrimLeft(head, " \t\r\n\ufeff")
	for _, marker := range htmlMarkers {
		if bytes.Contains(head, marker) {
			return true
		}
	}
	return false
}

// VerifyArchive checks that path holds a plausible, intact archive. Zip
// containers (cbz, epub) are read entry by entry so CRC errors surface; rar
// and pdf are accepted by signature; unknown formats must exceed 10 KiB.
func VerifyArchive(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return newError(KindDiskWriteFailure, err, "stat downloaded file")
	}
	if info.Size() < minArchiveBytes {
		return newError(KindCorruptArchive, nil, "file too small to be an archive (%d bytes)", info.Size())
	}

	header, err := readHeader(path, 8)
	if err != nil {
		return newError(KindDiskWriteFailure, err, "read downloaded file")
	}

	switch DetectFormat(header) {
	case FormatZip:
		return verifyZip(path)
	case FormatRar, FormatPDF:
		return nil
	default:
		if info.Size() <= minUnknownBytes {
			return newError(KindCorruptArchive, nil, "unrecognized format and only %d bytes", info.Size())
		}
		return nil
	}
}

func verifyZip(path string) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return newError(KindCorruptArchive, err, "invalid zip archive")
	}
	defer reader.Close()

	if len(reader.File) == 0 {
		return newError(KindCorruptArchive, nil, "empty archive")
	}
	for _, f := range reader.File {
		if err := checkEntry(f); err != nil {
			return newError(KindCorruptArchive, err, "corrupted entry %q", f.Name)
		}
	}
	return nil
}

func checkEntry(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return err
	}
	return nil
}

func readHeader(path string, n int) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return buf[:read], nil
}
