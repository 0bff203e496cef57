package download_test

import (
	"errors"
	"path/filepath"
	"testing"

	"bindery/internal/download"
	"bindery/internal/hosts"
	"bindery/internal/testsupport"
)

func TestVerifyArchive(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		if err := writeBytes(path, data); err != nil {
			t.Fatal(err)
		}
		return path
	}

	ok := map[string][]byte{
		"good.cbz": testsupport.ZipBytes(t, map[string][]byte{"p.jpg": testsupport.PatternBytes(2048)}),
		"vol.rar":  append([]byte("Rar!\x1a\x07\x01\x00"), testsupport.PatternBytes(2048)...),
		"doc.pdf":  append([]byte("%PDF-1.7"), testsupport.PatternBytes(2048)...),
		"big.bin":  testsupport.PatternBytes(11 * 1024),
	}
	for name, data := range ok {
		if err := download.VerifyArchive(write(name, data)); err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}

	bad := map[string][]byte{
		"tiny.cbz":  testsupport.PatternBytes(100),
		"small.bin": testsupport.PatternBytes(4096),
		"trunc.cbz": append([]byte("PK\x03\x04"), testsupport.PatternBytes(4096)...),
	}
	for name, data := range bad {
		err := download.VerifyArchive(write(name, data))
		var dlErr *download.DownloadError
		if !errors.As(err, &dlErr) || dlErr.Kind != download.KindCorruptArchive {
			t.Fatalf("%s: expected CorruptArchive, got %v", name, err)
		}
	}
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]download.Format{
		"PK\x05\x06....":   download.FormatZip,
		"Rar!\x1a\x07\x00": download.FormatRar,
		"%PDF-1.4":         download.FormatPDF,
		"hello":            download.FormatUnknown,
	}
	for header, want := range cases {
		if got := download.DetectFormat([]byte(header)); got != want {
			t.Fatalf("DetectFormat(%q) = %s, want %s", header, got, want)
		}
	}
}

func TestDestination(t *testing.T) {
	target := download.Target{WorkTitle: "one piece", ContentType: "manga", Number: 10.5}

	got := download.Destination("/dl", target, hosts.Descriptor{DirectURL: "https://x.example/get?id=1", TotalParts: 1})
	if got != "/dl/One Piece/One Piece - Volume 10.5.cbz" {
		t.Fatalf("unexpected single destination %q", got)
	}

	got = download.Destination("/dl", target, hosts.Descriptor{
		DirectURL: "https://x.example/files/op.part2.rar", PartIndex: 1, TotalParts: 3,
	})
	if got != "/dl/One Piece/One Piece - Volume 10.5.part02.rar" {
		t.Fatalf("unexpected part destination %q", got)
	}

	got = download.Destination("/dl", download.Target{WorkTitle: "Saga", ContentType: "comic", Number: 3},
		hosts.Descriptor{DirectURL: "https://x.example/page.html", FileName: "Saga 003.CBR"})
	if got != "/dl/Saga/Saga - Issue 3.cbr" {
		t.Fatalf("unexpected comic destination %q", got)
	}

	target.JobID = 42
	got = download.Destination("/dl", target, hosts.Descriptor{
		DirectURL: "https://x.example/files/op.part1.rar", PartIndex: 0, TotalParts: 2,
	})
	if got != "/dl/One Piece/One Piece - Volume 10.5 [#42].part01.rar" {
		t.Fatalf("unexpected job-scoped destination %q", got)
	}
}
