package storage

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ArchiveLimits bounds the ZIP expansion in ExtractPDFs. The ratio guard
// catches a small-compressed/huge-decompressed bomb even when the absolute
// ceiling alone would not.
type ArchiveLimits struct {
	MaxEntryBytes     int64
	MaxTotalBytes     int64
	MaxCompressRatio  int64
	MaxEntries        int
}

// ExtractedEntry is one PDF pulled out of an uploaded ZIP, named by its
// cleaned path within the archive. ExtractPDFs returns entries in the
// archive's own order.
type ExtractedEntry struct {
	Name string
	Data []byte
}

// ExtractPDFs expands a ZIP archive, admitting only entries whose name
// ends in ".pdf" (case-insensitive). It refuses any entry whose sanitized
// path would escape the archive root (zip-slip) or whose declared or
// actual decompressed size would exceed limits (zip-bomb).
func ExtractPDFs(r io.ReaderAt, size int64, limits ArchiveLimits) ([]ExtractedEntry, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid zip archive", ErrBadArchive)
	}

	if len(zr.File) > limits.MaxEntries {
		return nil, fmt.Errorf("%w: archive has %d entries, limit %d", ErrOversize, len(zr.File), limits.MaxEntries)
	}

	var entries []ExtractedEntry
	var totalBytes int64

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !strings.EqualFold(path.Ext(f.Name), ".pdf") {
			continue
		}

		cleaned := path.Clean("/" + f.Name)
		if strings.HasPrefix(cleaned, "/..") || strings.Contains(cleaned, "../") {
			return nil, fmt.Errorf("%w: entry %q escapes archive root", ErrBadArchive, f.Name)
		}

		if f.UncompressedSize64 > uint64(limits.MaxEntryBytes) {
			return nil, fmt.Errorf("%w: entry %q declares %d bytes, limit %d", ErrOversize, f.Name, f.UncompressedSize64, limits.MaxEntryBytes)
		}
		if f.CompressedSize64 > 0 {
			ratio := int64(f.UncompressedSize64) / int64(f.CompressedSize64)
			if ratio > limits.MaxCompressRatio {
				return nil, fmt.Errorf("%w: entry %q has compression ratio %d, limit %d", ErrOversize, f.Name, ratio, limits.MaxCompressRatio)
			}
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open entry %q: %v", ErrBadArchive, f.Name, err)
		}

		// Cap the actual read at MaxEntryBytes+1 regardless of the declared
		// size header, which an attacker controls.
		limited := io.LimitReader(rc, limits.MaxEntryBytes+1)
		data, err := io.ReadAll(limited)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read entry %q: %v", ErrBadArchive, f.Name, err)
		}
		if int64(len(data)) > limits.MaxEntryBytes {
			return nil, fmt.Errorf("%w: entry %q exceeds %d bytes decompressed", ErrOversize, f.Name, limits.MaxEntryBytes)
		}

		totalBytes += int64(len(data))
		if totalBytes > limits.MaxTotalBytes {
			return nil, fmt.Errorf("%w: archive exceeds %d bytes decompressed in total", ErrOversize, limits.MaxTotalBytes)
		}

		entries = append(entries, ExtractedEntry{
			Name: cleaned[1:],
			Data: data,
		})
	}

	if len(entries) == 0 {
		return nil, ErrEmptyArchive
	}

	return entries, nil
}

// ErrBadArchive indicates the uploaded ZIP is malformed or contains an
// entry whose path would escape the extraction root.
var ErrBadArchive = errors.New("malformed archive")

// ErrEmptyArchive indicates a ZIP contributed zero .pdf entries.
var ErrEmptyArchive = errors.New("archive contains no pdf entries")
