package service

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mholt/archives"
	"github.com/yokitheyo/ytscribe/internal/model"
)

// ArchiveName is the suggested download name for a task's bundle.
func ArchiveName(taskID string) string {
	return fmt.Sprintf("youtube_conversion_%s.zip", taskID)
}

// WriteArchive streams a zip holding each file under its suggested name, in
// catalog order. Files no longer on disk are skipped. The result is returned
// with the number of entries written.
func WriteArchive(ctx context.Context, w io.Writer, files []model.ResultFile) (int, error) {
	entries := make([]archives.FileInfo, 0, len(files))
	for _, f := range files {
		if info, err := os.Stat(f.Path); err != nil || info.IsDir() {
			continue
		}
		// one path per call keeps entry order stable
		found, err := archives.FilesFromDisk(ctx, nil, map[string]string{f.Path: f.Name})
		if err != nil {
			return 0, fmt.Errorf("collect %s: %w", f.Name, err)
		}
		entries = append(entries, found...)
	}

	format := archives.Zip{
		Compression:          zip.Deflate,
		SelectiveCompression: true,
	}
	if err := format.Archive(ctx, w, entries); err != nil {
		return 0, fmt.Errorf("write archive: %w", err)
	}
	return len(entries), nil
}
