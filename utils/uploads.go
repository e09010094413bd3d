package utils

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jamesirl/blog/config"
)

// SavePhotos stores uploaded files under the configured uploads directory and
// returns their public URLs. Filenames are regenerated (uuid prefix plus a
// sanitized basename) so a client-supplied name can neither traverse paths
// nor silently overwrite an earlier upload.
//
// Uploads are best-effort attachments: a failed file aborts the batch with an
// error, but callers treat that as non-fatal to the post write.
func SavePhotos(files []*multipart.FileHeader) ([]string, error) {
	cfg := config.Get()
	maxSize := int64(cfg.UploadMaxSizeMB) * 1024 * 1024

	if len(files) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.UploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	var urls []string
	for _, fh := range files {
		if fh.Size > maxSize {
			return urls, fmt.Errorf("file %s exceeds %dMB", fh.Filename, cfg.UploadMaxSizeMB)
		}
		url, err := saveOne(fh, cfg.UploadsDir, maxSize)
		if err != nil {
			return urls, err
		}
		urls = append(urls, url)
	}
	return urls, nil
}

func saveOne(fh *multipart.FileHeader, dir string, maxSize int64) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	name := safeFilename(fh.Filename)
	dstPath := filepath.Join(dir, name)

	out, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	// Enforce the size cap even when the header lied about Size.
	lr := &io.LimitedReader{R: src, N: maxSize + 1}
	written, err := io.Copy(out, lr)
	if err != nil {
		_ = os.Remove(dstPath)
		return "", err
	}
	if written > maxSize {
		_ = os.Remove(dstPath)
		return "", fmt.Errorf("file %s exceeds size limit", fh.Filename)
	}

	return "/" + path.Join(filepath.ToSlash(dir), name), nil
}

// safeFilename strips any path components from the client-supplied name and
// prefixes a uuid to guarantee uniqueness.
func safeFilename(original string) string {
	base := filepath.Base(filepath.Clean(original))
	base = strings.ReplaceAll(base, "..", "")
	if base == "." || base == "/" || base == "" {
		base = "upload"
	}
	return uuid.NewString() + "_" + base
}
