// Package assets moves reading and meter photos between the device and
// remote storage. Uploads go through an [Uploader] (the backend's multipart
// endpoint or an S3-compatible bucket); downloads stream a remote URL into
// the local pictures tree.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// UploadOptions carries optional hints for the remote image service.
type UploadOptions struct {
	// Width and Height request a server-side resize. Zero leaves the image
	// untouched.
	Width  int
	Height int
}

// UploadResult describes a stored image.
type UploadResult struct {
	// URL is the durable remote location of the image.
	URL string

	// Width and Height are the stored dimensions when the service reports
	// them.
	Width  int
	Height int
}

// Uploader stores one image remotely.
type Uploader interface {
	UploadImage(ctx context.Context, name string, body io.Reader, size int64, contentType string, opts UploadOptions) (UploadResult, error)
}

// Fetcher opens a remote image for reading.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// Transfer uploads local images and downloads remote ones.
type Transfer struct {
	up  Uploader
	get Fetcher
	log *slog.Logger
}

// NewTransfer creates a Transfer.
func NewTransfer(up Uploader, get Fetcher, logger *slog.Logger) *Transfer {
	return &Transfer{up: up, get: get, log: logger}
}

// Upload sends the file at localPath and returns its remote URL. An empty
// mimeType is detected from the file content. The local file is left in
// place; deleting it after the upload is confirmed is the caller's job.
func (t *Transfer) Upload(ctx context.Context, localPath, mimeType string, opts UploadOptions) (UploadResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return UploadResult{}, &UploadError{Path: localPath, Err: err}
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return UploadResult{}, &UploadError{Path: localPath, Err: err}
	}
	if info.IsDir() {
		return UploadResult{}, &UploadError{Path: localPath, Err: errors.New("is a directory")}
	}

	if mimeType == "" {
		mt, err := mimetype.DetectReader(f)
		if err != nil {
			return UploadResult{}, &UploadError{Path: localPath, Err: fmt.Errorf("detecting content type: %w", err)}
		}
		mimeType = mt.String()
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return UploadResult{}, &UploadError{Path: localPath, Err: err}
		}
	}

	res, err := t.up.UploadImage(ctx, filepath.Base(localPath), f, info.Size(), mimeType, opts)
	if err != nil {
		return UploadResult{}, &UploadError{Path: localPath, Err: err}
	}
	if res.URL == "" {
		return UploadResult{}, &UploadError{Path: localPath, Err: errors.New("upload returned no URL")}
	}

	t.log.Debug("image uploaded", "path", localPath, "url", res.URL, "bytes", info.Size())
	return res, nil
}

// Download fetches remoteURL into destPath, creating intermediate
// directories. The file is written to a temporary name and renamed into
// place, so an interrupted download never leaves a truncated image and a
// retry simply overwrites.
func (t *Transfer) Download(ctx context.Context, remoteURL, destPath string) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &DownloadError{URL: remoteURL, Err: fmt.Errorf("creating %q: %w", dir, err)}
	}

	body, err := t.get.Fetch(ctx, remoteURL)
	if err != nil {
		return &DownloadError{URL: remoteURL, Err: err}
	}
	defer func() { _ = body.Close() }()

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return &DownloadError{URL: remoteURL, Err: err}
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		return &DownloadError{URL: remoteURL, Err: fmt.Errorf("writing image: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return &DownloadError{URL: remoteURL, Err: err}
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return &DownloadError{URL: remoteURL, Err: err}
	}

	t.log.Debug("image downloaded", "url", remoteURL, "path", destPath, "bytes", n)
	return nil
}

// Remove deletes a local image once its upload has been confirmed. A file
// that is already gone is not an error.
func (t *Transfer) Remove(localPath string) error {
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing local image %q: %w", localPath, err)
	}
	return nil
}

// MeterDir returns pictures/<meterID> under root.
func MeterDir(root, meterID string) string {
	return filepath.Join(root, safeName(meterID))
}

// ReadingImagePath returns the local path of a reading photo:
// pictures/<meterID>/<readingID><ext>.
func ReadingImagePath(root, meterID, readingID, ext string) string {
	return filepath.Join(MeterDir(root, meterID), safeName(readingID)+ext)
}

// MeterImagePath returns the local path of a meter's representative photo:
// pictures/<meterID>/meter<ext>.
func MeterImagePath(root, meterID, ext string) string {
	return filepath.Join(MeterDir(root, meterID), "meter"+ext)
}

// safeName keeps remote identifiers from escaping the pictures tree.
func safeName(id string) string {
	clean := filepath.Base(filepath.Clean("/" + id))
	if clean == "/" || clean == "." || clean == "" {
		return "_"
	}
	return clean
}
