package assets

import "fmt"

// UploadError reports a failed image upload. The local file is untouched.
type UploadError struct {
	Path string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("uploading %q: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DownloadError reports a failed image download.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("downloading %q: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }
