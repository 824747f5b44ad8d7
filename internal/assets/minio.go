package assets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// presignExpiry is the lifetime of URLs handed out when no public base URL
// is configured. S3 caps presigned URLs at seven days.
const presignExpiry = 7 * 24 * time.Hour

// MinioConfig configures [MinioUploader].
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// Region, when set, is used instead of asking the server for the
	// bucket location.
	Region string

	// PublicURL, when set, is the base under which stored objects are
	// readable (e.g. a CDN). Otherwise a presigned GET URL is returned.
	PublicURL string

	// Prefix is prepended to object names, e.g. "readings".
	Prefix string
}

// MinioUploader stores images in an S3-compatible bucket.
type MinioUploader struct {
	client *minio.Client
	cfg    MinioConfig
	log    *slog.Logger
}

// NewMinioUploader creates the client. The bucket is not touched until
// [MinioUploader.EnsureBucket] or the first upload.
func NewMinioUploader(cfg MinioConfig, logger *slog.Logger) (*MinioUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client for %q: %w", cfg.Endpoint, err)
	}
	return &MinioUploader{client: client, cfg: cfg, log: logger}, nil
}

// EnsureBucket creates the configured bucket if it does not exist.
func (m *MinioUploader) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %q: %w", m.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %q: %w", m.cfg.Bucket, err)
	}
	m.log.Info("created image bucket", "bucket", m.cfg.Bucket)
	return nil
}

// UploadImage implements [Uploader]. Object storage cannot resize, so the
// requested dimensions are only recorded as object metadata.
func (m *MinioUploader) UploadImage(ctx context.Context, name string, body io.Reader, size int64, contentType string, opts UploadOptions) (UploadResult, error) {
	object := m.objectName(name)

	meta := map[string]string{}
	if opts.Width > 0 && opts.Height > 0 {
		meta["target-dimensions"] = fmt.Sprintf("%dx%d", opts.Width, opts.Height)
	}

	info, err := m.client.PutObject(ctx, m.cfg.Bucket, object, body, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("storing object %q: %w", object, err)
	}

	u, err := m.objectURL(ctx, info.Key)
	if err != nil {
		return UploadResult{}, err
	}
	return UploadResult{URL: u}, nil
}

// objectName builds a collision-free key that keeps the original file name
// for readability.
func (m *MinioUploader) objectName(name string) string {
	return path.Join(m.cfg.Prefix, uuid.NewString()+"-"+path.Base(name))
}

func (m *MinioUploader) objectURL(ctx context.Context, key string) (string, error) {
	if m.cfg.PublicURL != "" {
		base, err := url.Parse(strings.TrimRight(m.cfg.PublicURL, "/"))
		if err != nil {
			return "", fmt.Errorf("parsing public URL %q: %w", m.cfg.PublicURL, err)
		}
		return base.JoinPath(key).String(), nil
	}

	u, err := m.client.PresignedGetObject(ctx, m.cfg.Bucket, key, presignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presigning %q: %w", key, err)
	}
	return u.String(), nil
}
