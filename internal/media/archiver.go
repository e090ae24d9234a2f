package media

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"crosspost/api/internal/store"
)

// Archiver copies media attachments from platform CDNs into an S3-compatible
// bucket so canonical posts survive upstream deletions. It is best-effort:
// a failed archive is logged, never fatal, and retried on the next refetch
// because object keys are deterministic.
type Archiver struct {
	client *minio.Client
	bucket string
	http   *http.Client
	log    *logrus.Entry
}

// NewArchiver connects to the object store and ensures the bucket exists.
// Returns nil (not an error) when endpoint is empty, so callers can wire a
// no-op archiver in setups without object storage.
func NewArchiver(ctx context.Context, log *logrus.Entry, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archiver, error) {
	if endpoint == "" {
		return nil, nil
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Archiver{
		client: client,
		bucket: bucket,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}, nil
}

// ArchivePost stores every media attachment of the post's thread. Safe to
// call on a nil receiver.
func (a *Archiver) ArchivePost(ctx context.Context, appPostID string, thread []store.NativePost) {
	if a == nil {
		return
	}
	for _, post := range thread {
		for i, mediaURL := range post.MediaURLs {
			key := objectKey(appPostID, post.NativeID, i, mediaURL)
			if err := a.archiveOne(ctx, key, mediaURL); err != nil {
				a.log.WithError(err).WithField("url", mediaURL).Warn("media archive failed")
			}
		}
	}
}

func (a *Archiver) archiveOne(ctx context.Context, key, mediaURL string) error {
	// Skip objects already archived; keys are deterministic per attachment.
	if _, err := a.client.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{}); err == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = a.client.PutObject(ctx, a.bucket, key, resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("store object %s: %w", key, err)
	}
	return nil
}

// objectKey builds a stable key of the form
// <appPostID>/<nativeID>/<index><ext> so refetches overwrite nothing.
func objectKey(appPostID, nativeID string, index int, mediaURL string) string {
	ext := ""
	if u, err := url.Parse(mediaURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	return fmt.Sprintf("%s/%s/%d%s", appPostID, sanitize(nativeID), index, ext)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
