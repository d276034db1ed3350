// Package objectstore archives node artifacts to an S3 compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/animus-labs/jobchain/internal/domain"
)

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func EnsureBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
	}
	return nil
}

func CheckBucket(client *minio.Client, bucket string) func(context.Context) error {
	return func(ctx context.Context) error {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
		return nil
	}
}

// ObjectPutter is the subset of *minio.Client the archive writes through.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type ArtifactArchive struct {
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
}

func NewArtifactArchive(client ObjectPutter, bucket, prefix string) *ArtifactArchive {
	return &ArtifactArchive{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
}

// ObjectKey is <prefix>/<run>/<node>/<unix-nanos>.json so repeated attempts
// never overwrite an earlier artifact.
func (a *ArtifactArchive) ObjectKey(runID, nodeID string) string {
	name := fmt.Sprintf("%d.json", a.now().UTC().UnixNano())
	return path.Join(a.prefix, runID, nodeID, name)
}

func (a *ArtifactArchive) Put(ctx context.Context, runID, nodeID string, artifact domain.Metadata) (string, error) {
	body, err := json.Marshal(artifact)
	if err != nil {
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	key := a.ObjectKey(runID, nodeID)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"run-id":  runID,
			"node-id": nodeID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
