// Package archive stores immutable copies of published releases in
// S3-compatible object storage. Regulators expect published AIP content
// to remain retrievable even after the working repositories move on.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotArchived is returned when a requested release object does not exist.
var ErrNotArchived = errors.New("archive: release not found")

// Store writes and reads release objects in a single bucket. Objects are
// keyed <org>/<tag>/<documentID>.json.
type Store struct {
	client *minio.Client
	bucket string
}

// Config holds the connection parameters for the object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to the object store and creates the bucket if missing.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: connect %s: %w", cfg.Endpoint, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive: create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(orgID, tag, documentID string) string {
	return fmt.Sprintf("%s/%s/%s.json", orgID, tag, documentID)
}

// PutRelease uploads one published snapshot under its release tag.
func (s *Store) PutRelease(ctx context.Context, orgID, tag, documentID string, snapshot []byte) error {
	key := objectKey(orgID, tag, documentID)
	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(snapshot), int64(len(snapshot)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

// GetRelease fetches an archived snapshot.
func (s *Store) GetRelease(ctx context.Context, orgID, tag, documentID string) ([]byte, error) {
	key := objectKey(orgID, tag, documentID)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, ErrNotArchived
		}
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return data, nil
}

// ListRelease returns the document IDs archived under a release tag.
func (s *Store) ListRelease(ctx context.Context, orgID, tag string) ([]string, error) {
	prefix := orgID + "/" + tag + "/"
	var ids []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("archive: list %s: %w", prefix, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}
