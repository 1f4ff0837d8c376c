package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// MinioMirror is a cross-instance Mirror backed by an S3-compatible
// object store, so a fleet of Porter instances behind a load balancer
// share one transpile cache instead of each paying for a cold start.
type MinioMirror struct {
	client *minio.Client
	bucket string
}

// NewMinioMirror connects to an S3-compatible endpoint and returns a
// Mirror. The bucket is not created here; operators are expected to
// provision it ahead of time the same way they provision any other
// storage bucket.
func NewMinioMirror(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioMirror, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: create minio client: %w", err)
	}

	log.Info().Str("endpoint", endpoint).Str("bucket", bucket).Msg("transpile cache mirror initialized")

	return &MinioMirror{client: client, bucket: bucket}, nil
}

// Put uploads entry's code and (if present) map under object keys derived
// from key.
func (m *MinioMirror) Put(ctx context.Context, key string, entry Entry) error {
	if _, err := m.client.PutObject(ctx, m.bucket, codeObjectKey(key), bytes.NewReader(entry.Code), int64(len(entry.Code)), minio.PutObjectOptions{
		ContentType: "application/javascript",
	}); err != nil {
		return fmt.Errorf("cache: mirror put code %s: %w", key, err)
	}

	if len(entry.Map) == 0 {
		return nil
	}
	if _, err := m.client.PutObject(ctx, m.bucket, mapObjectKey(key), bytes.NewReader(entry.Map), int64(len(entry.Map)), minio.PutObjectOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("cache: mirror put map %s: %w", key, err)
	}
	return nil
}

// Get downloads entry's code and (if present) map for key. A missing
// object is reported as ok == false with a nil error.
func (m *MinioMirror) Get(ctx context.Context, key string) (Entry, bool, error) {
	code, ok, err := m.getObject(ctx, codeObjectKey(key))
	if err != nil || !ok {
		return Entry{}, ok, err
	}

	entry := Entry{Code: code}
	if mapBytes, ok, err := m.getObject(ctx, mapObjectKey(key)); err != nil {
		return Entry{}, false, err
	} else if ok {
		entry.Map = mapBytes
	}
	return entry, true, nil
}

func (m *MinioMirror) getObject(ctx context.Context, objectKey string) ([]byte, bool, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("cache: mirror get %s: %w", objectKey, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if errResponse := minio.ToErrorResponse(err); errResponse.Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: mirror read %s: %w", objectKey, err)
	}

	return data, true, nil
}

func codeObjectKey(key string) string { return "transpile/" + key + ".code" }
func mapObjectKey(key string) string  { return "transpile/" + key + ".map" }
