package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/yourorg/assetledger/internal/snapshot"
)

var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the remote blob store used for bundle uploads and for the
// remote mirror log.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) (string, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore talks to any S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: object store endpoint and bucket are required", ErrNotConfigured)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// PutObject returns "bucket/key", suffixed with the version id when the
// bucket is versioned.
func (s *MinioStore) PutObject(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", err
	}
	id := s.bucket + "/" + info.Key
	if info.VersionID != "" {
		id += "?versionId=" + info.VersionID
	}
	return id, nil
}

func (s *MinioStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return data, nil
}

// InMemoryStore is an ObjectStore for tests and local development.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: map[string][]byte{}}
}

func (s *InMemoryStore) PutObject(ctx context.Context, key string, body []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), body...)
	return "mem/" + key, nil
}

func (s *InMemoryStore) GetObject(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

// ObjectStoreChannel uploads bundle artifacts under Prefix, retrying each
// upload with exponential backoff.
type ObjectStoreChannel struct {
	Store      ObjectStore
	Prefix     string
	MaxRetries uint64
	// InitialInterval overrides the first backoff wait; zero keeps the
	// library default.
	InitialInterval time.Duration
	// Timeout caps the time spent retrying one artifact.
	Timeout time.Duration
}

func (ObjectStoreChannel) Name() string { return ChannelObjectStore }

func (c ObjectStoreChannel) Deliver(ctx context.Context, bundle *snapshot.Bundle) (Receipt, error) {
	if c.Store == nil {
		return Receipt{}, fmt.Errorf("%w: object store", ErrNotConfigured)
	}
	receipt := Receipt{Locations: map[string]string{}}
	for _, a := range artifacts(bundle) {
		key := path.Join(strings.Trim(c.Prefix, "/"), a.name)
		id, err := c.put(ctx, key, a)
		if err != nil {
			return Receipt{}, fmt.Errorf("upload %s: %w", a.name, err)
		}
		receipt.Locations[a.key] = id
	}
	return receipt, nil
}

func (c ObjectStoreChannel) put(ctx context.Context, key string, a artifact) (string, error) {
	eb := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		eb.InitialInterval = c.InitialInterval
	}
	if c.Timeout > 0 {
		eb.MaxElapsedTime = c.Timeout
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, c.MaxRetries), ctx)
	var id string
	err := backoff.Retry(func() error {
		var err error
		id, err = c.Store.PutObject(ctx, key, a.data, a.contentType)
		return err
	}, policy)
	return id, err
}
