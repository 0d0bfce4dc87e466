// Package storage reads and writes generated source bundles in the project bucket.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned when a project has no stored bundle.
var ErrNotFound = errors.New("storage: bundle not found")

// Config configures the bucket connection.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Store is a bundle store backed by an S3 compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
	region string
}

type envelope struct {
	Code        json.RawMessage `json:"code"`
	GeneratedAt string          `json:"generatedAt,omitempty"`
}

// New connects to the object store.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// Key returns the object key holding a project's bundle.
func Key(projectID string) string {
	return "projects/" + projectID + "/code.json"
}

// EnsureBucket creates the bucket when it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Get returns the bundle text stored for projectID.
func (s *Store) Get(ctx context.Context, projectID string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, Key(projectID), minio.GetObjectOptions{})
	if err != nil {
		return "", translate(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", translate(err)
	}
	code, ok := DecodeEnvelope(data)
	if !ok {
		return "", ErrNotFound
	}
	return code, nil
}

// Put stores bundle text for projectID wrapped in the standard envelope.
func (s *Store) Put(ctx context.Context, projectID, code string) error {
	payload, err := EncodeEnvelope(code, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, Key(projectID), bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put bundle: %w", err)
	}
	return nil
}

// DecodeEnvelope extracts the bundle from a stored object. A string code is
// returned as is, any other non-null JSON value as its JSON text.
func DecodeEnvelope(data []byte) (string, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", false
	}
	raw := bytes.TrimSpace(env.Code)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var code string
	if err := json.Unmarshal(raw, &code); err == nil {
		if strings.TrimSpace(code) == "" {
			return "", false
		}
		return code, true
	}
	return string(raw), true
}

// EncodeEnvelope wraps code for storage.
func EncodeEnvelope(code string, generatedAt time.Time) ([]byte, error) {
	raw, err := json.Marshal(code)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	payload, err := json.Marshal(envelope{Code: raw, GeneratedAt: generatedAt.Format(time.RFC3339)})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}

func translate(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return ErrNotFound
	}
	return fmt.Errorf("get bundle: %w", err)
}
