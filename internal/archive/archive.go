// Package archive uploads closed session reports to MinIO/S3 compatible storage
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mikeyg42/streamqc/internal/quality"
)

// Report is the archived summary of one playback session
type Report struct {
	SessionID string                    `json:"session"`
	Media     string                    `json:"media"`
	ClientIP  string                    `json:"clientIp,omitempty"`
	OpenedAt  time.Time                 `json:"openedAt"`
	ClosedAt  time.Time                 `json:"closedAt"`
	Ladder    []quality.QualityOption   `json:"ladder"`
	Decisions []quality.QualityDecision `json:"decisions"`
	Final     quality.Snapshot          `json:"final"`
}

// Duration is how long the session was open
func (r *Report) Duration() time.Duration {
	return r.ClosedAt.Sub(r.OpenedAt)
}

// Config contains MinIO configuration
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	Prefix          string // object key prefix, default "sessions"

	// Timeouts
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration
}

// Validate reports missing required settings
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("archive endpoint is required")
	}
	if c.Bucket == "" {
		return errors.New("archive bucket is required")
	}
	return nil
}

// Metrics tracks archive operations
type Metrics struct {
	Uploads     atomic.Uint64
	UploadBytes atomic.Uint64
	Errors      atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Uploads     uint64 `json:"uploads"`
	UploadBytes uint64 `json:"uploadBytes"`
	Errors      uint64 `json:"errors"`
}

// Error describes a failed storage operation
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("archive %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Store uploads reports to a bucket
type Store struct {
	client  *minio.Client
	bucket  string
	logger  *zap.Logger
	config  Config
	metrics Metrics
}

// New creates the MinIO client and ensures the bucket exists
func New(ctx context.Context, config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Defaults
	if config.Prefix == "" {
		config.Prefix = "sessions"
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = time.Minute
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &Store{
		client: client,
		bucket: config.Bucket,
		logger: zap.L().Named("archive-store"),
		config: config,
	}

	// Ensure bucket exists (or create)
	bucketCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(bucketCtx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(bucketCtx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created archive bucket", zap.String("bucket", config.Bucket))
	}

	return store, nil
}

// ObjectKey returns <prefix>/YYYY/MM/DD/<session>.json, dated by the session open time
func ObjectKey(prefix string, r *Report) string {
	opened := r.OpenedAt.UTC()
	return path.Join(prefix,
		fmt.Sprintf("%04d", opened.Year()),
		fmt.Sprintf("%02d", int(opened.Month())),
		fmt.Sprintf("%02d", opened.Day()),
		r.SessionID+".json")
}

func (s *Store) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.Reset()
	if s.config.MaxRetries > 0 {
		return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}
	return ebo
}

// Upload stores the report as JSON and returns its object key
func (s *Store) Upload(ctx context.Context, report *Report) (string, error) {
	key := ObjectKey(s.config.Prefix, report)

	body, err := json.Marshal(report)
	if err != nil {
		return "", &Error{Op: "encode", Key: key, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	reader := bytes.NewReader(body)
	putOpts := minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"session": report.SessionID,
			"media":   report.Media,
		},
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			if _, err := reader.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}

		info, err := s.client.PutObject(ctx, s.bucket, key, reader, int64(len(body)), putOpts)
		if err != nil {
			s.metrics.Errors.Add(1)
			return err
		}

		s.metrics.Uploads.Add(1)
		s.metrics.UploadBytes.Add(uint64(info.Size))

		s.logger.Debug("Report uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag),
			zap.Int("attempt", attempt))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		return "", &Error{Op: "put", Key: key, Err: err}
	}
	return key, nil
}

// Fetch downloads and decodes a previously uploaded report
func (s *Store) Fetch(ctx context.Context, key string) (*Report, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, &Error{Op: "get", Key: key, Err: err}
	}
	defer obj.Close()

	var report Report
	if err := json.NewDecoder(obj).Decode(&report); err != nil {
		return nil, &Error{Op: "decode", Key: key, Err: err}
	}
	return &report, nil
}

// Metrics returns a copy of the upload counters
func (s *Store) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Uploads:     s.metrics.Uploads.Load(),
		UploadBytes: s.metrics.UploadBytes.Load(),
		Errors:      s.metrics.Errors.Load(),
	}
}
