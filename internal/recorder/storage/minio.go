package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOStore implements Uploader using MinIO
type MinIOStore struct {
	client     *minio.Client
	bucket     string
	logger     *zap.Logger
	config     MinIOConfig
	uploadPool chan struct{}
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	// Object keys are built as <Prefix>/<claim or call>/<uuid><ext>
	Prefix string

	// When set, returned URLs are <PublicBaseURL>/<bucket>/<key>;
	// otherwise a presigned GET valid for URLExpiry is returned.
	PublicBaseURL string
	URLExpiry     time.Duration

	MaxUploads     int
	ConnectTimeout time.Duration

	// MaxRetries counts retries after the first attempt.
	MaxRetries   int
	RetryBackoff time.Duration

	PartSize uint64
}

// NewMinIOStore creates a new MinIO object store
func NewMinIOStore(ctx context.Context, config MinIOConfig) (*MinIOStore, error) {
	if config.MaxUploads == 0 {
		config.MaxUploads = 2
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.URLExpiry == 0 {
		config.URLExpiry = 7 * 24 * time.Hour
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client:     minioClient,
		bucket:     config.Bucket,
		logger:     zap.L().Named("minio-store"),
		config:     config,
		uploadPool: make(chan struct{}, config.MaxUploads),
	}
	for i := 0; i < config.MaxUploads; i++ {
		store.uploadPool <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		err = minioClient.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}

	return store, nil
}

// Upload stores data under a fresh key and returns a fetchable URL.
// Metadata keys "claimNumber" and "callId" select the key folder.
func (s *MinIOStore) Upload(ctx context.Context, data []byte, contentType string, metadata map[string]string, onProgress ProgressFunc) (string, error) {
	key := ObjectKey(s.config.Prefix, metadata, contentType)

	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return "", &StorageError{Op: "upload", Key: key, Err: ctx.Err()}
	}

	putOpts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
		PartSize:     s.config.PartSize * 1024 * 1024,
	}

	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		if s.config.RetryBackoff > 0 {
			ebo.InitialInterval = s.config.RetryBackoff
		}
		ebo.Reset()
		return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}

	size := int64(len(data))
	op := func() error {
		var reader io.Reader = bytes.NewReader(data)
		if onProgress != nil {
			reader = &progressReader{reader: reader, total: size, progressFn: onProgress}
		}

		info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, putOpts)
		if err != nil {
			code := getMinioStatusCode(err)
			if code == 403 || code == 400 {
				return backoff.Permanent(err)
			}
			return err
		}

		s.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(newBackoff(), ctx)); err != nil {
		return "", &StorageError{
			Op:         "upload",
			Key:        key,
			Err:        err,
			StatusCode: getMinioStatusCode(err),
			Retryable:  ctx.Err() == nil,
		}
	}

	return s.objectURL(ctx, key)
}

func (s *MinIOStore) objectURL(ctx context.Context, key string) (string, error) {
	if s.config.PublicBaseURL != "" {
		return strings.TrimRight(s.config.PublicBaseURL, "/") + "/" + s.bucket + "/" + key, nil
	}

	reqParams := make(url.Values)
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.config.URLExpiry, reqParams)
	if err != nil {
		return "", &StorageError{Op: "presign", Key: key, Err: err}
	}
	return u.String(), nil
}

func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// ObjectKey builds <prefix>/<claimNumber|callId>/<uuid><ext>.
func ObjectKey(prefix string, metadata map[string]string, contentType string) string {
	folder := metadata["claimNumber"]
	if folder == "" {
		folder = metadata["callId"]
	}
	if folder == "" {
		folder = "unassigned"
	}
	return path.Join(prefix, folder, uuid.NewString()+extensionFor(contentType))
}

func extensionFor(contentType string) string {
	base := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	switch base {
	case "video/webm", "audio/webm":
		return ".webm"
	case "video/x-matroska":
		return ".mkv"
	case "video/mp4":
		return ".mp4"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	default:
		return ".bin"
	}
}

// progressReader wraps a reader to report upload progress
type progressReader struct {
	reader     io.Reader
	total      int64
	read       int64
	progressFn ProgressFunc
	mu         sync.Mutex
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.reader.Read(b)
	p.mu.Lock()
	p.read += int64(n)
	p.progressFn(p.read, p.total)
	p.mu.Unlock()
	return n, err
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 500
}
