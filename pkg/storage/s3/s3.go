// Package s3 implements the Storage Manager on S3-compatible object
// storage, for deployments that want durable object storage instead of a
// local volume. Retry/backoff handling for transient AWS errors follows
// the teacher's S3 content store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/yingcaihuang/invoice-pretty/internal/logger"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
)

type retryConfig struct {
	maxRetries        int
	initialBackoff    time.Duration
	backoffMultiplier float64
	maxBackoff        time.Duration
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		maxRetries:        3,
		initialBackoff:    200 * time.Millisecond,
		backoffMultiplier: 2.0,
		maxBackoff:        5 * time.Second,
	}
}

// Manager is an S3-backed Storage Manager.
type Manager struct {
	client *s3.Client
	bucket string
	retry  retryConfig
}

// New constructs an S3 Manager against an existing client and bucket. The
// bucket is assumed to already exist; this package never creates buckets.
func New(client *s3.Client, bucket string) *Manager {
	return &Manager{client: client, bucket: bucket, retry: defaultRetryConfig()}
}

func objectKey(sessionID, taskID string, kind storage.Kind, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", kind, sessionID, taskID, name)
}

func (m *Manager) calculateBackoff(attempt int) time.Duration {
	backoff := float64(m.retry.initialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= m.retry.backoffMultiplier
	}
	if backoff > float64(m.retry.maxBackoff) {
		backoff = float64(m.retry.maxBackoff)
	}
	return time.Duration(backoff)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"ProvisionedThroughputExceededException",
			"InternalError", "ServiceUnavailable", "ServiceException", "InternalServiceException":
			return true
		case "NoSuchKey", "NotFound", "AccessDenied", "Forbidden", "InvalidRange", "InvalidRequest":
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "500")
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
}

func (m *Manager) retryableGet(ctx context.Context, op string, key string, do func() error) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= m.retry.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := m.calculateBackoff(attempt - 1)
			logger.Debug(op+": retrying", logger.StorePath(key), logger.RetryCount(attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		attempts++
		lastErr = do()
		if lastErr == nil {
			return nil
		}
		if isNotFoundError(lastErr) {
			return storage.ErrNotFound
		}
		if !isRetryableError(lastErr) {
			break
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

func (m *Manager) Put(ctx context.Context, sessionID, taskID string, kind storage.Kind, name string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read upload body: %w", err)
	}

	key := objectKey(sessionID, taskID, kind, name)
	err = m.retryableGet(ctx, "PutObject", key, func() error {
		_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (m *Manager) Get(ctx context.Context, sessionID, taskID string, kind storage.Kind, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := objectKey(sessionID, taskID, kind, name)
	var body io.ReadCloser
	err := m.retryableGet(ctx, "GetObject", key, func() error {
		result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		body = result.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (m *Manager) Stat(ctx context.Context, sessionID, taskID string, kind storage.Kind, name string) (*storage.ObjectStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := objectKey(sessionID, taskID, kind, name)
	var size int64
	err := m.retryableGet(ctx, "HeadObject", key, func() error {
		result, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		if result.ContentLength != nil {
			size = *result.ContentLength
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &storage.ObjectStats{Size: size}, nil
}

func (m *Manager) List(ctx context.Context, sessionID, taskID string, kind storage.Kind) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("%s/%s/%s/", kind, sessionID, taskID)
	var names []string

	paginator := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			names = append(names, strings.TrimPrefix(*obj.Key, prefix))
		}
	}

	return names, nil
}

func (m *Manager) DeleteTask(ctx context.Context, sessionID, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, kind := range []storage.Kind{storage.KindInput, storage.KindOutput} {
		names, err := m.List(ctx, sessionID, taskID, kind)
		if err != nil {
			return err
		}
		for _, name := range names {
			key := objectKey(sessionID, taskID, kind, name)
			_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(m.bucket),
				Key:    aws.String(key),
			})
			if err != nil && !isNotFoundError(err) {
				return fmt.Errorf("delete object %s: %w", key, err)
			}
		}
	}
	return nil
}

// Sweep lists every object under both kind prefixes and deletes any whose
// LastModified predates cutoff, skipping objects belonging to a task id in
// activeTasks. S3 has no mtime-based directory walk, so this pages through
// the full bucket listing for each kind.
func (m *Manager) Sweep(ctx context.Context, cutoff time.Time, activeTasks map[string]struct{}) (storage.SweepResult, error) {
	var result storage.SweepResult
	affected := make(map[string]storage.TaskRef)

	for _, kind := range []storage.Kind{storage.KindInput, storage.KindOutput} {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		paginator := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(m.bucket),
			Prefix: aws.String(string(kind) + "/"),
		})
		for paginator.HasMorePages() {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return result, fmt.Errorf("sweep: list %s: %w", kind, err)
			}

			for _, obj := range page.Contents {
				if obj.Key == nil || obj.LastModified == nil {
					continue
				}
				if obj.LastModified.After(cutoff) {
					continue
				}

				parts := strings.SplitN(*obj.Key, "/", 4)
				if len(parts) < 3 {
					continue
				}
				sessionID, taskID := parts[1], parts[2]
				if _, active := activeTasks[taskID]; active {
					continue
				}

				_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(m.bucket),
					Key:    obj.Key,
				})
				if err != nil && !isNotFoundError(err) {
					return result, fmt.Errorf("sweep: delete %s: %w", *obj.Key, err)
				}

				result.FilesRemoved++
				if obj.Size != nil {
					result.BytesRemoved += *obj.Size
				}
				affected[sessionID+"/"+taskID] = storage.TaskRef{SessionID: sessionID, TaskID: taskID}
			}
		}
	}

	for _, ref := range affected {
		result.AffectedTasks = append(result.AffectedTasks, ref)
	}
	return result, nil
}

func (m *Manager) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)})
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", m.bucket, err)
	}
	return nil
}
