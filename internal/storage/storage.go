package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Upload timeout per attempt, sized for final renders
	uploadTimeout = 180 * time.Second

	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Storage publishes files to a Supabase Storage bucket.
type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	retryBase  time.Duration
	logger     zerolog.Logger
}

func New(url, serviceKey, bucket string, logger zerolog.Logger) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		retryBase:  baseRetryDelay,
		logger:     logger.With().Str("component", "storage").Str("bucket", bucket).Logger(),
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// payload is reopened for every attempt so large renders stream from disk.
type payload struct {
	open func() (io.ReadCloser, error)
	size int64
}

func bytesPayload(data []byte) payload {
	return payload{
		open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
		size: int64(len(data)),
	}
}

func filePayload(path string) (payload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return payload{}, fmt.Errorf("failed to stat file %s: %w", path, err)
	}
	if info.IsDir() {
		return payload{}, fmt.Errorf("%s is a directory", path)
	}
	return payload{
		open: func() (io.ReadCloser, error) { return os.Open(path) },
		size: info.Size(),
	}, nil
}

// Upload stores data at path, overwriting any existing object.
func (s *Storage) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	return s.put(ctx, path, bytesPayload(data), contentType)
}

// UploadFile streams a local file to path.
func (s *Storage) UploadFile(ctx context.Context, storagePath, localPath string, contentType string) error {
	p, err := filePayload(localPath)
	if err != nil {
		return err
	}
	return s.put(ctx, storagePath, p, contentType)
}

// PublishFile uploads a local file and returns its public URL.
func (s *Storage) PublishFile(ctx context.Context, localPath, objectPath, contentType string) (string, error) {
	if err := s.UploadFile(ctx, objectPath, localPath, contentType); err != nil {
		return "", err
	}
	return s.GetPublicURL(objectPath), nil
}

// GetPublicURL returns the public URL for an object in a public bucket.
func (s *Storage) GetPublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, path)
}

// put retries transient failures with exponential backoff. Client errors
// fail on the first attempt.
func (s *Storage) put(ctx context.Context, path string, p payload, contentType string) error {
	logger := s.logger.With().Str("path", path).Int64("bytes", p.size).Logger()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(s.retryBase, attempt)
			logger.Warn().Err(lastErr).Int("attempt", attempt+1).Dur("wait", delay).Msg("Retrying upload")

			select {
			case <-ctx.Done():
				return fmt.Errorf("upload cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		retry, err := s.attempt(ctx, path, p, contentType)
		if err == nil {
			logger.Debug().Int("attempts", attempt+1).Msg("Upload succeeded")
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			return lastErr
		}
	}

	return fmt.Errorf("upload failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (s *Storage) attempt(ctx context.Context, path string, p payload, contentType string) (bool, error) {
	body, err := p.open()
	if err != nil {
		return false, fmt.Errorf("failed to open upload body: %w", err)
	}
	defer body.Close()

	// Each attempt gets its own timeout, bounded by the caller's ctx
	attemptCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, path)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPut, url, body)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = p.size
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return isRetryableError(err), fmt.Errorf("failed to upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return isRetryableStatus(resp.StatusCode), fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(detail), 200))
}

// retryDelay is base * 2^(attempt-1), capped, plus up to 25% jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryableError(err error) bool {
	var netErr net.Error
	switch {
	case err == nil:
		return false
	case errors.As(err, &netErr) && netErr.Timeout():
		return true
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return true
	}
	return false
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
