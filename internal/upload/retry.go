package upload

import (
	"context"
	"io"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/codes"
)

// Ensure RetryUploader implements Uploader interface.
var _ Uploader = (*RetryUploader)(nil)

// Meta uploader that wraps uploader operations in backoff loops
type RetryUploader struct {
	uploader Uploader
	backoff  func() retry.Backoff
}

func NewRetryUploaderBackoff(uploader Uploader, backoff func() retry.Backoff) *RetryUploader {
	return &RetryUploader{
		uploader: uploader,
		backoff:  backoff,
	}
}

// For non latency sensitive persistence (trace archival, cache population)
func NewRetryUploader(uploader Uploader) *RetryUploader {
	return &RetryUploader{
		uploader: uploader,
		backoff: func() retry.Backoff {
			b := retry.NewExponential(time.Second)
			b = retry.WithMaxDuration(time.Second*120, b)
			return b
		},
	}
}

// Every error from the wrapped uploader is treated as retryable until the
// backoff budget runs out.
func doRetry[T any](
	ctx context.Context,
	r *RetryUploader,
	name string,
	f func(ctx context.Context) (T, error),
) (T, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	var out T
	err := retry.Do(ctx, r.backoff(), func(rctx context.Context) error {
		rctx, rspan := tracer.Start(rctx, name+".Retry")
		defer rspan.End()

		var err error
		out, err = f(rctx)
		if err != nil {
			rspan.RecordError(err)
			rspan.SetStatus(codes.Error, "attempt failed")
			return retry.RetryableError(err)
		}

		rspan.RecordError(nil)
		rspan.SetStatus(codes.Ok, "attempt succeeded")
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retries exhausted")
		return out, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "succeeded")
	return out, nil
}

func (r *RetryUploader) Exists(ctx context.Context, url string) (bool, error) {
	return doRetry(ctx, r, "RetryUploader.Exists", func(ctx context.Context) (bool, error) {
		return r.uploader.Exists(ctx, url)
	})
}

func (r *RetryUploader) StoreIdentifier(ctx context.Context) (string, error) {
	return doRetry(ctx, r, "RetryUploader.StoreIdentifier", func(ctx context.Context) (string, error) {
		return r.uploader.StoreIdentifier(ctx)
	})
}

func (r *RetryUploader) Upload(
	ctx context.Context,
	reader io.ReadSeeker,
	length int64,
	url string,
) error {
	_, err := doRetry(ctx, r, "RetryUploader.Upload", func(ctx context.Context) (struct{}, error) {
		// rewind before every attempt so partial uploads do not corrupt
		if _, err := reader.Seek(0, io.SeekStart); err != nil {
			return struct{}{}, err
		}

		return struct{}{}, r.uploader.Upload(ctx, reader, length, url)
	})
	return err
}

func (r *RetryUploader) PresignedReadURL(
	ctx context.Context,
	url string,
	duration time.Duration,
) (string, error) {
	return doRetry(ctx, r, "RetryUploader.PresignedReadURL", func(ctx context.Context) (string, error) {
		return r.uploader.PresignedReadURL(ctx, url, duration)
	})
}
