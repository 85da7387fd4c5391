package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	cp "github.com/otiai10/copy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gradelab/grading-engine/grading-engine/internal/fetch"
	"github.com/gradelab/grading-engine/grading-engine/internal/hash"
	"github.com/gradelab/grading-engine/grading-engine/internal/upload"
)

var tracer = otel.Tracer(
	"github.com/gradelab/grading-engine/grading-engine/internal/artifact",
)

// Key derives the content address for a compiled artifact. Same source,
// toolchain and optimization level always produce the same key, so a
// resubmission of identical code skips compilation entirely.
func Key(sourceHash, toolchainVersion, optimizationLevel string) string {
	return hash.Parts(sourceHash, toolchainVersion, optimizationLevel)
}

// Cache is the two tier artifact store. The local tier is a directory of
// key named files serving hits without network traffic; the remote tier is
// an object store surviving local eviction and shared between instances.
//
// Retrieve promotes remote hits into the local tier. Store writes through
// to both tiers.
type Cache struct {
	remote       upload.Uploader
	remoteFetch  fetch.Fetcher
	localDir     string
	localMaxSize int64
	localMaxAge  time.Duration

	// guards local tier mutation, the object store handles its own races
	mu sync.Mutex
}

func NewCache(
	remote upload.Uploader,
	remoteFetch fetch.Fetcher,
	localDir string,
	localMaxSize int64,
	localMaxAge time.Duration,
) (*Cache, error) {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, err
	}

	return &Cache{
		remote:       remote,
		remoteFetch:  remoteFetch,
		localDir:     localDir,
		localMaxSize: localMaxSize,
		localMaxAge:  localMaxAge,
	}, nil
}

func (c *Cache) localPath(key string) string {
	return filepath.Join(c.localDir, key)
}

// LocalDir exposes the local tier location for operational tooling.
func (c *Cache) LocalDir() string {
	return c.localDir
}

// Retrieve returns the cached artifact for key. The second return reports
// whether it was found at all; a miss is not an error.
func (c *Cache) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := tracer.Start(ctx, "Cache.Retrieve", trace.WithAttributes(
		attribute.String("key", key),
	))
	defer span.End()

	c.mu.Lock()
	content, err := os.ReadFile(c.localPath(key))
	if err == nil {
		// refresh mtime so the eviction sweep sees recent use
		now := time.Now()
		_ = os.Chtimes(c.localPath(key), now, now)
		c.mu.Unlock()

		span.AddEvent("local_hit")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "served from local tier")
		return content, true, nil
	}
	c.mu.Unlock()

	if !errors.Is(err, fs.ErrNotExist) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read local tier")
		return nil, false, err
	}

	exists, err := c.remote.Exists(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to check remote tier")
		return nil, false, err
	}
	if !exists {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "cache miss")
		return nil, false, nil
	}

	body, err := c.remoteFetch.Fetch(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch from remote tier")
		return nil, false, err
	}
	defer body.Close()

	content, err = io.ReadAll(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read remote body")
		return nil, false, err
	}

	if err := c.promote(ctx, key, content); err != nil {
		// the artifact is still usable, promotion is an optimization
		span.AddEvent("failed_promote", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
	}

	span.AddEvent("remote_hit")
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "served from remote tier")
	return content, true, nil
}

// promote materializes a remote hit in the local tier. Staged through a
// scratch file first; scratch and cache dir may sit on different
// filesystems, so a plain rename is not safe.
func (c *Cache) promote(ctx context.Context, key string, content []byte) error {
	_, span := tracer.Start(ctx, "Cache.promote", trace.WithAttributes(
		attribute.String("key", key),
	))
	defer span.End()

	scratch, err := os.CreateTemp("", "artifact-promote-*")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create scratch file")
		return err
	}
	defer os.Remove(scratch.Name())

	if _, err := scratch.Write(content); err != nil {
		scratch.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write scratch file")
		return err
	}
	if err := scratch.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close scratch file")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := cp.Copy(scratch.Name(), c.localPath(key)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to copy into local tier")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "promoted to local tier")
	return nil
}

// Store writes the artifact through both tiers. A failure on either tier is
// returned, but the caller treats cache population as best effort.
func (c *Cache) Store(ctx context.Context, key string, content []byte) error {
	ctx, span := tracer.Start(ctx, "Cache.Store", trace.WithAttributes(
		attribute.String("key", key),
		attribute.Int("length", len(content)),
	))
	defer span.End()

	if err := c.remote.Upload(ctx, bytes.NewReader(content), int64(len(content)), key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to remote tier")
		return err
	}

	if err := c.promote(ctx, key, content); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write local tier")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "stored in both tiers")
	return nil
}

// Cleanup evicts local tier entries past the age limit, then evicts least
// recently used entries until the tier fits the size limit. The remote tier
// is never touched. Returns the number of evicted entries.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	_, span := tracer.Start(ctx, "Cache.Cleanup")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.localDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list local tier")
		return 0, err
	}

	type fileInfo struct {
		name    string
		size    int64
		modTime time.Time
	}

	var files []fileInfo
	var totalSize int64
	evicted := 0
	cutoff := time.Now().Add(-c.localMaxAge)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			if err := os.Remove(c.localPath(entry.Name())); err == nil {
				evicted++
			}
			continue
		}

		files = append(files, fileInfo{name: entry.Name(), size: info.Size(), modTime: info.ModTime()})
		totalSize += info.Size()
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		if totalSize <= c.localMaxSize {
			break
		}

		if err := os.Remove(c.localPath(f.name)); err != nil {
			continue
		}
		totalSize -= f.size
		evicted++
	}

	span.AddEvent("swept", trace.WithAttributes(
		attribute.Int("evicted", evicted),
		attribute.Int64("totalSize", totalSize),
	))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "cleaned local tier")
	return evicted, nil
}

// EvictLocal drops a single entry from the local tier only. Used by tests
// and operational tooling; the remote tier still serves the key.
func (c *Cache) EvictLocal(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := os.Remove(c.localPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
