package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sourcegraph/conc/pool"

	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/driver"
	"github.com/cloudpaste/cloudpaste/internal/pathutil"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
)

// TaskTypeCopy is the registered name of the copy handler.
const TaskTypeCopy = "copy"

const (
	sizeScanConcurrency = 10
	progressInterval    = 500 * time.Millisecond
	maxRetryDelay       = 60 * time.Second
)

// RetryPolicy tunes the per-item retry loop.
type RetryPolicy struct {
	Limit   int    `json:"limit"`
	DelayMS int64  `json:"delay"`
	Backoff string `json:"backoff"` // linear | exponential
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Limit: 3, DelayMS: 2000, Backoff: "exponential"}
}

// CopyPayload is the copy task payload.
type CopyPayload struct {
	Items   []CopyPayloadItem `json:"items"`
	Options CopyTaskOptions   `json:"options"`
}

// CopyPayloadItem is one source/target pair.
type CopyPayloadItem struct {
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath"`
}

// CopyTaskOptions tunes the whole task.
type CopyTaskOptions struct {
	SkipExisting bool         `json:"skipExisting,omitempty"`
	RetryPolicy  *RetryPolicy `json:"retryPolicy,omitempty"`
}

type copyItemResult struct {
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath"`
	Status     string `json:"status"`
	FileSize   int64  `json:"fileSize"`
	RetryCount int    `json:"retryCount"`
	Error      string `json:"error,omitempty"`
}

type copyStats struct {
	TotalItems       int              `json:"totalItems"`
	ProcessedItems   int              `json:"processedItems"`
	SuccessCount     int              `json:"successCount"`
	FailedCount      int              `json:"failedCount"`
	SkippedCount     int              `json:"skippedCount"`
	TotalBytes       int64            `json:"totalBytes"`
	BytesTransferred int64            `json:"bytesTransferred"`
	ItemResults      []copyItemResult `json:"itemResults"`
}

func (s *copyStats) asMap() map[string]any {
	raw, _ := json.Marshal(s)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// CopyHandler executes copy tasks through the filesystem facade.
type CopyHandler struct {
	logger *slog.Logger
}

// NewCopyHandler creates the handler.
func NewCopyHandler(logger *slog.Logger) *CopyHandler {
	return &CopyHandler{logger: logger.With("handler", TaskTypeCopy)}
}

func (h *CopyHandler) TaskType() string { return TaskTypeCopy }

func (h *CopyHandler) Validate(payload json.RawMessage) error {
	var p CopyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("items must not be empty")
	}
	for i, item := range p.Items {
		if strings.TrimSpace(item.SourcePath) == "" || strings.TrimSpace(item.TargetPath) == "" {
			return fmt.Errorf("item %d has empty source or target path", i)
		}
	}
	return nil
}

func (h *CopyHandler) StatsTemplate(payload json.RawMessage) (json.RawMessage, error) {
	var p CopyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	stats := copyStats{TotalItems: len(p.Items), ItemResults: []copyItemResult{}}
	return json.Marshal(stats)
}

func (h *CopyHandler) Execute(ctx context.Context, job *database.TaskRecord, exec *ExecutionContext) error {
	var payload CopyPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("parse copy payload: %w", err)
	}
	policy := defaultRetryPolicy()
	if payload.Options.RetryPolicy != nil {
		policy = *payload.Options.RetryPolicy
	}

	fs := exec.FileSystem()
	principal := exec.Principal(job)
	log := h.logger.With("job_id", job.ID)

	stats := copyStats{
		TotalItems:  len(payload.Items),
		ItemResults: make([]copyItemResult, len(payload.Items)),
	}
	for i, item := range payload.Items {
		stats.ItemResults[i] = copyItemResult{
			SourcePath: item.SourcePath,
			TargetPath: item.TargetPath,
			Status:     "pending",
		}
	}

	h.scanSizes(ctx, fs, principal, payload.Items, &stats)
	if err := exec.UpdateProgress(stats.asMap()); err != nil {
		log.Warn("progress update failed", "err", err)
	}

	// Persisted progress never decreases: mid-transfer bytes of an item
	// that later fails or retries stay counted via the high-water mark.
	lastPersist := time.Now()
	var highWater int64
	persist := func(force bool) {
		if !force && time.Since(lastPersist) < progressInterval {
			return
		}
		lastPersist = time.Now()
		if stats.BytesTransferred < highWater {
			stats.BytesTransferred = highWater
		}
		highWater = stats.BytesTransferred
		if err := exec.UpdateProgress(stats.asMap()); err != nil {
			log.Warn("progress update failed", "err", err)
		}
	}

	// Bytes of items that completed successfully.
	var completed int64

	for i, item := range payload.Items {
		if exec.IsCancelled() || ctx.Err() != nil {
			log.Info("copy task cancelled", "processed", stats.ProcessedItems)
			break
		}

		result := &stats.ItemResults[i]

		var copyRes *driver.CopyResult
		err := retry.Do(
			func() error {
				var err error
				copyRes, err = fs.CopyItem(ctx, item.SourcePath, item.TargetPath, principal, driver.CopyOptions{
					SkipExisting: payload.Options.SkipExisting,
					OnProgress: func(bytes int64) {
						stats.BytesTransferred = completed + bytes
						persist(false)
					},
				})
				return err
			},
			retry.Attempts(uint(policy.Limit)+1),
			retry.RetryIf(IsRetryable),
			retry.LastErrorOnly(true),
			retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
				return retryDelay(policy, int(n)+1)
			}),
			retry.OnRetry(func(n uint, err error) {
				result.RetryCount = int(n) + 1
				log.Warn("copy item retrying", "source", item.SourcePath, "attempt", n+1, "err", err)
			}),
			retry.Context(ctx),
		)

		stats.ProcessedItems++
		switch {
		case err != nil:
			result.Status = "failed"
			result.Error = err.Error()
			stats.FailedCount++
			stats.BytesTransferred = completed
		case copyRes.Status == driver.CopySkipped:
			result.Status = "skipped"
			stats.SkippedCount++
			stats.BytesTransferred = completed
		default:
			result.Status = "success"
			stats.SuccessCount++
			completed += copyRes.ContentLength
			stats.BytesTransferred = completed
		}
		persist(true)
	}

	return nil
}

// scanSizes stats every file item in parallel to establish totalBytes.
// Directory sources (trailing slash) are skipped; a failed stat leaves
// the size at zero and is reported when the copy itself runs.
func (h *CopyHandler) scanSizes(ctx context.Context, fs FileSystem, principal *permissions.Principal, items []CopyPayloadItem, stats *copyStats) {
	var total atomic.Int64

	p := pool.New().WithMaxGoroutines(sizeScanConcurrency)
	for i, item := range items {
		if pathutil.HasDirSuffix(item.SourcePath) {
			continue
		}
		i, item := i, item
		p.Go(func() {
			info, err := fs.GetFileInfo(ctx, item.SourcePath, principal)
			if err != nil {
				return
			}
			stats.ItemResults[i].FileSize = info.Size
			total.Add(info.Size)
		})
	}
	p.Wait()

	stats.TotalBytes = total.Load()
}

// retryDelay computes the backoff for 1-based attempt a with ±10% jitter,
// capped at 60s.
func retryDelay(policy RetryPolicy, attempt int) time.Duration {
	base := time.Duration(policy.DelayMS) * time.Millisecond
	var d time.Duration
	if policy.Backoff == "linear" {
		d = base * time.Duration(attempt)
	} else {
		d = base << (attempt - 1)
	}
	jitter := 0.9 + 0.2*rand.Float64()
	d = time.Duration(float64(d) * jitter)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}
