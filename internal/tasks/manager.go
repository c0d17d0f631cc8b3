// Package tasks is the durable background job engine: a handler registry,
// an atomic-claim worker pool over the task database, and the copy
// handler that moves bytes between storages.
package tasks

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudpaste/cloudpaste/internal/config"
	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/driver"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
)

// FileSystem is the slice of the vfs facade handlers operate through.
type FileSystem interface {
	GetFileInfo(ctx context.Context, path string, principal *permissions.Principal) (*driver.FileInfo, error)
	CopyItem(ctx context.Context, src, tgt string, principal *permissions.Principal, opts driver.CopyOptions) (*driver.CopyResult, error)
}

// PrincipalLoader rebuilds api-key principals from their stored records
// so a job never runs with wider authorities or path scope than its key.
type PrincipalLoader interface {
	PrincipalForKey(id string) (*permissions.Principal, error)
}

// Handler executes one task type.
type Handler interface {
	TaskType() string
	Validate(payload json.RawMessage) error
	StatsTemplate(payload json.RawMessage) (json.RawMessage, error)
	Execute(ctx context.Context, job *database.TaskRecord, exec *ExecutionContext) error
}

const (
	pollBackoffMin = 500 * time.Millisecond
	pollBackoffMax = 8 * time.Second
)

// Manager owns the registry and the worker pool.
type Manager struct {
	repo       *database.TaskRepository
	fs         FileSystem
	getCfg     config.ConfigGetter
	principals PrincipalLoader
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an engine over the task database.
func NewManager(repo *database.TaskRepository, fs FileSystem, getCfg config.ConfigGetter, logger *slog.Logger) *Manager {
	return &Manager{
		repo:     repo,
		fs:       fs,
		getCfg:   getCfg,
		logger:   logger.With("component", "task-manager"),
		handlers: map[string]Handler{},
	}
}

// SetPrincipalLoader installs the api-key principal source. Without one,
// api-key-owned jobs run with no authorities.
func (m *Manager) SetPrincipalLoader(l PrincipalLoader) {
	m.principals = l
}

// Register installs a handler for its task type.
func (m *Manager) Register(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[h.TaskType()] = h
}

func (m *Manager) handler(taskType string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[taskType]
	return h, ok
}

// newJobID builds "<type>-YYMMDDHHMM-<rand6>".
func newJobID(taskType string, now time.Time) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken anyway.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return fmt.Sprintf("%s-%s-%s", taskType, now.Format("0601021504"), buf)
}

// CreateJob validates the payload against the registered handler and
// persists a pending job.
func (m *Manager) CreateJob(taskType string, payload json.RawMessage, principal *permissions.Principal) (*database.TaskRecord, error) {
	h, ok := m.handler(taskType)
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}
	if err := h.Validate(payload); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", taskType, err)
	}
	stats, err := h.StatsTemplate(payload)
	if err != nil {
		return nil, err
	}

	rec := &database.TaskRecord{
		ID:       newJobID(taskType, time.Now()),
		TaskType: taskType,
		Payload:  string(payload),
		Stats:    string(stats),
		UserID:   principal.ID,
		UserKind: string(principal.Kind),
	}
	if err := m.repo.Create(rec); err != nil {
		return nil, err
	}
	m.logger.Info("job created", "job_id", rec.ID, "task_type", taskType, "user", rec.UserKind+":"+rec.UserID)
	return rec, nil
}

// CancelJob marks a pending or running job cancelled. Running handlers
// observe it at their next checkpoint.
func (m *Manager) CancelJob(id string) (bool, error) { return m.repo.Cancel(id) }

// DeleteJob removes a terminal job.
func (m *Manager) DeleteJob(id string) (bool, error) { return m.repo.Delete(id) }

// GetJob loads one job.
func (m *Manager) GetJob(id string) (*database.TaskRecord, error) { return m.repo.Get(id) }

// ListJobs filters the job table.
func (m *Manager) ListJobs(filter database.TaskFilter) ([]*database.TaskRecord, error) {
	return m.repo.List(filter)
}

// Start recovers interrupted work and launches the worker pool.
func (m *Manager) Start(ctx context.Context) error {
	recovered, err := m.repo.RecoverInterrupted()
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	if recovered > 0 {
		m.logger.Info("requeued interrupted tasks", "count", recovered)
	}

	workers := m.getCfg().Tasks.WorkerPool
	if workers < 1 {
		workers = 1
	}

	ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
	m.logger.Info("worker pool started", "workers", workers)
	return nil
}

// Stop cancels the workers and waits for in-flight handlers.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) worker(ctx context.Context, id int) {
	defer m.wg.Done()
	log := m.logger.With("worker", id)

	backoff := pollBackoffMin
	for {
		claimed, err := m.runOnce(ctx)
		if err != nil {
			log.Error("worker iteration failed", "err", err)
		}
		if claimed {
			backoff = pollBackoffMin
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > pollBackoffMax {
			backoff = pollBackoffMax
		}
	}
}

// runOnce claims and executes at most one job. Returns whether a job was
// claimed.
func (m *Manager) runOnce(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, nil
	}
	job, err := m.repo.ClaimNext()
	if err != nil || job == nil {
		return false, err
	}

	log := m.logger.With("job_id", job.ID, "task_type", job.TaskType)
	h, ok := m.handler(job.TaskType)
	if !ok {
		msg := fmt.Sprintf("no handler registered for %s", job.TaskType)
		log.Error("dropping job", "reason", msg)
		return true, m.repo.Finish(job.ID, database.TaskFailed, job.Stats, &msg)
	}

	exec := &ExecutionContext{manager: m, jobID: job.ID}
	log.Info("job started")

	execErr := h.Execute(ctx, job, exec)

	// A cancellation observed mid-flight wins over whatever the handler
	// returned.
	if cancelled, cerr := m.repo.IsCancelled(job.ID); cerr == nil && cancelled {
		log.Info("job cancelled")
		return true, nil
	}

	current, err := m.repo.Get(job.ID)
	if err != nil {
		return true, err
	}

	status, errMsg := finalStatus(current.Stats, execErr)
	log.Info("job finished", "status", status)
	return true, m.repo.Finish(job.ID, status, current.Stats, errMsg)
}

// finalStatus derives the terminal status from the handler error and the
// aggregated stats counters.
func finalStatus(statsJSON string, execErr error) (database.TaskStatus, *string) {
	if execErr != nil {
		msg := execErr.Error()
		return database.TaskFailed, &msg
	}

	var stats struct {
		SuccessCount *int `json:"successCount"`
		FailedCount  *int `json:"failedCount"`
	}
	if err := json.Unmarshal([]byte(statsJSON), &stats); err != nil ||
		stats.SuccessCount == nil || stats.FailedCount == nil {
		return database.TaskCompleted, nil
	}

	switch {
	case *stats.FailedCount == 0:
		return database.TaskCompleted, nil
	case *stats.SuccessCount == 0:
		return database.TaskFailed, nil
	default:
		return database.TaskPartial, nil
	}
}
