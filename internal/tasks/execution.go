package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/cloudpaste/cloudpaste/internal/config"
	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
)

// ExecutionContext is handed to handlers. It is safe to call from the
// handler goroutine at any granularity.
type ExecutionContext struct {
	manager *Manager
	jobID   string
}

// IsCancelled polls the durable cancellation flag. Handlers check it at
// their checkpoints and stop promptly when set.
func (e *ExecutionContext) IsCancelled() bool {
	cancelled, err := e.manager.repo.IsCancelled(e.jobID)
	if err != nil {
		e.manager.logger.Warn("cancellation check failed", "job_id", e.jobID, "err", err)
		return false
	}
	return cancelled
}

// UpdateProgress merges partial stats into the persisted stats JSON.
// Top-level keys overwrite; everything else is left untouched.
func (e *ExecutionContext) UpdateProgress(partial map[string]any) error {
	rec, err := e.manager.repo.Get(e.jobID)
	if err != nil {
		return err
	}

	merged := map[string]any{}
	if rec.Stats != "" {
		if err := json.Unmarshal([]byte(rec.Stats), &merged); err != nil {
			return fmt.Errorf("corrupt stats for job %s: %w", e.jobID, err)
		}
	}
	for k, v := range partial {
		merged[k] = v
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return e.manager.repo.UpdateStats(e.jobID, string(raw))
}

// FileSystem returns the facade handlers use for storage operations.
func (e *ExecutionContext) FileSystem() FileSystem { return e.manager.fs }

// Env returns the current configuration snapshot.
func (e *ExecutionContext) Env() *config.Config { return e.manager.getCfg() }

// Principal reconstructs the acting principal from the job's creator.
// Api-key jobs reload the stored key so the job keeps the key's permission
// bits and path scope; a key that is gone by execution time yields a
// principal with no authorities.
func (e *ExecutionContext) Principal(job *database.TaskRecord) *permissions.Principal {
	switch permissions.PrincipalKind(job.UserKind) {
	case permissions.PrincipalAdmin:
		return permissions.Admin(job.UserID)
	case permissions.PrincipalAPIKey:
		if e.manager.principals != nil {
			p, err := e.manager.principals.PrincipalForKey(job.UserID)
			if err != nil {
				e.manager.logger.Warn("api key principal load failed", "job_id", e.jobID, "key_id", job.UserID, "err", err)
			} else if p != nil {
				return p
			}
		}
		return &permissions.Principal{
			Kind: permissions.PrincipalAPIKey,
			ID:   job.UserID,
		}
	}
	return permissions.Guest()
}
