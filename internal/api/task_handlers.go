package api

import (
	"encoding/json"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/cloudpaste/cloudpaste/internal/auth"
	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
)

// taskView is the wire shape of a task record. Payload and stats are
// stored as JSON strings; the view inlines them.
type taskView struct {
	ID            string          `json:"id"`
	TaskType      string          `json:"type"`
	Status        string          `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Stats         json.RawMessage `json:"stats,omitempty"`
	Error         *string         `json:"error,omitempty"`
	CreatedBy     string          `json:"createdBy"`
	CreatedByName string          `json:"createdByName,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
	StartedAt     *int64          `json:"startedAt,omitempty"`
	UpdatedAt     int64           `json:"updatedAt"`
	FinishedAt    *int64          `json:"finishedAt,omitempty"`
}

func (s *Server) toTaskView(rec *database.TaskRecord, names map[string]string) taskView {
	v := taskView{
		ID:            rec.ID,
		TaskType:      rec.TaskType,
		Status:        string(rec.Status),
		Error:         rec.Error,
		CreatedBy:     rec.UserKind + ":" + rec.UserID,
		CreatedByName: s.creatorName(rec.UserKind, rec.UserID, names),
		CreatedAt:     rec.CreatedAt,
		StartedAt:     rec.StartedAt,
		UpdatedAt:     rec.UpdatedAt,
		FinishedAt:    rec.FinishedAt,
	}
	if json.Valid([]byte(rec.Payload)) {
		v.Payload = json.RawMessage(rec.Payload)
	}
	if json.Valid([]byte(rec.Stats)) {
		v.Stats = json.RawMessage(rec.Stats)
	}
	return v
}

// creatorName resolves the display name of a task's creator from the
// main database. Tasks live in a separate database file, so this is a
// lookup rather than a join; names memoizes it across a listing. A
// creator deleted since the task was made yields an empty name.
func (s *Server) creatorName(kind, id string, names map[string]string) string {
	key := kind + ":" + id
	if name, ok := names[key]; ok {
		return name
	}
	var name string
	switch permissions.PrincipalKind(kind) {
	case permissions.PrincipalAdmin:
		if admin, err := s.db.Auth.GetAdmin(id); err == nil && admin != nil {
			name = admin.Username
		}
	case permissions.PrincipalAPIKey:
		if apiKey, err := s.db.Auth.GetAPIKey(id); err == nil && apiKey != nil {
			name = apiKey.Name
		}
	}
	names[key] = name
	return name
}

// ownsTask reports whether the principal may see the record. Admins see
// everything; api keys only their own jobs.
func ownsTask(principal *permissions.Principal, rec *database.TaskRecord) bool {
	if principal.IsAdmin() {
		return true
	}
	return rec.UserKind == string(principal.Kind) && rec.UserID == principal.ID
}

func (s *Server) handleListTasks(c *fiber.Ctx) error {
	principal := auth.FromContext(c)

	filter := database.TaskFilter{
		Limit:  50,
		Offset: 0,
	}
	if v := c.Query("status"); v != "" {
		st := database.TaskStatus(v)
		filter.Status = &st
	}
	if v := c.Query("type"); v != "" {
		filter.TaskType = &v
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v >= 0 {
		filter.Offset = v
	}
	// Non-admin callers are pinned to their own jobs.
	if !principal.IsAdmin() {
		kind := string(principal.Kind)
		filter.UserID = &principal.ID
		filter.UserKind = &kind
	}

	records, err := s.tasks.ListJobs(filter)
	if err != nil {
		return respondMapped(c, err)
	}
	names := map[string]string{}
	views := make([]taskView, 0, len(records))
	for _, rec := range records {
		views = append(views, s.toTaskView(rec, names))
	}
	return RespondSuccess(c, views)
}

func (s *Server) handleGetTask(c *fiber.Ctx) error {
	rec, err := s.tasks.GetJob(c.Params("id"))
	if err != nil {
		return respondMapped(c, err)
	}
	if rec == nil || !ownsTask(auth.FromContext(c), rec) {
		return RespondError(c, fiber.StatusNotFound, "task not found")
	}
	return RespondSuccess(c, s.toTaskView(rec, map[string]string{}))
}

func (s *Server) handleCancelTask(c *fiber.Ctx) error {
	id := c.Params("id")
	rec, err := s.tasks.GetJob(id)
	if err != nil {
		return respondMapped(c, err)
	}
	if rec == nil || !ownsTask(auth.FromContext(c), rec) {
		return RespondError(c, fiber.StatusNotFound, "task not found")
	}
	cancelled, err := s.tasks.CancelJob(id)
	if err != nil {
		return respondMapped(c, err)
	}
	if !cancelled {
		return RespondError(c, fiber.StatusConflict, "task is already in a terminal state")
	}
	return RespondWithMessage(c, "cancel requested", fiber.Map{"id": id})
}

func (s *Server) handleDeleteTask(c *fiber.Ctx) error {
	id := c.Params("id")
	rec, err := s.tasks.GetJob(id)
	if err != nil {
		return respondMapped(c, err)
	}
	if rec == nil || !ownsTask(auth.FromContext(c), rec) {
		return RespondError(c, fiber.StatusNotFound, "task not found")
	}
	deleted, err := s.tasks.DeleteJob(id)
	if err != nil {
		return respondMapped(c, err)
	}
	if !deleted {
		return RespondError(c, fiber.StatusConflict, "only terminal tasks can be deleted")
	}
	return RespondWithMessage(c, "deleted", fiber.Map{"id": id})
}
