package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/cloudpaste/cloudpaste/internal/auth"
	"github.com/cloudpaste/cloudpaste/internal/backup"
)

func (s *Server) handleBackupCreate(c *fiber.Ctx) error {
	var body struct {
		BackupType      string   `json:"backup_type"`
		SelectedModules []string `json:"selected_modules"`
	}
	if err := c.BodyParser(&body); err != nil {
		return RespondError(c, fiber.StatusBadRequest, "invalid request body")
	}
	backupType := backup.BackupType(body.BackupType)
	if backupType == "" {
		backupType = backup.BackupFull
	}

	env, err := s.backup.CreateBackup(backupType, body.SelectedModules)
	if err != nil {
		return respondMapped(c, err)
	}

	// The envelope itself is the download, not wrapped in the response
	// envelope.
	filename := fmt.Sprintf("cloudpaste-%s-%s.json", backupType, time.Now().UTC().Format("20060102-150405"))
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.JSON(env)
}

func (s *Server) handleBackupRestore(c *fiber.Ctx) error {
	fh, err := c.FormFile("backup_file")
	if err != nil {
		return RespondError(c, fiber.StatusBadRequest, "backup_file field is required")
	}
	src, err := fh.Open()
	if err != nil {
		return respondMapped(c, err)
	}
	defer src.Close()

	var env backup.Envelope
	if err := json.NewDecoder(src).Decode(&env); err != nil {
		return RespondError(c, fiber.StatusBadRequest, "backup file is not valid JSON")
	}

	mode := backup.RestoreMode(c.FormValue("mode", string(backup.RestoreMerge)))
	opts := backup.RestoreOptions{
		Mode:               mode,
		CurrentAdminID:     auth.FromContext(c).ID,
		SkipIntegrityCheck: c.FormValue("skipIntegrityCheck") == "true",
		PreserveTimestamps: c.FormValue("preserveTimestamps") == "true",
	}

	result, err := s.backup.Restore(&env, opts)
	if err != nil {
		return respondMapped(c, err)
	}
	return RespondSuccess(c, result)
}
