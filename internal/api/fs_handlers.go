package api

import (
	"encoding/json"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/cloudpaste/cloudpaste/internal/auth"
	"github.com/cloudpaste/cloudpaste/internal/driver"
	"github.com/cloudpaste/cloudpaste/internal/streaming"
	"github.com/cloudpaste/cloudpaste/internal/tasks"
	"github.com/cloudpaste/cloudpaste/internal/vfs"
)

func (s *Server) handleFsList(c *fiber.Ctx) error {
	path := c.Query("path", "/")
	if err := s.authorize(c, "fs.read", path); err != nil {
		return err
	}
	listing, err := s.fs.ListDirectory(c.Context(), path, auth.FromContext(c))
	if err != nil {
		return respondMapped(c, err)
	}
	return RespondSuccess(c, listing)
}

func (s *Server) handleFsInfo(c *fiber.Ctx) error {
	path := c.Query("path")
	if path == "" {
		return RespondError(c, fiber.StatusBadRequest, "path is required")
	}
	if err := s.authorize(c, "fs.read", path); err != nil {
		return err
	}
	info, err := s.fs.GetFileInfo(c.Context(), path, auth.FromContext(c))
	if err != nil {
		return respondMapped(c, err)
	}
	return RespondSuccess(c, info)
}

func (s *Server) handleFsDownload(c *fiber.Ctx) error {
	path := c.Query("path")
	if path == "" {
		return RespondError(c, fiber.StatusBadRequest, "path is required")
	}
	if err := s.authorize(c, "fs.read", path); err != nil {
		return err
	}

	req := streaming.Request{
		Channel:           streaming.ChannelFSWeb,
		RangeHeader:       c.Get(fiber.HeaderRange),
		IfNoneMatch:       c.Get(fiber.HeaderIfNoneMatch),
		IfModifiedSince:   c.Get(fiber.HeaderIfModifiedSince),
		IfMatch:           c.Get(fiber.HeaderIfMatch),
		IfUnmodifiedSince: c.Get(fiber.HeaderIfUnmodifiedSince),
	}
	rr, err := s.fs.DownloadFile(c.Context(), path, auth.FromContext(c), req)
	if err != nil {
		return respondMapped(c, err)
	}
	return sendRangeReader(c, rr)
}

// sendRangeReader copies the assembled status, headers and body stream
// onto the fiber response. Bodyless statuses (304/412/416) send headers
// only.
func sendRangeReader(c *fiber.Ctx, rr *streaming.RangeReader) error {
	for k, v := range rr.Headers {
		c.Set(k, v)
	}
	c.Status(rr.Status)

	body, err := rr.GetBody(c.Context())
	if err != nil {
		return respondMapped(c, err)
	}
	if body == nil {
		return nil
	}

	size := -1
	if cl, ok := rr.Headers[fiber.HeaderContentLength]; ok {
		if n, perr := strconv.Atoi(cl); perr == nil {
			size = n
		}
	}
	return c.SendStream(body.Stream, size)
}

func (s *Server) handleFsMkdir(c *fiber.Ctx) error {
	var body struct {
		Path string `json:"path"`
	}
	if err := c.BodyParser(&body); err != nil || body.Path == "" {
		return RespondError(c, fiber.StatusBadRequest, "path is required")
	}
	if err := s.authorize(c, "fs.upload", body.Path); err != nil {
		return err
	}
	if err := s.fs.CreateDirectory(c.Context(), body.Path, auth.FromContext(c)); err != nil {
		return respondMapped(c, err)
	}
	return RespondWithMessage(c, "directory created", fiber.Map{"path": body.Path})
}

func (s *Server) handleFsUpload(c *fiber.Ctx) error {
	path := c.FormValue("path")
	if path == "" {
		return RespondError(c, fiber.StatusBadRequest, "path is required")
	}
	if err := s.authorize(c, "fs.upload", path); err != nil {
		return err
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return RespondError(c, fiber.StatusBadRequest, "file field is required")
	}
	if limit := s.getCfg().MaxUploadBytes(); limit > 0 && fh.Size > limit {
		return RespondError(c, fiber.StatusRequestEntityTooLarge, "file exceeds upload limit")
	}

	src, err := fh.Open()
	if err != nil {
		return respondMapped(c, err)
	}
	defer src.Close()

	err = s.fs.UploadFile(c.Context(), path, auth.FromContext(c), src, driver.UploadOptions{
		ContentType: fh.Header.Get(fiber.HeaderContentType),
		Size:        fh.Size,
	})
	if err != nil {
		return respondMapped(c, err)
	}
	return RespondWithMessage(c, "uploaded", fiber.Map{"path": path, "size": fh.Size})
}

func (s *Server) handleFsRename(c *fiber.Ctx) error {
	var body struct {
		OldPath string `json:"oldPath"`
		NewPath string `json:"newPath"`
	}
	if err := c.BodyParser(&body); err != nil || body.OldPath == "" || body.NewPath == "" {
		return RespondError(c, fiber.StatusBadRequest, "oldPath and newPath are required")
	}
	if err := s.authorize(c, "fs.rename", body.OldPath, body.NewPath); err != nil {
		return err
	}
	if err := s.fs.RenameItem(c.Context(), body.OldPath, body.NewPath, auth.FromContext(c)); err != nil {
		return respondMapped(c, err)
	}
	return RespondWithMessage(c, "renamed", fiber.Map{"oldPath": body.OldPath, "newPath": body.NewPath})
}

func (s *Server) handleFsCopy(c *fiber.Ctx) error {
	var body struct {
		SourcePath   string `json:"sourcePath"`
		TargetPath   string `json:"targetPath"`
		SkipExisting bool   `json:"skipExisting"`
	}
	if err := c.BodyParser(&body); err != nil || body.SourcePath == "" || body.TargetPath == "" {
		return RespondError(c, fiber.StatusBadRequest, "sourcePath and targetPath are required")
	}
	if err := s.authorize(c, "fs.copy", body.SourcePath, body.TargetPath); err != nil {
		return err
	}
	result, err := s.fs.CopyItem(c.Context(), body.SourcePath, body.TargetPath, auth.FromContext(c), driver.CopyOptions{
		SkipExisting: body.SkipExisting,
	})
	if err != nil {
		return respondMapped(c, err)
	}
	return RespondSuccess(c, result)
}

func (s *Server) handleFsBatchRemove(c *fiber.Ctx) error {
	var body struct {
		Paths []string `json:"paths"`
	}
	if err := c.BodyParser(&body); err != nil || len(body.Paths) == 0 {
		return RespondError(c, fiber.StatusBadRequest, "paths is required")
	}
	if err := s.authorize(c, "fs.delete", body.Paths...); err != nil {
		return err
	}
	result, err := s.fs.BatchRemoveItems(c.Context(), body.Paths, auth.FromContext(c))
	if err != nil {
		return respondMapped(c, err)
	}
	return RespondSuccess(c, result)
}

func (s *Server) handleFsBatchCopy(c *fiber.Ctx) error {
	var body struct {
		Items        []vfs.BatchCopyItem `json:"items"`
		SkipExisting bool                `json:"skipExisting"`
		RetryPolicy  *tasks.RetryPolicy  `json:"retryPolicy"`
	}
	if err := c.BodyParser(&body); err != nil || len(body.Items) == 0 {
		return RespondError(c, fiber.StatusBadRequest, "items is required")
	}

	paths := make([]string, 0, len(body.Items)*2)
	for _, item := range body.Items {
		paths = append(paths, item.SourcePath, item.TargetPath)
	}
	if err := s.authorize(c, "fs.copy", paths...); err != nil {
		return err
	}

	principal := auth.FromContext(c)
	result, err := s.fs.BatchCopyItems(c.Context(), body.Items, principal, driver.CopyOptions{
		SkipExisting: body.SkipExisting,
	})
	if err != nil {
		return respondMapped(c, err)
	}

	// Cross-storage items become a durable copy job; the response carries
	// the plans plus the task id to poll.
	response := fiber.Map{
		"results":             result.Results,
		"crossStorageResults": result.CrossStorageResults,
	}
	if len(result.CrossStorageItems) > 0 {
		items := make([]tasks.CopyPayloadItem, 0, len(result.CrossStorageItems))
		for _, item := range result.CrossStorageItems {
			items = append(items, tasks.CopyPayloadItem{
				SourcePath: item.SourcePath,
				TargetPath: item.TargetPath,
			})
		}
		payload, merr := json.Marshal(tasks.CopyPayload{
			Items: items,
			Options: tasks.CopyTaskOptions{
				SkipExisting: body.SkipExisting,
				RetryPolicy:  body.RetryPolicy,
			},
		})
		if merr != nil {
			return respondMapped(c, merr)
		}
		job, jerr := s.tasks.CreateJob(tasks.TaskTypeCopy, payload, principal)
		if jerr != nil {
			return respondMapped(c, jerr)
		}
		response["taskId"] = job.ID
	}
	return RespondSuccess(c, response)
}
