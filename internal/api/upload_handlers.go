package api

import (
	"fmt"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/cloudpaste/cloudpaste/internal/auth"
	"github.com/cloudpaste/cloudpaste/internal/cachebus"
	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/driver"
	"github.com/cloudpaste/cloudpaste/internal/pathutil"
)

const defaultUploadSessionTTL = 24 * time.Hour

// capReader fails the stream once more than limit bytes pass through, so
// chunked uploads without a Content-Length still respect the cap.
type capReader struct {
	r     io.Reader
	limit int64
	n     int64
}

var errUploadTooLarge = fiber.NewError(fiber.StatusRequestEntityTooLarge, "upload exceeds size limit")

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.limit > 0 && c.n > c.limit {
		return n, errUploadTooLarge
	}
	return n, err
}

// defaultStorageConfig picks the config flagged is_default, or the only
// one when a single config exists.
func (s *Server) defaultStorageConfig() (*database.StorageConfig, error) {
	configs, err := s.db.Storage.List()
	if err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		if cfg.IsDefault {
			return cfg, nil
		}
	}
	if len(configs) == 1 {
		return configs[0], nil
	}
	return nil, fiber.NewError(fiber.StatusBadRequest, "no default storage config; pass storage_config_id")
}

func (s *Server) handleUploadDirect(c *fiber.Ctx) error {
	if err := s.authorize(c, "file.share"); err != nil {
		return err
	}

	filename := c.Params("filename")
	if filename == "" {
		return RespondError(c, fiber.StatusBadRequest, "filename is required")
	}
	if v := c.Query("original_filename"); v != "" {
		filename = v
	}

	var cfg *database.StorageConfig
	var err error
	if id := c.Query("storage_config_id"); id != "" {
		cfg, err = s.db.Storage.Get(id)
	} else {
		cfg, err = s.defaultStorageConfig()
	}
	if err != nil {
		return respondMapped(c, err)
	}

	slug := c.Query("slug")
	override := c.Query("override") == "true" || c.Query("override") == "1"
	if slug != "" && override {
		// Replace the existing share under this slug instead of rejecting.
		if existing, gerr := s.db.Shares.GetFileShareBySlug(slug); gerr == nil && existing != nil {
			if derr := s.db.Shares.DeleteFileShare(existing.ID); derr != nil {
				return respondMapped(c, derr)
			}
		}
	}
	slug, err = s.resolveSlug(slug)
	if err != nil {
		return respondMapped(c, err)
	}

	d, err := s.fs.Resolver().DriverForConfig(c.Context(), cfg)
	if err != nil {
		return respondMapped(c, err)
	}
	writer, ok := d.(driver.Writer)
	if !ok {
		return RespondError(c, fiber.StatusNotImplemented, "storage does not support uploads")
	}

	limit := s.getCfg().MaxUploadBytes()
	size := int64(c.Request().Header.ContentLength())
	if limit > 0 && size > limit {
		return RespondError(c, fiber.StatusRequestEntityTooLarge, "upload exceeds size limit")
	}

	storagePath := pathutil.Join(pathutil.Normalize(c.Query("path", "/")), slug+"-"+filename)
	mimeType := c.Get(fiber.HeaderContentType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	body := &capReader{r: c.Context().RequestBodyStream(), limit: limit}
	err = writer.UploadFile(c.Context(), storagePath, body, driver.UploadOptions{
		ContentType: mimeType,
		Size:        size,
	})
	if err != nil {
		return respondMapped(c, err)
	}
	if size < 0 {
		size = body.n
	}

	useProxy := c.Query("use_proxy") == "1"
	linkType := "proxy"
	if !useProxy {
		if _, ok := d.(driver.DirectLink); ok {
			linkType = "direct"
		}
	}

	var remark *string
	if v := c.Query("remark"); v != "" {
		remark = &v
	}
	var maxViews *int
	if v := c.QueryInt("max_views"); v > 0 {
		maxViews = &v
	}

	share := &database.FileShare{
		ID:              uuid.NewString(),
		Slug:            slug,
		Filename:        filename,
		MimeType:        mimeType,
		Size:            size,
		Remark:          remark,
		StorageConfigID: &cfg.ID,
		StoragePath:     &storagePath,
		UseProxy:        useProxy,
		ExpiresAt:       expiryFromSeconds(int64(c.QueryInt("expires_in"))),
		MaxViews:        maxViews,
		CreatedBy:       auth.FromContext(c).CreatedBy(),
	}
	if err := s.db.Shares.CreateFileShare(share); err != nil {
		return respondMapped(c, err)
	}

	sharePassword := c.Query("password")
	if sharePassword != "" {
		hash, herr := auth.HashPassword(sharePassword)
		if herr != nil {
			return respondMapped(c, herr)
		}
		if err := s.db.Shares.SetPassword("file_passwords", share.ID, hash, sharePassword); err != nil {
			return respondMapped(c, err)
		}
	}

	useProxyInt := 0
	if useProxy {
		useProxyInt = 1
	}
	return RespondSuccess(c, fiber.Map{
		"id":                share.ID,
		"slug":              share.Slug,
		"filename":          share.Filename,
		"mimetype":          share.MimeType,
		"size":              share.Size,
		"remark":            share.Remark,
		"created_at":        share.CreatedAt,
		"requires_password": sharePassword != "",
		"views":             0,
		"max_views":         share.MaxViews,
		"expires_at":        share.ExpiresAt,
		"previewUrl":        "/api/file/" + share.Slug,
		"downloadUrl":       "/api/file/" + share.Slug + "/download",
		"linkType":          linkType,
		"use_proxy":         useProxyInt,
		"created_by":        share.CreatedBy,
	})
}

// loadOwnedSession fetches an upload session the caller may act on.
func (s *Server) loadOwnedSession(c *fiber.Ctx, id string) (*database.UploadSession, error) {
	session, err := s.db.Uploads.Get(id)
	if err != nil {
		return nil, err
	}
	principal := auth.FromContext(c)
	if session == nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "upload session not found")
	}
	if !principal.IsAdmin() &&
		(session.UserKind != string(principal.Kind) || session.UserID != principal.ID) {
		return nil, fiber.NewError(fiber.StatusNotFound, "upload session not found")
	}
	return session, nil
}

// multipartFor resolves the session's fs path back to its driver and
// mount-relative sub path.
func (s *Server) multipartFor(c *fiber.Ctx, session *database.UploadSession) (driver.Multipart, string, error) {
	res, err := s.fs.Resolver().Resolve(c.Context(), session.FsPath, auth.FromContext(c))
	if err != nil {
		return nil, "", err
	}
	mp, ok := res.Driver.(driver.Multipart)
	if !ok {
		return nil, "", fiber.NewError(fiber.StatusNotImplemented, "storage does not support multipart uploads")
	}
	return mp, res.SubPath, nil
}

func (s *Server) handleMultipartInit(c *fiber.Ctx) error {
	var body struct {
		Path        string `json:"path"`
		FileSize    int64  `json:"fileSize"`
		MimeType    string `json:"mimeType"`
		PartSize    int64  `json:"partSize"`
		ExpiresIn   int64  `json:"expiresIn"` // seconds
		ContentHash string `json:"contentHash"`
	}
	if err := c.BodyParser(&body); err != nil || body.Path == "" || body.FileSize <= 0 {
		return RespondError(c, fiber.StatusBadRequest, "path and fileSize are required")
	}
	if err := s.authorize(c, "fs.upload", body.Path); err != nil {
		return err
	}
	if limit := s.getCfg().MaxUploadBytes(); limit > 0 && body.FileSize > limit {
		return RespondError(c, fiber.StatusRequestEntityTooLarge, "upload exceeds size limit")
	}

	principal := auth.FromContext(c)
	res, err := s.fs.Resolver().Resolve(c.Context(), body.Path, principal)
	if err != nil {
		return respondMapped(c, err)
	}
	mp, ok := res.Driver.(driver.Multipart)
	if !ok {
		return RespondError(c, fiber.StatusNotImplemented, "storage does not support multipart uploads")
	}

	ttl := defaultUploadSessionTTL
	if body.ExpiresIn > 0 {
		ttl = time.Duration(body.ExpiresIn) * time.Second
	}
	sessionID := uuid.NewString()

	providerSession, err := mp.InitMultipartUpload(c.Context(), res.SubPath, driver.MultipartInit{
		FileSize:    body.FileSize,
		MimeType:    body.MimeType,
		PartSize:    body.PartSize,
		ExpiresIn:   ttl,
		UploadID:    sessionID,
		ContentHash: body.ContentHash,
	})
	if err != nil {
		return respondMapped(c, err)
	}

	session := &database.UploadSession{
		ID:               sessionID,
		UserID:           principal.ID,
		UserKind:         string(principal.Kind),
		MountID:          res.Mount.ID,
		FsPath:           pathutil.Normalize(body.Path),
		FileSize:         body.FileSize,
		MimeType:         body.MimeType,
		Strategy:         providerSession.Strategy,
		PartSize:         providerSession.PartSize,
		TotalParts:       providerSession.TotalParts,
		ProviderUploadID: &providerSession.UploadID,
		Status:           database.UploadActive,
		ExpiresAt:        time.Now().Add(ttl),
	}
	if body.ContentHash != "" {
		algo := "sha256"
		session.FingerprintAlgo = &algo
		session.FingerprintValue = &body.ContentHash
	}
	if providerSession.SessionURL != "" {
		session.ProviderURL = &providerSession.SessionURL
	}
	if err := s.db.Uploads.Create(session); err != nil {
		return respondMapped(c, err)
	}

	return RespondCreated(c, fiber.Map{
		"id":         session.ID,
		"strategy":   providerSession.Strategy,
		"partSize":   providerSession.PartSize,
		"totalParts": providerSession.TotalParts,
		"partUrls":   providerSession.PartURLs,
		"sessionUrl": providerSession.SessionURL,
		"expiresAt":  session.ExpiresAt,
	})
}

func (s *Server) handleMultipartComplete(c *fiber.Ctx) error {
	var body struct {
		ID    string                 `json:"id"`
		Parts []driver.CompletedPart `json:"parts"`
	}
	if err := c.BodyParser(&body); err != nil || body.ID == "" {
		return RespondError(c, fiber.StatusBadRequest, "id is required")
	}

	session, err := s.loadOwnedSession(c, body.ID)
	if err != nil {
		return respondMapped(c, err)
	}
	if session.Status != database.UploadActive {
		return RespondError(c, fiber.StatusConflict,
			fmt.Sprintf("upload session is %s", session.Status))
	}

	mp, subPath, err := s.multipartFor(c, session)
	if err != nil {
		return respondMapped(c, err)
	}
	result, err := mp.CompleteMultipartUpload(c.Context(), subPath, *session.ProviderUploadID, body.Parts)
	if err != nil {
		_ = s.db.Uploads.SetStatus(session.ID, database.UploadError)
		return respondMapped(c, err)
	}

	if err := s.db.Uploads.UpdateProgress(session.ID, session.TotalParts, result.Size); err != nil {
		s.logger.Warn("failed to record upload progress", "session_id", session.ID, "err", err)
	}
	if err := s.db.Uploads.SetStatus(session.ID, database.UploadCompleted); err != nil {
		return respondMapped(c, err)
	}

	s.bus.Publish(cachebus.Event{
		Target:  cachebus.TargetFS,
		MountID: session.MountID,
		Paths:   []string{pathutil.Parent(subPath)},
		Reason:  "multipart-complete",
	})
	return RespondSuccess(c, fiber.Map{
		"id":          session.ID,
		"storagePath": result.StoragePath,
		"etag":        result.ETag,
		"size":        result.Size,
	})
}

func (s *Server) handleMultipartAbort(c *fiber.Ctx) error {
	var body struct {
		ID string `json:"id"`
	}
	if err := c.BodyParser(&body); err != nil || body.ID == "" {
		return RespondError(c, fiber.StatusBadRequest, "id is required")
	}

	session, err := s.loadOwnedSession(c, body.ID)
	if err != nil {
		return respondMapped(c, err)
	}
	if session.Status != database.UploadActive {
		return RespondError(c, fiber.StatusConflict,
			fmt.Sprintf("upload session is %s", session.Status))
	}

	mp, subPath, err := s.multipartFor(c, session)
	if err != nil {
		return respondMapped(c, err)
	}
	if err := mp.AbortMultipartUpload(c.Context(), subPath, *session.ProviderUploadID); err != nil {
		return respondMapped(c, err)
	}
	if err := s.db.Uploads.SetStatus(session.ID, database.UploadAborted); err != nil {
		return respondMapped(c, err)
	}
	return RespondWithMessage(c, "aborted", fiber.Map{"id": session.ID})
}

func (s *Server) handleMultipartParts(c *fiber.Ctx) error {
	session, err := s.loadOwnedSession(c, c.Params("id"))
	if err != nil {
		return respondMapped(c, err)
	}

	mp, subPath, err := s.multipartFor(c, session)
	if err != nil {
		return respondMapped(c, err)
	}
	parts, err := mp.ListMultipartParts(c.Context(), subPath, *session.ProviderUploadID)
	if err != nil {
		return respondMapped(c, err)
	}

	var uploaded int64
	for _, p := range parts {
		uploaded += p.Size
	}
	if err := s.db.Uploads.UpdateProgress(session.ID, len(parts), uploaded); err != nil {
		s.logger.Warn("failed to record upload progress", "session_id", session.ID, "err", err)
	}
	return RespondSuccess(c, fiber.Map{
		"id":             session.ID,
		"parts":          parts,
		"completedParts": len(parts),
		"uploadedBytes":  uploaded,
		"totalParts":     session.TotalParts,
	})
}

func (s *Server) handleMultipartRefresh(c *fiber.Ctx) error {
	var body struct {
		ID          string `json:"id"`
		PartNumbers []int  `json:"partNumbers"`
	}
	if err := c.BodyParser(&body); err != nil || body.ID == "" {
		return RespondError(c, fiber.StatusBadRequest, "id is required")
	}

	session, err := s.loadOwnedSession(c, body.ID)
	if err != nil {
		return respondMapped(c, err)
	}
	if session.Status != database.UploadActive {
		return RespondError(c, fiber.StatusConflict,
			fmt.Sprintf("upload session is %s", session.Status))
	}

	mp, subPath, err := s.multipartFor(c, session)
	if err != nil {
		return respondMapped(c, err)
	}
	urls, err := mp.RefreshMultipartURLs(c.Context(), subPath, *session.ProviderUploadID, body.PartNumbers)
	if err != nil {
		return respondMapped(c, err)
	}
	return RespondSuccess(c, fiber.Map{"id": session.ID, "partUrls": urls})
}
