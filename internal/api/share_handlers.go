package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sethvargo/go-password/password"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloudpaste/cloudpaste/internal/auth"
	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/driver"
	"github.com/cloudpaste/cloudpaste/internal/streaming"
)

// newSlug generates a short lowercase alphanumeric slug.
func newSlug() (string, error) {
	return password.Generate(8, 3, 0, true, true)
}

// resolveSlug validates a caller-provided slug or generates a free one.
func (s *Server) resolveSlug(requested string) (string, error) {
	if requested != "" {
		taken, err := s.db.Shares.SlugExists(requested)
		if err != nil {
			return "", err
		}
		if taken {
			return "", fiber.NewError(fiber.StatusConflict, "slug is already taken")
		}
		return requested, nil
	}
	for i := 0; i < 5; i++ {
		slug, err := newSlug()
		if err != nil {
			return "", err
		}
		taken, err := s.db.Shares.SlugExists(slug)
		if err != nil {
			return "", err
		}
		if !taken {
			return slug, nil
		}
	}
	return "", fiber.NewError(fiber.StatusConflict, "could not allocate a free slug")
}

// shareExpired reports whether a share is past its expiry or view budget.
func shareExpired(expiresAt *time.Time, maxViews *int, views int) bool {
	if expiresAt != nil && !expiresAt.After(time.Now()) {
		return true
	}
	if maxViews != nil && views >= *maxViews {
		return true
	}
	return false
}

// checkSharePassword verifies the share's password when one is set.
// Returns nil when the share is open or the supplied password matches.
func (s *Server) checkSharePassword(table, shareID, supplied string) error {
	pw, err := s.db.Shares.GetPassword(table, shareID)
	if err != nil {
		return err
	}
	if pw == nil {
		return nil
	}
	if supplied == "" {
		return fiber.NewError(fiber.StatusForbidden, "password required")
	}
	if bcrypt.CompareHashAndPassword([]byte(pw.PasswordHash), []byte(supplied)) != nil {
		return fiber.NewError(fiber.StatusForbidden, "wrong password")
	}
	return nil
}

func expiryFromSeconds(expiresIn int64) *time.Time {
	if expiresIn <= 0 {
		return nil
	}
	t := time.Now().Add(time.Duration(expiresIn) * time.Second)
	return &t
}

func (s *Server) handleCreatePaste(c *fiber.Ctx) error {
	if err := s.authorize(c, "text.share"); err != nil {
		return err
	}

	var body struct {
		Content   string  `json:"content"`
		Slug      string  `json:"slug"`
		Remark    *string `json:"remark"`
		Password  string  `json:"password"`
		ExpiresIn int64   `json:"expires_in"`
		MaxViews  *int    `json:"max_views"`
	}
	if err := c.BodyParser(&body); err != nil || body.Content == "" {
		return RespondError(c, fiber.StatusBadRequest, "content is required")
	}

	slug, err := s.resolveSlug(body.Slug)
	if err != nil {
		return respondMapped(c, err)
	}

	paste := &database.PasteShare{
		ID:        uuid.NewString(),
		Slug:      slug,
		Content:   body.Content,
		Remark:    body.Remark,
		ExpiresAt: expiryFromSeconds(body.ExpiresIn),
		MaxViews:  body.MaxViews,
		CreatedBy: auth.FromContext(c).CreatedBy(),
	}
	if err := s.db.Shares.CreatePasteShare(paste); err != nil {
		return respondMapped(c, err)
	}

	if body.Password != "" {
		hash, err := auth.HashPassword(body.Password)
		if err != nil {
			return respondMapped(c, err)
		}
		if err := s.db.Shares.SetPassword("paste_passwords", paste.ID, hash, body.Password); err != nil {
			return respondMapped(c, err)
		}
	}

	return RespondCreated(c, fiber.Map{
		"id":                paste.ID,
		"slug":              paste.Slug,
		"remark":            paste.Remark,
		"expires_at":        paste.ExpiresAt,
		"max_views":         paste.MaxViews,
		"requires_password": body.Password != "",
		"created_by":        paste.CreatedBy,
	})
}

func (s *Server) handleGetPaste(c *fiber.Ctx) error {
	paste, err := s.db.Shares.GetPasteShareBySlug(c.Params("slug"))
	if err != nil {
		return respondMapped(c, err)
	}
	if paste == nil || shareExpired(paste.ExpiresAt, paste.MaxViews, paste.Views) {
		return RespondError(c, fiber.StatusNotFound, "paste not found")
	}
	if err := s.checkSharePassword("paste_passwords", paste.ID, c.Query("password")); err != nil {
		return respondMapped(c, err)
	}

	views, err := s.db.Shares.IncrementPasteViews(paste.ID)
	if err != nil {
		return respondMapped(c, err)
	}

	return RespondSuccess(c, fiber.Map{
		"id":         paste.ID,
		"slug":       paste.Slug,
		"content":    paste.Content,
		"remark":     paste.Remark,
		"expires_at": paste.ExpiresAt,
		"max_views":  paste.MaxViews,
		"views":      views,
		"created_at": paste.CreatedAt,
	})
}

func (s *Server) handleGetFileShare(c *fiber.Ctx) error {
	share, err := s.db.Shares.GetFileShareBySlug(c.Params("slug"))
	if err != nil {
		return respondMapped(c, err)
	}
	if share == nil || shareExpired(share.ExpiresAt, share.MaxViews, share.Views) {
		return RespondError(c, fiber.StatusNotFound, "file not found")
	}
	pw, err := s.db.Shares.GetPassword("file_passwords", share.ID)
	if err != nil {
		return respondMapped(c, err)
	}

	return RespondSuccess(c, fiber.Map{
		"id":                share.ID,
		"slug":              share.Slug,
		"filename":          share.Filename,
		"mimetype":          share.MimeType,
		"size":              share.Size,
		"remark":            share.Remark,
		"expires_at":        share.ExpiresAt,
		"max_views":         share.MaxViews,
		"views":             share.Views,
		"requires_password": pw != nil,
		"created_at":        share.CreatedAt,
		"downloadUrl":       "/api/file/" + share.Slug + "/download",
	})
}

func (s *Server) handleDownloadFileShare(c *fiber.Ctx) error {
	share, err := s.db.Shares.GetFileShareBySlug(c.Params("slug"))
	if err != nil {
		return respondMapped(c, err)
	}
	if share == nil || shareExpired(share.ExpiresAt, share.MaxViews, share.Views) {
		return RespondError(c, fiber.StatusNotFound, "file not found")
	}
	if err := s.checkSharePassword("file_passwords", share.ID, c.Query("password")); err != nil {
		return respondMapped(c, err)
	}
	if share.StorageConfigID == nil || share.StoragePath == nil {
		return RespondError(c, fiber.StatusNotFound, "file has no stored content")
	}

	cfg, err := s.db.Storage.Get(*share.StorageConfigID)
	if err != nil {
		return respondMapped(c, err)
	}
	d, err := s.fs.Resolver().DriverForConfig(c.Context(), cfg)
	if err != nil {
		return respondMapped(c, err)
	}
	reader, ok := d.(driver.Reader)
	if !ok {
		return RespondError(c, fiber.StatusNotImplemented, "storage does not support downloads")
	}
	desc, err := reader.DownloadFile(c.Context(), *share.StoragePath)
	if err != nil {
		return respondMapped(c, err)
	}

	rr, err := streaming.NewRangeReader(desc, streaming.Request{
		Channel:           streaming.ChannelShare,
		RangeHeader:       c.Get(fiber.HeaderRange),
		IfNoneMatch:       c.Get(fiber.HeaderIfNoneMatch),
		IfModifiedSince:   c.Get(fiber.HeaderIfModifiedSince),
		IfMatch:           c.Get(fiber.HeaderIfMatch),
		IfUnmodifiedSince: c.Get(fiber.HeaderIfUnmodifiedSince),
	})
	if err != nil {
		return respondMapped(c, err)
	}

	if _, err := s.db.Shares.IncrementFileViews(share.ID); err != nil {
		s.logger.Warn("failed to record file share view", "share_id", share.ID, "err", err)
	}

	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", share.Filename))
	return sendRangeReader(c, rr)
}
