package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sethvargo/go-password/password"

	"github.com/cloudpaste/cloudpaste/internal/auth"
	"github.com/cloudpaste/cloudpaste/internal/cachebus"
	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
)

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil || body.Username == "" || body.Password == "" {
		return RespondError(c, fiber.StatusBadRequest, "username and password are required")
	}

	admin, token, err := s.auth.Login(body.Username, body.Password)
	if err != nil {
		return RespondError(c, fiber.StatusUnauthorized, "invalid credentials")
	}
	return RespondSuccess(c, fiber.Map{
		"adminId":   admin.ID,
		"username":  admin.Username,
		"token":     token.Token,
		"expiresAt": token.ExpiresAt,
	})
}

func (s *Server) handleLogout(c *fiber.Ctx) error {
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok || token == "" {
		return RespondError(c, fiber.StatusBadRequest, "no bearer token to revoke")
	}
	if err := s.auth.Logout(token); err != nil {
		return respondMapped(c, err)
	}
	return RespondWithMessage(c, "logged out", nil)
}

// apiKeyView never exposes the secret; it is returned once at creation.
type apiKeyView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Permissions uint32     `json:"permissions"`
	Role        string     `json:"role"`
	BasicPath   string     `json:"basicPath"`
	IsEnable    bool       `json:"isEnable"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func toAPIKeyView(k *database.APIKey) apiKeyView {
	return apiKeyView{
		ID:          k.ID,
		Name:        k.Name,
		Permissions: k.Permissions,
		Role:        k.Role,
		BasicPath:   k.BasicPath,
		IsEnable:    k.IsEnable,
		ExpiresAt:   k.ExpiresAt,
		LastUsed:    k.LastUsed,
		CreatedAt:   k.CreatedAt,
	}
}

func (s *Server) handleListAPIKeys(c *fiber.Ctx) error {
	keys, err := s.db.Auth.ListAPIKeys()
	if err != nil {
		return respondMapped(c, err)
	}
	views := make([]apiKeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, toAPIKeyView(k))
	}
	return RespondSuccess(c, views)
}

func (s *Server) handleCreateAPIKey(c *fiber.Ctx) error {
	var body struct {
		Name        string     `json:"name"`
		Permissions uint32     `json:"permissions"`
		Role        string     `json:"role"`
		BasicPath   string     `json:"basicPath"`
		ExpiresAt   *time.Time `json:"expiresAt"`
	}
	if err := c.BodyParser(&body); err != nil || body.Name == "" {
		return RespondError(c, fiber.StatusBadRequest, "name is required")
	}

	secret, err := password.Generate(32, 10, 0, false, true)
	if err != nil {
		return respondMapped(c, err)
	}
	if body.BasicPath == "" {
		body.BasicPath = "/"
	}
	switch permissions.Role(body.Role) {
	case "":
		body.Role = string(permissions.RoleGuest)
	case permissions.RoleGuest, permissions.RoleGeneral, permissions.RoleAdmin:
	default:
		return RespondError(c, fiber.StatusBadRequest, "unknown role "+body.Role)
	}

	key := &database.APIKey{
		ID:          uuid.NewString(),
		Name:        body.Name,
		Key:         secret,
		Permissions: body.Permissions,
		Role:        body.Role,
		BasicPath:   body.BasicPath,
		IsEnable:    true,
		ExpiresAt:   body.ExpiresAt,
	}
	if err := s.db.Auth.CreateAPIKey(key); err != nil {
		return respondMapped(c, err)
	}

	view := toAPIKeyView(key)
	return RespondCreated(c, fiber.Map{
		"key":    view,
		"secret": secret, // shown once, never retrievable again
	})
}

func (s *Server) handleDeleteAPIKey(c *fiber.Ctx) error {
	if err := s.db.Auth.DeleteAPIKey(c.Params("id")); err != nil {
		return respondMapped(c, err)
	}
	return RespondWithMessage(c, "deleted", fiber.Map{"id": c.Params("id")})
}

// secretFields names the driver_config keys encrypted at rest, per kind.
var secretFields = map[database.DriverKind][]string{
	database.DriverS3:     {"secretAccessKey"},
	database.DriverWebDAV: {"password"},
}

// encryptSecrets seals the secret fields of a driver_config blob. Empty
// values are left alone so updates can omit an unchanged secret.
func (s *Server) encryptSecrets(kind database.DriverKind, rawConfig string) (string, error) {
	fields := secretFields[kind]
	if len(fields) == 0 || rawConfig == "" {
		return rawConfig, nil
	}

	var blob map[string]any
	if err := json.Unmarshal([]byte(rawConfig), &blob); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, "driver config is not valid JSON")
	}
	for _, field := range fields {
		v, ok := blob[field].(string)
		if !ok || v == "" {
			continue
		}
		sealed, err := s.cipher.EncryptString(v)
		if err != nil {
			return "", err
		}
		blob[field] = sealed
	}
	out, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type storageConfigBody struct {
	Name         string              `json:"name"`
	DriverKind   database.DriverKind `json:"driverKind"`
	DriverConfig json.RawMessage     `json:"driverConfig"`
	IsPublic     bool                `json:"isPublic"`
	IsDefault    bool                `json:"isDefault"`
	QuotaBytes   *int64              `json:"quotaBytes"`
}

// storageConfigView hides the driver_config blob, which carries sealed
// secrets.
type storageConfigView struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	DriverKind database.DriverKind `json:"driverKind"`
	IsPublic   bool                `json:"isPublic"`
	IsDefault  bool                `json:"isDefault"`
	QuotaBytes *int64              `json:"quotaBytes,omitempty"`
	AdminID    string              `json:"adminId"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

func toStorageConfigView(cfg *database.StorageConfig) storageConfigView {
	return storageConfigView{
		ID:         cfg.ID,
		Name:       cfg.Name,
		DriverKind: cfg.DriverKind,
		IsPublic:   cfg.IsPublic,
		IsDefault:  cfg.IsDefault,
		QuotaBytes: cfg.QuotaBytes,
		AdminID:    cfg.AdminID,
		CreatedAt:  cfg.CreatedAt,
		UpdatedAt:  cfg.UpdatedAt,
	}
}

func (s *Server) handleListStorageConfigs(c *fiber.Ctx) error {
	configs, err := s.db.Storage.List()
	if err != nil {
		return respondMapped(c, err)
	}
	views := make([]storageConfigView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, toStorageConfigView(cfg))
	}
	return RespondSuccess(c, views)
}

func (s *Server) handleCreateStorageConfig(c *fiber.Ctx) error {
	var body storageConfigBody
	if err := c.BodyParser(&body); err != nil || body.Name == "" || body.DriverKind == "" {
		return RespondError(c, fiber.StatusBadRequest, "name and driverKind are required")
	}

	sealed, err := s.encryptSecrets(body.DriverKind, string(body.DriverConfig))
	if err != nil {
		return respondMapped(c, err)
	}

	cfg := &database.StorageConfig{
		ID:           uuid.NewString(),
		Name:         body.Name,
		DriverKind:   body.DriverKind,
		DriverConfig: sealed,
		IsPublic:     body.IsPublic,
		IsDefault:    body.IsDefault,
		QuotaBytes:   body.QuotaBytes,
		AdminID:      auth.FromContext(c).ID,
	}
	if err := s.db.Storage.Create(cfg); err != nil {
		return respondMapped(c, err)
	}
	return RespondCreated(c, toStorageConfigView(cfg))
}

func (s *Server) handleUpdateStorageConfig(c *fiber.Ctx) error {
	cfg, err := s.db.Storage.Get(c.Params("id"))
	if err != nil {
		return respondMapped(c, err)
	}

	var body storageConfigBody
	if err := c.BodyParser(&body); err != nil {
		return RespondError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if body.Name != "" {
		cfg.Name = body.Name
	}
	cfg.IsPublic = body.IsPublic
	cfg.IsDefault = body.IsDefault
	cfg.QuotaBytes = body.QuotaBytes
	if len(body.DriverConfig) > 0 {
		sealed, err := s.encryptSecrets(cfg.DriverKind, string(body.DriverConfig))
		if err != nil {
			return respondMapped(c, err)
		}
		cfg.DriverConfig = sealed
	}

	if err := s.db.Storage.Update(cfg); err != nil {
		return respondMapped(c, err)
	}
	s.bus.Publish(cachebus.Event{
		Target:          cachebus.TargetFS,
		StorageConfigID: cfg.ID,
		Reason:          "storage-config.update",
	})
	return RespondSuccess(c, toStorageConfigView(cfg))
}

func (s *Server) handleDeleteStorageConfig(c *fiber.Ctx) error {
	id := c.Params("id")

	mounts, err := s.db.Mounts.ListByConfig(id)
	if err != nil {
		return respondMapped(c, err)
	}
	if len(mounts) > 0 {
		return RespondError(c, fiber.StatusConflict, "storage config still has mounts")
	}

	if err := s.db.Storage.Delete(id); err != nil {
		return respondMapped(c, err)
	}
	s.bus.Publish(cachebus.Event{
		Target:          cachebus.TargetFS,
		StorageConfigID: id,
		Reason:          "storage-config.delete",
	})
	return RespondWithMessage(c, "deleted", fiber.Map{"id": id})
}

type mountBody struct {
	Name            string                `json:"name"`
	StorageConfigID string                `json:"storageConfigId"`
	MountPath       string                `json:"mountPath"`
	IsActive        *bool                 `json:"isActive"`
	WebProxy        bool                  `json:"webProxy"`
	EnableSign      bool                  `json:"enableSign"`
	SignExpires     *int                  `json:"signExpires"`
	WebDAVPolicy    database.WebDAVPolicy `json:"webdavPolicy"`
	SortOrder       int                   `json:"sortOrder"`
	CacheTTL        *int                  `json:"cacheTtl"`
}

func (s *Server) handleListMounts(c *fiber.Ctx) error {
	mounts, err := s.db.Mounts.ListAll()
	if err != nil {
		return respondMapped(c, err)
	}
	return RespondSuccess(c, mounts)
}

func (s *Server) handleCreateMount(c *fiber.Ctx) error {
	var body mountBody
	if err := c.BodyParser(&body); err != nil || body.MountPath == "" || body.StorageConfigID == "" {
		return RespondError(c, fiber.StatusBadRequest, "mountPath and storageConfigId are required")
	}
	if _, err := s.db.Storage.Get(body.StorageConfigID); err != nil {
		return respondMapped(c, err)
	}
	if err := s.fs.Resolver().ValidateMountPath(body.MountPath, ""); err != nil {
		return respondMapped(c, err)
	}

	active := true
	if body.IsActive != nil {
		active = *body.IsActive
	}
	if body.WebDAVPolicy == "" {
		body.WebDAVPolicy = database.WebDAVPolicyNative
	}

	m := &database.StorageMount{
		ID:              uuid.NewString(),
		Name:            body.Name,
		StorageConfigID: body.StorageConfigID,
		MountPath:       body.MountPath,
		IsActive:        active,
		WebProxy:        body.WebProxy,
		EnableSign:      body.EnableSign,
		SignExpires:     body.SignExpires,
		WebDAVPolicy:    body.WebDAVPolicy,
		SortOrder:       body.SortOrder,
		CacheTTL:        body.CacheTTL,
		CreatedBy:       auth.FromContext(c).CreatedBy(),
	}
	if err := s.db.Mounts.Create(m); err != nil {
		return respondMapped(c, err)
	}
	s.bus.Publish(cachebus.Event{
		Target:            cachebus.TargetFS,
		MountID:           m.ID,
		Reason:            "mount.create",
		BumpMountsVersion: true,
	})
	return RespondCreated(c, m)
}

func (s *Server) handleUpdateMount(c *fiber.Ctx) error {
	m, err := s.db.Mounts.Get(c.Params("id"))
	if err != nil {
		return respondMapped(c, err)
	}

	var body mountBody
	if err := c.BodyParser(&body); err != nil {
		return RespondError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if body.MountPath != "" && body.MountPath != m.MountPath {
		if err := s.fs.Resolver().ValidateMountPath(body.MountPath, m.ID); err != nil {
			return respondMapped(c, err)
		}
		m.MountPath = body.MountPath
	}
	if body.Name != "" {
		m.Name = body.Name
	}
	if body.StorageConfigID != "" {
		if _, err := s.db.Storage.Get(body.StorageConfigID); err != nil {
			return respondMapped(c, err)
		}
		m.StorageConfigID = body.StorageConfigID
	}
	if body.IsActive != nil {
		m.IsActive = *body.IsActive
	}
	m.WebProxy = body.WebProxy
	m.EnableSign = body.EnableSign
	m.SignExpires = body.SignExpires
	if body.WebDAVPolicy != "" {
		m.WebDAVPolicy = body.WebDAVPolicy
	}
	m.SortOrder = body.SortOrder
	m.CacheTTL = body.CacheTTL

	if err := s.db.Mounts.Update(m); err != nil {
		return respondMapped(c, err)
	}
	s.bus.Publish(cachebus.Event{
		Target:            cachebus.TargetFS,
		MountID:           m.ID,
		Reason:            "mount.update",
		BumpMountsVersion: true,
	})
	return RespondSuccess(c, m)
}

func (s *Server) handleDeleteMount(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.db.Mounts.Delete(id); err != nil {
		return respondMapped(c, err)
	}
	s.bus.Publish(cachebus.Event{
		Target:            cachebus.TargetFS,
		MountID:           id,
		Reason:            "mount.delete",
		BumpMountsVersion: true,
	})
	return RespondWithMessage(c, "deleted", fiber.Map{"id": id})
}

func (s *Server) handleCacheStats(c *fiber.Ctx) error {
	stats := s.cache.Stats()
	return RespondSuccess(c, fiber.Map{
		"hits":          stats.Hits,
		"misses":        stats.Misses,
		"invalidations": stats.Invalidations,
		"size":          stats.Size,
		"mountsVersion": s.bus.MountsVersion(),
	})
}

func (s *Server) handleCachePurge(c *fiber.Ctx) error {
	s.bus.Publish(cachebus.Event{
		Target:        cachebus.TargetFS,
		Reason:        "admin.purge",
		InvalidateAll: true,
	})
	return RespondWithMessage(c, "cache purged", nil)
}
