// Package api is the HTTP surface: a fiber application exposing the
// filesystem facade, shares, uploads, background tasks, backups and the
// admin plane, all speaking one JSON envelope.
package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/cloudpaste/cloudpaste/internal/auth"
	"github.com/cloudpaste/cloudpaste/internal/backup"
	"github.com/cloudpaste/cloudpaste/internal/cachebus"
	"github.com/cloudpaste/cloudpaste/internal/config"
	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/dircache"
	"github.com/cloudpaste/cloudpaste/internal/encryption"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
	"github.com/cloudpaste/cloudpaste/internal/tasks"
	"github.com/cloudpaste/cloudpaste/internal/vfs"
)

// Server wires every HTTP handler onto one fiber application.
type Server struct {
	getCfg config.ConfigGetter
	db     *database.DB
	fs     *vfs.FS
	tasks  *tasks.Manager
	auth   *auth.Service
	backup *backup.Engine
	bus    *cachebus.Bus
	cache  *dircache.Cache
	cipher *encryption.Cipher
	logger *slog.Logger

	app *fiber.App
}

// NewServer builds the application and registers all routes.
func NewServer(
	getCfg config.ConfigGetter,
	db *database.DB,
	fs *vfs.FS,
	taskManager *tasks.Manager,
	authService *auth.Service,
	backupEngine *backup.Engine,
	bus *cachebus.Bus,
	cache *dircache.Cache,
	cipher *encryption.Cipher,
	logger *slog.Logger,
) *Server {
	s := &Server{
		getCfg: getCfg,
		db:     db,
		fs:     fs,
		tasks:  taskManager,
		auth:   authService,
		backup: backupEngine,
		bus:    bus,
		cache:  cache,
		cipher: cipher,
		logger: logger.With("component", "api"),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "cloudpaste",
		DisableStartupMessage: true,
		StreamRequestBody:     true,
		BodyLimit:             1 << 30,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return respondMapped(c, err)
		},
	})

	s.setupRoutes()
	return s
}

// App exposes the fiber application for listening and tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) setupRoutes() {
	s.app.Use(auth.Middleware(s.auth))

	prefix := s.getCfg().Server.Prefix
	if prefix == "" {
		prefix = "/api"
	}
	api := s.app.Group(prefix)

	// Public share access and admin login carry no policy middleware.
	api.Post("/admin/login", s.handleLogin)
	api.Get("/paste/:slug", s.handleGetPaste)
	api.Get("/file/:slug", s.handleGetFileShare)
	api.Get("/file/:slug/download", s.handleDownloadFileShare)

	api.Post("/paste", s.handleCreatePaste)
	api.Put("/upload-direct/:filename", s.handleUploadDirect)

	fs := api.Group("/fs")
	fs.Get("/list", s.handleFsList)
	fs.Get("/info", s.handleFsInfo)
	fs.Get("/download", s.handleFsDownload)
	fs.Post("/mkdir", s.handleFsMkdir)
	fs.Post("/upload", s.handleFsUpload)
	fs.Post("/rename", s.handleFsRename)
	fs.Post("/copy", s.handleFsCopy)
	fs.Post("/batch-remove", s.handleFsBatchRemove)
	fs.Post("/batch-copy", s.handleFsBatchCopy)

	mp := api.Group("/upload/multipart", auth.RequirePolicy("auth.authenticated", s.logger))
	mp.Post("/init", s.handleMultipartInit)
	mp.Post("/complete", s.handleMultipartComplete)
	mp.Post("/abort", s.handleMultipartAbort)
	mp.Get("/:id/parts", s.handleMultipartParts)
	mp.Post("/refresh", s.handleMultipartRefresh)

	taskGroup := api.Group("/tasks", auth.RequirePolicy("auth.authenticated", s.logger))
	taskGroup.Get("/", s.handleListTasks)
	taskGroup.Get("/:id", s.handleGetTask)
	taskGroup.Post("/:id/cancel", s.handleCancelTask)
	taskGroup.Delete("/:id", s.handleDeleteTask)

	admin := api.Group("/admin", auth.RequirePolicy("admin.all", s.logger))
	admin.Post("/logout", s.handleLogout)

	admin.Get("/api-keys", s.handleListAPIKeys)
	admin.Post("/api-keys", s.handleCreateAPIKey)
	admin.Delete("/api-keys/:id", s.handleDeleteAPIKey)

	admin.Get("/storage-configs", s.handleListStorageConfigs)
	admin.Post("/storage-configs", s.handleCreateStorageConfig)
	admin.Put("/storage-configs/:id", s.handleUpdateStorageConfig)
	admin.Delete("/storage-configs/:id", s.handleDeleteStorageConfig)

	admin.Get("/mounts", s.handleListMounts)
	admin.Post("/mounts", s.handleCreateMount)
	admin.Put("/mounts/:id", s.handleUpdateMount)
	admin.Delete("/mounts/:id", s.handleDeleteMount)

	admin.Get("/cache/stats", s.handleCacheStats)
	admin.Post("/cache/purge", s.handleCachePurge)

	admin.Post("/backup/create", s.handleBackupCreate)
	admin.Post("/backup/restore", s.handleBackupRestore)
}

// authorize evaluates a policy against the request's principal and the
// resolved target paths. A nil return means the call may proceed.
func (s *Server) authorize(c *fiber.Ctx, policyID string, paths ...string) error {
	policy := permissions.Lookup(policyID)
	if policy == nil {
		return fiber.NewError(fiber.StatusInternalServerError, "unknown policy "+policyID)
	}
	principal := auth.FromContext(c)
	decision := permissions.Authorize(s.logger, policy, principal, permissions.Request{
		Method: c.Method(),
		Paths:  paths,
	})
	if !decision.Allowed {
		return fiber.NewError(decision.Status, decision.Message)
	}
	return nil
}
