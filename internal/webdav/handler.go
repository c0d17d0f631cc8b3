package webdav

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/webdav"

	"github.com/cloudpaste/cloudpaste/internal/auth"
	"github.com/cloudpaste/cloudpaste/internal/config"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
	"github.com/cloudpaste/cloudpaste/internal/vfs"
)

// readMethods are authorized against the webdav.read policy; everything
// else mutates and requires webdav.manage.
var readMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	"PROPFIND":         true,
}

// Handler serves the WebDAV channel: Basic auth against admin accounts
// and API keys, policy checks per method, then golang.org/x/net/webdav
// over the shared virtual filesystem.
type Handler struct {
	getCfg  config.ConfigGetter
	authSvc *auth.Service
	dav     *webdav.Handler
	logger  *slog.Logger
}

// NewHandler builds the WebDAV handler mounted at the configured prefix.
func NewHandler(getCfg config.ConfigGetter, fs *vfs.FS, authSvc *auth.Service, logger *slog.Logger) *Handler {
	h := &Handler{
		getCfg:  getCfg,
		authSvc: authSvc,
		logger:  logger.With("component", "webdav"),
	}
	h.dav = &webdav.Handler{
		Prefix:     getCfg().WebDAV.Prefix,
		FileSystem: NewFileSystem(fs),
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Debug("webdav request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		},
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.getCfg()
	if cfg.WebDAV.Enabled != nil && !*cfg.WebDAV.Enabled {
		http.Error(w, "webdav channel is disabled", http.StatusNotFound)
		return
	}

	principal := h.resolve(r)
	if principal == nil || principal.IsGuest() {
		w.Header().Set("WWW-Authenticate", `Basic realm="cloudpaste"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	policyID := "webdav.manage"
	if readMethods[r.Method] {
		policyID = "webdav.read"
	}

	paths := []string{h.fsPath(cfg, r.URL.Path)}
	if dest := r.Header.Get("Destination"); dest != "" {
		if p, err := destinationPath(cfg, dest); err == nil {
			paths = append(paths, p)
		}
	}

	decision := permissions.Authorize(h.logger, permissions.Lookup(policyID), principal, permissions.Request{
		Method: r.Method,
		Paths:  paths,
	})
	if !decision.Allowed {
		http.Error(w, decision.Message, decision.Status)
		return
	}

	h.dav.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
}

// resolve authenticates the Basic credentials. A missing or malformed
// header yields nil so the caller can challenge.
func (h *Handler) resolve(r *http.Request) *permissions.Principal {
	username, password, ok := auth.ParseBasic(r.Header.Get("Authorization"))
	if !ok {
		return nil
	}
	principal, err := h.authSvc.ResolveBasic(username, password)
	if err != nil {
		h.logger.Debug("basic auth rejected", "username", username, "err", err)
		return nil
	}
	return principal
}

// fsPath strips the mount prefix off the request path.
func (h *Handler) fsPath(cfg *config.Config, p string) string {
	p = strings.TrimPrefix(p, cfg.WebDAV.Prefix)
	if p == "" {
		p = "/"
	}
	return p
}

// destinationPath extracts the filesystem path from a Destination
// header, which MOVE and COPY send as an absolute URL or path.
func destinationPath(cfg *config.Config, dest string) (string, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return "", err
	}
	p := strings.TrimPrefix(u.Path, cfg.WebDAV.Prefix)
	if p == "" {
		p = "/"
	}
	return p, nil
}
