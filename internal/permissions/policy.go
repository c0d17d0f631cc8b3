package permissions

import (
	"log/slog"
	"time"

	"github.com/cloudpaste/cloudpaste/internal/pathutil"
)

// PermissionMode selects how a policy's permission list is evaluated.
type PermissionMode string

const (
	ModeAny PermissionMode = "any"
	ModeAll PermissionMode = "all"
)

// PathMode selects the path scope rule.
//
// Operation mode: the target must equal the principal's basic path or be a
// strict descendant of it. Navigation mode additionally admits ancestors of
// the basic path so scoped users can browse down to their subtree.
type PathMode string

const (
	PathModeOperation  PathMode = "operation"
	PathModeNavigation PathMode = "navigation"
)

// Policy is a named, reusable authorization rule.
type Policy struct {
	ID          string
	Permissions []Flag
	Mode        PermissionMode
	RequireAuth bool
	AdminBypass bool
	PathCheck   bool
	PathMode    PathMode
	Custom      func(p *Principal) bool
	Message     string
}

// Denial reasons used in audit records and error payloads.
const (
	ReasonUnauthenticated   = "unauthenticated"
	ReasonMissingPermission = "missing_permission"
	ReasonPathScope         = "path_scope"
	ReasonCustomCheck       = "custom_check"
)

// Decision is the authorization outcome for one request.
type Decision struct {
	Allowed bool
	Reason  string
	Status  int
	Message string
}

// builtin policy table, keyed by policy id.
var policyTable = map[string]*Policy{
	"auth.authenticated": {
		ID:          "auth.authenticated",
		RequireAuth: true,
		AdminBypass: true,
		Message:     "authentication required",
	},
	"admin.all": {
		ID:          "admin.all",
		RequireAuth: true,
		AdminBypass: true,
		Custom:      func(p *Principal) bool { return p.IsAdmin() },
		Message:     "admin access required",
	},
	"fs.read": {
		ID:          "fs.read",
		Permissions: []Flag{MountView},
		Mode:        ModeAll,
		RequireAuth: true,
		AdminBypass: true,
		PathCheck:   true,
		PathMode:    PathModeNavigation,
		Message:     "mount view permission required",
	},
	"fs.upload": {
		ID:          "fs.upload",
		Permissions: []Flag{MountUpload},
		Mode:        ModeAll,
		RequireAuth: true,
		AdminBypass: true,
		PathCheck:   true,
		PathMode:    PathModeOperation,
		Message:     "mount upload permission required",
	},
	"fs.copy": {
		ID:          "fs.copy",
		Permissions: []Flag{MountCopy},
		Mode:        ModeAll,
		RequireAuth: true,
		AdminBypass: true,
		PathCheck:   true,
		PathMode:    PathModeOperation,
		Message:     "mount copy permission required",
	},
	"fs.rename": {
		ID:          "fs.rename",
		Permissions: []Flag{MountRename},
		Mode:        ModeAll,
		RequireAuth: true,
		AdminBypass: true,
		PathCheck:   true,
		PathMode:    PathModeOperation,
		Message:     "mount rename permission required",
	},
	"fs.delete": {
		ID:          "fs.delete",
		Permissions: []Flag{MountDelete},
		Mode:        ModeAll,
		RequireAuth: true,
		AdminBypass: true,
		PathCheck:   true,
		PathMode:    PathModeOperation,
		Message:     "mount delete permission required",
	},
	"text.share": {
		ID:          "text.share",
		Permissions: []Flag{TextShare},
		Mode:        ModeAll,
		RequireAuth: true,
		AdminBypass: true,
		Message:     "text share permission required",
	},
	"file.share": {
		ID:          "file.share",
		Permissions: []Flag{FileShare},
		Mode:        ModeAll,
		RequireAuth: true,
		AdminBypass: true,
		Message:     "file share permission required",
	},
	"webdav.read": {
		ID:          "webdav.read",
		Permissions: []Flag{WebDAVRead},
		Mode:        ModeAll,
		RequireAuth: true,
		AdminBypass: true,
		PathCheck:   true,
		PathMode:    PathModeNavigation,
		Message:     "webdav read permission required",
	},
	"webdav.manage": {
		ID:          "webdav.manage",
		Permissions: []Flag{WebDAVManage},
		Mode:        ModeAll,
		RequireAuth: true,
		AdminBypass: true,
		PathCheck:   true,
		PathMode:    PathModeOperation,
		Message:     "webdav manage permission required",
	},
}

// Lookup returns the policy registered under id, or nil.
func Lookup(id string) *Policy {
	return policyTable[id]
}

// Request carries the per-call inputs the authorizer evaluates in addition
// to the principal: HTTP method and the resolved target path(s).
type Request struct {
	Method string
	Paths  []string
}

// Authorize evaluates policy for principal against req and emits a
// structured audit record regardless of outcome.
func Authorize(logger *slog.Logger, policy *Policy, principal *Principal, req Request) Decision {
	d := evaluate(policy, principal, req)
	audit(logger, policy, principal, req, d)
	return d
}

func evaluate(policy *Policy, principal *Principal, req Request) Decision {
	if principal == nil {
		principal = Guest()
	}

	if policy.RequireAuth && principal.IsGuest() {
		return Decision{Reason: ReasonUnauthenticated, Status: 401, Message: "authentication required"}
	}

	if policy.AdminBypass && principal.IsAdmin() {
		return Decision{Allowed: true}
	}

	if len(policy.Permissions) > 0 {
		ok := false
		switch policy.Mode {
		case ModeAny:
			for _, f := range policy.Permissions {
				if Has(principal.Authorities, f) {
					ok = true
					break
				}
			}
		default: // all
			ok = true
			for _, f := range policy.Permissions {
				if !Has(principal.Authorities, f) {
					ok = false
					break
				}
			}
		}
		if !ok {
			return Decision{Reason: ReasonMissingPermission, Status: 403, Message: policy.Message}
		}
	}

	if policy.PathCheck {
		for _, target := range req.Paths {
			if !pathInScope(principal.BasicPath, target, policy.PathMode) {
				return Decision{Reason: ReasonPathScope, Status: 403, Message: "path outside permitted scope"}
			}
		}
	}

	if policy.Custom != nil && !policy.Custom(principal) {
		return Decision{Reason: ReasonCustomCheck, Status: 403, Message: policy.Message}
	}

	return Decision{Allowed: true}
}

// pathInScope implements the operation/navigation scope rules against the
// principal's basic path.
func pathInScope(basicPath, target string, mode PathMode) bool {
	if basicPath == "" {
		basicPath = "/"
	}
	base := pathutil.Normalize(basicPath)
	t := pathutil.Normalize(target)

	if t == base || pathutil.IsDescendant(base, t) {
		return true
	}
	if mode == PathModeNavigation {
		// Ancestors of the scope are visible so the user can walk down.
		return pathutil.IsAncestorOrSelf(t, base)
	}
	return false
}

func audit(logger *slog.Logger, policy *Policy, principal *Principal, req Request, d Decision) {
	if logger == nil {
		logger = slog.Default()
	}
	decision := "deny"
	if d.Allowed {
		decision = "allow"
	}
	kind := string(PrincipalGuest)
	id := ""
	if principal != nil {
		kind = string(principal.Kind)
		id = principal.ID
	}
	logger.Info("authorization decision",
		"decision", decision,
		"reason", d.Reason,
		"policy", policy.ID,
		"principal_kind", kind,
		"principal_id", id,
		"method", req.Method,
		"paths", req.Paths,
		"status", d.Status,
		"timestamp", time.Now().UnixMilli(),
	)
}
