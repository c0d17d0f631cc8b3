package auth

import (
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/cloudpaste/cloudpaste/internal/permissions"
)

// principalKey is the fiber locals slot carrying the resolved principal.
const principalKey = "auth.principal"

// Middleware resolves request credentials into a principal and stores it
// in the request locals. Requests without credentials proceed as guest;
// policy enforcement happens per-route via RequirePolicy.
//
// Credential sources, in order:
//
//	Authorization: Bearer <admin-token>   (falls through to api key lookup)
//	Authorization: ApiKey <secret>
//	X-Custom-Auth-Key: <secret>
func Middleware(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, err := resolve(svc, c)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "credential resolution failed")
		}
		c.Locals(principalKey, principal)
		return c.Next()
	}
}

func resolve(svc *Service, c *fiber.Ctx) (*permissions.Principal, error) {
	header := c.Get(fiber.HeaderAuthorization)

	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		p, err := svc.ResolveAdminToken(token)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
		// Some clients send api keys as bearer tokens.
		if p, err = svc.ResolveAPIKey(token); err != nil {
			return nil, err
		} else if p != nil {
			return p, nil
		}
	}

	if secret, ok := strings.CutPrefix(header, "ApiKey "); ok {
		p, err := svc.ResolveAPIKey(secret)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}

	if secret := c.Get("X-Custom-Auth-Key"); secret != "" {
		p, err := svc.ResolveAPIKey(secret)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}

	return permissions.Guest(), nil
}

// ResolveBasic authenticates a Basic credential pair for the WebDAV
// channel: admin username/password, or an api key secret supplied as
// either field. Returns nil when nothing matches.
func (s *Service) ResolveBasic(username, password string) (*permissions.Principal, error) {
	if username != "" && password != "" {
		admin, err := s.repo.GetAdminByUsername(username)
		if err != nil {
			return nil, err
		}
		if admin != nil && bcryptMatch(admin.PasswordHash, password) {
			return permissions.Admin(admin.ID), nil
		}
	}

	for _, candidate := range []string{password, username} {
		if candidate == "" {
			continue
		}
		p, err := s.ResolveAPIKey(candidate)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}

// ParseBasic decodes an Authorization: Basic header value.
func ParseBasic(header string) (username, password string, ok bool) {
	encoded, found := strings.CutPrefix(header, "Basic ")
	if !found {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(raw), ":")
}

// FromContext returns the principal attached by Middleware, or guest.
func FromContext(c *fiber.Ctx) *permissions.Principal {
	if p, ok := c.Locals(principalKey).(*permissions.Principal); ok && p != nil {
		return p
	}
	return permissions.Guest()
}

// RequirePolicy enforces a named policy before the route handler runs.
// Routes whose path scope depends on request parameters authorize again
// inside the handler with the resolved paths.
func RequirePolicy(policyID string, logger *slog.Logger) fiber.Handler {
	policy := permissions.Lookup(policyID)
	if policy == nil {
		panic("auth: unknown policy " + policyID)
	}
	return func(c *fiber.Ctx) error {
		principal := FromContext(c)
		decision := permissions.Authorize(logger, policy, principal, permissions.Request{
			Method: c.Method(),
		})
		if !decision.Allowed {
			return fiber.NewError(decision.Status, decision.Message)
		}
		return c.Next()
	}
}
