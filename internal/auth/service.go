// Package auth resolves request credentials into permission principals.
// Admins authenticate with username/password and hold uuid bearer tokens;
// API keys are opaque secrets carrying a permission bitmask and path scope.
package auth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
)

const defaultTokenTTL = 24 * time.Hour

// Service authenticates credentials against the auth repository.
type Service struct {
	repo     *database.AuthRepository
	tokenTTL time.Duration
	logger   *slog.Logger
}

// NewService creates the auth service. A non-positive tokenTTL falls back
// to 24 hours.
func NewService(repo *database.AuthRepository, tokenTTL time.Duration, logger *slog.Logger) *Service {
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	return &Service{
		repo:     repo,
		tokenTTL: tokenTTL,
		logger:   logger.With("component", "auth"),
	}
}

// HashPassword hashes a password with bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Login verifies an admin's credentials and mints a session token.
func (s *Service) Login(username, password string) (*database.Admin, *database.AdminToken, error) {
	admin, err := s.repo.GetAdminByUsername(username)
	if err != nil {
		return nil, nil, err
	}
	if admin == nil {
		return nil, nil, fmt.Errorf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return nil, nil, fmt.Errorf("invalid credentials")
	}

	token := &database.AdminToken{
		Token:     uuid.NewString(),
		AdminID:   admin.ID,
		ExpiresAt: time.Now().Add(s.tokenTTL),
	}
	if err := s.repo.CreateToken(token); err != nil {
		return nil, nil, err
	}

	s.logger.Info("admin logged in", "admin_id", admin.ID, "username", admin.Username)
	return admin, token, nil
}

// Logout revokes a session token. Revoking an unknown token is a no-op.
func (s *Service) Logout(token string) error {
	return s.repo.DeleteToken(token)
}

// ResolveAdminToken maps a bearer token to an admin principal. Unknown or
// expired tokens resolve to nil without error.
func (s *Service) ResolveAdminToken(token string) (*permissions.Principal, error) {
	admin, err := s.repo.ResolveToken(token)
	if err != nil {
		return nil, err
	}
	if admin == nil {
		return nil, nil
	}
	return permissions.Admin(admin.ID), nil
}

// ResolveAPIKey maps a key secret to an api-key principal and records the
// use. Disabled and expired keys resolve to nil without error.
func (s *Service) ResolveAPIKey(secret string) (*permissions.Principal, error) {
	key, err := s.repo.GetAPIKeyBySecret(secret)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, nil
	}

	if err := s.repo.TouchAPIKey(key.ID, time.Now()); err != nil {
		s.logger.Warn("failed to record api key use", "key_id", key.ID, "err", err)
	}
	return PrincipalFromKey(key), nil
}

// PrincipalForKey rebuilds the principal for a stored key id, preserving
// its permission bits and path scope. Deleted, disabled and expired keys
// resolve to nil without error.
func (s *Service) PrincipalForKey(id string) (*permissions.Principal, error) {
	key, err := s.repo.GetAPIKey(id)
	if err != nil {
		return nil, err
	}
	if key == nil || !key.IsEnable {
		return nil, nil
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	return PrincipalFromKey(key), nil
}

func bcryptMatch(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// PrincipalFromKey builds the principal for an API key record. The key's
// explicit permission bits are merged with its role preset.
func PrincipalFromKey(key *database.APIKey) *permissions.Principal {
	role := permissions.Role(key.Role)
	basicPath := key.BasicPath
	if basicPath == "" {
		basicPath = "/"
	}
	return &permissions.Principal{
		Kind:        permissions.PrincipalAPIKey,
		ID:          key.ID,
		Authorities: permissions.Flag(key.Permissions) | permissions.RoleFlags(role),
		BasicPath:   basicPath,
		Role:        role,
		KeyInfo:     &permissions.KeyInfo{ID: key.ID, Name: key.Name},
	}
}
