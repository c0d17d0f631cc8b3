package permissions

// PrincipalKind identifies how the caller authenticated.
type PrincipalKind string

const (
	PrincipalAdmin  PrincipalKind = "admin"
	PrincipalAPIKey PrincipalKind = "apikey"
	PrincipalGuest  PrincipalKind = "guest"
)

// KeyInfo carries the API key record fields the authorizer needs.
type KeyInfo struct {
	ID   string
	Name string
}

// Principal is the resolved caller identity attached to every request.
// Admin principals carry every permission bit; guests carry none.
type Principal struct {
	Kind        PrincipalKind
	ID          string
	Authorities Flag
	BasicPath   string
	Role        Role
	KeyInfo     *KeyInfo
}

// Guest is the anonymous principal.
func Guest() *Principal {
	return &Principal{Kind: PrincipalGuest, BasicPath: "/"}
}

// Admin builds an admin principal with all authorities.
func Admin(id string) *Principal {
	return &Principal{
		Kind:        PrincipalAdmin,
		ID:          id,
		Authorities: AllFlags,
		BasicPath:   "/",
		Role:        RoleAdmin,
	}
}

// IsAdmin reports whether the principal authenticated as an admin account.
func (p *Principal) IsAdmin() bool { return p != nil && p.Kind == PrincipalAdmin }

// IsGuest reports whether the caller is unauthenticated.
func (p *Principal) IsGuest() bool { return p == nil || p.Kind == PrincipalGuest }

// CreatedBy formats the principal as the "<kind>:<id>" owner tag stored on
// shares and tasks.
func (p *Principal) CreatedBy() string {
	if p == nil {
		return ""
	}
	return string(p.Kind) + ":" + p.ID
}
