package identity

// Role is the authorization role carried by an access token.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleOperator
}

// ParseRole normalizes s and returns the matching Role.
func ParseRole(s string) (Role, error) {
	r := Role(NormalizeRole(s))
	if !r.Valid() {
		return "", Invalid("identity.ParseRole", "unknown role")
	}
	return r, nil
}

// Identity is who a connection or request acts as once authenticated.
// It is the only input used for authorization; payload fields never override it.
type Identity struct {
	Subject   string
	Role      Role
	SessionID string
}

// Valid reports whether the identity is fully populated.
func (id Identity) Valid() bool {
	return NormalizeSubject(id.Subject) != "" && id.Role.Valid()
}

func (id Identity) IsOperator() bool { return id.Role == RoleOperator }

func (id Identity) IsCustomer() bool { return id.Role == RoleCustomer }
