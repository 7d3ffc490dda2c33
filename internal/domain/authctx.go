package domain

// Role is the gateway's role hierarchy: viewer < user < admin < super_admin.
type Role string

const (
	RoleViewer      Role = "viewer"
	RoleUser        Role = "user"
	RoleAdmin       Role = "admin"
	RoleSuperAdmin  Role = "super_admin"
)

var roleRank = map[Role]int{
	RoleViewer:     0,
	RoleUser:       1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

// AtLeast reports whether r is at or above the given minimum role.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// AuthContext is the verified identity propagated from the Admission Layer
// through the Router to upstream services.
type AuthContext struct {
	UserID      string
	Email       string
	Role        Role
	Team        string
	Permissions []string
}
