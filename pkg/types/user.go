package types

// UserRole represents a user's role within a tenant workplace
type UserRole string

const (
	RoleOwner      UserRole = "owner"
	RolePharmacist UserRole = "pharmacist"
	RoleDoctor     UserRole = "doctor"
	RoleNurse      UserRole = "nurse"
	RoleLabTech    UserRole = "lab_technician"
	RoleAdmin      UserRole = "admin"
)

// orderingRoles are the roles authorized to place manual lab orders
var orderingRoles = map[UserRole]bool{
	RoleOwner:      true,
	RolePharmacist: true,
	RoleDoctor:     true,
	RoleAdmin:      true,
}

// CanOrderLabTests reports whether the role may create lab orders
func (r UserRole) CanOrderLabTests() bool {
	return orderingRoles[r]
}

// Elevated reports whether the role gets higher rate-limit ceilings
func (r UserRole) Elevated() bool {
	return r == RoleOwner || r == RoleAdmin
}

// UserClaims are the authenticated caller's identity claims
type UserClaims struct {
	UserID   string   `json:"userId"`
	TenantID string   `json:"tenantId"`
	Role     UserRole `json:"role"`
}
