package marketplace

import "strings"

// Role is a bit set of the roles an identity currently holds.
type Role uint8

const (
	RoleShopper Role = 1 << iota
	RoleStoreOwner
	RoleAdministrator
	RoleSuperAdministrator
)

// Has reports whether every bit of other is set.
func (r Role) Has(other Role) bool {
	return r&other == other
}

// Names lists the roles in r, lowest privilege first.
func (r Role) Names() []string {
	var out []string
	if r.Has(RoleShopper) {
		out = append(out, "shopper")
	}
	if r.Has(RoleStoreOwner) {
		out = append(out, "store_owner")
	}
	if r.Has(RoleAdministrator) {
		out = append(out, "admin")
	}
	if r.Has(RoleSuperAdministrator) {
		out = append(out, "super_admin")
	}
	return out
}

func (r Role) String() string {
	return strings.Join(r.Names(), ",")
}

// Capability is a permission checked before a mutation.
type Capability string

const (
	CapGrantAdministrator Capability = "grant-administrator"
	CapGrantStoreOwner    Capability = "grant-store-owner"
	CapCreateStoreFront   Capability = "create-storefront"
	CapCreateProduct      Capability = "create-product"
	CapPurchase           Capability = "purchase"
	CapWithdraw           Capability = "withdraw"
)

// capabilities maps each capability to the roles that hold it (any of).
// create-product additionally requires ownership of the target storefront.
var capabilities = map[Capability]Role{
	CapGrantAdministrator: RoleSuperAdministrator,
	CapGrantStoreOwner:    RoleSuperAdministrator | RoleAdministrator,
	CapCreateStoreFront:   RoleStoreOwner,
	CapCreateProduct:      RoleStoreOwner,
	CapPurchase:           RoleShopper,
	CapWithdraw:           RoleStoreOwner,
}

// rolesOf must be called with mu held.
func (r *Registry) rolesOf(id Identity) Role {
	roles := RoleShopper
	if id == r.super {
		roles |= RoleSuperAdministrator
	}
	if _, ok := r.adminSet[id]; ok {
		roles |= RoleAdministrator
	}
	if _, ok := r.ownerIdx[id]; ok {
		roles |= RoleStoreOwner
	}
	return roles
}

// authorize must be called with mu held.
func (r *Registry) authorize(caller Identity, capability Capability) error {
	allowed, ok := capabilities[capability]
	if !ok || r.rolesOf(caller)&allowed == 0 {
		return unauthorized(caller, capability)
	}
	return nil
}

// Roles returns the roles id holds right now.
func (r *Registry) Roles(id Identity) Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rolesOf(id)
}
