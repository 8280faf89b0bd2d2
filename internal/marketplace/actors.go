package marketplace

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/R3E-Network/marketplace/internal/events"
)

func checkIdentity(id Identity) error {
	_, err := ParseIdentity(string(id))
	return err
}

// checkCaller validates the calling identity. A malformed caller is refused
// before authorization, so the operation is rejected rather than aborted.
func checkCaller(id Identity) error {
	_, err := ParseIdentity(string(id))
	var e *Error
	if errors.As(err, &e) {
		refused := *e
		refused.refused = true
		return &refused
	}
	return err
}

// AddAdministrator appends identity to the administrator list. Only the super
// administrator may call it.
func (r *Registry) AddAdministrator(ctx context.Context, caller, identity Identity) (events.Event, error) {
	op := Operation{Kind: OpAddAdministrator, Caller: caller, Identity: identity}
	return r.execute(ctx, op, events.CategoryActor, StatusAdministratorAdded, func(at time.Time) (map[string]string, error) {
		meta := map[string]string{"identity": string(identity)}
		if err := checkCaller(caller); err != nil {
			return meta, err
		}
		if err := r.authorize(caller, CapGrantAdministrator); err != nil {
			return meta, err
		}
		if err := checkIdentity(identity); err != nil {
			return meta, err
		}
		if _, ok := r.adminSet[identity]; ok {
			return meta, invalid(StatusAlreadyAdmin, "%s", identity)
		}
		r.admins = append(r.admins, identity)
		r.adminSet[identity] = struct{}{}
		return meta, nil
	})
}

// AddStoreOwner registers identity as a store owner with a zero balance.
// Any administrator, the super administrator included, may call it.
func (r *Registry) AddStoreOwner(ctx context.Context, caller, identity Identity, name string) (events.Event, error) {
	name = strings.TrimSpace(name)
	op := Operation{Kind: OpAddStoreOwner, Caller: caller, Identity: identity, Name: name}
	return r.execute(ctx, op, events.CategoryActor, StatusStoreOwnerAdded, func(at time.Time) (map[string]string, error) {
		meta := map[string]string{"identity": string(identity), "name": name}
		if err := checkCaller(caller); err != nil {
			return meta, err
		}
		if err := r.authorize(caller, CapGrantStoreOwner); err != nil {
			return meta, err
		}
		if err := checkIdentity(identity); err != nil {
			return meta, err
		}
		if name == "" {
			return meta, invalid(StatusInvalidInput, "store owner name is required")
		}
		if _, ok := r.ownerIdx[identity]; ok {
			return meta, invalid(StatusAlreadyStoreOwner, "%s", identity)
		}
		r.ownerIdx[identity] = len(r.owners)
		r.owners = append(r.owners, StoreOwner{Identity: identity, Name: name, CreatedAt: at})
		return meta, nil
	})
}

// Administrators returns the administrator list; the first entry is always
// the super administrator.
func (r *Registry) Administrators() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.administrators()
}

// StoreOwners returns all store owners in registration order.
func (r *Registry) StoreOwners() []StoreOwner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storeOwners()
}

// StoreOwner looks up a store owner by identity.
func (r *Registry) StoreOwner(id Identity) (StoreOwner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.ownerIdx[id]
	if !ok {
		return StoreOwner{}, newError(KindNotFound, StatusStoreOwnerNotFound, "%s", id)
	}
	return r.owners[idx], nil
}

// IsAdministrator reports whether id is an administrator.
func (r *Registry) IsAdministrator(id Identity) bool {
	return r.Roles(id).Has(RoleAdministrator)
}

// IsStoreOwner reports whether id is a store owner.
func (r *Registry) IsStoreOwner(id Identity) bool {
	return r.Roles(id).Has(RoleStoreOwner)
}
