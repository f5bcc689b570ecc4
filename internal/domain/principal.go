package domain

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type Role string

const (
	RolePurchaser Role = "purchaser"
	RolePromoter  Role = "promoter"
	RoleAdmin     Role = "admin"
)

type Capability string

const (
	CapPurchase       Capability = "purchase"
	CapManageOrders   Capability = "manage_orders"
	CapManageScanners Capability = "manage_scanners"
	CapViewEntry      Capability = "view_entry"
)

var roleCapabilities = map[Role][]Capability{
	RolePurchaser: {CapPurchase},
	RolePromoter:  {CapPurchase, CapManageScanners, CapViewEntry},
	RoleAdmin:     {CapPurchase, CapManageOrders, CapManageScanners, CapViewEntry},
}

// Principal is the caller identity supplied by the authentication layer.
// Promoters act for one organization; admins are not scoped.
type Principal struct {
	UserID         uuid.UUID
	Role           Role
	OrganizationID uuid.UUID
}

func (p Principal) Can(c Capability) bool {
	for _, granted := range roleCapabilities[p.Role] {
		if granted == c {
			return true
		}
	}
	return false
}

func (p Principal) Require(c Capability) error {
	if p.UserID == uuid.Nil {
		return errors.Wrap(ErrUnauthorized, "no authenticated user")
	}
	if !p.Can(c) {
		return errors.Wrapf(ErrForbidden, "role %q lacks %s", p.Role, c)
	}
	return nil
}

// RequireOwnerOr allows the owner of a resource or any holder of the capability.
func (p Principal) RequireOwnerOr(owner uuid.UUID, c Capability) error {
	if p.UserID != uuid.Nil && p.UserID == owner {
		return nil
	}
	return p.Require(c)
}

// RequireOrganization is Require plus, for anyone but an admin, membership of
// the organization that owns the resource.
func (p Principal) RequireOrganization(org uuid.UUID, c Capability) error {
	if err := p.Require(c); err != nil {
		return err
	}
	if p.Role == RoleAdmin {
		return nil
	}
	if p.OrganizationID == uuid.Nil || p.OrganizationID != org {
		return errors.Wrapf(ErrForbidden, "caller does not act for organization %s", org)
	}
	return nil
}
