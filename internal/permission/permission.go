// Package permission decides which actors may run allocation operations.
// Role policy lives here and nowhere else.
package permission

import (
	"github.com/pesio-ai/be-crm-leads/internal/repository"
)

// Oracle answers authorization questions for allocation operations.
// officeID is the office of the lead or consultant being acted on; nil means
// the campaign's own office. Office-scoped roles need both the campaign and
// the target in their office.
type Oracle interface {
	CanDistribute(actor *repository.User, campaign *repository.Campaign, officeID *string) bool
	CanRecapture(actor *repository.User, campaign *repository.Campaign, officeID *string) bool
	CanReassign(actor *repository.User, campaign *repository.Campaign, officeID *string) bool
	CanReset(actor *repository.User, campaign *repository.Campaign) bool
	CanManageCampaign(actor *repository.User, campaign *repository.Campaign) bool
	CanViewCampaign(actor *repository.User, campaign *repository.Campaign) bool
	CanViewLead(actor *repository.User, campaign *repository.Campaign, lead *repository.Lead) bool
}

// scope is how far a role reaches for one kind of action.
type scope int

const (
	scopeNone scope = iota
	scopeOffice
	scopeAll
)

type policy struct {
	allocate scope // distribute, recapture, reassign
	reset    scope
	manage   scope
	view     scope
}

var policies = map[repository.Role]policy{
	repository.RoleMaster:          {allocate: scopeAll, reset: scopeAll, manage: scopeAll, view: scopeAll},
	repository.RoleSeniorManager:   {allocate: scopeAll, reset: scopeAll, manage: scopeAll, view: scopeAll},
	repository.RoleOwner:           {allocate: scopeOffice, reset: scopeOffice, manage: scopeOffice, view: scopeOffice},
	repository.RoleBusinessManager: {allocate: scopeOffice, view: scopeOffice},
	repository.RoleConsultant:      {},
}

// RoleOracle is the role-based Oracle.
type RoleOracle struct{}

// NewRoleOracle creates a new RoleOracle.
func NewRoleOracle() *RoleOracle {
	return &RoleOracle{}
}

// CanDistribute reports whether actor may hand stock to a consultant of officeID.
func (o *RoleOracle) CanDistribute(actor *repository.User, campaign *repository.Campaign, officeID *string) bool {
	return o.allowed(actor, campaign, officeID, func(p policy) scope { return p.allocate })
}

// CanRecapture reports whether actor may take back a lead of officeID.
func (o *RoleOracle) CanRecapture(actor *repository.User, campaign *repository.Campaign, officeID *string) bool {
	return o.allowed(actor, campaign, officeID, func(p policy) scope { return p.allocate })
}

// CanReassign reports whether actor may move a lead of officeID.
func (o *RoleOracle) CanReassign(actor *repository.User, campaign *repository.Campaign, officeID *string) bool {
	return o.allowed(actor, campaign, officeID, func(p policy) scope { return p.allocate })
}

// CanReset reports whether actor may return the whole campaign to stock.
func (o *RoleOracle) CanReset(actor *repository.User, campaign *repository.Campaign) bool {
	return o.allowed(actor, campaign, nil, func(p policy) scope { return p.reset })
}

// CanManageCampaign reports whether actor may create, import into or delete
// the campaign.
func (o *RoleOracle) CanManageCampaign(actor *repository.User, campaign *repository.Campaign) bool {
	return o.allowed(actor, campaign, nil, func(p policy) scope { return p.manage })
}

// CanViewCampaign reports whether actor may read the campaign and list its
// leads.
func (o *RoleOracle) CanViewCampaign(actor *repository.User, campaign *repository.Campaign) bool {
	return o.allowed(actor, campaign, nil, func(p policy) scope { return p.view })
}

// CanViewLead reports whether actor may read a lead and its history. Any
// active user may read the leads currently assigned to them.
func (o *RoleOracle) CanViewLead(actor *repository.User, campaign *repository.Campaign, lead *repository.Lead) bool {
	if actor != nil && actor.Active && lead.ConsultantID != nil && *lead.ConsultantID == actor.ID {
		return true
	}
	return o.allowed(actor, campaign, lead.OfficeID, func(p policy) scope { return p.view })
}

func (o *RoleOracle) allowed(actor *repository.User, campaign *repository.Campaign, officeID *string, pick func(policy) scope) bool {
	if actor == nil || !actor.Active {
		return false
	}
	p, ok := policies[actor.Role]
	if !ok {
		return false
	}

	switch pick(p) {
	case scopeAll:
		return true
	case scopeOffice:
		if actor.OfficeID == nil {
			return false
		}
		office := *actor.OfficeID
		if campaign != nil && campaign.OfficeID != nil && *campaign.OfficeID != office {
			return false
		}
		target := officeID
		if target == nil && campaign != nil {
			target = campaign.OfficeID
		}
		// A company-wide target is out of reach for office-scoped roles.
		return target != nil && *target == office
	default:
		return false
	}
}
