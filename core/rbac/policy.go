// Package rbac maps session roles to endpoint permissions. Lifecycle
// transition guards are separate: they live in the per-kind transition
// tables and are evaluated by the state machine itself.
package rbac

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

type Permission string

const (
	PermRequestsView      Permission = "requests.view"
	PermRequestsCreate    Permission = "requests.create"
	PermRequestsTransit   Permission = "requests.transition"
	PermRequestsDelete    Permission = "requests.delete"
	PermComplianceView    Permission = "compliance.view"
	PermComplianceManage  Permission = "compliance.manage"
	PermComplianceMeasure Permission = "compliance.measure"
	PermAuditView         Permission = "audit.view"
	PermAccountsManage    Permission = "accounts.manage"
)

const modelText = `
[request_definition]
r = sub, obj

[policy_definition]
p = sub, obj

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (p.obj == r.obj || p.obj == "*")
`

// grants is the built-in role → permission table. admin inherits every
// other role through the grouping rules below.
var grants = map[string][]Permission{
	"viewer":             {PermRequestsView, PermComplianceView},
	"operator":           {PermRequestsView, PermRequestsCreate, PermRequestsTransit, PermRequestsDelete, PermComplianceView, PermComplianceMeasure},
	"change_manager":     {PermRequestsView, PermRequestsCreate, PermRequestsTransit},
	"problem_manager":    {PermRequestsView, PermRequestsCreate, PermRequestsTransit},
	"release_manager":    {PermRequestsView, PermRequestsCreate, PermRequestsTransit},
	"service_desk":       {PermRequestsView, PermRequestsCreate, PermRequestsTransit},
	"implementer":        {PermRequestsView, PermRequestsTransit},
	"analyst":            {PermRequestsView, PermRequestsTransit, PermComplianceView},
	"deployer":           {PermRequestsView, PermRequestsTransit},
	"fulfiller":          {PermRequestsView, PermRequestsTransit},
	"supervisor":         {PermRequestsView, PermRequestsTransit},
	"compliance_officer": {PermComplianceView, PermComplianceManage, PermComplianceMeasure, PermAuditView},
}

type Policy struct {
	enforcer *casbin.Enforcer
}

func NewPolicy() (*Policy, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	for role, perms := range grants {
		for _, perm := range perms {
			if _, err := e.AddPolicy(role, string(perm)); err != nil {
				return nil, err
			}
		}
	}
	if _, err := e.AddPolicy("admin", "*"); err != nil {
		return nil, err
	}
	return &Policy{enforcer: e}, nil
}

// Allowed reports whether any of the roles carries the permission.
func (p *Policy) Allowed(roles []string, perm Permission) bool {
	if p == nil || p.enforcer == nil {
		return false
	}
	for _, role := range roles {
		ok, err := p.enforcer.Enforce(role, string(perm))
		if err == nil && ok {
			return true
		}
	}
	return false
}

// Grant extends a role at runtime, used when operators define custom
// roles over the built-in table.
func (p *Policy) Grant(role string, perms ...Permission) error {
	for _, perm := range perms {
		if _, err := p.enforcer.AddPolicy(role, string(perm)); err != nil {
			return err
		}
	}
	return nil
}
