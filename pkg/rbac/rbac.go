// Package rbac decides which tools a server may run and which applications
// those tools may touch.
//
// The server runs under one configured role. Permissions follow a
// resource:action pattern with * wildcards. Anything not granted is denied.
package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/freitascorp/qlikclaw/pkg/engine"
)

// RoleName is a named permission set.
type RoleName string

// Permission is one action that can be granted.
type Permission string

const (
	PermAppsList   Permission = "apps:list"
	PermAppsRead   Permission = "apps:read"
	PermScriptRead Permission = "script:read"
	PermDataRead   Permission = "data:read"

	PermAdmin Permission = "*"
)

// Pre-defined roles.
var (
	RoleAdmin = Role{
		Name:        "admin",
		Description: "Every tool on every application",
		Permissions: []Permission{PermAdmin},
	}
	RoleAnalyst = Role{
		Name:        "analyst",
		Description: "Application metadata and data reads; no load scripts",
		Permissions: []Permission{"apps:*", PermDataRead},
	}
	RoleViewer = Role{
		Name:        "viewer",
		Description: "Application metadata only",
		Permissions: []Permission{"apps:*"},
	}
)

// ErrAccessDenied is wrapped by every denial.
var ErrAccessDenied = errors.New("access denied")

// Role is a named collection of permissions.
type Role struct {
	Name        RoleName     `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
}

// Enforcer evaluates access decisions for the configured role and app scope.
type Enforcer struct {
	mu     sync.RWMutex
	roles  map[RoleName]*Role
	role   RoleName
	apps   []string
	logger *slog.Logger
}

// NewEnforcer creates an enforcer with the default roles, acting as role.
// apps limits which application ids tools may open; patterns accept * and %
// and an empty list allows every application.
func NewEnforcer(role string, apps []string, logger *slog.Logger) (*Enforcer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Enforcer{
		roles:  make(map[RoleName]*Role),
		logger: logger.With("component", "rbac"),
	}
	for _, r := range []Role{RoleAdmin, RoleAnalyst, RoleViewer} {
		e.roles[r.Name] = &r
	}
	if role == "" {
		role = string(RoleAdmin.Name)
	}
	if _, ok := e.roles[RoleName(role)]; !ok {
		return nil, fmt.Errorf("unknown role %q (known: %s)", role, strings.Join(RoleNames(), ", "))
	}
	e.role = RoleName(role)
	for _, a := range apps {
		if a = strings.TrimSpace(a); a != "" {
			e.apps = append(e.apps, a)
		}
	}
	return e, nil
}

// RoleNames lists the built-in roles.
func RoleNames() []string {
	names := []string{string(RoleAdmin.Name), string(RoleAnalyst.Name), string(RoleViewer.Name)}
	sort.Strings(names)
	return names
}

// RegisterRole adds or replaces a role.
func (e *Enforcer) RegisterRole(role *Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roles[role.Name] = role
}

// Role returns the active role name.
func (e *Enforcer) Role() RoleName { return e.role }

// Check reports whether the active role grants perm.
func (e *Enforcer) Check(perm Permission) bool {
	e.mu.RLock()
	role, ok := e.roles[e.role]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	for _, p := range role.Permissions {
		if matchPermission(p, perm) {
			return true
		}
	}
	return false
}

// AppAllowed reports whether appID is inside the configured app scope.
// Ids match exactly unless the pattern carries a wildcard.
func (e *Enforcer) AppAllowed(appID string) bool {
	if len(e.apps) == 0 {
		return true
	}
	for _, p := range e.apps {
		if !strings.ContainsAny(p, "*%?") {
			if strings.EqualFold(p, appID) {
				return true
			}
			continue
		}
		if engine.MatchWildcard(p, appID) {
			return true
		}
	}
	return false
}

// matchPermission checks if a granted permission covers the requested one.
// "*" matches everything and "apps:*" matches "apps:read".
func matchPermission(granted, requested Permission) bool {
	if granted == requested || granted == PermAdmin {
		return true
	}
	gParts := strings.Split(string(granted), ":")
	rParts := strings.Split(string(requested), ":")
	for i, gp := range gParts {
		if gp == "*" {
			return true
		}
		if i >= len(rParts) || gp != rParts[i] {
			return false
		}
	}
	return len(gParts) == len(rParts)
}

func (e *Enforcer) deny(tool, resource, reason string) error {
	e.logger.Warn("access denied", "role", e.role, "tool", tool, "resource", resource, "reason", reason)
	return fmt.Errorf("%w: role %s: %s", ErrAccessDenied, e.role, reason)
}
