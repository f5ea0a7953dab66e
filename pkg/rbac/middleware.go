package rbac

import (
	"context"
	"fmt"
	"strings"
)

// ToolPermissionMap maps tool names to the permission they require. Tools
// missing from the map need the admin wildcard.
var ToolPermissionMap = map[string]Permission{
	"get_apps":                 PermAppsList,
	"get_app_details":          PermAppsRead,
	"get_app_sheets":           PermAppsRead,
	"get_app_sheet_objects":    PermAppsRead,
	"get_app_object":           PermAppsRead,
	"get_app_script":           PermScriptRead,
	"get_app_field":            PermDataRead,
	"get_app_variables":        PermDataRead,
	"get_app_field_statistics": PermDataRead,
	"engine_create_hypercube":  PermDataRead,
	"engine_evaluate":          PermDataRead,
}

// Authorize returns nil when the active role may run tool with args, or an
// error wrapping ErrAccessDenied.
func (e *Enforcer) Authorize(_ context.Context, tool string, args map[string]any) error {
	perm, ok := ToolPermissionMap[tool]
	if !ok {
		perm = PermAdmin
	}
	if !e.Check(perm) {
		return e.deny(tool, "tool:"+tool, fmt.Sprintf("permission %s required for %s", perm, tool))
	}

	appID, _ := args["app_id"].(string)
	appID = strings.TrimSpace(appID)
	if appID != "" && !e.AppAllowed(appID) {
		return e.deny(tool, "app:"+appID, fmt.Sprintf("application %s is outside the allowed scope", appID))
	}
	return nil
}
