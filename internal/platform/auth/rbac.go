package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var roleLevels = map[string]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
}

// adminActions are the operator overrides on runs and nodes.
var adminActions = []string{":stop", ":retry", ":complete"}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		if level := roleLevels[strings.ToLower(strings.TrimSpace(role))]; level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

// RequiredRoleForRequest: reads need viewer, run overrides need admin,
// every other write needs editor.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	if strings.HasPrefix(r.URL.Path, "/api/v1/runs/") {
		for _, action := range adminActions {
			if strings.HasSuffix(r.URL.Path, action) {
				return RoleAdmin
			}
		}
	}
	return RoleEditor
}
