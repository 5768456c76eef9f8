package security

import (
	"slices"
	"strings"
)

const (
	RoleAdmin    = "admin"
	RoleDevice   = "device"
	RoleReadonly = "readonly"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleAdmin, RoleDevice, RoleReadonly}

func validRole(role string) bool { return slices.Contains(ValidRoles, role) }

// rule grants roles access to method+path. A path ending in "/..." covers
// everything below it; a {id} segment captures a device id. Roles suffixed
// with ":own" only reach the device named by {id}.
type rule struct {
	method   string
	segments []string
	subtree  bool
	roles    map[string]bool // role -> own only
}

// Admin bypasses the table. For other roles the first rule that lists the
// role and matches the request decides.
var rules = compileRules(
	"GET  /ws                        device",
	"GET  /api/devices/{id}/profile  device:own",
	"PUT  /api/devices/{id}/profile  device:own",
	"GET  /api/devices/{id}/turns    device:own",
	"GET  /api/functions             device readonly",
	"GET  /api/profiles              device readonly",
	"GET  /api/...                   readonly",
	"POST /api/classify              readonly",
)

func compileRules(specs ...string) []rule {
	out := make([]rule, 0, len(specs))
	for _, spec := range specs {
		f := strings.Fields(spec)
		r := rule{method: f[0], roles: make(map[string]bool)}
		path, subtree := strings.CutSuffix(f[1], "/...")
		r.subtree = subtree
		r.segments = split(path)
		for _, role := range f[2:] {
			name, own := strings.CutSuffix(role, ":own")
			r.roles[name] = own
		}
		out = append(out, r)
	}
	return out
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// match reports whether the request hits the rule and returns the {id}
// segment, if any.
func (r rule) match(method string, segs []string) (string, bool) {
	if r.method != method {
		return "", false
	}
	if len(segs) < len(r.segments) || (!r.subtree && len(segs) != len(r.segments)) {
		return "", false
	}
	var id string
	for i, want := range r.segments {
		if want == "{id}" {
			id = segs[i]
			continue
		}
		if want != segs[i] {
			return "", false
		}
	}
	return id, true
}

// CheckPermission reports whether claims may access method+path. Admin
// always has access; a device only reaches its own resources.
func CheckPermission(claims *Claims, method, path string) bool {
	if claims == nil {
		return false
	}
	if claims.Role == RoleAdmin {
		return true
	}
	segs := split(path)
	for _, r := range rules {
		own, listed := r.roles[claims.Role]
		if !listed {
			continue
		}
		id, ok := r.match(method, segs)
		if !ok {
			continue
		}
		return !own || id == claims.DeviceID
	}
	return false
}
