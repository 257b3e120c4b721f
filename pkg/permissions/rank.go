// Package permissions derives effective per-user repository permissions from
// collaborator grants and team memberships.
package permissions

// Canonical permission levels, ordered by capability.
const (
	Admin    = "admin"
	Maintain = "maintain"
	Write    = "write"
	Triage   = "triage"
	Read     = "read"
)

var ranks = map[string]int{
	Admin:    5,
	Maintain: 4,
	Write:    3,
	Triage:   2,
	Read:     1,
}

// Rank returns the ordinal capability of a canonical permission, 0 for
// anything unrecognized.
func Rank(permission string) int {
	return ranks[permission]
}

// Max returns the higher-ranked of two canonical permissions. Ties keep the
// first argument.
func Max(a, b string) string {
	if Rank(b) > Rank(a) {
		return b
	}
	return a
}

// Normalize maps provider permission spellings onto the canonical levels.
// Unrecognized values normalize to "" and must be treated as absent, never
// defaulted to a guessed level.
func Normalize(permission string) string {
	switch permission {
	case "pull":
		return Read
	case "push":
		return Write
	case Admin, Maintain, Write, Triage, Read:
		return permission
	default:
		return ""
	}
}
