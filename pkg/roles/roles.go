package roles

const (
	RoleUser    = "user"
	RoleAdmin   = "admin"
	RoleService = "service"
)

var roleRank = map[string]int{
	RoleUser:    1,
	RoleAdmin:   3,
	RoleService: 4,
}

// Rank returns the numeric rank of a role, 0 for unknown roles.
func Rank(role string) int {
	return roleRank[role]
}

// IsPrivileged reports whether any of the roles grants full-precision,
// raw-identifier access (admin or service).
func IsPrivileged(rs []string) bool {
	for _, r := range rs {
		if roleRank[r] >= roleRank[RoleAdmin] {
			return true
		}
	}
	return false
}
