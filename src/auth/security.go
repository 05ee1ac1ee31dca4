package auth

import (
	"strconv"

	"aevumdb/src/models"
)

// HashKey computes the DJB2 digest of an API key, rendered as a decimal
// string. The persisted _auth records depend on this exact form, so the
// function must not change without an on-disk migration.
func HashKey(key string) string {
	var hash uint64 = 5381
	for i := 0; i < len(key); i++ {
		hash = hash*33 + uint64(key[i])
	}
	return strconv.FormatUint(hash, 10)
}

// HasPermission reports whether a role may execute the given action
// opcode. Exit is allowed for every authenticated principal.
func HasPermission(role models.Role, action string) bool {
	switch role {
	case models.RoleAdmin:
		return true
	case models.RoleReadWrite:
		switch action {
		case "insert", "update", "delete", "upsert", "find", "count", "exit":
			return true
		}
		return false
	case models.RoleReadOnly:
		switch action {
		case "find", "count", "exit":
			return true
		}
		return false
	default:
		return false
	}
}
