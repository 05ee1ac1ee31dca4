package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"aevumdb/src/models"
)

func TestHashKeyKnownValues(t *testing.T) {
	// The decimal DJB2 form is part of the persisted _auth record
	// format; these values must never change.
	assert.Equal(t, "6385662377", HashKey("root"))
	assert.Equal(t, "210706300046", HashKey("admin"))
	assert.Equal(t, "5381", HashKey(""))
}

func TestHashKeyDistinctKeys(t *testing.T) {
	assert.NotEqual(t, HashKey("reader"), HashKey("writer"))
}

func TestHasPermissionMatrix(t *testing.T) {
	cases := []struct {
		role    models.Role
		action  string
		allowed bool
	}{
		{models.RoleNone, "find", false},
		{models.RoleNone, "exit", false},

		{models.RoleReadOnly, "find", true},
		{models.RoleReadOnly, "count", true},
		{models.RoleReadOnly, "insert", false},
		{models.RoleReadOnly, "update", false},
		{models.RoleReadOnly, "delete", false},
		{models.RoleReadOnly, "set_schema", false},
		{models.RoleReadOnly, "exit", true},

		{models.RoleReadWrite, "find", true},
		{models.RoleReadWrite, "insert", true},
		{models.RoleReadWrite, "upsert", true},
		{models.RoleReadWrite, "update", true},
		{models.RoleReadWrite, "delete", true},
		{models.RoleReadWrite, "set_schema", false},
		{models.RoleReadWrite, "create_index", false},
		{models.RoleReadWrite, "create_user", false},
		{models.RoleReadWrite, "compact", false},
		{models.RoleReadWrite, "exit", true},

		{models.RoleAdmin, "set_schema", true},
		{models.RoleAdmin, "create_index", true},
		{models.RoleAdmin, "create_user", true},
		{models.RoleAdmin, "compact", true},
		{models.RoleAdmin, "exit", true},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, HasPermission(tc.role, tc.action),
			"role %s action %s", tc.role, tc.action)
	}
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, models.RoleAdmin, models.ParseRole("admin"))
	assert.Equal(t, models.RoleReadWrite, models.ParseRole("read_write"))
	assert.Equal(t, models.RoleReadOnly, models.ParseRole("read_only"))
	// Unknown role strings fall back to read_only.
	assert.Equal(t, models.RoleReadOnly, models.ParseRole("superuser"))
}
