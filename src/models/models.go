package models

// Document is a single JSON document as decoded by encoding/json.
// Every persisted document carries a string "_id" unique within its
// collection. A tombstone is the minimal document {"_id": X, "_deleted": true}.
type Document = map[string]interface{}

// Role is the RBAC permission level bound to an authenticated principal.
type Role int

const (
	RoleNone Role = iota
	RoleReadOnly
	RoleReadWrite
	RoleAdmin
)

// ParseRole maps the persisted role string to a Role. Unknown strings
// fall back to read_only, matching the stored-record semantics.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "read_write":
		return RoleReadWrite
	default:
		return RoleReadOnly
	}
}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleReadWrite:
		return "read_write"
	case RoleReadOnly:
		return "read_only"
	default:
		return "none"
	}
}

// IndexEntry is one record of the persisted _indexes catalog.
type IndexEntry struct {
	Collection string `json:"collection"`
	Field      string `json:"field"`
}

// Reserved collection names used for internal metadata.
const (
	AuthCollection    = "_auth"
	SchemaCollection  = "_schemas"
	IndexesCollection = "_indexes"
)
