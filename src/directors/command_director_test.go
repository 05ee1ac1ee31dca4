package directors

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aevumdb/src/engine"
)

func newDispatchEngine(t *testing.T) *engine.DBEngine {
	t.Helper()
	db, err := engine.NewDBEngine(t.TempDir(), "root", zap.NewNop().Sugar())
	require.NoError(t, err)
	return db
}

func dispatch(t *testing.T, db *engine.DBEngine, request string) map[string]interface{} {
	t.Helper()
	raw := CommandDirector(db, []byte(request), zap.NewNop().Sugar())

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &response), "response must be valid JSON: %s", raw)
	return response
}

func TestProtocolErrors(t *testing.T) {
	db := newDispatchEngine(t)

	resp := dispatch(t, db, "")
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Empty request payload", resp["message"])

	resp = dispatch(t, db, "{not json")
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Invalid JSON syntax", resp["message"])

	resp = dispatch(t, db, `{"action":"find","collection":"users"}`)
	assert.Equal(t, "Unauthorized: Invalid or missing API Key", resp["message"])

	resp = dispatch(t, db, `{"auth":"bogus","action":"find","collection":"users"}`)
	assert.Equal(t, "Unauthorized: Invalid or missing API Key", resp["message"])

	resp = dispatch(t, db, `{"auth":"root","action":"teleport","collection":"users"}`)
	assert.Equal(t, "Unknown action opcode: teleport", resp["message"])

	resp = dispatch(t, db, `{"auth":"root","action":"insert","collection":"../etc","data":{}}`)
	assert.Equal(t, "error", resp["status"])
}

func TestMissingArgumentMessages(t *testing.T) {
	db := newDispatchEngine(t)

	cases := map[string]string{
		`{"auth":"root","action":"insert","collection":"users"}`:                  "Missing payload: 'data'",
		`{"auth":"root","action":"upsert","collection":"users","data":{}}`:        "Missing arguments: 'query' or 'data'",
		`{"auth":"root","action":"update","collection":"users","query":{}}`:       "Missing arguments: 'query' or 'update'",
		`{"auth":"root","action":"delete","collection":"users"}`:                  "Missing argument: 'query'",
		`{"auth":"root","action":"set_schema","collection":"users"}`:              "Missing argument: 'schema'",
		`{"auth":"root","action":"create_index","collection":"users"}`:            "Missing argument: 'field'",
		`{"auth":"root","action":"create_user","key":"x"}`:                        "Missing required arguments: 'key' or 'role'",
	}
	for request, message := range cases {
		resp := dispatch(t, db, request)
		assert.Equal(t, "error", resp["status"], request)
		assert.Equal(t, message, resp["message"], request)
	}
}

func TestExitHandshake(t *testing.T) {
	db := newDispatchEngine(t)

	resp := dispatch(t, db, `{"auth":"root","action":"exit"}`)
	assert.Equal(t, "goodbye", resp["status"])
	assert.Equal(t, "Closing connection", resp["message"])
}

// Scenario: insert then find by a field value.
func TestScenarioInsertAndFind(t *testing.T) {
	db := newDispatchEngine(t)

	resp := dispatch(t, db, `{"auth":"root","action":"insert","collection":"users",
		"data":{"user_id":"u-123","plan":"premium","credits":100}}`)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "Document inserted", resp["message"])

	resp = dispatch(t, db, `{"auth":"root","action":"find","collection":"users","query":{"plan":"premium"}}`)
	assert.Equal(t, "ok", resp["status"])

	data := resp["data"].([]interface{})
	require.Len(t, data, 1)
	docItem := data[0].(map[string]interface{})
	assert.Equal(t, "u-123", docItem["user_id"])
	assert.Equal(t, "premium", docItem["plan"])
	assert.Equal(t, 100.0, docItem["credits"])
	assert.NotEmpty(t, docItem["_id"])
}

// Scenario: $set update followed by a verifying find.
func TestScenarioUpdateCredits(t *testing.T) {
	db := newDispatchEngine(t)

	dispatch(t, db, `{"auth":"root","action":"insert","collection":"users",
		"data":{"user_id":"u-123","plan":"premium","credits":100}}`)

	resp := dispatch(t, db, `{"auth":"root","action":"update","collection":"users",
		"query":{"user_id":"u-123"},"update":{"$set":{"credits":90}}}`)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "Update committed", resp["message"])

	resp = dispatch(t, db, `{"auth":"root","action":"find","collection":"users","query":{"user_id":"u-123"}}`)
	data := resp["data"].([]interface{})
	require.Len(t, data, 1)
	assert.Equal(t, 90.0, data[0].(map[string]interface{})["credits"])
}

// Scenario: index creation routes equality finds through tier 2.
func TestScenarioSecondaryIndexFind(t *testing.T) {
	db := newDispatchEngine(t)

	resp := dispatch(t, db, `{"auth":"root","action":"create_index","collection":"users","field":"plan"}`)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "Index created and backfilled", resp["message"])

	for i := 0; i < 4; i++ {
		plan := "free"
		if i%2 == 0 {
			plan = "premium"
		}
		dispatch(t, db, fmt.Sprintf(`{"auth":"root","action":"insert","collection":"users",
			"data":{"_id":"id-%d","plan":"%s"}}`, i, plan))
	}

	resp = dispatch(t, db, `{"auth":"root","action":"find","collection":"users","query":{"plan":"free"}}`)
	data := resp["data"].([]interface{})
	require.Len(t, data, 2)
	for _, item := range data {
		assert.Equal(t, "free", item.(map[string]interface{})["plan"])
	}
}

// Scenario: a read_only principal may read but never write.
func TestScenarioRBACReadOnly(t *testing.T) {
	db := newDispatchEngine(t)

	resp := dispatch(t, db, `{"auth":"root","action":"create_user","key":"reader","role":"read_only"}`)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "User created successfully", resp["message"])

	resp = dispatch(t, db, `{"auth":"reader","action":"insert","collection":"users","data":{"a":1}}`)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Forbidden: Insufficient RBAC privileges", resp["message"])

	resp = dispatch(t, db, `{"auth":"reader","action":"count","collection":"users","query":{}}`)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, 0.0, resp["count"])

	// Any authenticated principal may exit.
	resp = dispatch(t, db, `{"auth":"reader","action":"exit"}`)
	assert.Equal(t, "goodbye", resp["status"])

	// Admin-only surface stays closed to read_write as well.
	dispatch(t, db, `{"auth":"root","action":"create_user","key":"writer","role":"read_write"}`)
	resp = dispatch(t, db, `{"auth":"writer","action":"create_index","collection":"users","field":"plan"}`)
	assert.Equal(t, "Forbidden: Insufficient RBAC privileges", resp["message"])
	resp = dispatch(t, db, `{"auth":"writer","action":"create_user","key":"x","role":"read_only"}`)
	assert.Equal(t, "Forbidden: User provisioning requires ADMIN role", resp["message"])
}

// Scenario: schema rejection on insert.
func TestScenarioSchemaValidation(t *testing.T) {
	db := newDispatchEngine(t)

	resp := dispatch(t, db, `{"auth":"root","action":"set_schema","collection":"users",
		"schema":{"type":"object","properties":{"user_id":{"type":"string"}},"required":["user_id"]}}`)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "Schema applied", resp["message"])

	resp = dispatch(t, db, `{"auth":"root","action":"insert","collection":"users","data":{"plan":"x"}}`)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Insert failed (Schema violation or I/O error)", resp["message"])

	resp = dispatch(t, db, `{"auth":"root","action":"insert","collection":"users",
		"data":{"user_id":"u-9","plan":"x"}}`)
	assert.Equal(t, "ok", resp["status"])
}

func TestFindWithSortProjectionPagination(t *testing.T) {
	db := newDispatchEngine(t)

	for i := 0; i < 5; i++ {
		dispatch(t, db, fmt.Sprintf(`{"auth":"root","action":"insert","collection":"users",
			"data":{"_id":"id-%d","n":%d,"secret":"s"}}`, i, i))
	}

	resp := dispatch(t, db, `{"auth":"root","action":"find","collection":"users",
		"query":{},"sort":{"n":-1},"projection":{"n":1},"limit":2,"skip":1}`)
	assert.Equal(t, "ok", resp["status"])

	data := resp["data"].([]interface{})
	require.Len(t, data, 2)
	first := data[0].(map[string]interface{})
	assert.Equal(t, 3.0, first["n"])
	assert.NotContains(t, first, "secret")
	assert.Contains(t, first, "_id")
}

func TestDeleteAndCount(t *testing.T) {
	db := newDispatchEngine(t)

	for i := 0; i < 3; i++ {
		dispatch(t, db, fmt.Sprintf(`{"auth":"root","action":"insert","collection":"users",
			"data":{"_id":"id-%d","plan":"free"}}`, i))
	}

	resp := dispatch(t, db, `{"auth":"root","action":"delete","collection":"users","query":{"_id":"id-1"}}`)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "Documents deleted", resp["message"])

	resp = dispatch(t, db, `{"auth":"root","action":"count","collection":"users","query":{}}`)
	assert.Equal(t, 2.0, resp["count"])

	resp = dispatch(t, db, `{"auth":"root","action":"delete","collection":"users","query":{"plan":"gold"}}`)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "No documents matched or collection not found", resp["message"])
}

func TestUpsertAndCompact(t *testing.T) {
	db := newDispatchEngine(t)

	resp := dispatch(t, db, `{"auth":"root","action":"upsert","collection":"users",
		"query":{"name":"alice"},"data":{"name":"alice","visits":1}}`)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "Document upserted", resp["message"])

	resp = dispatch(t, db, `{"auth":"root","action":"upsert","collection":"users",
		"query":{"name":"alice"},"data":{"name":"alice","visits":2}}`)
	assert.Equal(t, "ok", resp["status"])

	resp = dispatch(t, db, `{"auth":"root","action":"count","collection":"users","query":{}}`)
	assert.Equal(t, 1.0, resp["count"])

	resp = dispatch(t, db, `{"auth":"root","action":"compact","collection":"users"}`)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "Compaction completed", resp["message"])
}
