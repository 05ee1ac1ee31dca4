package directors

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"

	"aevumdb/src/auth"
	"aevumdb/src/engine"
	"aevumdb/src/helpers"
	"aevumdb/src/models"
)

var requestCounter = metrics.GetOrCreateCounter(`aevumdb_requests_total`)

// Request is the single JSON object a client sends per command. A nil
// document field means the field was absent from the request.
type Request struct {
	Auth       string          `json:"auth"`
	Action     string          `json:"action"`
	Collection string          `json:"collection"`
	Data       models.Document `json:"data"`
	Query      models.Document `json:"query"`
	Update     models.Document `json:"update"`
	Schema     models.Document `json:"schema"`
	Sort       json.RawMessage `json:"sort"`
	Projection models.Document `json:"projection"`
	Limit      int             `json:"limit"`
	Skip       int             `json:"skip"`
	Field      string          `json:"field"`
	Key        string          `json:"key"`
	Role       string          `json:"role"`
}

func respond(fields models.Document) []byte {
	raw, err := json.Marshal(fields)
	if err != nil {
		return []byte(`{"status":"error","message":"Internal serialization failure"}`)
	}
	return raw
}

func errorResponse(message string) []byte {
	return respond(models.Document{"status": "error", "message": message})
}

func okResponse(message string) []byte {
	return respond(models.Document{"status": "ok", "message": message})
}

// collectionActions require a valid collection name before dispatch.
var collectionActions = map[string]bool{
	"insert": true, "upsert": true, "find": true, "count": true,
	"update": true, "delete": true, "set_schema": true,
	"create_index": true, "compact": true,
}

// CommandDirector processes one raw client request end to end: ingest,
// authenticate, authorize, dispatch to the store controller, respond.
// It is stateless; every byte of state lives in the engine.
func CommandDirector(db *engine.DBEngine, raw []byte, logger *zap.SugaredLogger) []byte {
	requestCounter.Inc()

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return errorResponse("Empty request payload")
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse("Invalid JSON syntax")
	}

	role := db.Authenticate(req.Auth)
	if role == models.RoleNone {
		return errorResponse("Unauthorized: Invalid or missing API Key")
	}

	// create_user carries its own ADMIN check below.
	if req.Action != "create_user" && !auth.HasPermission(role, req.Action) {
		return errorResponse("Forbidden: Insufficient RBAC privileges")
	}

	if req.Action == "exit" {
		return respond(models.Document{"status": "goodbye", "message": "Closing connection"})
	}

	if collectionActions[req.Action] && !helpers.IsValidCollectionName(req.Collection) {
		return errorResponse("Invalid collection name")
	}

	switch req.Action {
	case "create_user":
		if role != models.RoleAdmin {
			return errorResponse("Forbidden: User provisioning requires ADMIN role")
		}
		if req.Key == "" || req.Role == "" {
			return errorResponse("Missing required arguments: 'key' or 'role'")
		}
		if err := db.CreateUser(req.Key, req.Role); err != nil {
			logger.Errorw("Dispatch: create_user failed", "error", err)
			return errorResponse("Failed to persist user")
		}
		return okResponse("User created successfully")

	case "insert":
		if req.Data == nil {
			return errorResponse("Missing payload: 'data'")
		}
		if err := db.Insert(req.Collection, req.Data); err != nil {
			logger.Errorw("Dispatch: insert failed", "collection", req.Collection, "error", err)
			return errorResponse("Insert failed (Schema violation or I/O error)")
		}
		return okResponse("Document inserted")

	case "upsert":
		if req.Query == nil || req.Data == nil {
			return errorResponse("Missing arguments: 'query' or 'data'")
		}
		if err := db.Upsert(req.Collection, req.Query, req.Data); err != nil {
			logger.Errorw("Dispatch: upsert failed", "collection", req.Collection, "error", err)
			return errorResponse("Upsert failed")
		}
		return okResponse("Document upserted")

	case "find":
		spec, err := engine.ParseSortDocument(req.Sort)
		if err != nil {
			return errorResponse(err.Error())
		}
		results, err := db.Find(req.Collection, req.Query, spec, req.Projection, req.Limit, req.Skip)
		if err != nil {
			return errorResponse(err.Error())
		}
		return respond(models.Document{"status": "ok", "data": results})

	case "count":
		count := db.Count(req.Collection, req.Query)
		return respond(models.Document{"status": "ok", "count": count})

	case "update":
		if req.Query == nil || req.Update == nil {
			return errorResponse("Missing arguments: 'query' or 'update'")
		}
		if err := db.Update(req.Collection, req.Query, req.Update); err != nil {
			logger.Errorw("Dispatch: update failed", "collection", req.Collection, "error", err)
			return errorResponse(err.Error())
		}
		return okResponse("Update committed")

	case "delete":
		if req.Query == nil {
			return errorResponse("Missing argument: 'query'")
		}
		if err := db.Delete(req.Collection, req.Query); err != nil {
			logger.Errorw("Dispatch: delete failed", "collection", req.Collection, "error", err)
			return errorResponse("No documents matched or collection not found")
		}
		return okResponse("Documents deleted")

	case "set_schema":
		if role != models.RoleAdmin {
			return errorResponse("Forbidden: Only ADMIN can modify schemas")
		}
		if req.Schema == nil {
			return errorResponse("Missing argument: 'schema'")
		}
		if err := db.SetSchema(req.Collection, req.Schema); err != nil {
			logger.Errorw("Dispatch: set_schema failed", "collection", req.Collection, "error", err)
			return errorResponse("Failed to persist schema")
		}
		return okResponse("Schema applied")

	case "create_index":
		if role != models.RoleAdmin {
			return errorResponse("Forbidden: Only ADMIN can manage indexes")
		}
		if req.Field == "" {
			return errorResponse("Missing argument: 'field'")
		}
		if err := db.CreateIndex(req.Collection, req.Field); err != nil {
			logger.Errorw("Dispatch: create_index failed", "collection", req.Collection, "error", err)
			return errorResponse("Index creation failed")
		}
		return okResponse("Index created and backfilled")

	case "compact":
		if role != models.RoleAdmin {
			return errorResponse("Forbidden: Maintenance commands are ADMIN-only")
		}
		if err := db.TriggerCompaction(req.Collection); err != nil {
			logger.Errorw("Dispatch: compaction failed", "collection", req.Collection, "error", err)
			return errorResponse("Compaction failed")
		}
		return okResponse("Compaction completed")

	default:
		return errorResponse(fmt.Sprintf("Unknown action opcode: %s", req.Action))
	}
}
