package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"

	"aevumdb/src/auth"
	"aevumdb/src/hash_index"
	"aevumdb/src/helpers"
	"aevumdb/src/models"
)

var (
	insertCounter      = metrics.GetOrCreateCounter(`aevumdb_inserts_total`)
	tombstoneCounter   = metrics.GetOrCreateCounter(`aevumdb_tombstones_total`)
	compactionCounter  = metrics.GetOrCreateCounter(`aevumdb_compactions_total`)
	findPrimaryCounter = metrics.GetOrCreateCounter(`aevumdb_find_total{tier="primary"}`)
	findIndexCounter   = metrics.GetOrCreateCounter(`aevumdb_find_total{tier="secondary"}`)
	findScanCounter    = metrics.GetOrCreateCounter(`aevumdb_find_total{tier="scan"}`)
)

// DBEngine is the store controller: the durable, concurrent,
// policy-enforcing orchestrator over the log engine, the index service,
// the query executor and the schema validator.
//
// All shared state is guarded by one readers-writer lock. Readers
// (Find, Count, Authenticate) take the shared mode; every mutation
// takes the exclusive mode. Results handed to callers are always deep
// copies; the engine never loans interior references.
type DBEngine struct {
	mu      sync.RWMutex
	store   *LogStorageEngine
	indexes *hash_index.HashIndexService
	logger  *zap.SugaredLogger

	// collection -> live documents in insertion order
	memory map[string][]models.Document

	// collection -> active schema
	schemas map[string]models.Document

	// DJB2 key hash -> role
	authCache map[string]models.Role
}

// NewDBEngine boots the storage kernel: it initializes the log engine,
// replays every collection log, rebuilds the indexes, loads schemas and
// principals, and bootstraps a default admin principal when the auth
// store is empty.
func NewDBEngine(dataDir, rootKey string, logger *zap.SugaredLogger) (*DBEngine, error) {
	logger.Info("Core: initializing AevumDB storage engine")

	store, err := NewLogStore(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize log store: %w", err)
	}

	db := &DBEngine{
		store:     store,
		indexes:   hash_index.NewHashIndexService(logger),
		logger:    logger,
		memory:    make(map[string][]models.Document),
		schemas:   make(map[string]models.Document),
		authCache: make(map[string]models.Role),
	}

	if err := db.loadAll(); err != nil {
		return nil, err
	}

	if len(db.authCache) == 0 {
		logger.Warn("Security: auth store empty, bootstrapping default admin principal")
		if err := db.createUserLocked(rootKey, "admin"); err != nil {
			return nil, fmt.Errorf("failed to bootstrap admin principal: %w", err)
		}
	}

	logger.Info("Core: engine online, accepting commands")
	return db, nil
}

// loadAll restores state by replaying the append-only logs. Order
// matters: the index catalog configures the engine before any data
// collection is rebuilt. The auth cache is filled when _auth is
// replayed together with the data collections; schemas come last.
func (db *DBEngine) loadAll() error {
	names, err := db.store.ListCollections()
	if err != nil {
		return fmt.Errorf("failed to enumerate collections: %w", err)
	}

	// Phase 1: index catalog.
	for _, name := range names {
		if name == models.IndexesCollection {
			db.loadIndexCatalog()
		}
	}

	// Phase 2: data collections.
	for _, name := range names {
		if name == models.IndexesCollection || name == models.SchemaCollection {
			continue
		}
		if err := db.replayCollection(name); err != nil {
			return err
		}
	}

	// Phase 3: schemas, last frame per collection wins.
	for _, name := range names {
		if name == models.SchemaCollection {
			db.loadSchemas()
		}
	}

	return nil
}

func (db *DBEngine) loadIndexCatalog() {
	db.logger.Debug("Core: loading index definitions")
	frames, err := db.store.LoadLog(models.IndexesCollection)
	if err != nil {
		db.logger.Errorf("Core: failed to load index catalog: %v", err)
		return
	}
	for _, frame := range frames {
		var entries []models.IndexEntry
		if err := json.Unmarshal(frame, &entries); err != nil {
			db.logger.Errorf("Core: corrupt frame in %s, skipping", models.IndexesCollection)
			continue
		}
		for _, entry := range entries {
			if entry.Collection != "" && entry.Field != "" {
				db.indexes.RegisterField(entry.Collection, entry.Field)
			}
		}
	}
}

func (db *DBEngine) replayCollection(name string) error {
	frames, err := db.store.LoadLog(name)
	if err != nil {
		return fmt.Errorf("failed to replay %s: %w", name, err)
	}

	// Latest frame wins per _id; tombstones erase. Survivors keep the
	// order of their first appearance.
	byID := make(map[string]models.Document)
	var order []string

	for _, frame := range frames {
		var doc models.Document
		if err := json.Unmarshal(frame, &doc); err != nil {
			db.logger.Errorf("Core: detected corrupt frame in %s, skipping", name)
			continue
		}

		id, ok := doc["_id"].(string)
		if !ok || id == "" {
			db.logger.Errorf("Core: frame without _id in %s, skipping", name)
			continue
		}

		if deleted, ok := doc["_deleted"].(bool); ok && deleted {
			if _, exists := byID[id]; exists {
				delete(byID, id)
				for i, existing := range order {
					if existing == id {
						order = append(order[:i], order[i+1:]...)
						break
					}
				}
			}
			continue
		}

		if _, exists := byID[id]; !exists {
			order = append(order, id)
		}
		byID[id] = doc
	}

	live := make([]models.Document, 0, len(order))
	for _, id := range order {
		live = append(live, byID[id])
	}

	db.memory[name] = live
	db.indexes.RebuildCollection(name, live)

	if name == models.AuthCollection {
		db.loadAuthCache(live)
	}

	// Fragmentation heuristic: more than half the frames are dead
	// weight and the collection is large enough to matter.
	if len(frames) > 2*len(live) && len(live) > 100 {
		db.logger.Infof("Maintenance: auto-compacting %s (%d frames, %d live)",
			name, len(frames), len(live))
		if err := db.compactLocked(name); err != nil {
			db.logger.Errorf("Maintenance: auto-compaction failed for %s: %v", name, err)
		}
	}
	return nil
}

func (db *DBEngine) loadSchemas() {
	frames, err := db.store.LoadLog(models.SchemaCollection)
	if err != nil {
		db.logger.Errorf("Core: failed to load schemas: %v", err)
		return
	}
	for _, frame := range frames {
		var schema models.Document
		if err := json.Unmarshal(frame, &schema); err != nil {
			db.logger.Errorf("Core: corrupt frame in %s, skipping", models.SchemaCollection)
			continue
		}
		if target, ok := schema["collection"].(string); ok && target != "" {
			db.schemas[target] = schema
		}
	}
}

func (db *DBEngine) loadAuthCache(live []models.Document) {
	for _, doc := range live {
		hash, okHash := doc["key_hash"].(string)
		role, okRole := doc["role"].(string)
		if okHash && okRole {
			db.authCache[hash] = models.ParseRole(role)
		}
	}
	db.logger.Infof("Security: RBAC policies loaded (%d principals)", len(db.authCache))
}

func (db *DBEngine) collectionLocked(name string) []models.Document {
	if _, ok := db.memory[name]; !ok {
		db.memory[name] = []models.Document{}
	}
	return db.memory[name]
}

func marshalDocument(doc models.Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	return raw, nil
}

// Authenticate resolves an API key to its role. An unknown or empty key
// resolves to RoleNone.
func (db *DBEngine) Authenticate(key string) models.Role {
	if key == "" {
		return models.RoleNone
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if role, ok := db.authCache[auth.HashKey(key)]; ok {
		return role
	}
	return models.RoleNone
}

// CreateUser provisions a principal: the key is hashed, registered in
// the auth cache and persisted as a record in the _auth collection.
func (db *DBEngine) CreateUser(key, role string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.createUserLocked(key, role)
}

func (db *DBEngine) createUserLocked(key, role string) error {
	hashed := auth.HashKey(key)

	record := models.Document{
		"_id":        helpers.GenerateUUID(),
		"key_hash":   hashed,
		"role":       role,
		"created_at": float64(time.Now().Unix()),
	}
	raw, err := marshalDocument(record)
	if err != nil {
		return err
	}
	if err := db.store.Append(models.AuthCollection, raw); err != nil {
		return fmt.Errorf("failed to persist user record: %w", err)
	}

	db.authCache[hashed] = models.ParseRole(role)
	db.memory[models.AuthCollection] = append(db.collectionLocked(models.AuthCollection), record)
	db.indexes.InsertDoc(models.AuthCollection, record)

	db.logger.Infof("Security: principal provisioned with role %s", role)
	return nil
}

// Insert validates, assigns an id if absent, persists a frame and only
// then publishes the document to the live list and indexes. The caller
// keeps ownership of data; the engine stores its own copy.
func (db *DBEngine) Insert(collection string, data models.Document) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.insertLocked(collection, data)
}

func (db *DBEngine) insertLocked(collection string, data models.Document) error {
	if !ValidateDocument(data, db.schemas[collection]) {
		db.logger.Errorf("Validation: schema violation detected in %s", collection)
		return fmt.Errorf("schema validation failed for %s", collection)
	}

	doc := helpers.CloneDocument(data)
	id, ok := doc["_id"].(string)
	if !ok || id == "" {
		id = helpers.GenerateUUID()
		doc["_id"] = id
	}

	raw, err := marshalDocument(doc)
	if err != nil {
		return err
	}
	if err := db.store.Append(collection, raw); err != nil {
		return fmt.Errorf("failed to persist document: %w", err)
	}

	db.memory[collection] = append(db.collectionLocked(collection), doc)
	db.indexes.InsertDoc(collection, doc)

	insertCounter.Inc()
	db.logger.Debugf("CRUD: inserted %s -> %s", id, collection)
	return nil
}

// Upsert updates matching documents, or inserts the data document when
// nothing matches. The decision and the write happen under one
// exclusive acquisition.
func (db *DBEngine) Upsert(collection string, query, data models.Document) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if CountDocuments(db.memory[collection], query) > 0 {
		return db.updateLocked(collection, query, data)
	}
	return db.insertLocked(collection, data)
}

// Update executes the query executor's update over a copy of the live
// sequence, persists one upsert frame per modified document and swaps
// the collection atomically. Space reclamation is left to compaction.
func (db *DBEngine) Update(collection string, query, update models.Document) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.updateLocked(collection, query, update)
}

func (db *DBEngine) updateLocked(collection string, query, update models.Document) error {
	live, ok := db.memory[collection]
	if !ok {
		return fmt.Errorf("collection %s not found", collection)
	}

	db.logger.Debugf("CRUD: executing update on %s", collection)
	next, modified, err := ExecuteUpdate(live, query, update)
	if err != nil {
		return err
	}
	if len(modified) == 0 {
		return fmt.Errorf("no documents matched the update query")
	}

	for _, doc := range modified {
		raw, err := marshalDocument(doc)
		if err != nil {
			return err
		}
		if err := db.store.Append(collection, raw); err != nil {
			return fmt.Errorf("failed to persist update: %w", err)
		}
	}

	db.memory[collection] = next
	db.indexes.RebuildCollection(collection, next)
	return nil
}

// Delete implements the turbo-delete protocol: candidate ids are found
// through the cheapest applicable tier, one tombstone frame is appended
// per id, and the documents are detached from memory. Disk space is
// reclaimed at the next compaction.
func (db *DBEngine) Delete(collection string, query models.Document) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	live, ok := db.memory[collection]
	if !ok {
		return fmt.Errorf("no documents matched or collection not found")
	}

	var ids []string

	if len(query) == 1 {
		if id, ok := query["_id"].(string); ok {
			if _, found := db.indexes.LookupByID(collection, id); found {
				ids = append(ids, id)
			}
		} else {
			for field, value := range query {
				key, scalar := hash_index.FormatIndexValue(value)
				if scalar && db.indexes.IsIndexed(collection, field) {
					for _, doc := range db.indexes.LookupByField(collection, field, key) {
						if id, ok := doc["_id"].(string); ok {
							ids = append(ids, id)
						}
					}
				}
			}
		}
	}

	if len(ids) == 0 {
		db.logger.Debugf("CRUD: full scan required for delete on %s", collection)
		for _, doc := range FilterDocuments(live, query) {
			if id, ok := doc["_id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}

	if len(ids) == 0 {
		return fmt.Errorf("no documents matched or collection not found")
	}

	db.logger.Debugf("CRUD: turbo delete removing %d docs from %s", len(ids), collection)

	removed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		doc, found := db.indexes.LookupByID(collection, id)
		if !found {
			continue
		}

		tomb := models.Document{"_id": id, "_deleted": true}
		raw, err := marshalDocument(tomb)
		if err != nil {
			return err
		}
		if err := db.store.Append(collection, raw); err != nil {
			return fmt.Errorf("failed to persist tombstone: %w", err)
		}

		db.indexes.RemoveDoc(collection, doc)
		removed[id] = struct{}{}
		tombstoneCounter.Inc()
	}

	kept := make([]models.Document, 0, len(live))
	for _, doc := range live {
		if id, ok := doc["_id"].(string); ok {
			if _, gone := removed[id]; gone {
				continue
			}
		}
		kept = append(kept, doc)
	}
	db.memory[collection] = kept
	return nil
}

// Find routes a read through three tiers, short-circuiting on the first
// applicable: the primary index for an exact _id query, a secondary
// index bucket for a single indexed equality, and the query executor
// full scan otherwise. The result is always a fresh, deeply copied
// array.
func (db *DBEngine) Find(collection string, query models.Document, spec []SortField,
	projection models.Document, limit, skip int) ([]models.Document, error) {

	db.mu.RLock()
	defer db.mu.RUnlock()

	live, ok := db.memory[collection]
	if !ok {
		return []models.Document{}, nil
	}

	simple := len(spec) == 0 && len(projection) == 0

	// Tier 1: O(1) primary key access.
	if simple && len(query) == 1 {
		if id, ok := query["_id"].(string); ok {
			findPrimaryCounter.Inc()
			db.logger.Debugf("Query: optimized O(1) id access: %s", id)
			if doc, found := db.indexes.LookupByID(collection, id); found {
				return []models.Document{helpers.CloneDocument(doc)}, nil
			}
			return []models.Document{}, nil
		}
	}

	// Tier 2: O(1) secondary index bucket.
	if simple && len(query) == 1 {
		for field, value := range query {
			key, scalar := hash_index.FormatIndexValue(value)
			if !scalar || !db.indexes.IsIndexed(collection, field) {
				break
			}

			findIndexCounter.Inc()
			db.logger.Infof("Query: using secondary index on %s.%s", collection, field)

			bucket := db.indexes.LookupByField(collection, field, key)
			if skip < 0 {
				skip = 0
			}
			if skip >= len(bucket) {
				return []models.Document{}, nil
			}
			end := len(bucket)
			if limit > 0 && skip+limit < end {
				end = skip + limit
			}
			results := make([]models.Document, 0, end-skip)
			for _, doc := range bucket[skip:end] {
				results = append(results, helpers.CloneDocument(doc))
			}
			return results, nil
		}
	}

	// Tier 3: O(n) full scan.
	findScanCounter.Inc()
	db.logger.Debugf("Query: full scan triggered on %s", collection)
	return ExecuteFind(live, query, spec, projection, limit, skip)
}

// Count returns the collection size for an empty query and the number
// of matches otherwise.
func (db *DBEngine) Count(collection string, query models.Document) int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	live, ok := db.memory[collection]
	if !ok {
		return 0
	}
	if len(query) == 0 {
		return len(live)
	}
	return CountDocuments(live, query)
}

// SetSchema replaces the in-memory schema for a collection and appends
// it to the _schemas log with its collection binding.
func (db *DBEngine) SetSchema(collection string, schema models.Document) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	persisted := helpers.CloneDocument(schema)
	persisted["collection"] = collection

	raw, err := marshalDocument(persisted)
	if err != nil {
		return err
	}
	if err := db.store.Append(models.SchemaCollection, raw); err != nil {
		return fmt.Errorf("failed to persist schema: %w", err)
	}

	db.schemas[collection] = persisted
	db.logger.Infof("Schema: definition updated for %s", collection)
	return nil
}

// CreateIndex registers a secondary index, backfills it from the live
// set and rewrites the _indexes catalog as a single compacted frame.
// Registering an existing index is a no-op.
func (db *DBEngine) CreateIndex(collection, field string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.indexes.IsIndexed(collection, field) {
		return nil
	}

	db.logger.Infof("Index: creating index on %s.%s", collection, field)
	db.indexes.RegisterField(collection, field)
	db.indexes.RebuildCollection(collection, db.memory[collection])

	catalog, err := json.Marshal(db.indexes.RegisteredEntries())
	if err != nil {
		return fmt.Errorf("failed to serialize index catalog: %w", err)
	}
	if err := db.store.Compact(models.IndexesCollection, [][]byte{catalog}); err != nil {
		return fmt.Errorf("failed to persist index catalog: %w", err)
	}
	return nil
}

// TriggerCompaction rewrites a collection's log to exactly its live
// frames under the exclusive lock, so it never overlaps a write.
func (db *DBEngine) TriggerCompaction(collection string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.compactLocked(collection)
}

func (db *DBEngine) compactLocked(collection string) error {
	live, ok := db.memory[collection]
	if !ok {
		return fmt.Errorf("collection %s not found", collection)
	}

	payloads := make([][]byte, 0, len(live))
	for _, doc := range live {
		raw, err := marshalDocument(doc)
		if err != nil {
			return err
		}
		payloads = append(payloads, raw)
	}

	if err := db.store.Compact(collection, payloads); err != nil {
		db.logger.Errorf("Maintenance: compaction failed for %s: %v", collection, err)
		return err
	}
	compactionCounter.Inc()
	return nil
}
