// Package kvstore implements a crash-safe, JSON-file-backed document
// store with a MongoDB-subset query/update language. Collections are
// stored as a single file (object: id -> doc) or, when sharding is
// enabled on the Store, as one file per shard key under a collection
// directory. Every load-modify-save sequence holds a process-global,
// per-file mutex end to end, eliminating read-modify-write races between
// goroutines operating on the same file.
package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

var (
	fileLocksMu sync.Mutex
	fileLocks   = map[string]*sync.Mutex{}
)

// lockFor returns the process-wide mutex guarding path, creating it on
// first use. The registry itself never shrinks; that mirrors the
// reference implementation and is fine because the key space is bounded
// by the number of distinct collection/shard files on disk.
func lockFor(path string) *sync.Mutex {
	fileLocksMu.Lock()
	defer fileLocksMu.Unlock()
	m, ok := fileLocks[path]
	if !ok {
		m = &sync.Mutex{}
		fileLocks[path] = m
	}
	return m
}

// Store is one KV root. A process typically keeps two: a global root
// (sharded=true) and one per-entity root (sharded=false — the
// per-entity root's collections are already entity-scoped, so sharding is
// a property of the *global* root's entity-owned collections only).
type Store struct {
	root    string
	sharded bool
}

// New opens (without yet creating) a store rooted at dir. sharded selects
// whether entity-owned collections are partitioned into one file per
// shard key (used for the global root's large collections) or kept as a
// single file (used everywhere else, including all per-entity roots).
func New(dir string, sharded bool) *Store {
	return &Store{root: dir, sharded: sharded}
}

func (s *Store) collectionPath(coll string) string {
	return filepath.Join(s.root, coll+".json")
}

func (s *Store) shardDir(coll string) string {
	return filepath.Join(s.root, coll)
}

func (s *Store) shardPath(coll, shardKey string) string {
	return filepath.Join(s.shardDir(coll), sanitizeShardKey(shardKey)+".json")
}

var unsafeShardChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func sanitizeShardKey(key string) string {
	return unsafeShardChars.ReplaceAllString(key, "_")
}

// extractShardKey mirrors the reference's heuristic: prefer entity_id,
// else a single-element entity_ids array, else "" (meaning: no sharding
// possible for this query, fall back to scanning every shard).
func extractShardKey(q Query) string {
	if v, ok := q["entity_id"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if v, ok := q["entity_ids"]; ok {
		if arr, ok := v.([]any); ok && len(arr) == 1 {
			if s, ok := arr[0].(string); ok {
				return s
			}
		}
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func extractShardKeyFromUpdate(q Query, u Update) string {
	if k := extractShardKey(q); k != "" {
		return k
	}
	if v, ok := u.Set["entity_id"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if v, ok := u.SetOnInsert["entity_id"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// loadCollectionLocked loads a single-file (unsharded) collection under its
// file mutex already held by the caller.
func (s *Store) loadCollectionLocked(coll string) map[string]map[string]any {
	out := map[string]map[string]any{}
	readJSON(s.collectionPath(coll), &out)
	if out == nil {
		out = map[string]map[string]any{}
	}
	return out
}

func (s *Store) saveCollectionLocked(coll string, data map[string]map[string]any) error {
	return atomicWriteJSON(s.collectionPath(coll), data)
}

// loadAllShards reads every shard file of a sharded collection. Each
// shard file is locked individually and only while being read.
func (s *Store) loadAllShards(coll string) map[string]map[string]any {
	merged := map[string]map[string]any{}
	entries, err := os.ReadDir(s.shardDir(coll))
	if err != nil {
		return merged
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(s.shardDir(coll), name)
		mu := lockFor(path)
		mu.Lock()
		shard := map[string]map[string]any{}
		readJSON(path, &shard)
		mu.Unlock()
		for id, doc := range shard {
			merged[id] = doc
		}
	}
	return merged
}

// withFile runs fn while holding the mutex for the given file path.
func withFile[T any](path string, fn func() T) T {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// FindOne returns the first document matching q, or (nil, false) if none
// matches. When the store is sharded and q carries a usable shard key,
// only that shard file is consulted.
func (s *Store) FindOne(coll string, q Query) (map[string]any, bool) {
	if s.sharded {
		if key := extractShardKey(q); key != "" {
			path := s.shardPath(coll, key)
			return withFile(path, func() (map[string]any, bool) {
				shard := map[string]map[string]any{}
				readJSON(path, &shard)
				return findIn(shard, q)
			})
		}
		docs := s.loadAllShards(coll)
		return findIn(docs, q)
	}
	path := s.collectionPath(coll)
	return withFile(path, func() (map[string]any, bool) {
		docs := s.loadCollectionLocked(coll)
		return findIn(docs, q)
	})
}

func findIn(docs map[string]map[string]any, q Query) (map[string]any, bool) {
	ids := sortedKeys(docs)
	for _, id := range ids {
		if matches(docs[id], q) {
			return cloneDoc(docs[id]), true
		}
	}
	return nil, false
}

// Find returns every document matching q, optionally reduced to an
// include-only projection (projection==nil means "all fields").
func (s *Store) Find(coll string, q Query, projection []string) []map[string]any {
	var docs map[string]map[string]any
	if s.sharded {
		if key := extractShardKey(q); key != "" {
			path := s.shardPath(coll, key)
			docs = withFile(path, func() map[string]map[string]any {
				shard := map[string]map[string]any{}
				readJSON(path, &shard)
				return shard
			})
		} else {
			docs = s.loadAllShards(coll)
		}
	} else {
		path := s.collectionPath(coll)
		docs = withFile(path, func() map[string]map[string]any {
			return s.loadCollectionLocked(coll)
		})
	}

	var out []map[string]any
	for _, id := range sortedKeys(docs) {
		if matches(docs[id], q) {
			out = append(out, project(cloneDoc(docs[id]), projection))
		}
	}
	return out
}

func project(doc map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return doc
	}
	out := map[string]any{}
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}

// UpdateResult reports how many documents an update touched.
type UpdateResult struct {
	Matched  int
	Modified int
	UpsertedID string
}

// UpdateOne applies u to the first document matching q, optionally
// inserting a new document when upsert is true and none matches. The
// new document's id is resolved from q["_id"], q["doc_id"], q["chunk_id"],
// q["task_id"], q["session_id"], q["entity_id"] in that order, falling back
// to the collection's current size.
func (s *Store) UpdateOne(coll string, q Query, u Update, upsert bool) (UpdateResult, error) {
	shardKey := ""
	if s.sharded {
		shardKey = extractShardKeyFromUpdate(q, u)
	}

	if s.sharded && shardKey != "" {
		path := s.shardPath(coll, shardKey)
		return withFile(path, func() (UpdateResult, error) {
			shard := map[string]map[string]any{}
			readJSON(path, &shard)
			res, changed := updateOneIn(shard, q, u, upsert)
			if changed {
				if err := atomicWriteJSON(path, shard); err != nil {
					return res, newErr(KindTransientIO, "UpdateOne", "write shard failed", err)
				}
			}
			return res, nil
		})
	}

	if s.sharded {
		// No usable shard key: redistribute across all shards under a
		// multi-shard lock sequence (lock each touched shard file).
		return s.updateOneUnsharded(coll, q, u, upsert)
	}

	path := s.collectionPath(coll)
	return withFile(path, func() (UpdateResult, error) {
		docs := s.loadCollectionLocked(coll)
		res, changed := updateOneIn(docs, q, u, upsert)
		if changed {
			if err := s.saveCollectionLocked(coll, docs); err != nil {
				return res, newErr(KindTransientIO, "UpdateOne", "write collection failed", err)
			}
		}
		return res, nil
	})
}

// updateOneUnsharded handles the rare case of a sharded collection with no
// shard-key hint in the query: it must scan every shard to find a match,
// then write back only the shard that actually changed.
func (s *Store) updateOneUnsharded(coll string, q Query, u Update, upsert bool) (UpdateResult, error) {
	entries, _ := os.ReadDir(s.shardDir(coll))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.shardDir(coll), e.Name())
		res, changed, found := withFile(path, func() (UpdateResult, bool, bool) {
			shard := map[string]map[string]any{}
			readJSON(path, &shard)
			for id, doc := range shard {
				if matches(doc, q) {
					modified := applyUpdate(doc, u, false)
					shard[id] = doc
					if modified {
						atomicWriteJSON(path, shard)
					}
					return UpdateResult{Matched: 1, Modified: boolToInt(modified)}, modified, true
				}
			}
			return UpdateResult{}, false, false
		})
		if found {
			_ = changed
			return res, nil
		}
	}
	if !upsert {
		return UpdateResult{}, nil
	}
	// Upsert with no shard key at all falls back to a catch-all shard.
	path := s.shardPath(coll, "_unsharded")
	return withFile(path, func() (UpdateResult, error) {
		shard := map[string]map[string]any{}
		readJSON(path, &shard)
		id := resolveUpsertID(q, len(shard))
		doc := map[string]any{}
		for k, v := range q {
			if k != "$or" && k != "$and" {
				doc[k] = v
			}
		}
		doc["_id"] = id
		applyUpdate(doc, u, true)
		shard[id] = doc
		if err := atomicWriteJSON(path, shard); err != nil {
			return UpdateResult{}, newErr(KindTransientIO, "UpdateOne", "write shard failed", err)
		}
		return UpdateResult{Matched: 0, Modified: 1, UpsertedID: id}, nil
	})
}

func updateOneIn(docs map[string]map[string]any, q Query, u Update, upsert bool) (UpdateResult, bool) {
	ids := sortedKeys(docs)
	for _, id := range ids {
		if matches(docs[id], q) {
			modified := applyUpdate(docs[id], u, false)
			return UpdateResult{Matched: 1, Modified: boolToInt(modified)}, modified
		}
	}
	if !upsert {
		return UpdateResult{}, false
	}
	id := resolveUpsertID(q, len(docs))
	doc := map[string]any{}
	for k, v := range q {
		if k != "$or" && k != "$and" {
			doc[k] = v
		}
	}
	doc["_id"] = id
	applyUpdate(doc, u, true)
	docs[id] = doc
	return UpdateResult{Matched: 0, Modified: 1, UpsertedID: id}, true
}

// resolveUpsertID picks the new document's key: an explicit
// _id/doc_id/chunk_id/task_id/session_id/entity_id in the query (first
// match in that order), else the collection's current size as a string
// (stable only because writes are serialized).
func resolveUpsertID(q Query, collectionSize int) string {
	for _, key := range []string{"_id", "doc_id", "chunk_id", "task_id", "session_id", "entity_id"} {
		if v, ok := q[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return strconv.Itoa(collectionSize)
}

// UpdateMany applies u to every document matching q.
func (s *Store) UpdateMany(coll string, q Query, u Update) (UpdateResult, error) {
	if s.sharded {
		entries, _ := os.ReadDir(s.shardDir(coll))
		total := UpdateResult{}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(s.shardDir(coll), e.Name())
			res := withFile(path, func() UpdateResult {
				shard := map[string]map[string]any{}
				readJSON(path, &shard)
				count := 0
				for id, doc := range shard {
					if matches(doc, q) {
						if applyUpdate(doc, u, false) {
							count++
						}
						shard[id] = doc
					}
				}
				if count > 0 {
					atomicWriteJSON(path, shard)
				}
				return UpdateResult{Matched: count, Modified: count}
			})
			total.Matched += res.Matched
			total.Modified += res.Modified
		}
		return total, nil
	}

	path := s.collectionPath(coll)
	return withFile(path, func() (UpdateResult, error) {
		docs := s.loadCollectionLocked(coll)
		count := 0
		for id, doc := range docs {
			if matches(doc, q) {
				if applyUpdate(doc, u, false) {
					count++
				}
				docs[id] = doc
			}
		}
		if count > 0 {
			if err := s.saveCollectionLocked(coll, docs); err != nil {
				return UpdateResult{Matched: count, Modified: count}, newErr(KindTransientIO, "UpdateMany", "write failed", err)
			}
		}
		return UpdateResult{Matched: count, Modified: count}, nil
	})
}

// DeleteOne removes the first document matching q.
func (s *Store) DeleteOne(coll string, q Query) (int, error) {
	if s.sharded {
		deleteIn := func(path string) (int, error) {
			return withFile(path, func() (int, error) {
				shard := map[string]map[string]any{}
				readJSON(path, &shard)
				for _, id := range sortedKeys(shard) {
					if matches(shard[id], q) {
						delete(shard, id)
						if err := atomicWriteJSON(path, shard); err != nil {
							return 0, newErr(KindTransientIO, "DeleteOne", "write failed", err)
						}
						return 1, nil
					}
				}
				return 0, nil
			})
		}
		if key := extractShardKey(q); key != "" {
			return deleteIn(s.shardPath(coll, key))
		}
		// No shard key: scan every shard and stop at the first deletion.
		entries, _ := os.ReadDir(s.shardDir(coll))
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if n, err := deleteIn(filepath.Join(s.shardDir(coll), e.Name())); n > 0 || err != nil {
				return n, err
			}
		}
		return 0, nil
	}
	path := s.collectionPath(coll)
	return withFile(path, func() (int, error) {
		docs := s.loadCollectionLocked(coll)
		for _, id := range sortedKeys(docs) {
			if matches(docs[id], q) {
				delete(docs, id)
				if err := s.saveCollectionLocked(coll, docs); err != nil {
					return 0, newErr(KindTransientIO, "DeleteOne", "write failed", err)
				}
				return 1, nil
			}
		}
		return 0, nil
	})
}

// DeleteMany removes every document matching q.
func (s *Store) DeleteMany(coll string, q Query) (int, error) {
	if s.sharded {
		entries, _ := os.ReadDir(s.shardDir(coll))
		total := 0
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(s.shardDir(coll), e.Name())
			n := withFile(path, func() int {
				shard := map[string]map[string]any{}
				readJSON(path, &shard)
				count := 0
				for id := range shard {
					if matches(shard[id], q) {
						delete(shard, id)
						count++
					}
				}
				if count > 0 {
					atomicWriteJSON(path, shard)
				}
				return count
			})
			total += n
		}
		return total, nil
	}
	path := s.collectionPath(coll)
	return withFile(path, func() (int, error) {
		docs := s.loadCollectionLocked(coll)
		count := 0
		for id := range docs {
			if matches(docs[id], q) {
				delete(docs, id)
				count++
			}
		}
		if count > 0 {
			if err := s.saveCollectionLocked(coll, docs); err != nil {
				return count, newErr(KindTransientIO, "DeleteMany", "write failed", err)
			}
		}
		return count, nil
	})
}

func sortedKeys(m map[string]map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GroupResult is one output row of an Aggregate $group stage.
type GroupResult map[string]any

// Aggregate implements a minimal two-stage pipeline: an optional $match
// filter followed by a $group with $sum/$push accumulators, matching the
// operator subset this system relies on.
func (s *Store) Aggregate(coll string, match Query, groupBy string, sumField, pushField string) []GroupResult {
	docs := s.Find(coll, match, nil)
	groups := map[string]GroupResult{}
	order := []string{}

	for _, doc := range docs {
		keyVal, _ := getNested(doc, groupBy)
		key := fmt.Sprintf("%v", keyVal)
		g, ok := groups[key]
		if !ok {
			g = GroupResult{"_id": keyVal, "sum": float64(0), "items": []any{}}
			groups[key] = g
			order = append(order, key)
		}
		if sumField != "" {
			if v, ok := getNested(doc, sumField); ok {
				f, _ := toFloat(v)
				g["sum"] = g["sum"].(float64) + f
			}
		}
		if pushField != "" {
			if v, ok := getNested(doc, pushField); ok {
				g["items"] = append(g["items"].([]any), v)
			}
		}
		groups[key] = g
	}

	out := make([]GroupResult, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}
