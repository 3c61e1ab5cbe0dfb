// Package store implements the narrow durable-store API the spec grants
// the SurrealDB-or-equivalent external collaborator: upsert by key, query
// by predicate, and a vector search over an embedded collection. The five
// tables named in §6 (config_state, mcp_server, fact, episode, chunk) are
// modeled as named collections of JSON documents; "chunk" additionally
// supports embedding search.
//
// This is intentionally not a SQL schema owner — per the base spec, the
// durable store is an out-of-scope external collaborator consumed through
// exactly this narrow surface. chromem-go provides the embedded vector
// collection so the system has a working default without a real SurrealDB
// deployment.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Document is one row: an opaque key plus an arbitrary JSON-shaped value.
type Document struct {
	Key   string         `json:"key"`
	Value map[string]any `json:"value"`
}

// Predicate filters documents during Query; it receives the decoded value.
type Predicate func(value map[string]any) bool

// Store is the narrow key/value + predicate-query + vector-search API.
type Store struct {
	mu          sync.RWMutex
	path        string
	collections map[string]map[string]Document

	vecDB    *chromem.DB
	vecStore map[string]*chromem.Collection
	embedder chromem.EmbeddingFunc
}

const (
	TableConfigState = "config_state"
	TableMCPServer   = "mcp_server"
	TableFact        = "fact"
	TableEpisode     = "episode"
	TableChunk       = "chunk"
)

// New opens (or creates) a store persisted under dir/store.json, with an
// in-process chromem-go database for vector search backing the "chunk"
// table. embedder may be nil, in which case vector search is a no-op
// (callers fall back to predicate queries), keeping the system usable
// without a configured embedding model.
func New(dir string, embedder chromem.EmbeddingFunc) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{
		path:        filepath.Join(dir, "store.json"),
		collections: make(map[string]map[string]Document),
		vecDB:       chromem.NewDB(),
		vecStore:    make(map[string]*chromem.Collection),
		embedder:    embedder,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var raw map[string]map[string]Document
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse store: %w", err)
	}
	s.collections = raw
	return nil
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.collections, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Upsert writes value under key in table, persisting immediately.
func (s *Store) Upsert(table, key string, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collections[table] == nil {
		s.collections[table] = make(map[string]Document)
	}
	s.collections[table][key] = Document{Key: key, Value: value}
	return s.persist()
}

// Get retrieves one document by key.
func (s *Store) Get(table, key string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.collections[table][key]
	return d, ok
}

// Delete removes one document by key.
func (s *Store) Delete(table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[table], key)
	return s.persist()
}

// Query returns every document in table matching pred.
func (s *Store) Query(table string, pred Predicate) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Document
	for _, d := range s.collections[table] {
		if pred == nil || pred(d.Value) {
			out = append(out, d)
		}
	}
	return out
}

// UpsertChunk adds or updates a vector-searchable chunk (table "chunk"),
// indexing its text via the configured embedder as well as storing the
// plain document.
func (s *Store) UpsertChunk(ctx context.Context, id, text string, metadata map[string]string) error {
	if err := s.Upsert(TableChunk, id, map[string]any{"text": text, "metadata": metadata}); err != nil {
		return err
	}
	if s.embedder == nil {
		return nil
	}
	col, err := s.chunkCollection(ctx)
	if err != nil {
		return err
	}
	return col.AddDocument(ctx, chromem.Document{ID: id, Content: text, Metadata: metadata})
}

func (s *Store) chunkCollection(ctx context.Context) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.vecStore[TableChunk]; ok {
		return col, nil
	}
	col, err := s.vecDB.GetOrCreateCollection(TableChunk, nil, s.embedder)
	if err != nil {
		return nil, err
	}
	s.vecStore[TableChunk] = col
	return col, nil
}

// VectorSearch implements the spec's `embedding <|K|> $vec` narrow API:
// nearest K chunks above a confidence threshold. Returns nil if no
// embedder is configured.
func (s *Store) VectorSearch(ctx context.Context, queryText string, k int, minConfidence float32) ([]chromem.Result, error) {
	if s.embedder == nil {
		return nil, nil
	}
	col, err := s.chunkCollection(ctx)
	if err != nil {
		return nil, err
	}
	results, err := col.Query(ctx, queryText, k, nil, nil)
	if err != nil {
		return nil, err
	}
	filtered := results[:0]
	for _, r := range results {
		if r.Similarity >= minConfidence {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}
