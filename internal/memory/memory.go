package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"

	"github.com/conductorhq/conductor/internal/store"
)

// DefaultSearchLimit bounds keyword search results.
const DefaultSearchLimit = 5

// Persistence is the slice of the store the memory index needs.
type Persistence interface {
	SaveMemory(ctx context.Context, namespace, key, value string) (store.Memory, error)
	ListMemories(ctx context.Context, namespace string) ([]store.Memory, error)
	ListAllMemories(ctx context.Context) ([]store.Memory, error)
}

// Index is the namespaced keyword memory store: facts persist in Postgres
// and are searchable through an in-memory BM25 index. Memories supply
// planner context only; losing the index loses nothing durable.
type Index struct {
	db     Persistence
	index  bleve.Index
	limit  int
	logger *log.Logger

	mu   sync.RWMutex
	docs map[string]store.Memory
}

type memoryDoc struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

// NewIndex creates an empty in-memory index over the given persistence.
func NewIndex(db Persistence, limit int) (*Index, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	// the namespace is an opaque identifier (often a UUID), not prose: index
	// it as a single keyword term so the TermQuery filter matches it exactly
	nsField := bleve.NewTextFieldMapping()
	nsField.Analyzer = keyword.Name
	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("namespace", nsField)
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	idx, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("create memory index: %w", err)
	}
	return &Index{
		db:     db,
		index:  idx,
		limit:  limit,
		logger: log.New(log.Writer(), "[MEMORY] ", log.LstdFlags),
		docs:   make(map[string]store.Memory),
	}, nil
}

// Rebuild reloads every persisted fact into the search index. Called once
// at boot.
func (ix *Index) Rebuild(ctx context.Context) error {
	memories, err := ix.db.ListAllMemories(ctx)
	if err != nil {
		return fmt.Errorf("list memories: %w", err)
	}
	for _, m := range memories {
		if err := ix.indexMemory(m); err != nil {
			return err
		}
	}
	ix.logger.Printf("rebuilt memory index with %d facts", len(memories))
	return nil
}

// Save persists one fact (append/overwrite per namespace+key) and indexes it.
func (ix *Index) Save(ctx context.Context, namespace, key, value string) (store.Memory, error) {
	namespace = strings.TrimSpace(namespace)
	key = strings.TrimSpace(key)
	if namespace == "" || key == "" {
		return store.Memory{}, fmt.Errorf("namespace and key are required")
	}
	m, err := ix.db.SaveMemory(ctx, namespace, key, value)
	if err != nil {
		return store.Memory{}, fmt.Errorf("save memory: %w", err)
	}
	if err := ix.indexMemory(m); err != nil {
		return store.Memory{}, err
	}
	return m, nil
}

// Search returns up to the configured limit of keyword matches within a
// namespace, best first.
func (ix *Index) Search(ctx context.Context, namespace, query string) ([]store.Memory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	nsq := bleve.NewTermQuery(strings.ToLower(namespace))
	nsq.SetField("namespace")
	match := bleve.NewMatchQuery(query)
	conj := bleve.NewConjunctionQuery(nsq, match)

	searchReq := bleve.NewSearchRequestOptions(conj, ix.limit*3, 0, false)
	res, err := ix.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []store.Memory
	for _, hit := range res.Hits {
		m, ok := ix.docs[hit.ID]
		if !ok {
			continue
		}
		out = append(out, m)
		if len(out) >= ix.limit {
			break
		}
	}
	return out, nil
}

// List returns every fact in a namespace straight from persistence.
func (ix *Index) List(ctx context.Context, namespace string) ([]store.Memory, error) {
	return ix.db.ListMemories(ctx, namespace)
}

func (ix *Index) indexMemory(m store.Memory) error {
	doc := memoryDoc{Namespace: strings.ToLower(m.Namespace), Key: m.Key, Value: m.Value}
	if err := ix.index.Index(m.ID, doc); err != nil {
		return fmt.Errorf("index memory %s: %w", m.ID, err)
	}
	ix.mu.Lock()
	ix.docs[m.ID] = m
	ix.mu.Unlock()
	return nil
}
