// Package vectorindex implements the restart-stable nearest-neighbor
// index (C4) over tool descriptions.
package vectorindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/philippgille/chromem-go"
)

const collectionName = "tools"

// Record is a single tool description to be indexed.
type Record struct {
	ServerName  string
	ToolName    string
	Description string
}

// Result is a single search hit, sorted by descending similarity with a
// deterministic lexicographic tie-break on serverName/toolName.
type Result struct {
	ServerName  string
	ToolName    string
	Description string
	Score       float64 // in [0, 1]
}

// Embedder is the minimal surface vectorindex needs from C3.
type Embedder interface {
	Embed(text string) []float32
}

// Index wraps a restart-stable on-disk vector database. A single Index
// instance is rebuilt wholesale at every startup; there is no incremental
// update path, matching the "regenerated from scratch each startup"
// lifecycle rule.
type Index struct {
	root       string
	embedder   Embedder
	db         *chromem.DB
	collection *chromem.Collection
}

func embeddingFuncFor(e Embedder) chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		return e.Embed(text), nil
	}
}

// Rebuild replaces the on-disk index atomically: the new index is built
// in a staging directory beside root (root + ".staging"), then the staging directory is
// renamed over the canonical path. If the process crashes mid-rebuild,
// the stale staging directory is simply ignored (and removed) on the
// next Rebuild call — the canonical path is only ever touched by the
// final rename.
func Rebuild(root string, embedder Embedder, records []Record) (*Index, error) {
	staging := root + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("vectorindex: clear stale staging dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(root), 0o755); err != nil {
		return nil, fmt.Errorf("vectorindex: create index parent dir: %w", err)
	}

	db, err := chromem.NewPersistentDB(staging, false)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: create staging db: %w", err)
	}

	collection, err := db.CreateCollection(collectionName, nil, embeddingFuncFor(embedder))
	if err != nil {
		return nil, fmt.Errorf("vectorindex: create collection: %w", err)
	}

	ctx := context.Background()
	docs := make([]chromem.Document, 0, len(records))
	for _, r := range records {
		docs = append(docs, chromem.Document{
			ID:        r.ServerName + "/" + r.ToolName,
			Embedding: embedder.Embed(r.Description),
			Metadata: map[string]string{
				"serverName":  r.ServerName,
				"toolName":    r.ToolName,
				"description": r.Description,
			},
			Content: r.Description,
		})
	}
	if len(docs) > 0 {
		if err := collection.AddDocuments(ctx, docs, 1); err != nil {
			return nil, fmt.Errorf("vectorindex: add documents: %w", err)
		}
	}

	// Swap: remove whatever occupied the canonical path, then move the
	// freshly built staging directory into place.
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("vectorindex: clear previous index: %w", err)
	}
	if err := os.Rename(staging, root); err != nil {
		return nil, fmt.Errorf("vectorindex: swap staging into place: %w", err)
	}

	// The renamed directory is the same bytes the in-memory db/collection
	// already reflect; no need to reopen.
	return &Index{root: root, embedder: embedder, db: db, collection: collection}, nil
}

// Search returns the top-k results for queryText sorted by descending
// score, ties broken lexicographically by serverName/toolName. k=0
// returns an empty slice.
func (idx *Index) Search(queryText string, k int) ([]Result, error) {
	if k <= 0 {
		return []Result{}, nil
	}

	count := idx.collection.Count()
	if count == 0 {
		return []Result{}, nil
	}

	n := count // fetch everything so we can apply our own deterministic tie-break
	raw, err := idx.collection.Query(context.Background(), queryText, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: search: %w", err)
	}

	results := make([]Result, 0, len(raw))
	for _, r := range raw {
		server := r.Metadata["serverName"]
		tool := r.Metadata["toolName"]
		desc := r.Metadata["description"]
		score := (float64(r.Similarity) + 1) / 2 // cosine similarity [-1,1] -> [0,1]
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		results = append(results, Result{
			ServerName:  server,
			ToolName:    tool,
			Description: desc,
			Score:       score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ServerName+"/"+results[i].ToolName < results[j].ServerName+"/"+results[j].ToolName
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
