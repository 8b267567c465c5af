package storage

import (
	"context"
	"iter"
)

// VectorRepository persists chunk vectors and the documents they belong to.
// Both SQLiteStorage and QdrantStorage implement it.
type VectorRepository interface {
	// UpsertDocument stores or replaces a document by ID.
	UpsertDocument(ctx context.Context, doc *Document) error

	// GetDocument returns ErrDocumentNotFound when id is unknown.
	GetDocument(ctx context.Context, id string) (*Document, error)

	// StoreChunk writes one chunk atomically, overwriting any row with the
	// same (DocumentID, Index).
	StoreChunk(ctx context.Context, chunk Chunk) error

	// DeleteChunks removes every chunk of a document before it is re-embedded.
	DeleteChunks(ctx context.Context, documentID string) error

	// Vectors streams every stored chunk. A row that cannot be decoded to a
	// VectorDimension vector is yielded with an error wrapping
	// ErrMalformedVector and iteration continues; any other error ends the
	// sequence.
	Vectors(ctx context.Context) iter.Seq2[Chunk, error]

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	Close() error
}
