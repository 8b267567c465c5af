package storage

import "errors"

var (
	ErrStorageFailure    = errors.New("storage failure")
	ErrMalformedVector   = errors.New("malformed stored vector")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrQdrantUnreachable = errors.New("qdrant server unreachable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInvalidSubscriber = errors.New("invalid subscriber")
)
