package embedding

import "errors"

// ErrEmbeddingFailure means text could not be turned into a vector of the
// shared dimension.
var ErrEmbeddingFailure = errors.New("embedding failure")
