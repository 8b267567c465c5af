package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeEmbedding encodes a vector as little-endian IEEE 754 float32 values
// without a length prefix.
func EncodeEmbedding(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// DecodeEmbedding decodes a BLOB produced by EncodeEmbedding and checks that it
// holds exactly VectorDimension values.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %w: blob length %d is not a multiple of 4", ErrStorageFailure, ErrMalformedVector, len(b))
	}
	n := len(b) / 4
	if n != VectorDimension {
		return nil, fmt.Errorf("%w: %w: %w: got %d values, expected %d",
			ErrStorageFailure, ErrMalformedVector, ErrDimensionMismatch, n, VectorDimension)
	}
	vec := make([]float32, n)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

// checkDimension validates a vector before it is written.
func checkDimension(vec []float32) error {
	if len(vec) != VectorDimension {
		return fmt.Errorf("%w: vector has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vec), VectorDimension)
	}
	return nil
}
