package types

import "errors"

// Domain errors for type validation
var (
	ErrInvalidChunkID  = errors.New("invalid chunk ID")
	ErrInvalidRank     = errors.New("rank must be >= 1")
	ErrMissingFileInfo = errors.New("file info is required")
	ErrEmptyContent    = errors.New("content cannot be empty")
)
