package source

import "errors"

var (
	// ErrSourceUnavailable means the source of truth could not be read.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrInvalidManifest means the source was read but a manifest in it is
	// malformed or duplicated.
	ErrInvalidManifest = errors.New("invalid manifest")
)
