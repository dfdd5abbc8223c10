package service

import (
	"errors"

	"github.com/dshills/openiti-search/internal/ingest"
	"github.com/dshills/openiti-search/pkg/types"
)

// Class is how a caller should treat a failed operation.
type Class string

const (
	ClassClient      Class = "client"      // fix the request
	ClassNotFound    Class = "not_found"   // no such entity
	ClassConflict    Class = "conflict"    // retry later
	ClassUnavailable Class = "unavailable" // a backing store is down
	ClassInternal    Class = "internal"
)

// ClassOf maps an error to its caller-facing class.
func ClassOf(err error) Class {
	if errors.Is(err, ingest.ErrRunInProgress) {
		return ClassConflict
	}
	switch types.KindOf(err) {
	case types.KindValidation:
		return ClassClient
	case types.KindNotFound:
		return ClassNotFound
	case types.KindLexical, types.KindVector, types.KindEmbedding, types.KindStorage:
		return ClassUnavailable
	}
	return ClassInternal
}
