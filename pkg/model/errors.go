package model

import (
	"errors"
	"fmt"
)

// Error kinds. Callers test for them with errors.Is; the request path maps each to a status.
var (
	ErrRetrieval          = errors.New("retrieval failure")
	ErrGeneration         = errors.New("generation failure")
	ErrMediaGeneration    = errors.New("media generation failure")
	ErrTranscription      = errors.New("transcription failure")
	ErrNoSpeech           = errors.New("no speech detected")
	ErrCacheWrite         = errors.New("cache write failure")
	ErrToolRoundsExceeded = errors.New("exceeded tool call loop limit")
)

// Classify tags err with kind. A nil err stays nil and an err already carrying kind is returned as is.
func Classify(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
