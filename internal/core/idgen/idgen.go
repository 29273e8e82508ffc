// Package idgen assigns stable service IDs. The configuration registry uses
// this only for services it has never seen before; matched services on
// reload keep their previous ID (see internal/core/configreg).
package idgen

import "github.com/google/uuid"

// Generator produces a fresh, unique service ID.
type Generator interface {
	Next() string
}

type uuidGenerator struct{}

// New returns the default Generator, backed by random UUIDs.
func New() Generator {
	return uuidGenerator{}
}

func (uuidGenerator) Next() string {
	return uuid.NewString()
}
