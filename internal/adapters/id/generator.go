package id

import (
	"github.com/google/uuid"
)

// Generator mints UUIDv4 identifiers for threads, messages, parts and tool
// call ids. Clients only ever see ids produced here, never provider-assigned
// ones.
type Generator struct{}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) NewID() string {
	return uuid.NewString()
}
