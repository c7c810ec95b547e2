package generator

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// Generator is an interface that defines a method to generate a new value of type T.
// The job runtime uses it to mint a fresh runner identity on every start.
type Generator[T any] interface {
	Next() (T, error)
}

// UUIDV4Generator is a generator that produces UUIDv4 strings.
// It implements the Generator interface.
type UUIDV4Generator struct{}

func (g *UUIDV4Generator) Next() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var _ Generator[string] = &UUIDV4Generator{}

// RunnerIdentityGenerator produces runner identities of the form
// "<prefix>-<uuidv4>". The prefix only helps humans reading the claimant
// column; uniqueness comes from the UUID.
type RunnerIdentityGenerator struct {
	Prefix string
	uuids  UUIDV4Generator
}

// NewRunnerIdentityGenerator returns a generator prefixed with the hostname,
// or with "runner" when the hostname is unavailable.
func NewRunnerIdentityGenerator() *RunnerIdentityGenerator {
	prefix, err := os.Hostname()
	if err != nil || strings.TrimSpace(prefix) == "" {
		prefix = "runner"
	}
	return &RunnerIdentityGenerator{Prefix: prefix}
}

func (g *RunnerIdentityGenerator) Next() (string, error) {
	id, err := g.uuids.Next()
	if err != nil {
		return "", err
	}
	if g.Prefix == "" {
		return id, nil
	}
	return g.Prefix + "-" + id, nil
}

var _ Generator[string] = (*RunnerIdentityGenerator)(nil)
