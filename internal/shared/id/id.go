// Package id provides centralized ID generation for the broker.
//
// Two kinds of identity coexist:
//   - Debug ids: a broker-wide monotonically increasing uint64 sequence
//     stamped on every node, reference, buffer, and transaction. They order
//     object creation globally and make log lines greppable.
//   - Endpoint ids: prefixed ULIDs identifying opened endpoints on the admin
//     surface. K-sortable, readable in logs, unique across restarts.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// EndpointID identifies one opened endpoint.
type EndpointID string

// EndpointPrefix tags endpoint ULIDs in logs and the admin API.
const EndpointPrefix = "ep"

// Sequence hands out debug ids. The zero value is ready to use; the first id
// issued is 1 so that 0 can mean "unset".
type Sequence struct {
	last atomic.Uint64
}

// Next returns the next debug id.
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued debug id.
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewEndpointID generates a new endpoint ID.
func NewEndpointID() EndpointID {
	return EndpointID(Default().GenerateWithPrefix(EndpointPrefix))
}

func (id EndpointID) String() string { return string(id) }

// IsValid checks if an ID string is a valid ULID.
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}
