// Package id generates prefixed, sortable identifiers for runtime objects.
//
// IDs are ULIDs with a short type prefix (inst_*, lease_*, exec_*, req_*,
// conn_*) so log lines stay readable and ids of different kinds never
// collide. Suspension ids are not generated here; they are opaque uuids
// minted by the sandbox.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// InstanceID identifies a pooled sandbox instance
type InstanceID string

// LeaseID identifies one acquisition of an instance
type LeaseID string

// ExecutionID identifies one handler invocation across its resumes
type ExecutionID string

// RequestID identifies an API request
type RequestID string

// ConnectionID identifies a result-stream subscriber
type ConnectionID string

const (
	InstancePrefix   = "inst"
	LeasePrefix      = "lease"
	ExecutionPrefix  = "exec"
	RequestPrefix    = "req"
	ConnectionPrefix = "conn"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source,
// for deterministic tests
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewInstanceID generates a new instance ID
func NewInstanceID() InstanceID {
	return InstanceID(Default().GenerateWithPrefix(InstancePrefix))
}

// NewLeaseID generates a new lease ID
func NewLeaseID() LeaseID {
	return LeaseID(Default().GenerateWithPrefix(LeasePrefix))
}

// NewExecutionID generates a new execution ID
func NewExecutionID() ExecutionID {
	return ExecutionID(Default().GenerateWithPrefix(ExecutionPrefix))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewConnectionID generates a new connection ID
func NewConnectionID() ConnectionID {
	return ConnectionID(Default().GenerateWithPrefix(ConnectionPrefix))
}

func (id InstanceID) String() string   { return string(id) }
func (id LeaseID) String() string      { return string(id) }
func (id ExecutionID) String() string  { return string(id) }
func (id RequestID) String() string    { return string(id) }
func (id ConnectionID) String() string { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Parse parses a ULID string
func Parse(id string) (ulid.ULID, error) {
	return ulid.Parse(id)
}

// Split separates a prefixed id into prefix and ULID part
func Split(prefixed string) (prefix string, raw string, ok bool) {
	prefix, raw, ok = strings.Cut(prefixed, "_")
	if !ok || !IsValid(raw) {
		return "", "", false
	}
	return prefix, raw, true
}

// Timestamp extracts the creation time from a plain or prefixed id
func Timestamp(id string) (time.Time, error) {
	if _, raw, ok := Split(id); ok {
		id = raw
	}
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
