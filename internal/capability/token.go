package capability

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidToken is returned for tokens outside the capability grammar
var ErrInvalidToken = errors.New("invalid capability token")

// Wildcard in the name position grants every name of a kind
const Wildcard = "*"

// Kind is the host-function category a token governs
type Kind uint8

const (
	StateRead Kind = iota + 1
	StateWrite
	EventsEmit
	ViewUpdate
	Extension
)

// String returns the token prefix for the kind
func (k Kind) String() string {
	switch k {
	case StateRead:
		return "state:read"
	case StateWrite:
		return "state:write"
	case EventsEmit:
		return "events:emit"
	case ViewUpdate:
		return "view:update"
	case Extension:
		return "ext"
	default:
		return "unknown"
	}
}

// Token is one granted or required permission
type Token struct {
	Kind Kind
	Name string
	All  bool
}

// String renders the token in its declared form
func (t Token) String() string {
	if t.All {
		return t.Kind.String() + ":" + Wildcard
	}
	return t.Kind.String() + ":" + t.Name
}

// Covers reports whether the granted token t satisfies the required token.
// Only the exact name or a wildcard of the same kind matches.
func (t Token) Covers(required Token) bool {
	if t.Kind != required.Kind {
		return false
	}
	if t.All {
		return true
	}
	return !required.All && t.Name == required.Name
}

// Parse converts a declared capability string into a Token
func Parse(s string) (Token, error) {
	parts := strings.Split(s, ":")
	var (
		kind Kind
		name string
	)

	switch {
	case len(parts) == 2 && parts[0] == "ext":
		kind, name = Extension, parts[1]
	case len(parts) == 3:
		switch parts[0] + ":" + parts[1] {
		case "state:read":
			kind = StateRead
		case "state:write":
			kind = StateWrite
		case "events:emit":
			kind = EventsEmit
		case "view:update":
			kind = ViewUpdate
		default:
			return Token{}, fmt.Errorf("%w: %q: unknown category", ErrInvalidToken, s)
		}
		name = parts[2]
	default:
		return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, s)
	}

	if name == "" || strings.TrimSpace(name) != name {
		return Token{}, fmt.Errorf("%w: %q: empty or padded name", ErrInvalidToken, s)
	}
	if name == Wildcard {
		return Token{Kind: kind, All: true}, nil
	}
	return Token{Kind: kind, Name: name}, nil
}

// MustParse is Parse for literals known to be valid
func MustParse(s string) Token {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Read is the scope required to read a state key
func Read(key string) Token { return Token{Kind: StateRead, Name: key} }

// ReadAll is the scope required to enumerate state keys
func ReadAll() Token { return Token{Kind: StateRead, All: true} }

// Write is the scope required to write or delete a state key
func Write(key string) Token { return Token{Kind: StateWrite, Name: key} }

// Emit is the scope required to emit an event
func Emit(name string) Token { return Token{Kind: EventsEmit, Name: name} }

// View is the scope required to update a component. An empty id targets
// every component and requires view:update:*.
func View(id string) Token {
	if id == "" {
		return Token{Kind: ViewUpdate, All: true}
	}
	return Token{Kind: ViewUpdate, Name: id}
}

// Ext is the scope required to call an extension
func Ext(name string) Token { return Token{Kind: Extension, Name: name} }
