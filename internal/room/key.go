// Package room defines the closed set of fan-out room kinds and the wire-level
// key format shared by the registries, the fan-out bus and clients.
package room

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind identifies the family a room belongs to. The kind decides which
// authorization policy applies before a connection may join.
type Kind string

const (
	// KindUser is the private per-identity delivery target.
	KindUser Kind = "user"
	// KindChannel is a many-to-many chat group.
	KindChannel Kind = "channel"
	// KindDirect is a two-party direct message thread.
	KindDirect Kind = "dm"
	// KindTeamPresence is the broadcast domain for online/offline events.
	KindTeamPresence Kind = "team-presence"
)

// ErrMalformedKey is returned when a wire key cannot be parsed.
var ErrMalformedKey = errors.New("malformed room key")

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindChannel, KindDirect, KindTeamPresence:
		return true
	}
	return false
}

// Key names a single room. The zero value is not a valid room.
type Key struct {
	kind Kind
	id   string
}

// User returns the personal room of an identity.
func User(id string) Key { return Key{kind: KindUser, id: id} }

// Channel returns the room of a group channel.
func Channel(id string) Key { return Key{kind: KindChannel, id: id} }

// Direct returns the room of a direct message thread.
func Direct(id string) Key { return Key{kind: KindDirect, id: id} }

// TeamPresence returns the presence room of a team.
func TeamPresence(id string) Key { return Key{kind: KindTeamPresence, id: id} }

// New builds a key after validating both parts.
func New(kind Kind, id string) (Key, error) {
	if !kind.Valid() {
		return Key{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedKey, kind)
	}
	if err := validateID(id); err != nil {
		return Key{}, err
	}
	return Key{kind: kind, id: id}, nil
}

// Kind returns the room family.
func (k Key) Kind() Kind { return k.kind }

// ID returns the entity id the room is bound to.
func (k Key) ID() string { return k.id }

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool { return k.kind == "" && k.id == "" }

// String renders the wire form "{kind}:{id}". Separators, whitespace,
// control characters and '%' inside the id are percent-encoded.
func (k Key) String() string {
	if k.IsZero() {
		return ""
	}
	return string(k.kind) + ":" + escapeID(k.id)
}

// Parse is the inverse of String. Every key built by the constructors
// survives a String/Parse round trip.
func Parse(s string) (Key, error) {
	kind, raw, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q has no kind separator", ErrMalformedKey, s)
	}
	if !Kind(kind).Valid() {
		return Key{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedKey, kind)
	}
	if err := validateID(raw); err != nil {
		return Key{}, err
	}
	id, err := url.PathUnescape(raw)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return Key{kind: Kind(kind), id: id}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrMalformedKey)
	}
	for _, r := range id {
		if r == ':' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: id %q contains %q", ErrMalformedKey, id, r)
		}
	}
	return nil
}

func needsEscape(r rune) bool {
	return r == '%' || r == ':' || unicode.IsSpace(r) || unicode.IsControl(r)
}

func escapeID(id string) string {
	if strings.IndexFunc(id, needsEscape) < 0 {
		return id
	}
	var b strings.Builder
	var buf [utf8.UTFMax]byte
	for _, r := range id {
		if !needsEscape(r) {
			b.WriteRune(r)
			continue
		}
		n := utf8.EncodeRune(buf[:], r)
		for _, c := range buf[:n] {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
