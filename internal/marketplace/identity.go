package marketplace

import (
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
)

// Identity is a Neo N3 address naming a caller or actor.
type Identity string

// ParseIdentity trims s and validates it as a Neo N3 address.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid(StatusInvalidIdentity, "empty identity")
	}
	if _, err := address.StringToUint160(s); err != nil {
		e := invalid(StatusInvalidIdentity, "%q is not a Neo N3 address", s)
		e.Cause = err
		return "", e
	}
	return Identity(s), nil
}

// MustIdentity is ParseIdentity for constants and tests; it panics on error.
func MustIdentity(s string) Identity {
	id, err := ParseIdentity(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (i Identity) String() string {
	return string(i)
}
