package engine

import "strings"

// Address is a recipient in the upstream network's addressing format
// (e.g. "628123456789@c.us").
type Address string

// userSuffix is the upstream suffix for direct chats.
const userSuffix = "@c.us"

// NormalizeAddress converts a raw phone-number-ish string into the upstream
// addressing format. It is deterministic and pure: trim whitespace, and append
// the direct-chat suffix unless the input is already fully addressed.
//
// An empty (all-whitespace) input normalizes to the empty Address; callers
// treat that as an invalid recipient.
func NormalizeAddress(raw string) Address {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "@") {
		return Address(s)
	}
	return Address(s + userSuffix)
}

func (a Address) String() string { return string(a) }

// Valid reports whether the address has a user part.
func (a Address) Valid() bool {
	s := string(a)
	i := strings.IndexByte(s, '@')
	return i > 0 && i < len(s)-1
}
