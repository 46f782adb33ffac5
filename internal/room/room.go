package room

import (
	"errors"
	"regexp"

	"github.com/google/uuid"
)

// IDLength is the length of a freshly minted room identifier.
const IDLength = 8

// ErrInvalidID is returned by ParseID for malformed identifiers.
var ErrInvalidID = errors.New("invalid room id")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Names a synchronization room on the peer transport
type ID string

func (id ID) String() string { return string(id) }

// Mints a new 8 character lowercase identifier from a random v4 UUID
func NewID() ID {
	return ID(uuid.NewString()[:IDLength])
}

// Validates an identifier taken from an address or a request
func ParseID(s string) (ID, error) {
	if !idPattern.MatchString(s) {
		return "", ErrInvalidID
	}
	return ID(s), nil
}
