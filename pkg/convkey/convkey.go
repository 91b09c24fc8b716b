// Package convkey derives the canonical key identifying a two-party
// conversation. The key is order-independent: both participants resolve
// to the same key regardless of who initiates.
package convkey

import (
	"errors"
	"strings"
)

// Separator joins the two participant ids inside a conversation key.
const Separator = "_"

// ErrInvalidParticipants is returned when a key cannot be derived from
// the given participant ids.
var ErrInvalidParticipants = errors.New("invalid participants")

// Resolve returns the canonical conversation key for the two participants.
// The lexicographically smaller id always comes first, so
// Resolve(a, b) == Resolve(b, a). Empty ids, identical ids and ids
// containing the separator are rejected.
func Resolve(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", ErrInvalidParticipants
	}
	if a == b {
		return "", ErrInvalidParticipants
	}
	if strings.Contains(a, Separator) || strings.Contains(b, Separator) {
		return "", ErrInvalidParticipants
	}
	if a < b {
		return a + Separator + b, nil
	}
	return b + Separator + a, nil
}

// Split returns the two participant ids encoded in key. It is the inverse
// of Resolve for any key Resolve produced.
func Split(key string) (string, string, error) {
	i := strings.Index(key, Separator)
	if i <= 0 || i == len(key)-1 {
		return "", "", ErrInvalidParticipants
	}
	a, b := key[:i], key[i+1:]
	if strings.Contains(b, Separator) || a >= b {
		return "", "", ErrInvalidParticipants
	}
	return a, b, nil
}

// Peer returns the other participant of key relative to id.
func Peer(key, id string) (string, error) {
	a, b, err := Split(key)
	if err != nil {
		return "", err
	}
	switch id {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", ErrInvalidParticipants
}
