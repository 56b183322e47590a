// Package session defines the compound key identifying a (user, channel)
// conversation. The encoded form is injective: distinct key pairs always
// produce distinct strings, which plain colon concatenation cannot guarantee.
package session

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	userPrefix    = "user:"
	channelPrefix = "channel:"
	separator     = '|'
	escape        = '\\'
)

// Key identifies one conversation.
type Key struct {
	UserID    string
	ChannelID string
}

// Encode renders the key as "user:<id>|channel:<id>" with '|' and '\'
// escaped inside both fields so the separator stays unambiguous.
func (k Key) Encode() string {
	var b strings.Builder
	b.Grow(len(userPrefix) + len(channelPrefix) + len(k.UserID) + len(k.ChannelID) + 8)
	b.WriteString(userPrefix)
	writeEscaped(&b, k.UserID)
	b.WriteByte(separator)
	b.WriteString(channelPrefix)
	writeEscaped(&b, k.ChannelID)
	return b.String()
}

func (k Key) String() string {
	return k.Encode()
}

func writeEscaped(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == separator || c == escape {
			b.WriteByte(escape)
		}
		b.WriteByte(c)
	}
}

// Parse is the strict inverse of Encode. Any string that Encode could not
// have produced is rejected.
func Parse(s string) (Key, error) {
	if !strings.HasPrefix(s, userPrefix) {
		return Key{}, errors.Errorf("session key %q: missing %q prefix", s, userPrefix)
	}
	rest := s[len(userPrefix):]

	userID, rest, err := readField(rest)
	if err != nil {
		return Key{}, errors.Wrapf(err, "session key %q: user field", s)
	}
	if rest == "" {
		return Key{}, errors.Errorf("session key %q: missing channel segment", s)
	}
	if !strings.HasPrefix(rest, channelPrefix) {
		return Key{}, errors.Errorf("session key %q: missing %q prefix", s, channelPrefix)
	}
	channelID, tail, err := readField(rest[len(channelPrefix):])
	if err != nil {
		return Key{}, errors.Wrapf(err, "session key %q: channel field", s)
	}
	if tail != "" {
		return Key{}, errors.Errorf("session key %q: trailing data after channel field", s)
	}
	return Key{UserID: userID, ChannelID: channelID}, nil
}

// readField unescapes up to the first unescaped separator. It returns the
// decoded field and the remainder after the separator (empty when the field
// ran to the end of input).
func readField(s string) (field, rest string, err error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case escape:
			if i+1 >= len(s) {
				return "", "", errors.New("dangling escape")
			}
			next := s[i+1]
			if next != separator && next != escape {
				return "", "", errors.Errorf("invalid escape %q", string([]byte{escape, next}))
			}
			b.WriteByte(next)
			i++
		case separator:
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), "", nil
}
