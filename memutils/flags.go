package memutils

import (
	"fmt"
	"strings"

	"golang.org/x/exp/constraints"
)

// FlagStringMapping maintains a registry of human-readable names for the individual bits of a
// flag type, allowing flag values to produce a readable String output. It is expected to be
// created as a package variable and populated from init methods via Register.
type FlagStringMapping[T constraints.Integer] struct {
	stringMap map[T]string
}

// NewFlagStringMapping creates an empty FlagStringMapping
func NewFlagStringMapping[T constraints.Integer]() FlagStringMapping[T] {
	return FlagStringMapping[T]{stringMap: make(map[T]string)}
}

// Register assigns a name to a single flag bit
func (m FlagStringMapping[T]) Register(value T, str string) {
	m.stringMap[value] = str
}

// FlagsToString builds a pipe-separated string from the names of all registered bits present in
// the provided value. Bits without a registered name are written in hex.
func (m FlagStringMapping[T]) FlagsToString(value T) string {
	var sb strings.Builder

	remaining := value
	for bit := T(1); remaining != 0; bit <<= 1 {
		if remaining&bit == 0 {
			continue
		}
		remaining &^= bit

		if sb.Len() > 0 {
			sb.WriteRune('|')
		}

		name, ok := m.stringMap[bit]
		if ok {
			sb.WriteString(name)
		} else {
			sb.WriteString(fmt.Sprintf("0x%x", uint64(bit)))
		}
	}

	return sb.String()
}
