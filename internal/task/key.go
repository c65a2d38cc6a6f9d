package task

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Key identifies one computed value in a graph. A Key is either atomic
// (just a name) or partitioned (a name plus a partition index, rendered
// as "(name, i)"). Keys are comparable and usable as map keys; equality
// is structural.
type Key struct {
	Name   string
	Part   int
	Parted bool
}

// K builds an atomic key.
func K(name string) Key {
	return Key{Name: name}
}

// P builds a partitioned key.
func P(name string, part int) Key {
	return Key{Name: name, Part: part, Parted: true}
}

// Less defines the total order used for every deterministic tie-break in
// the engine. Atomic keys sort before partitioned keys of the same name.
func (k Key) Less(o Key) bool {
	if k.Name != o.Name {
		return k.Name < o.Name
	}
	if k.Parted != o.Parted {
		return !k.Parted
	}
	return k.Part < o.Part
}

// String renders the key for logs and error messages.
func (k Key) String() string {
	if !k.Parted {
		return k.Name
	}
	return "(" + k.Name + ", " + strconv.Itoa(k.Part) + ")"
}

// ParseKey is the inverse of String. It accepts "name" and "(name, i)".
func ParseKey(s string) (Key, error) {
	if !strings.HasPrefix(s, "(") {
		return K(s), nil
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	name, idx, ok := strings.Cut(body, ",")
	if !ok {
		return Key{}, fmt.Errorf("malformed partitioned key %q", s)
	}
	part, err := strconv.Atoi(strings.TrimSpace(idx))
	if err != nil {
		return Key{}, fmt.Errorf("malformed partition index in key %q: %w", s, err)
	}
	return P(strings.TrimSpace(name), part), nil
}

// KeySet is the set representation shared by the graph packages.
type KeySet map[Key]struct{}

// NewKeySet builds a set from the given keys.
func NewKeySet(keys ...Key) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s KeySet) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

// Add inserts a key.
func (s KeySet) Add(k Key) {
	s[k] = struct{}{}
}

// AddAll inserts every key of o.
func (s KeySet) AddAll(o KeySet) {
	for k := range o {
		s[k] = struct{}{}
	}
}

// Sorted returns the members in Key order. Every piece of the engine that
// iterates a set for anything observable goes through this, so results
// never depend on map iteration order.
func (s KeySet) Sorted() []Key {
	out := make([]Key, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	SortKeys(out)
	return out
}

// SortKeys sorts keys in place by their total order.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}
