package env

import "strings"

// AbilitySet is a bitset over the four abilities.
type AbilitySet uint8

const (
	AbilityCopy AbilitySet = 1 << iota
	AbilityDrop
	AbilityStore
	AbilityKey

	AbilityNone AbilitySet = 0
	AbilityAll             = AbilityCopy | AbilityDrop | AbilityStore | AbilityKey

	// primitiveAbilities are carried by every primitive value type except signer.
	primitiveAbilities = AbilityCopy | AbilityDrop | AbilityStore
)

// Abilities builds a set from individual abilities.
func Abilities(items ...AbilitySet) AbilitySet {
	var s AbilitySet
	for _, a := range items {
		s |= a
	}
	return s
}

func (s AbilitySet) Has(a AbilitySet) bool { return s&a == a }

func (s AbilitySet) Intersect(o AbilitySet) AbilitySet { return s & o }

// Missing returns the abilities in required that s lacks.
func (s AbilitySet) Missing(required AbilitySet) AbilitySet { return required &^ s }

// RequiredForField maps a struct's declared ability to what each field must have.
// key on the struct requires store on its fields.
func (s AbilitySet) RequiredForField() AbilitySet {
	var req AbilitySet
	if s.Has(AbilityCopy) {
		req |= AbilityCopy
	}
	if s.Has(AbilityDrop) {
		req |= AbilityDrop
	}
	if s.Has(AbilityStore) || s.Has(AbilityKey) {
		req |= AbilityStore
	}
	return req
}

func (s AbilitySet) String() string {
	if s == 0 {
		return "{}"
	}
	parts := make([]string, 0, 4)
	for _, a := range []struct {
		bit  AbilitySet
		name string
	}{{AbilityCopy, "copy"}, {AbilityDrop, "drop"}, {AbilityStore, "store"}, {AbilityKey, "key"}} {
		if s.Has(a.bit) {
			parts = append(parts, a.name)
		}
	}
	return strings.Join(parts, ", ")
}
