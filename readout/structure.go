package readout

import "fmt"

// GroupShape is the fixed shape descriptor for one VME module's readout
// within a stack (spec §3 "Readout structure (per stack)"). A group whose
// three fields are all zero/false models a disabled module and is
// silently skipped by the parser.
type GroupShape struct {
	PrefixLen  uint16
	HasDynamic bool
	SuffixLen  uint16
}

// IsDisabled reports whether this shape carries no data at all.
func (g GroupShape) IsDisabled() bool {
	return g.PrefixLen == 0 && !g.HasDynamic && g.SuffixLen == 0
}

// StackStructure is the ordered list of module-group shapes for one
// stack's readout.
type StackStructure []GroupShape

// MaxStacks is the number of addressable stack ids (spec §3: stack id is
// a 4-bit field, ids 0-15; id 0 is reserved, so 1-15 name readout stacks).
const MaxStacks = 16

// ValidateStack checks a single stack's structure for the configuration
// errors spec §3 calls out at construction time. The GroupShape type
// already makes "more than one dynamic part per group" unrepresentable;
// what remains to check is that length fields fit the wire format's
// 13-bit length field.
func ValidateStack(groups StackStructure) error {
	const maxLen = 0x1FFF
	for i, g := range groups {
		if int(g.PrefixLen) > maxLen || int(g.SuffixLen) > maxLen {
			return fmt.Errorf("readout: group %d: prefix/suffix length exceeds 13-bit frame length field", i)
		}
	}
	return nil
}

// Structures holds the per-stack group structures, indexed by stack id
// minus one (spec §3 "the per-stack group structure (indexed by stack id
// minus one)").
type Structures struct {
	byStack [MaxStacks]StackStructure
}

// NewStructures returns an empty structure table.
func NewStructures() *Structures { return &Structures{} }

// Set registers the structure for stackID (1-16), validating it first.
func (s *Structures) Set(stackID uint8, groups StackStructure) error {
	if stackID < 1 || int(stackID) > MaxStacks {
		return fmt.Errorf("readout: stack id %d out of range [1,%d]", stackID, MaxStacks)
	}
	if err := ValidateStack(groups); err != nil {
		return err
	}
	s.byStack[stackID-1] = groups
	return nil
}

// Get returns the structure registered for stackID, or nil if none.
func (s *Structures) Get(stackID uint8) StackStructure {
	if stackID < 1 || int(stackID) > MaxStacks {
		return nil
	}
	return s.byStack[stackID-1]
}
