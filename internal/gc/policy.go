// Package gc plans and emits the code the tracing collector relies on:
// allocation calls, write barriers, safepoints and shadow-stack frames with
// their stack maps.
package gc

import (
	"fmt"
	"strings"
)

// Collector entry points and the shadow-stack head, a fixed ABI.
const (
	AllocFunc     = "gc_alloc"
	BarrierFunc   = "gc_write_barrier"
	PollFunc      = "gc_poll"
	StackTopVar   = "gc_shadow_stack_top"
	GlobalRootVar = "gc_global_roots"
)

// RuntimeSymbols lists the names every lowered module may reference.
func RuntimeSymbols() []string {
	return []string{AllocFunc, BarrierFunc, PollFunc, StackTopVar}
}

// Policy selects where polls are inserted in loops.
type Policy uint8

const (
	// PolicyLoops polls on a retreating edge unless a safepoint block of its
	// loop dominates the edge.
	PolicyLoops Policy = iota
	// PolicyBackEdges polls on every retreating edge.
	PolicyBackEdges
)

func (p Policy) String() string {
	switch p {
	case PolicyLoops:
		return "loops"
	case PolicyBackEdges:
		return "backedges"
	}
	return fmt.Sprintf("policy(%d)", p)
}

// ParsePolicy accepts the names printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "loops":
		return PolicyLoops, nil
	case "backedges", "back-edges":
		return PolicyBackEdges, nil
	}
	return PolicyLoops, fmt.Errorf("unknown safepoint policy %q (want loops or backedges)", s)
}

// Set implements pflag.Value.
func (p *Policy) Set(s string) error {
	v, err := ParsePolicy(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Type implements pflag.Value.
func (p *Policy) Type() string { return "policy" }

// SafepointKind says why a program point may collect.
type SafepointKind uint8

const (
	SafepointAlloc SafepointKind = iota + 1
	SafepointCall
	SafepointPoll
	SafepointExplicit
)

func (k SafepointKind) String() string {
	switch k {
	case SafepointAlloc:
		return "alloc"
	case SafepointCall:
		return "call"
	case SafepointPoll:
		return "poll"
	case SafepointExplicit:
		return "explicit"
	}
	return fmt.Sprintf("safepoint(%d)", k)
}

// MarshalText renders the kind in stack-map dumps.
func (k SafepointKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }
