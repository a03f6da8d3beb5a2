package gc

import (
	"sort"

	"kiln/internal/ir"
)

// Safepoint is a program point where the collector may run.
type Safepoint struct {
	ID    int32
	Kind  SafepointKind
	Block ir.BlockID
	// Index is the instruction index in Block. Polls sit after the last
	// instruction, before the terminator, and use len(Instrs).
	Index  int
	Callee string     // SafepointCall
	Loop   ir.BlockID // SafepointPoll: header the retreating edge enters
	// Live holds the managed values that must be visible to the collector.
	Live []ir.ValueID
	// Values holds the other values live across the point.
	Values []ir.ValueID
}

type site struct {
	b ir.BlockID
	i int
}

// Plan is the GC view of one function: root slots, safepoints and what is
// live at each of them.
type Plan struct {
	Func       string
	Policy     Policy
	Roots      []ir.ValueID
	Safepoints []Safepoint

	slot  map[ir.ValueID]int
	at    map[site]int
	polls map[ir.BlockID]int
}

// Summary records which module functions reach a collection point on every
// call that returns.
type Summary struct {
	m     *ir.Module
	polls map[string]bool
}

// Summarize computes the call summary of m. Calls to functions in a cycle
// with no collection point of their own are assumed not to poll.
func Summarize(m *ir.Module) *Summary {
	s := &Summary{m: m, polls: make(map[string]bool, len(m.Funcs))}
	cfgs := make([]*ir.CFG, len(m.Funcs))
	for i, f := range m.Funcs {
		if len(f.Blocks) > 0 {
			cfgs[i] = ir.NewCFG(f)
		}
	}
	for changed := true; changed; {
		changed = false
		for i, f := range m.Funcs {
			if cfgs[i] == nil || s.polls[f.Name] {
				continue
			}
			if s.returnsThroughPoll(f, cfgs[i]) {
				s.polls[f.Name] = true
				changed = true
			}
		}
	}
	return s
}

// AlwaysPolls reports whether every returning call to callee passes through
// an allocation, an explicit safepoint or another such call.
func (s *Summary) AlwaysPolls(callee string) bool { return s.polls[callee] }

func (s *Summary) polling(in *ir.Instr) bool {
	switch in.Kind {
	case ir.InstrAlloc, ir.InstrAllocArray, ir.InstrSafepoint:
		return true
	case ir.InstrCall:
		return s.polls[in.Call.Callee]
	}
	return false
}

func (s *Summary) returnsThroughPoll(f *ir.Func, cfg *ir.CFG) bool {
	marked := make([]bool, len(f.Blocks))
	for _, b := range cfg.RPO {
		for i := range f.Blocks[b].Instrs {
			if s.polling(&f.Blocks[b].Instrs[i]) {
				marked[b] = true
				break
			}
		}
	}
	entry := cfg.RPO[0]
	for _, r := range cfg.RPO {
		if f.Blocks[r].Term.Kind != ir.TermReturn {
			continue
		}
		for b := r; !marked[b]; b = cfg.Idom[b] {
			if b == entry {
				return false
			}
		}
	}
	return true
}

// NewPlan assigns root slots, places safepoints and records liveness.
// Under PolicyLoops a loop counts as covered only by allocations, explicit
// safepoints and calls to functions s reports as always polling.
func NewPlan(s *Summary, f *ir.Func, cfg *ir.CFG, policy Policy) *Plan {
	m := s.m
	p := &Plan{
		Func:   f.Name,
		Policy: policy,
		slot:   make(map[ir.ValueID]int),
		at:     make(map[site]int),
		polls:  make(map[ir.BlockID]int),
	}
	for i, v := range f.Values {
		if m.Types.IsManaged(v.Type) {
			id := ir.ValueID(i)
			p.slot[id] = len(p.Roots)
			p.Roots = append(p.Roots, id)
		}
	}

	polls := make([]bool, len(f.Blocks))
	for _, b := range cfg.RPO {
		blk := &f.Blocks[b]
		for i := range blk.Instrs {
			in := &blk.Instrs[i]
			sp := Safepoint{Block: b, Index: i, Loop: ir.NoBlockID}
			switch in.Kind {
			case ir.InstrAlloc, ir.InstrAllocArray:
				sp.Kind = SafepointAlloc
			case ir.InstrSafepoint:
				sp.Kind = SafepointExplicit
			case ir.InstrCall:
				if !MayCollect(m, in.Call.Callee) {
					continue
				}
				sp.Kind = SafepointCall
				sp.Callee = in.Call.Callee
			default:
				continue
			}
			p.add(sp)
			if s.polling(in) {
				polls[b] = true
			}
		}
	}

	for _, e := range cfg.RetreatingEdges() {
		if _, done := p.polls[e.From]; done {
			continue
		}
		if policy == PolicyLoops && loopCovered(cfg, e, polls) {
			continue
		}
		p.polls[e.From] = p.add(Safepoint{
			Kind:  SafepointPoll,
			Block: e.From,
			Index: len(f.Blocks[e.From].Instrs),
			Loop:  e.To,
		})
	}

	lv := ComputeLiveness(f, cfg)
	for i := range p.Safepoints {
		sp := &p.Safepoints[i]
		var live valueSet
		if sp.Kind == SafepointPoll {
			live = lv.LiveAtBlockEnd(sp.Block)
		} else {
			live = lv.LiveAfter(sp.Block, sp.Index)
			if dst := f.Blocks[sp.Block].Instrs[sp.Index].Dst; dst != ir.NoValueID {
				live.Remove(dst)
			}
		}
		for _, v := range live.ToSlice() {
			if _, ok := p.slot[v]; ok {
				sp.Live = append(sp.Live, v)
			} else {
				sp.Values = append(sp.Values, v)
			}
		}
		sortValues(sp.Live)
		sortValues(sp.Values)
	}
	return p
}

// loopCovered reports whether every trip around the loop closed by e runs
// through a polling block. A polling block inside the natural loop that
// dominates the latch is on every such path.
func loopCovered(cfg *ir.CFG, e ir.Edge, polls []bool) bool {
	body, reducible := cfg.NaturalLoop(e)
	if !reducible {
		return false
	}
	for _, b := range body {
		if polls[b] && cfg.Dominates(b, e.From) {
			return true
		}
	}
	return false
}

// MayCollect reports whether calling callee can reach the collector. Such a
// call needs a stack map even when it does not always poll.
func MayCollect(m *ir.Module, callee string) bool {
	if ext := m.Extern(callee); ext != nil {
		return !ext.NoGC
	}
	return true
}

func (p *Plan) add(sp Safepoint) int {
	idx := len(p.Safepoints)
	sp.ID = int32(idx + 1)
	p.Safepoints = append(p.Safepoints, sp)
	if sp.Kind != SafepointPoll {
		p.at[site{sp.Block, sp.Index}] = idx
	}
	return idx
}

func sortValues(vs []ir.ValueID) {
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
}

// NeedsFrame reports whether the function pushes a shadow-stack frame.
func (p *Plan) NeedsFrame() bool { return len(p.Roots) > 0 }

// Slot returns the root slot of a managed value.
func (p *Plan) Slot(v ir.ValueID) (int, bool) {
	s, ok := p.slot[v]
	return s, ok
}

// SafepointAt returns the safepoint placed on instruction idx of b.
func (p *Plan) SafepointAt(b ir.BlockID, idx int) (*Safepoint, bool) {
	i, ok := p.at[site{b, idx}]
	if !ok {
		return nil, false
	}
	return &p.Safepoints[i], true
}

// PollAt returns the poll placed at the end of b.
func (p *Plan) PollAt(b ir.BlockID) (*Safepoint, bool) {
	i, ok := p.polls[b]
	if !ok {
		return nil, false
	}
	return &p.Safepoints[i], true
}

// Polls returns the number of loop polls.
func (p *Plan) Polls() int { return len(p.polls) }
