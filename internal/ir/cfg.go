package ir

import "sort"

// Edge is a control-flow edge.
type Edge struct {
	From, To BlockID
}

// CFG holds control-flow facts derived from one function. Unreachable blocks
// have Order -1 and no immediate dominator.
type CFG struct {
	Succs [][]BlockID
	Preds [][]BlockID
	RPO   []BlockID
	Order []int
	Idom  []BlockID
	entry BlockID
}

// NewCFG computes successors, reverse post-order and dominators of f.
func NewCFG(f *Func) *CFG {
	n := len(f.Blocks)
	c := &CFG{
		Succs: make([][]BlockID, n),
		Preds: f.Predecessors(),
		Order: make([]int, n),
		Idom:  make([]BlockID, n),
		entry: f.Entry,
	}
	for i := range f.Blocks {
		c.Succs[i] = f.Blocks[i].Successors()
		c.Order[i] = -1
		c.Idom[i] = NoBlockID
	}
	if f.Entry < 0 || int(f.Entry) >= n {
		return c
	}
	c.RPO = reversePostorder(c.Succs, f.Entry)
	for i, b := range c.RPO {
		c.Order[b] = i
	}
	c.computeDominators()
	return c
}

func reversePostorder(succs [][]BlockID, entry BlockID) []BlockID {
	type frame struct {
		b    BlockID
		next int
	}
	visited := make([]bool, len(succs))
	post := make([]BlockID, 0, len(succs))
	stack := []frame{{b: entry}}
	visited[entry] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(succs[top.b]) {
			s := succs[top.b][top.next]
			top.next++
			if s >= 0 && int(s) < len(succs) && !visited[s] {
				visited[s] = true
				stack = append(stack, frame{b: s})
			}
			continue
		}
		post = append(post, top.b)
		stack = stack[:len(stack)-1]
	}
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// computeDominators is the Cooper-Harvey-Kennedy iterative algorithm.
func (c *CFG) computeDominators() {
	c.Idom[c.entry] = c.entry
	intersect := func(a, b BlockID) BlockID {
		for a != b {
			for c.Order[a] > c.Order[b] {
				a = c.Idom[a]
			}
			for c.Order[b] > c.Order[a] {
				b = c.Idom[b]
			}
		}
		return a
	}
	for changed := true; changed; {
		changed = false
		for _, b := range c.RPO[1:] {
			idom := NoBlockID
			for _, p := range c.Preds[b] {
				if c.Idom[p] == NoBlockID {
					continue
				}
				if idom == NoBlockID {
					idom = p
				} else {
					idom = intersect(p, idom)
				}
			}
			if c.Idom[b] != idom {
				c.Idom[b] = idom
				changed = true
			}
		}
	}
}

// Reachable reports whether b is reachable from the entry block.
func (c *CFG) Reachable(b BlockID) bool {
	return b >= 0 && int(b) < len(c.Order) && c.Order[b] >= 0
}

// Dominates reports whether every path from the entry to b passes through a.
func (c *CFG) Dominates(a, b BlockID) bool {
	if !c.Reachable(a) || !c.Reachable(b) {
		return false
	}
	for {
		if a == b {
			return true
		}
		if b == c.entry {
			return false
		}
		b = c.Idom[b]
	}
}

// Retreating reports whether the edge goes to a block at or before its source
// in reverse post-order. Every cycle contains at least one retreating edge.
func (c *CFG) Retreating(e Edge) bool {
	return c.Reachable(e.From) && c.Reachable(e.To) && c.Order[e.To] <= c.Order[e.From]
}

// RetreatingEdges lists retreating edges ordered by source block.
func (c *CFG) RetreatingEdges() []Edge {
	var out []Edge
	for _, b := range c.RPO {
		for _, s := range c.Succs[b] {
			if e := (Edge{From: b, To: s}); c.Retreating(e) {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// NaturalLoop returns the body of the loop closed by the back edge e, header
// first. ok is false when the header does not dominate the source, that is
// when the edge belongs to an irreducible cycle.
func (c *CFG) NaturalLoop(e Edge) (body []BlockID, ok bool) {
	if !c.Dominates(e.To, e.From) {
		return nil, false
	}
	in := map[BlockID]bool{e.To: true}
	body = []BlockID{e.To}
	work := []BlockID{e.From}
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		if in[b] {
			continue
		}
		in[b] = true
		body = append(body, b)
		for _, p := range c.Preds[b] {
			if c.Reachable(p) && !in[p] {
				work = append(work, p)
			}
		}
	}
	sort.Slice(body[1:], func(i, j int) bool { return body[1+i] < body[1+j] })
	return body, true
}
