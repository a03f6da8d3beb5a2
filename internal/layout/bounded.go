package layout

import "kiln/internal/ir"

// CheckBounded rejects aggregates that contain themselves by value, directly
// or through other aggregates. It runs before any layout is requested, so a
// module that reaches the resolver is known to have finite layouts.
func CheckBounded(types *ir.Types) error {
	const (
		white = iota
		grey
		black
	)
	color := make([]uint8, types.Len())
	var stack []ir.TypeID

	var visit func(id ir.TypeID) *LayoutError
	visit = func(id ir.TypeID) *LayoutError {
		t, ok := types.Lookup(id)
		if !ok || t.Kind != ir.KindAggregate {
			return nil
		}
		switch color[id] {
		case black:
			return nil
		case grey:
			start := 0
			for i, s := range stack {
				if s == id {
					start = i
					break
				}
			}
			cycle := append(append([]ir.TypeID(nil), stack[start:]...), id)
			err := &LayoutError{Kind: LayoutErrUnbounded, Type: id, Name: types.String(id), Cycle: cycle}
			for _, c := range cycle {
				err.Names = append(err.Names, types.String(c))
			}
			return err
		}
		color[id] = grey
		stack = append(stack, id)
		for _, f := range t.Fields {
			if err := visit(f.Type); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for i := range types.List {
		if err := visit(ir.TypeID(i)); err != nil {
			return err
		}
	}
	return nil
}
