package gc

import (
	"fmt"
	"io"

	"fortio.org/safecast"
	"gopkg.in/yaml.v3"

	"kiln/internal/ir"
)

// LocationKind says where a live value resides at a safepoint.
type LocationKind uint8

const (
	// StackSlot is an index into the frame's root array.
	StackSlot LocationKind = iota + 1
	// Register means the value is held by generated code and is not a root.
	Register
)

func (k LocationKind) String() string {
	switch k {
	case StackSlot:
		return "slot"
	case Register:
		return "register"
	}
	return fmt.Sprintf("location(%d)", k)
}

// MarshalText renders the kind in stack-map dumps.
func (k LocationKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Location of a live value. Index is the root slot for StackSlot and -1 for Register.
type Location struct {
	Kind  LocationKind `yaml:"kind"`
	Index int          `yaml:"index"`
}

// StackMapEntry maps one live range to where it lives.
type StackMapEntry struct {
	LiveRange ir.ValueID `yaml:"value"`
	Name      string     `yaml:"name,omitempty"`
	Location  Location   `yaml:"location"`
	IsPointer bool       `yaml:"pointer"`
}

// StackMap describes one safepoint.
type StackMap struct {
	Func        string          `yaml:"func"`
	SafepointID int32           `yaml:"id"`
	Kind        SafepointKind   `yaml:"kind"`
	Block       string          `yaml:"block"`
	Entries     []StackMapEntry `yaml:"entries"`
}

// Pointers returns the live-range IDs of the managed entries.
func (sm StackMap) Pointers() []ir.ValueID {
	var out []ir.ValueID
	for _, e := range sm.Entries {
		if e.IsPointer {
			out = append(out, e.LiveRange)
		}
	}
	return out
}

// StackMaps renders the plan as one map per safepoint, in ID order.
func (p *Plan) StackMaps(f *ir.Func) []StackMap {
	out := make([]StackMap, 0, len(p.Safepoints))
	for i := range p.Safepoints {
		sp := &p.Safepoints[i]
		sm := StackMap{Func: p.Func, SafepointID: sp.ID, Kind: sp.Kind, Block: f.BlockName(sp.Block)}
		for _, v := range sp.Live {
			sm.Entries = append(sm.Entries, StackMapEntry{
				LiveRange: v,
				Name:      f.Values[v].Name,
				Location:  Location{Kind: StackSlot, Index: p.slot[v]},
				IsPointer: true,
			})
		}
		for _, v := range sp.Values {
			sm.Entries = append(sm.Entries, StackMapEntry{
				LiveRange: v,
				Name:      f.Values[v].Name,
				Location:  Location{Kind: Register, Index: -1},
			})
		}
		out = append(out, sm)
	}
	return out
}

// WriteStackMaps dumps stack maps as a YAML document.
func WriteStackMaps(w io.Writer, maps []StackMap) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(struct {
		StackMaps []StackMap `yaml:"stackmaps"`
	}{maps}); err != nil {
		return err
	}
	return enc.Close()
}

// FrameSafepoint is the per-safepoint part of a frame descriptor.
type FrameSafepoint struct {
	ID     int32
	Bitmap []uint64 // bit i set when root slot i is live
}

// FrameDescriptor is what the collector reads from a frame's desc pointer.
//
// Encoded as i64 words: numRoots, numSafepoints, bitmapWords, then for each
// safepoint its ID followed by bitmapWords words of slot bitmap. A frame whose
// safepoint field is 0 is scanned in full.
type FrameDescriptor struct {
	Func       string
	NumRoots   int
	Safepoints []FrameSafepoint
}

// BitmapWords returns the number of 64-bit words per safepoint bitmap.
func (d FrameDescriptor) BitmapWords() int { return (d.NumRoots + 63) / 64 }

// Descriptor builds the frame descriptor of the plan.
func (p *Plan) Descriptor() FrameDescriptor {
	d := FrameDescriptor{Func: p.Func, NumRoots: len(p.Roots)}
	words := d.BitmapWords()
	for i := range p.Safepoints {
		sp := &p.Safepoints[i]
		fs := FrameSafepoint{ID: sp.ID, Bitmap: make([]uint64, words)}
		for _, v := range sp.Live {
			s := p.slot[v]
			fs.Bitmap[s/64] |= 1 << (uint(s) % 64)
		}
		d.Safepoints = append(d.Safepoints, fs)
	}
	return d
}

// Words encodes the descriptor.
func (d FrameDescriptor) Words() []int64 {
	bw := d.BitmapWords()
	out := make([]int64, 0, 3+len(d.Safepoints)*(1+bw))
	out = append(out, int64(d.NumRoots), int64(len(d.Safepoints)), int64(bw))
	for _, sp := range d.Safepoints {
		out = append(out, int64(sp.ID))
		for _, w := range sp.Bitmap {
			out = append(out, int64(w)) //nolint:gosec // bit pattern, not a quantity
		}
	}
	return out
}

// DecodeFrameDescriptor is the inverse of Words.
func DecodeFrameDescriptor(words []int64) (FrameDescriptor, error) {
	if len(words) < 3 {
		return FrameDescriptor{}, fmt.Errorf("frame descriptor: %d words, need at least 3", len(words))
	}
	roots, err := safecast.Conv[int](words[0])
	if err != nil {
		return FrameDescriptor{}, fmt.Errorf("frame descriptor: root count: %w", err)
	}
	n, err := safecast.Conv[int](words[1])
	if err != nil {
		return FrameDescriptor{}, fmt.Errorf("frame descriptor: safepoint count: %w", err)
	}
	d := FrameDescriptor{NumRoots: roots}
	bw := d.BitmapWords()
	if words[2] != int64(bw) {
		return FrameDescriptor{}, fmt.Errorf("frame descriptor: bitmap words %d, want %d for %d roots", words[2], bw, roots)
	}
	if want := 3 + n*(1+bw); len(words) != want {
		return FrameDescriptor{}, fmt.Errorf("frame descriptor: %d words, want %d", len(words), want)
	}
	at := 3
	for i := 0; i < n; i++ {
		id, err := safecast.Conv[int32](words[at])
		if err != nil {
			return FrameDescriptor{}, fmt.Errorf("frame descriptor: safepoint id: %w", err)
		}
		fs := FrameSafepoint{ID: id, Bitmap: make([]uint64, bw)}
		for j := 0; j < bw; j++ {
			fs.Bitmap[j] = uint64(words[at+1+j]) //nolint:gosec // bit pattern
		}
		d.Safepoints = append(d.Safepoints, fs)
		at += 1 + bw
	}
	return d, nil
}

// LiveSlots returns the root slots scanned at safepoint id. ID 0 and unknown
// IDs scan every slot.
func (d FrameDescriptor) LiveSlots(id int32) []int {
	for _, sp := range d.Safepoints {
		if sp.ID != id || id == 0 {
			continue
		}
		var out []int
		for s := 0; s < d.NumRoots; s++ {
			if sp.Bitmap[s/64]&(1<<(uint(s)%64)) != 0 {
				out = append(out, s)
			}
		}
		return out
	}
	all := make([]int, d.NumRoots)
	for i := range all {
		all[i] = i
	}
	return all
}
