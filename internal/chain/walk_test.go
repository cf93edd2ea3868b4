package chain

import (
	"errors"
	"testing"
)

// testChain builds top → mid → base → terminator.
func testChain() (top, mid, base *Source) {
	base = &Source{Type: DiskTypeFile, Path: "/img/base.raw", Format: FormatRaw, BackingStore: NewTerminator()}
	mid = &Source{Type: DiskTypeFile, Path: "/img/mid.qcow2", Format: FormatQcow2, BackingStore: base}
	top = &Source{Type: DiskTypeFile, Path: "/img/top.qcow2", Format: FormatQcow2, BackingStore: mid}
	return top, mid, base
}

func TestWalkOrderAndTermination(t *testing.T) {
	top, mid, base := testChain()

	var got []string
	Walk(top, func(s *Source) bool {
		got = append(got, s.Path)
		return true
	})
	want := []string{"/img/top.qcow2", "/img/mid.qcow2", "/img/base.raw"}
	if len(got) != len(want) {
		t.Fatalf("Walk() visited %d layers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Walk()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// early stop
	var count int
	Walk(top, func(s *Source) bool {
		count++
		return s != mid
	})
	if count != 2 {
		t.Errorf("Walk() with early stop visited %d layers, want 2", count)
	}

	// restartable: a second full traversal sees the same layers
	if d := Depth(top); d != 3 {
		t.Errorf("Depth() = %d, want 3", d)
	}
	if d := Depth(base); d != 1 {
		t.Errorf("Depth(base) = %d, want 1", d)
	}
	if d := Depth(nil); d != 0 {
		t.Errorf("Depth(nil) = %d, want 0", d)
	}
}

func TestValidate(t *testing.T) {
	top, _, base := testChain()
	if err := Validate(top); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}

	// a cycle must be rejected
	base.BackingStore = top
	err := Validate(top)
	if !errors.Is(err, ErrCycle) {
		t.Errorf("Validate() error = %v, want ErrCycle", err)
	}

	// self-cycle
	self := &Source{Type: DiskTypeFile, Path: "/img/self.qcow2"}
	self.BackingStore = self
	if err := Validate(self); !errors.Is(err, ErrCycle) {
		t.Errorf("Validate() error = %v, want ErrCycle", err)
	}
}

func TestValidateDepthBound(t *testing.T) {
	head := &Source{Type: DiskTypeFile, Path: "/img/0.qcow2"}
	cur := head
	for i := 1; i <= MaxDepth; i++ {
		next := &Source{Type: DiskTypeFile, Path: "/img/deep.qcow2"}
		cur.BackingStore = next
		cur = next
	}
	cur.BackingStore = NewTerminator()

	if err := Validate(head); !errors.Is(err, ErrTooDeep) {
		t.Errorf("Validate() error = %v, want ErrTooDeep", err)
	}
}

func TestWalkGuardsUnvalidatedCycle(t *testing.T) {
	a := &Source{Type: DiskTypeFile, Path: "/img/a.qcow2"}
	b := &Source{Type: DiskTypeFile, Path: "/img/b.qcow2"}
	a.BackingStore = b
	b.BackingStore = a

	count := 0
	Walk(a, func(*Source) bool {
		count++
		return true
	})
	if count > MaxDepth {
		t.Errorf("Walk() visited %d layers on a cyclic chain, want at most %d", count, MaxDepth)
	}
}

func TestFindHelpers(t *testing.T) {
	top, mid, base := testChain()
	mid.NodenameFormat = "node-2-format"
	mid.NodenameStorage = "node-2-storage"
	base.NodenameStorage = "node-3-storage"

	if got := Find(top, func(s *Source) bool { return s.Format == FormatRaw }); got != base {
		t.Errorf("Find() = %v, want base", got)
	}
	if got := Find(top, func(s *Source) bool { return false }); got != nil {
		t.Errorf("Find() = %v, want nil", got)
	}

	if got := FindParent(top, mid); got != top {
		t.Errorf("FindParent(mid) = %v, want top", got)
	}
	if got := FindParent(top, base); got != mid {
		t.Errorf("FindParent(base) = %v, want mid", got)
	}
	if got := FindParent(top, top); got != nil {
		t.Errorf("FindParent(top) = %v, want nil", got)
	}

	if got := ByNodename(top, "node-2-format"); got != mid {
		t.Errorf("ByNodename(format) = %v, want mid", got)
	}
	if got := ByNodename(top, "node-3-storage"); got != base {
		t.Errorf("ByNodename(storage) = %v, want base", got)
	}
	if got := ByNodename(top, ""); got != nil {
		t.Errorf("ByNodename(empty) = %v, want nil", got)
	}
	if got := ByNodename(top, "missing"); got != nil {
		t.Errorf("ByNodename(missing) = %v, want nil", got)
	}
}

func TestLayers(t *testing.T) {
	top, mid, base := testChain()
	got := Layers(top)
	if len(got) != 3 || got[0] != top || got[1] != mid || got[2] != base {
		t.Errorf("Layers() = %v, want [top mid base]", got)
	}
}

func TestRelPath(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		want    string
		wantErr bool
	}{
		{"sibling", "/img/top.qcow2", "/img/base.raw", "base.raw", false},
		{"subdir", "/img/top.qcow2", "/img/bases/base.raw", "bases/base.raw", false},
		{"updir", "/img/overlays/top.qcow2", "/img/base.raw", "../base.raw", false},
		{"missing from", "", "/img/base.raw", "", true},
		{"missing to", "/img/top.qcow2", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RelPath(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RelPath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("RelPath() = %q, want %q", got, tt.want)
			}
		})
	}
}
