package chain

import (
	"errors"
	"fmt"
	"path/filepath"
)

// MaxDepth bounds how many layers one chain may carry. Chains arrive from
// external descriptions, so every validation and traversal honors this
// bound instead of trusting the links.
const MaxDepth = 200

var (
	// ErrCycle reports a chain whose backing links revisit a layer.
	ErrCycle = errors.New("storage chain contains a cycle")
	// ErrTooDeep reports a chain longer than MaxDepth.
	ErrTooDeep = errors.New("storage chain exceeds maximum depth")
)

// Validate walks a freshly built or extended chain and rejects cycles and
// excessive depth before any other component traverses it.
func Validate(top *Source) error {
	seen := make(map[*Source]struct{})
	depth := 0
	for cur := top; cur != nil; cur = cur.BackingStore {
		if _, ok := seen[cur]; ok {
			return fmt.Errorf("layer %q: %w", cur.Path, ErrCycle)
		}
		seen[cur] = struct{}{}
		if cur.IsTerminator() {
			break
		}
		depth++
		if depth > MaxDepth {
			return ErrTooDeep
		}
	}
	return nil
}

// Walk calls fn for every genuine layer from top downward, stopping early
// when fn returns false. Terminator markers are not visited. Traversal is
// bounded by MaxDepth as a final guard; chains must have passed Validate.
func Walk(top *Source, fn func(*Source) bool) {
	depth := 0
	for cur := top; cur != nil && !cur.IsTerminator(); cur = cur.BackingStore {
		depth++
		if depth > MaxDepth {
			return
		}
		if !fn(cur) {
			return
		}
	}
}

// Layers collects the genuine layers from top downward into a slice, topmost
// first.
func Layers(top *Source) []*Source {
	var out []*Source
	Walk(top, func(s *Source) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Depth returns the number of genuine layers reachable from top.
func Depth(top *Source) int {
	n := 0
	Walk(top, func(*Source) bool {
		n++
		return true
	})
	return n
}

// Find returns the first layer for which match returns true, or nil.
func Find(top *Source, match func(*Source) bool) *Source {
	var found *Source
	Walk(top, func(s *Source) bool {
		if match(s) {
			found = s
			return false
		}
		return true
	})
	return found
}

// FindParent returns the layer whose BackingStore is target, or nil when
// target is the top or absent.
func FindParent(top, target *Source) *Source {
	var parent *Source
	Walk(top, func(s *Source) bool {
		if s.BackingStore == target {
			parent = s
			return false
		}
		return true
	})
	return parent
}

// ByNodename returns the layer whose effective, format, storage, or slice
// node matches name.
func ByNodename(top *Source, name string) *Source {
	if name == "" {
		return nil
	}
	return Find(top, func(s *Source) bool {
		return s.NodenameFormat == name || s.NodenameSlice == name || s.NodenameStorage == name
	})
}

// RelPath computes the path of target relative to the directory holding
// from, used to preserve relative backing references across a commit. Both
// must be local paths.
func RelPath(from, to string) (string, error) {
	if from == "" || to == "" {
		return "", fmt.Errorf("relative path needs both endpoints, have %q and %q", from, to)
	}
	rel, err := filepath.Rel(filepath.Dir(from), to)
	if err != nil {
		return "", fmt.Errorf("computing relative path from %q to %q: %w", from, to, err)
	}
	return rel, nil
}

// RelativeBackingPath composes the relative reference to base as the layer
// above top would record it: starting from how top itself was referenced,
// each layer's relative reference is resolved against the directory of the
// reference above it. Fails when any layer down to base was referenced
// absolutely, since the composed reference would silently change meaning.
func RelativeBackingPath(top, base *Source) (string, error) {
	path := ""
	for next := top; !next.IsTerminator(); next = next.BackingStore {
		if next.RelPath == "" {
			return "", fmt.Errorf("layer %q is not referenced by a relative path", next.Path)
		}
		if path == "" {
			path = next.RelPath
		} else {
			path = filepath.Join(filepath.Dir(path), next.RelPath)
		}
		if next == base {
			return path, nil
		}
	}
	return "", fmt.Errorf("base %q is not below %q in the chain", base.Path, top.Path)
}
