package bitmap

import (
	"fmt"

	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/qjson"
)

// action wraps one transaction entry: {"type": typ, "data": data}.
func action(typ string, data *qjson.Object) (*qjson.Object, error) {
	return qjson.NewObjectBuilder().
		String("type", typ).
		Object("data", data).
		Build()
}

// AddAction builds one block-dirty-bitmap-add transaction action. A zero
// granularity keeps the device manager's default.
func AddAction(node, name string, persistent, disabled bool, granularity uint64) (*qjson.Object, error) {
	data, err := qjson.NewObjectBuilder().
		String("node", node).
		String("name", name).
		Bool("persistent", persistent).
		Bool("disabled", disabled).
		UintOmitZero("granularity", granularity).
		Build()
	if err != nil {
		return nil, err
	}
	return action("block-dirty-bitmap-add", data)
}

func actionBitmapMerge(node, target string, sources *qjson.Array) (*qjson.Object, error) {
	data, err := qjson.NewObjectBuilder().
		String("node", node).
		String("target", target).
		Array("bitmaps", sources).
		Build()
	if err != nil {
		return nil, err
	}
	return action("block-dirty-bitmap-merge", data)
}

func actionBitmapRemove(node, name string) (*qjson.Object, error) {
	data, err := qjson.NewObjectBuilder().
		String("node", node).
		String("name", name).
		Build()
	if err != nil {
		return nil, err
	}
	return action("block-dirty-bitmap-remove", data)
}

func mergeSource(node, name string) (*qjson.Object, error) {
	return qjson.NewObjectBuilder().
		String("node", node).
		String("name", name).
		Build()
}

// candidateNames returns the bitmap names to reconcile: the ones present at
// the top layer (optionally restricted to one name), filtered through
// ChainIsValid. Bitmaps absent from the top cannot be recreated for upper
// layers, so they are never considered.
func candidateNames(top *chain.Source, only string, nodes NodeMap) []string {
	var out []string
	for _, entry := range nodes[top.EffectiveNodename()] {
		if only != "" && entry.Name != only {
			continue
		}
		if !ChainIsValid(top, entry.Name, nodes) {
			continue
		}
		out = append(out, entry.Name)
	}
	return out
}

// MergeActions plans the dirty-bitmap reconciliation between top and base
// (exclusive; nil means the whole chain) into target.
//
// For every valid bitmap at the top layer (restricted to bitmapName when
// non-empty), every occurrence on the intervening layers becomes a merge
// source into one destination bitmap on target. With an empty dstName the
// destination keeps the bitmap's own name and is created persistent and
// active, preserving checkpoint continuity; an explicit dstName instead
// creates a transient, disabled bitmap for ephemeral backup use.
//
// When writeBitmapSrc is non-nil, the transient active-write bitmap on that
// layer joins every merge, and one remove action for it is always appended,
// even when no bitmap qualified for merging.
//
// The destination bitmap's granularity adopts the first-encountered
// occurrence's granularity; later disagreeing layers do not override it.
//
// Returns nil when there is nothing to do.
func MergeActions(top, base, target *chain.Source, bitmapName, dstName string,
	writeBitmapSrc *chain.Source, nodes NodeMap) (*qjson.Array, error) {

	actions := qjson.NewArray()

	for _, cur := range candidateNames(top, bitmapName, nodes) {
		mergeName := dstName
		mergePersistent := false
		mergeDisabled := true
		if mergeName == "" {
			mergeName = cur
			mergePersistent = true
			mergeDisabled = false
		}

		sources := qjson.NewArray()
		var granularity uint64

		var walkErr error
		chain.Walk(top, func(n *chain.Source) bool {
			if n == base {
				return false
			}
			entry := nodes.lookupSource(n, cur)
			if entry == nil {
				return true
			}
			if granularity == 0 {
				granularity = entry.Granularity
			}
			src, err := mergeSource(n.EffectiveNodename(), entry.Name)
			if err != nil {
				walkErr = err
				return false
			}
			sources.Append(src)
			return true
		})
		if walkErr != nil {
			return nil, walkErr
		}

		if dstName != "" || nodes.lookupSource(target, cur) == nil {
			add, err := AddAction(target.EffectiveNodename(), mergeName,
				mergePersistent, mergeDisabled, granularity)
			if err != nil {
				return nil, err
			}
			actions.Append(add)
		}

		if writeBitmapSrc != nil {
			src, err := mergeSource(writeBitmapSrc.EffectiveNodename(), ActiveWriteBitmapName)
			if err != nil {
				return nil, err
			}
			sources.Append(src)
		}

		merge, err := actionBitmapMerge(target.EffectiveNodename(), mergeName, sources)
		if err != nil {
			return nil, err
		}
		actions.Append(merge)
	}

	if writeBitmapSrc != nil {
		rm, err := actionBitmapRemove(writeBitmapSrc.EffectiveNodename(), ActiveWriteBitmapName)
		if err != nil {
			return nil, err
		}
		actions.Append(rm)
	}

	if actions.Len() == 0 {
		return nil, nil
	}
	return actions, nil
}

// HandleBlockcopy plans bitmap handling for a finishing copy job: merge the
// source chain's bitmaps into the mirror, folding in the mirror's transient
// active-write bitmap. A raw mirror cannot hold bitmaps, so nothing is
// planned for it. With shallow the mirror shares the source's backing
// chain, so only the top layer's bitmaps move.
//
// Call only once the job is synchronized; planning creates active bitmaps.
func HandleBlockcopy(src, mirror *chain.Source, nodes NodeMap, shallow bool) (*qjson.Array, error) {
	if mirror == nil {
		return nil, fmt.Errorf("copy job has no mirror")
	}
	if mirror.Format == chain.FormatRaw {
		return nil, nil
	}

	var base *chain.Source
	if shallow {
		base = src.BackingStore
	}

	return MergeActions(src, base, mirror, "", "", mirror, nodes)
}

// HandleCommitFinish plans bitmap handling when a commit of top into base
// concludes: the committed layers' bitmaps merge down into base. A raw base
// cannot hold bitmaps. For an active-layer commit the transient
// active-write bitmap lives on base and is folded in and removed.
func HandleCommitFinish(top, base *chain.Source, active bool, nodes NodeMap) (*qjson.Array, error) {
	if base.Format == chain.FormatRaw {
		return nil, nil
	}

	var writeBitmapSrc *chain.Source
	if active {
		writeBitmapSrc = base
	}

	return MergeActions(top, base, base, "", "", writeBitmapSrc, nodes)
}
