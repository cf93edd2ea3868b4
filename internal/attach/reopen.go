package attach

import (
	"context"
	"fmt"

	"github.com/blockplane/blockplane/internal/backend"
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/monitor"
	"github.com/blockplane/blockplane/internal/qjson"
)

// ReopenReadWrite reopens src's effective node writable. src.ReadOnly
// tracks the new state; it is restored on failure. No-op when already
// writable.
func ReopenReadWrite(ctx context.Context, mon *monitor.Client, src *chain.Source) error {
	return reopenAccess(ctx, mon, src, false)
}

// ReopenReadOnly reopens src's effective node read-only. src.ReadOnly
// tracks the new state; it is restored on failure. No-op when already
// read-only.
func ReopenReadOnly(ctx context.Context, mon *monitor.Client, src *chain.Source) error {
	return reopenAccess(ctx, mon, src, true)
}

// ReopenSliceExpand reopens src's slice node with the byte-range
// restriction left out, so the underlying storage can be grown past the
// slice bounds before the restriction is reinstated.
func ReopenSliceExpand(ctx context.Context, mon *monitor.Client, src *chain.Source) error {
	if src.NodenameSlice == "" {
		return fmt.Errorf("source has no slice node to expand")
	}

	props, err := backend.SliceProps(src, true, true)
	if err != nil {
		return err
	}
	options := qjson.NewArray()
	options.Append(props)
	return mon.BlockdevReopen(ctx, options)
}

// reopenAccess rebuilds the effective node's property set with the
// requested read-only mode and reopens it in place. A backing-capable
// format with an unprobed backing link cannot be reopened: the rebuilt
// properties would clear a backing reference this daemon never saw.
func reopenAccess(ctx context.Context, mon *monitor.Client, src *chain.Source, readonly bool) error {
	if src.ReadOnly == readonly {
		return nil
	}

	if src.Format.SupportsBacking() && src.BackingStore == nil {
		return fmt.Errorf("cannot reopen %s with unknown presence of backing store",
			src.EffectiveNodename())
	}

	src.ReadOnly = readonly

	var props *qjson.Object
	var err error
	switch {
	case src.NodenameFormat != "":
		props, err = backend.FormatProps(src, src.BackingStore)
	case src.NodenameSlice != "":
		props, err = backend.SliceProps(src, true, false)
	default:
		props, err = backend.StorageProps(src, backend.Flags{EffectiveNode: true})
	}
	if err != nil {
		src.ReadOnly = !readonly
		return err
	}

	options := qjson.NewArray()
	options.Append(props)
	if err := mon.BlockdevReopen(ctx, options); err != nil {
		src.ReadOnly = !readonly
		return err
	}
	return nil
}
