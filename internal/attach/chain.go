package attach

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/monitor"
	"github.com/blockplane/blockplane/internal/qjson"
)

// ChainData holds the per-layer attach records for one backing chain,
// ordered top to bottom the way the chain links, plus the optional
// copy-on-read node sitting above the chain.
type ChainData struct {
	Layers []*Data

	CopyOnReadProps    *qjson.Object
	CopyOnReadNodename string
	CopyOnReadAttached bool
}

// PrepareChain builds attach records for every layer of a chain, external
// data files included. Each layer's format node references its own backing
// store, so the records are only valid for attaching the chain as linked.
func PrepareChain(top *chain.Source, secrets SecretStore) (*ChainData, error) {
	cd := &ChainData{}
	for _, n := range chain.Layers(top) {
		d, err := PrepareBlockdev(n, n.BackingStore)
		if err != nil {
			return nil, err
		}
		if err := PrepareCommon(d, n, secrets); err != nil {
			return nil, err
		}
		cd.Layers = append(cd.Layers, d)

		if n.DataFile != nil {
			df, err := PrepareBlockdev(n.DataFile, nil)
			if err != nil {
				return nil, err
			}
			if err := PrepareCommon(df, n.DataFile, secrets); err != nil {
				return nil, err
			}
			cd.Layers = append(cd.Layers, df)
		}
	}
	return cd, nil
}

// DetachPrepareChain marks every layer of an attached chain for teardown,
// external data files included.
func DetachPrepareChain(top *chain.Source) *ChainData {
	cd := &ChainData{}
	for _, n := range chain.Layers(top) {
		cd.Layers = append(cd.Layers, DetachPrepare(n))
		if n.DataFile != nil {
			cd.Layers = append(cd.Layers, DetachPrepare(n.DataFile))
		}
	}
	return cd
}

// DetachPrepareChardev marks a character-device disk for teardown. Such
// disks have no block nodes of their own.
func DetachPrepareChardev(alias string) *ChainData {
	return &ChainData{
		Layers: []*Data{{ChardevAlias: alias, ChardevAdded: true}},
	}
}

// PrepareCopyOnRead places a copy-on-read node above the chain's effective
// node. It is attached last and removed first.
func (cd *ChainData) PrepareCopyOnRead(nodename string, top *chain.Source) error {
	props, err := qjson.NewObjectBuilder().
		String("driver", "copy-on-read").
		String("node-name", nodename).
		String("file", top.EffectiveNodename()).
		String("discard", "unmap").
		Build()
	if err != nil {
		return err
	}
	cd.CopyOnReadProps = props
	cd.CopyOnReadNodename = nodename
	return nil
}

// ApplyChain attaches every layer bottom to top, so a layer's backing node
// exists before the layer that references it, then the copy-on-read node.
// On failure the error is returned with the already attached layers still
// in place; RollbackChain removes them.
func ApplyChain(ctx context.Context, mon *monitor.Client, cd *ChainData) error {
	for i := len(cd.Layers); i > 0; i-- {
		if err := Apply(ctx, mon, cd.Layers[i-1]); err != nil {
			return err
		}
	}
	if cd.CopyOnReadProps != nil {
		if err := mon.BlockdevAdd(ctx, cd.CopyOnReadProps); err != nil {
			return err
		}
		cd.CopyOnReadAttached = true
	}
	return nil
}

// RollbackChain best-effort removes everything ApplyChain managed to
// create. Failures are logged, never returned, and the teardown runs even
// when ctx already expired. Safe to call however far the attach got.
func RollbackChain(ctx context.Context, mon *monitor.Client, cd *ChainData) {
	if cd == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if cd.CopyOnReadAttached {
		if err := mon.BlockdevDel(ctx, cd.CopyOnReadNodename); err != nil {
			logrus.WithError(err).WithField("node", cd.CopyOnReadNodename).
				Warn("rollback left residue in the device manager")
		}
	}
	for _, d := range cd.Layers {
		Rollback(ctx, mon, d)
	}
}

// DetachChain removes an attached chain top to bottom. Teardown continues
// past failures; everything that failed is collected into the returned
// error.
func DetachChain(ctx context.Context, mon *monitor.Client, cd *ChainData) error {
	if cd == nil {
		return nil
	}
	var errs error
	if cd.CopyOnReadAttached {
		if err := mon.BlockdevDel(ctx, cd.CopyOnReadNodename); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("copy-on-read node %s: %w", cd.CopyOnReadNodename, err))
		}
	}
	for _, d := range cd.Layers {
		errs = multierr.Append(errs, teardown(ctx, mon, d))
	}
	return errs
}

// DetachOne removes a single attached layer and its helper objects.
func DetachOne(ctx context.Context, mon *monitor.Client, src *chain.Source) error {
	return teardown(ctx, mon, DetachPrepare(src))
}
