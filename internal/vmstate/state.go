package vmstate

import (
	"time"

	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/naming"
)

// LayerState is the persisted summary of one chain layer. Node names are
// the authoritative part; the rest identifies the image for operators and
// for sanity checks against a re-probed chain.
type LayerState struct {
	NodenameStorage string `yaml:"nodename_storage,omitempty"`
	NodenameSlice   string `yaml:"nodename_slice,omitempty"`
	NodenameFormat  string `yaml:"nodename_format,omitempty"`

	Type     string `yaml:"type"`
	Format   string `yaml:"format,omitempty"`
	Protocol string `yaml:"protocol,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// DiskState records one guest disk and its chain, topmost layer first.
type DiskState struct {
	Target string       `yaml:"target"`
	Chain  []LayerState `yaml:"chain,omitempty"`
}

// JobState is the persisted record of one block job. Enough of the job's
// shape is kept that a later process can re-adopt it: the mirror chain for
// copies and backups, the base node for commits, and the option flags that
// steer the pivot.
type JobState struct {
	Name    string    `yaml:"name"`
	Type    string    `yaml:"type"`
	State   string    `yaml:"state"`
	Disk    string    `yaml:"disk"`
	Error   string    `yaml:"error,omitempty"`
	Started time.Time `yaml:"started"`

	Mirror   []LayerState `yaml:"mirror,omitempty"`
	BaseNode string       `yaml:"base_node,omitempty"`

	Shallow       bool `yaml:"shallow,omitempty"`
	ReuseExternal bool `yaml:"reuse_external,omitempty"`
	SyncPoint     bool `yaml:"sync_point,omitempty"`
}

// Doc is the complete state document of one VM.
type Doc struct {
	VM      string      `yaml:"vm"`
	NodeSeq uint64      `yaml:"node_seq"`
	Disks   []DiskState `yaml:"disks,omitempty"`
	Jobs    []JobState  `yaml:"jobs,omitempty"`
}

// NextNodeIndex allocates the next node index. Indexes are never reused,
// even after layers detach, so stale node names can never collide with
// live ones.
func (d *Doc) NextNodeIndex() uint64 {
	d.NodeSeq++
	return d.NodeSeq
}

// AssignNodenames gives every layer of the chain that has none a fresh set
// of node names from the document's sequence. Layers that already carry
// names keep them.
func (d *Doc) AssignNodenames(top *chain.Source) {
	chain.Walk(top, func(layer *chain.Source) bool {
		if layer.NodenameStorage == "" {
			idx := d.NextNodeIndex()
			layer.NodenameStorage = naming.StorageNodename(idx)
			layer.NodenameFormat = naming.FormatNodename(idx)
			if layer.Slice != nil {
				layer.NodenameSlice = naming.SliceNodename(idx)
			}
		}
		return true
	})
}

// LayersFromChain summarizes a chain for persistence, topmost layer first.
func LayersFromChain(top *chain.Source) []LayerState {
	var layers []LayerState
	chain.Walk(top, func(layer *chain.Source) bool {
		layers = append(layers, LayerState{
			NodenameStorage: layer.NodenameStorage,
			NodenameSlice:   layer.NodenameSlice,
			NodenameFormat:  layer.NodenameFormat,
			Type:            string(layer.Type),
			Format:          string(layer.Format),
			Protocol:        string(layer.Protocol),
			Path:            layer.Path,
		})
		return true
	})
	return layers
}

// ChainFromLayers rebuilds a chain from its persisted summary. Persisted
// chains were fully probed when recorded, so the rebuilt chain ends in a
// terminator. Protocol detail beyond the identity fields is not retained;
// operations needing it re-probe the domain.
func ChainFromLayers(layers []LayerState) *chain.Source {
	if len(layers) == 0 {
		return nil
	}
	top := chain.NewTerminator()
	for i := len(layers) - 1; i >= 0; i-- {
		l := layers[i]
		top = &chain.Source{
			Type:            chain.DiskType(l.Type),
			Format:          chain.Format(l.Format),
			Protocol:        chain.Protocol(l.Protocol),
			Path:            l.Path,
			NodenameStorage: l.NodenameStorage,
			NodenameSlice:   l.NodenameSlice,
			NodenameFormat:  l.NodenameFormat,
			ReadOnly:        i > 0,
			BackingStore:    top,
		}
	}
	return top
}

// RecordChain replaces the persisted chain of one disk, inserting the disk
// record if it is new. Disks stay sorted by first appearance.
func (d *Doc) RecordChain(target string, top *chain.Source) {
	layers := LayersFromChain(top)

	for i := range d.Disks {
		if d.Disks[i].Target == target {
			d.Disks[i].Chain = layers
			return
		}
	}
	d.Disks = append(d.Disks, DiskState{Target: target, Chain: layers})
}

// DropChain removes the persisted chain of one disk.
func (d *Doc) DropChain(target string) {
	for i := range d.Disks {
		if d.Disks[i].Target == target {
			d.Disks = append(d.Disks[:i], d.Disks[i+1:]...)
			return
		}
	}
}

// Disk returns the record of one disk, or nil.
func (d *Doc) Disk(target string) *DiskState {
	for i := range d.Disks {
		if d.Disks[i].Target == target {
			return &d.Disks[i]
		}
	}
	return nil
}

func (d *Doc) upsertJob(job JobState) {
	for i := range d.Jobs {
		if d.Jobs[i].Name == job.Name {
			d.Jobs[i] = job
			return
		}
	}
	d.Jobs = append(d.Jobs, job)
}

func (d *Doc) deleteJob(name string) {
	for i := range d.Jobs {
		if d.Jobs[i].Name == name {
			d.Jobs = append(d.Jobs[:i], d.Jobs[i+1:]...)
			return
		}
	}
}
