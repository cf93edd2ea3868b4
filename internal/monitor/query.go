package monitor

import (
	"context"

	"github.com/blockplane/blockplane/internal/bitmap"
	"github.com/blockplane/blockplane/internal/qjson"
)

// JobStatus is one entry from the VM's job list.
type JobStatus struct {
	ID      string
	Type    string
	Status  string
	Error   string
	Current uint64
	Total   uint64
}

// QueryJobs returns every job the VM currently tracks, including concluded
// jobs that have not been dismissed yet.
func (c *Client) QueryJobs(ctx context.Context) ([]JobStatus, error) {
	ret, err := c.run(ctx, "query-jobs", nil)
	if err != nil {
		return nil, err
	}
	var jobs []JobStatus
	for _, j := range ret.Array() {
		jobs = append(jobs, JobStatus{
			ID:      j.Get("id").String(),
			Type:    j.Get("type").String(),
			Status:  j.Get("status").String(),
			Error:   j.Get("error").String(),
			Current: j.Get("current-progress").Uint(),
			Total:   j.Get("total-progress").Uint(),
		})
	}
	return jobs, nil
}

// FindJob returns the status of one job, or nil when the VM no longer
// tracks it.
func (c *Client) FindJob(ctx context.Context, id string) (*JobStatus, error) {
	jobs, err := c.QueryJobs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if jobs[i].ID == id {
			return &jobs[i], nil
		}
	}
	return nil, nil
}

// QueryNamedBlockNodes returns the dirty bitmap metadata of every named
// block node, keyed by node-name. Nodes without bitmaps appear with an
// empty entry list so existence checks work off the same map.
func (c *Client) QueryNamedBlockNodes(ctx context.Context) (bitmap.NodeMap, error) {
	args, err := qjson.NewObjectBuilder().
		Bool("flat", true).
		Build()
	if err != nil {
		return nil, err
	}
	ret, err := c.run(ctx, "query-named-block-nodes", args)
	if err != nil {
		return nil, err
	}

	nodes := make(bitmap.NodeMap)
	for _, node := range ret.Array() {
		name := node.Get("node-name").String()
		if name == "" {
			continue
		}
		var entries []bitmap.Entry
		for _, bm := range node.Get("dirty-bitmaps").Array() {
			entries = append(entries, bitmap.Entry{
				Name:         bm.Get("name").String(),
				Granularity:  bm.Get("granularity").Uint(),
				Recording:    bm.Get("recording").Bool(),
				Persistent:   bm.Get("persistent").Bool(),
				Busy:         bm.Get("busy").Bool(),
				Inconsistent: bm.Get("inconsistent").Bool(),
			})
		}
		nodes[name] = entries
	}
	return nodes, nil
}
