package blockjob

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/blockplane/blockplane/internal/chain"
)

// fakeCommander records every command, rejects the ones containing the
// scripted substring, and plays back scripted query-jobs responses. The
// last scripted response sticks; with none scripted, query-jobs reports
// the most recently started job as concluded so awaited create jobs run
// through.
type fakeCommander struct {
	cmds      []string
	jobsResps []string
	nodesResp string
	failWhen  string
	failClass string
	failDesc  string
	lastJobID string
}

func (f *fakeCommander) Run(cmd []byte) ([]byte, error) {
	raw := string(cmd)
	f.cmds = append(f.cmds, raw)

	if id := gjson.Get(raw, "arguments.job-id").String(); id != "" {
		f.lastJobID = id
	}

	if f.failWhen != "" && strings.Contains(raw, f.failWhen) {
		class := f.failClass
		if class == "" {
			class = "GenericError"
		}
		desc := f.failDesc
		if desc == "" {
			desc = "injected failure"
		}
		return []byte(fmt.Sprintf(`{"error":{"class":%q,"desc":%q}}`, class, desc)), nil
	}

	switch gjson.Get(raw, "execute").String() {
	case "query-jobs":
		if len(f.jobsResps) > 0 {
			resp := f.jobsResps[0]
			if len(f.jobsResps) > 1 {
				f.jobsResps = f.jobsResps[1:]
			}
			return []byte(resp), nil
		}
		if f.lastJobID != "" {
			return []byte(jobsReturn(jobEntry(f.lastJobID, "create", "concluded", ""))), nil
		}
		return []byte(`{"return":[]}`), nil
	case "query-named-block-nodes":
		if f.nodesResp != "" {
			return []byte(f.nodesResp), nil
		}
		return []byte(`{"return":[]}`), nil
	}
	return []byte(`{"return":{}}`), nil
}

// queueJobs scripts the next query-jobs responses.
func (f *fakeCommander) queueJobs(resps ...string) {
	f.jobsResps = append(f.jobsResps, resps...)
}

// named returns the recorded commands matching the given execute name.
func (f *fakeCommander) named(name string) []string {
	var out []string
	for _, raw := range f.cmds {
		if gjson.Get(raw, "execute").String() == name {
			out = append(out, raw)
		}
	}
	return out
}

// summarize reduces raw commands to "name identifier" lines.
func summarize(cmds []string) []string {
	out := make([]string, 0, len(cmds))
	for _, raw := range cmds {
		name := gjson.Get(raw, "execute").String()
		switch {
		case gjson.Get(raw, "arguments.node-name").Exists():
			out = append(out, name+" "+gjson.Get(raw, "arguments.node-name").String())
		case gjson.Get(raw, "arguments.job-id").Exists():
			out = append(out, name+" "+gjson.Get(raw, "arguments.job-id").String())
		case gjson.Get(raw, "arguments.id").Exists():
			out = append(out, name+" "+gjson.Get(raw, "arguments.id").String())
		default:
			out = append(out, name)
		}
	}
	return out
}

func jobEntry(id, typ, status, errmsg string) string {
	if errmsg != "" {
		return fmt.Sprintf(`{"id":%q,"type":%q,"status":%q,"error":%q}`, id, typ, status, errmsg)
	}
	return fmt.Sprintf(`{"id":%q,"type":%q,"status":%q}`, id, typ, status)
}

func jobsReturn(entries ...string) string {
	return `{"return":[` + strings.Join(entries, ",") + `]}`
}

// fakeAccess records access grants and revocations.
type fakeAccess struct {
	allowed []string
	revoked []string
	failOn  string
}

func (a *fakeAccess) Allow(_ context.Context, src *chain.Source, readonly bool) error {
	if a.failOn != "" && src.Path == a.failOn {
		return fmt.Errorf("no access to %s", src.Path)
	}
	mode := "rw"
	if readonly {
		mode = "ro"
	}
	a.allowed = append(a.allowed, src.Path+" "+mode)
	return nil
}

func (a *fakeAccess) Revoke(_ context.Context, src *chain.Source) error {
	a.revoked = append(a.revoked, src.Path)
	return nil
}

// mapStore resolves secret aliases from a fixed map.
type mapStore map[string]string

func (m mapStore) Lookup(alias string) (string, error) {
	payload, ok := m[alias]
	if !ok {
		return "", fmt.Errorf("no payload for %s", alias)
	}
	return payload, nil
}

// fileLayer is one qcow2 layer over a local file with node names assigned.
func fileLayer(seq uint64, path string) *chain.Source {
	return &chain.Source{
		Type:            chain.DiskTypeFile,
		Format:          chain.FormatQcow2,
		Path:            path,
		NodenameStorage: fmt.Sprintf("blockplane-%d-storage", seq),
		NodenameFormat:  fmt.Sprintf("blockplane-%d-format", seq),
	}
}

// testChain builds top → mid → base, terminated.
func testChain() (top, mid, base *chain.Source) {
	top = fileLayer(1, "/images/web01.qcow2")
	mid = fileLayer(2, "/images/web01.snap1.qcow2")
	base = fileLayer(3, "/images/web01.base.qcow2")
	base.ReadOnly = true
	mid.ReadOnly = true
	base.BackingStore = chain.NewTerminator()
	mid.BackingStore = base
	top.BackingStore = mid
	return top, mid, base
}
