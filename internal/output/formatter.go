// Package output provides formatters for displaying blockplane resources
// in various formats (table, YAML, JSON).
package output

import (
	"fmt"
	"time"

	"github.com/blockplane/blockplane/internal/blockjob"
	"github.com/blockplane/blockplane/internal/vmstate"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format for declarative consumption.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// JobRow is the presentation form of one block job.
type JobRow struct {
	Name     string    `json:"name" yaml:"name"`
	VM       string    `json:"vm" yaml:"vm"`
	Disk     string    `json:"disk" yaml:"disk"`
	Type     string    `json:"type" yaml:"type"`
	State    string    `json:"state" yaml:"state"`
	Current  uint64    `json:"current" yaml:"current"`
	Total    uint64    `json:"total" yaml:"total"`
	Error    string    `json:"error,omitempty" yaml:"error,omitempty"`
	Started  time.Time `json:"started" yaml:"started"`
	Finished time.Time `json:"finished,omitempty" yaml:"finished,omitempty"`
}

// NewJobRow converts a live job into its presentation form.
func NewJobRow(j *blockjob.Job) JobRow {
	return JobRow{
		Name:     j.Name,
		VM:       j.VM,
		Disk:     j.Disk,
		Type:     j.Type.String(),
		State:    j.State.String(),
		Current:  j.Current,
		Total:    j.Total,
		Error:    j.Error,
		Started:  j.Started,
		Finished: j.Finished,
	}
}

// NewJobRows converts a job list, preserving order.
func NewJobRows(jobs []*blockjob.Job) []JobRow {
	rows := make([]JobRow, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, NewJobRow(j))
	}
	return rows
}

// LayerRow is the presentation form of one chain layer.
type LayerRow struct {
	NodenameStorage string `json:"nodename_storage,omitempty" yaml:"nodename_storage,omitempty"`
	NodenameFormat  string `json:"nodename_format,omitempty" yaml:"nodename_format,omitempty"`
	Type            string `json:"type" yaml:"type"`
	Format          string `json:"format,omitempty" yaml:"format,omitempty"`
	Path            string `json:"path,omitempty" yaml:"path,omitempty"`
}

// DiskRow is the presentation form of one disk with its chain, topmost
// layer first.
type DiskRow struct {
	Target string     `json:"target" yaml:"target"`
	Chain  []LayerRow `json:"chain,omitempty" yaml:"chain,omitempty"`
}

// NewDiskRows converts persisted disk records into their presentation form.
func NewDiskRows(disks []vmstate.DiskState) []DiskRow {
	rows := make([]DiskRow, 0, len(disks))
	for _, d := range disks {
		row := DiskRow{Target: d.Target}
		for _, l := range d.Chain {
			row.Chain = append(row.Chain, LayerRow{
				NodenameStorage: l.NodenameStorage,
				NodenameFormat:  l.NodenameFormat,
				Type:            l.Type,
				Format:          l.Format,
				Path:            l.Path,
			})
		}
		rows = append(rows, row)
	}
	return rows
}

// Formatter formats blockplane resources for output.
type Formatter interface {
	// FormatJobs formats a list of block jobs.
	FormatJobs(jobs []JobRow) (string, error)

	// FormatDisks formats a list of disks with their chains.
	FormatDisks(disks []DiskRow) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	f := Format(format)
	switch f {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}
