package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatJobs formats a list of block jobs as a table.
func (f *TableFormatter) FormatJobs(jobs []JobRow) (string, error) {
	if len(jobs) == 0 {
		return "No jobs found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	// Write header unless NoHeaders is set
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tVM\tDISK\tTYPE\tSTATE\tPROGRESS\tAGE")
	}

	for _, j := range jobs {
		state := j.State
		if j.Error != "" {
			state = fmt.Sprintf("%s (%s)", j.State, j.Error)
		}

		age := "-"
		if !j.Started.IsZero() {
			age = formatAge(time.Since(j.Started))
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.Name, j.VM, j.Disk, j.Type, state, formatProgress(j.Current, j.Total), age)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatDisks formats disks and their chains as a table, one row per
// layer. The topmost layer of each chain comes first.
func (f *TableFormatter) FormatDisks(disks []DiskRow) (string, error) {
	if len(disks) == 0 {
		return "No disks found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "DISK\tLAYER\tNODE\tFORMAT\tSOURCE")
	}

	for _, d := range disks {
		if len(d.Chain) == 0 {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", d.Target)
			continue
		}
		for i, l := range d.Chain {
			node := l.NodenameFormat
			if node == "" {
				node = l.NodenameStorage
			}
			if node == "" {
				node = "-"
			}
			source := l.Path
			if source == "" {
				source = l.Type
			}
			format := l.Format
			if format == "" {
				format = "-"
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", d.Target, i, node, format, source)
		}
	}

	_ = w.Flush()
	return buf.String(), nil
}

// formatProgress renders the device manager's progress counters. A zero
// total means the job has not reported yet.
func formatProgress(current, total uint64) string {
	if total == 0 {
		return "-"
	}
	pct := float64(current) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return fmt.Sprintf("%.0f%%", pct)
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())

	// Less than 1 minute
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	// Less than 1 hour
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	// Less than 1 day
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	// Less than 1 week
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	// Less than ~2 months (8 weeks)
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	// More than 2 months, show in approximate years/days
	years := days / 365
	if years > 0 {
		return fmt.Sprintf("%dy", years)
	}

	return fmt.Sprintf("%dd", days)
}
