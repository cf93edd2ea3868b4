package output

import (
	"encoding/json"
	"fmt"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatJobs formats a list of block jobs as a JSON array.
func (f *JSONFormatter) FormatJobs(jobs []JobRow) (string, error) {
	if len(jobs) == 0 {
		return "[]\n", nil
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal jobs to JSON: %w", err)
	}

	return string(data) + "\n", nil
}

// FormatDisks formats a list of disks as a JSON array.
func (f *JSONFormatter) FormatDisks(disks []DiskRow) (string, error) {
	if len(disks) == 0 {
		return "[]\n", nil
	}

	data, err := json.MarshalIndent(disks, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal disks to JSON: %w", err)
	}

	return string(data) + "\n", nil
}
