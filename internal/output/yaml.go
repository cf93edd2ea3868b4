package output

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// FormatJobs formats a list of block jobs as YAML.
func (f *YAMLFormatter) FormatJobs(jobs []JobRow) (string, error) {
	if len(jobs) == 0 {
		return "", nil
	}

	data, err := yaml.Marshal(jobs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal jobs to YAML: %w", err)
	}

	return string(data), nil
}

// FormatDisks formats a list of disks as YAML.
func (f *YAMLFormatter) FormatDisks(disks []DiskRow) (string, error) {
	if len(disks) == 0 {
		return "", nil
	}

	data, err := yaml.Marshal(disks)
	if err != nil {
		return "", fmt.Errorf("failed to marshal disks to YAML: %w", err)
	}

	return string(data), nil
}
