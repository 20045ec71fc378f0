package api

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadManifest reads a YAML manifest from disk.
func LoadManifest(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Spec.TaskType == "" {
		return nil, fmt.Errorf("manifest %s: spec.taskType is required", path)
	}
	return &m, nil
}

// BatchEnabled reports whether the manifest requests batch expansion.
func (m *Manifest) BatchEnabled() bool {
	return m.Spec.IO != nil && m.Spec.IO.Batch != nil && m.Spec.IO.Batch.Enabled
}
