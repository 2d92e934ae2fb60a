package models

import "path/filepath"

// Classification describes where a stack manifest was found relative to its
// mount root.
type Classification string

const (
	// ClassDirect means the manifest sits at the mount root.
	ClassDirect Classification = "direct"
	// ClassNested means the manifest is one directory below the mount root.
	ClassNested Classification = "nested"
)

// DiscoveredStack is a Compose project found under a mount root.
type DiscoveredStack struct {
	Name           string         `json:"name"`
	ContainerPath  string         `json:"container_path"`
	HostPath       string         `json:"host_path,omitempty"`
	MountRoot      string         `json:"mount_root"`
	ComposeFile    string         `json:"compose_file"`
	Classification Classification `json:"classification"`
	Excluded       bool           `json:"excluded"`
	ExcludeReason  string         `json:"exclude_reason,omitempty"`
	MountValid     bool           `json:"mount_valid"`
}

// Runnable reports whether the stack may be archived.
func (s DiscoveredStack) Runnable() bool {
	return !s.Excluded && s.MountValid
}

// DroppedStack records why a selected stack was left out of a run.
type DroppedStack struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ComposePath returns the full path of the stack's compose file.
func (s DiscoveredStack) ComposePath() string {
	return filepath.Join(s.ContainerPath, s.ComposeFile)
}
