// Package docker wraps the Docker CLI for Compose stack lifecycle operations.
package docker

// Mount represents a container mount point.
type Mount struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	ReadOnly    bool   `json:"read_only"`
}

// ServiceState is one container of a Compose project.
type ServiceState struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Service string `json:"service"`
	State   string `json:"state"`
	Image   string `json:"image"`
}

// Running reports whether the container is running.
func (s ServiceState) Running() bool {
	return s.State == "running" || s.State == "restarting"
}

// dockerInspectOutput maps the subset of docker inspect used for mounts.
type dockerInspectOutput struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Mounts []struct {
		Type        string `json:"Type"`
		Name        string `json:"Name"`
		Source      string `json:"Source"`
		Destination string `json:"Destination"`
		RW          bool   `json:"RW"`
	} `json:"Mounts"`
}

// composePSOutput maps one entry of docker compose ps --format json.
type composePSOutput struct {
	ID      string `json:"ID"`
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Image   string `json:"Image"`
}
