package stacks

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Exclusion label keys. Any of them set to a truthy value on a service or
// at the top level of a manifest removes the stack from archiving.
const (
	LabelExclude         = "stackarchiver.exclude"
	LabelExcludeArchiver = "archiver.exclude"
	LabelExcludeLegacy   = "docker-archiver.exclude"
)

var excludeLabels = []string{LabelExclude, LabelExcludeArchiver, LabelExcludeLegacy}

// manifest is the subset of a Compose file read during discovery.
type manifest struct {
	Labels   interface{}                `yaml:"labels,omitempty"`
	XLabels  interface{}                `yaml:"x-labels,omitempty"`
	Services map[string]manifestService `yaml:"services"`
}

type manifestService struct {
	Image  string      `yaml:"image,omitempty"`
	Labels interface{} `yaml:"labels,omitempty"` // map or list of key=value
}

func readManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	return &m, nil
}

// exclusion returns a reason when the manifest carries a truthy exclusion
// label, or "".
func (m *manifest) exclusion() string {
	for _, raw := range []interface{}{m.Labels, m.XLabels} {
		if key, ok := excluded(labelMap(raw)); ok {
			return fmt.Sprintf("label %s set at top level", key)
		}
	}
	for name, svc := range m.Services {
		if key, ok := excluded(labelMap(svc.Labels)); ok {
			return fmt.Sprintf("label %s set on service %s", key, name)
		}
	}
	return ""
}

func excluded(labels map[string]string) (string, bool) {
	for _, key := range excludeLabels {
		if v, ok := labels[key]; ok && truthy(v) {
			return key, true
		}
	}
	return "", false
}

// truthy accepts true, 1, yes and on in any case.
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// labelMap normalizes Compose labels given as a mapping or as a list of
// key=value strings.
func labelMap(raw interface{}) map[string]string {
	out := make(map[string]string)
	switch v := raw.(type) {
	case map[string]interface{}:
		for k, val := range v {
			out[k] = fmt.Sprint(val)
		}
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				continue
			}
			k, val, _ := strings.Cut(s, "=")
			out[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
	}
	return out
}
