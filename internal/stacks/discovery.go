// Package stacks discovers Docker Compose stacks under mounted directories.
package stacks

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/MacJediWizard/stackarchiver/internal/models"
	"github.com/MacJediWizard/stackarchiver/internal/mounts"
)

// ComposeFileNames are the recognized manifest names, in lookup order.
var ComposeFileNames = []string{
	"compose.yml",
	"compose.yaml",
	"docker-compose.yml",
	"docker-compose.yaml",
}

// reserved directory names are never treated as stacks.
var reserved = map[string]bool{
	"archives":   true,
	"archive":    true,
	"tmp":        true,
	"temp":       true,
	"downloads":  true,
	"lost+found": true,
	"@eaDir":     true,
}

// FindComposeFile returns the manifest name present in dir, or "".
func FindComposeFile(dir string) string {
	for _, name := range ComposeFileNames {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && info.Mode().IsRegular() {
			return name
		}
	}
	return ""
}

func skipName(name string) bool {
	return strings.HasPrefix(name, ".") || reserved[name]
}

// Discover scans each root for stacks. A manifest at the root makes the
// root itself a direct stack; otherwise immediate subdirectories holding a
// manifest are nested stacks. Nothing deeper is scanned. Results are
// deduplicated by resolved path and sorted by name.
func Discover(roots []string, logger zerolog.Logger) []models.DiscoveredStack {
	seen := make(map[string]bool)
	var out []models.DiscoveredStack

	add := func(root, dir, file string, class models.Classification) {
		canonical, err := filepath.EvalSymlinks(dir)
		if err != nil {
			canonical = filepath.Clean(dir)
		}
		if seen[canonical] {
			logger.Debug().Str("path", dir).Str("canonical", canonical).Msg("skipping duplicate stack path")
			return
		}
		seen[canonical] = true

		st := models.DiscoveredStack{
			Name:           filepath.Base(dir),
			ContainerPath:  dir,
			MountRoot:      root,
			ComposeFile:    file,
			Classification: class,
			MountValid:     true,
		}
		m, err := readManifest(filepath.Join(dir, file))
		if err != nil {
			logger.Warn().Err(err).Str("stack", st.Name).Msg("could not read compose file labels")
		} else if reason := m.exclusion(); reason != "" {
			st.Excluded = true
			st.ExcludeReason = reason
		}
		out = append(out, st)
	}

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}

		if file := FindComposeFile(root); file != "" {
			add(root, root, file, models.ClassDirect)
			continue
		}

		entries, err := os.ReadDir(root)
		if err != nil {
			logger.Warn().Err(err).Str("root", root).Msg("failed to list mount root")
			continue
		}
		for _, e := range entries {
			if skipName(e.Name()) {
				continue
			}
			dir := filepath.Join(root, e.Name())
			if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
				continue
			}
			if file := FindComposeFile(dir); file != "" {
				add(root, dir, file, models.ClassNested)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ContainerPath < out[j].ContainerPath
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// MountResolver provides the current bind mounts.
type MountResolver interface {
	Resolve(ctx context.Context) []mounts.Mount
}

// Service combines mount inspection and discovery.
type Service struct {
	mounts          MountResolver
	requireMatching bool
	skip            []string
	group           singleflight.Group
	logger          zerolog.Logger
}

// NewService creates a Service. Paths in skip (archive output, logs,
// downloads) are never used as discovery roots.
func NewService(m MountResolver, requireMatching bool, skip []string, logger zerolog.Logger) *Service {
	return &Service{
		mounts:          m,
		requireMatching: requireMatching,
		skip:            skip,
		logger:          logger.With().Str("component", "stacks").Logger(),
	}
}

// Snapshot is one discovery pass.
type Snapshot struct {
	Mounts []mounts.Mount           `json:"mounts"`
	Stacks []models.DiscoveredStack `json:"stacks"`
}

// List discovers stacks on every bind mount, including mismatched mounts,
// which are reported with MountValid unset. Concurrent callers share one
// filesystem scan.
func (s *Service) List(ctx context.Context) (*Snapshot, error) {
	v, err, _ := s.group.Do("list", func() (interface{}, error) {
		ms := s.mounts.Resolve(ctx)
		found := Discover(mounts.Roots(ms, false, s.skip...), s.logger)
		for i := range found {
			st := &found[i]
			st.HostPath = mounts.HostPathFor(ms, st.ContainerPath)
			if m, ok := mounts.Find(ms, st.ContainerPath); ok && m.Mismatched && s.requireMatching {
				st.MountValid = false
			}
		}
		return &Snapshot{Mounts: ms, Stacks: found}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Resolve returns the runnable stacks among selected, in selection order,
// and the reason each other selected stack was dropped.
func (s *Service) Resolve(ctx context.Context, selected []string) ([]models.DiscoveredStack, []models.DroppedStack, error) {
	snap, err := s.List(ctx)
	if err != nil {
		return nil, nil, err
	}

	byName := make(map[string]models.DiscoveredStack, len(snap.Stacks))
	for _, st := range snap.Stacks {
		if prev, dup := byName[st.Name]; dup && prev.Runnable() {
			continue
		}
		byName[st.Name] = st
	}

	var (
		run     []models.DiscoveredStack
		dropped []models.DroppedStack
		picked  = make(map[string]bool)
	)
	for _, name := range selected {
		if picked[name] {
			continue
		}
		picked[name] = true

		st, ok := byName[name]
		switch {
		case !ok:
			dropped = append(dropped, models.DroppedStack{Name: name, Reason: "stack not found on any mount"})
		case st.Excluded:
			dropped = append(dropped, models.DroppedStack{Name: name, Reason: "excluded: " + st.ExcludeReason})
		case !st.MountValid:
			dropped = append(dropped, models.DroppedStack{Name: name, Reason: "host and container paths differ for its bind mount"})
		default:
			run = append(run, st)
		}
	}

	for _, d := range dropped {
		s.logger.Warn().Str("stack", d.Name).Str("reason", d.Reason).Msg("selected stack dropped")
	}
	return run, dropped, nil
}
