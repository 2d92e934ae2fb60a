// Package mounts resolves the bind mounts visible to this process so stack
// discovery knows which directories it may scan and how they map to host
// paths.
package mounts

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/docker"
)

// Source identifies where a mount was learned from.
type Source string

const (
	SourceDocker    Source = "docker"
	SourceMountInfo Source = "mountinfo"
	SourceStatic    Source = "static"
)

// Mount is a bind mount visible inside this container.
type Mount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	IsBind        bool   `json:"is_bind"`
	Mismatched    bool   `json:"mismatched"`
	Source        Source `json:"source"`
}

// ContainerInspector returns the mounts of a container.
type ContainerInspector interface {
	InspectMounts(ctx context.Context, id string) ([]docker.Mount, error)
}

// Inspector resolves mounts from container metadata, falling back to the
// process mount table.
type Inspector struct {
	docker        ContainerInspector
	selfID        string
	mountInfoPath string
	base          string
	static        []string
	logger        zerolog.Logger
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithSelfID overrides the container id used for self inspection.
func WithSelfID(id string) Option {
	return func(i *Inspector) { i.selfID = id }
}

// WithMountInfoPath overrides the mount table location.
func WithMountInfoPath(path string) Option {
	return func(i *Inspector) { i.mountInfoPath = path }
}

// WithMountBase keeps only mount table entries at or below base.
func WithMountBase(base string) Option {
	return func(i *Inspector) { i.base = base }
}

// WithStaticRoots adds directories that are always treated as matching
// mounts, for hosts where the process does not run in a container.
func WithStaticRoots(roots ...string) Option {
	return func(i *Inspector) { i.static = append(i.static, roots...) }
}

// NewInspector creates an Inspector. docker may be nil.
func NewInspector(d ContainerInspector, logger zerolog.Logger, opts ...Option) *Inspector {
	i := &Inspector{
		docker:        d,
		mountInfoPath: "/proc/self/mountinfo",
		logger:        logger.With().Str("component", "mounts").Logger(),
	}
	if id := os.Getenv("HOSTNAME"); id != "" {
		i.selfID = id
	} else if h, err := os.Hostname(); err == nil {
		i.selfID = h
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Resolve returns the bind mounts in source priority order. It never fails:
// when no source is available the result is empty.
func (i *Inspector) Resolve(ctx context.Context) []Mount {
	var out []Mount

	if i.docker != nil && i.selfID != "" {
		raw, err := i.docker.InspectMounts(ctx, i.selfID)
		if err == nil {
			out = fromDocker(raw)
		} else {
			i.logger.Debug().Err(err).Str("container_id", i.selfID).Msg("self inspection unavailable, using mount table")
		}
	}

	if out == nil {
		mi, err := parseMountInfoFile(i.mountInfoPath)
		if err != nil {
			i.logger.Debug().Err(err).Msg("mount table unavailable")
		}
		for _, m := range mi {
			if i.base == "" || within(m.ContainerPath, i.base) {
				out = append(out, m)
			}
		}
	}

	for _, root := range i.static {
		clean := filepath.Clean(root)
		out = append(out, Mount{HostPath: clean, ContainerPath: clean, IsBind: true, Source: SourceStatic})
	}

	out = dedupe(out)
	for _, m := range out {
		if m.Mismatched {
			i.logger.Warn().
				Str("host_path", m.HostPath).
				Str("container_path", m.ContainerPath).
				Msg("bind mount paths differ")
		}
	}
	return out
}

// Roots returns the container paths usable as discovery roots. Mismatched
// mounts are left out when requireMatching is set. Mounts at or below any
// of the skip paths (archive output, logs) are never roots.
func Roots(mounts []Mount, requireMatching bool, skip ...string) []string {
	var roots []string
	for _, m := range mounts {
		if !m.IsBind {
			continue
		}
		if m.Mismatched && requireMatching {
			continue
		}
		if under(m.ContainerPath, skip) {
			continue
		}
		roots = append(roots, m.ContainerPath)
	}
	return roots
}

// HostPathFor maps a container path to its host path using the longest
// matching mount. It returns "" when no mount covers the path.
func HostPathFor(mounts []Mount, containerPath string) string {
	best := -1
	var host string
	for _, m := range mounts {
		if !within(containerPath, m.ContainerPath) {
			continue
		}
		if len(m.ContainerPath) > best {
			best = len(m.ContainerPath)
			rel, _ := filepath.Rel(m.ContainerPath, containerPath)
			host = filepath.Join(m.HostPath, rel)
		}
	}
	return host
}

// Find returns the mount whose container path covers p.
func Find(mounts []Mount, p string) (Mount, bool) {
	var (
		found Mount
		ok    bool
	)
	for _, m := range mounts {
		if within(p, m.ContainerPath) && len(m.ContainerPath) >= len(found.ContainerPath) {
			found, ok = m, true
		}
	}
	return found, ok
}

func fromDocker(raw []docker.Mount) []Mount {
	out := make([]Mount, 0, len(raw))
	for _, m := range raw {
		if m.Type != "bind" {
			continue
		}
		out = append(out, newMount(m.Source, m.Destination, SourceDocker))
	}
	return out
}

func newMount(host, container string, src Source) Mount {
	host = filepath.Clean(host)
	container = filepath.Clean(container)
	return Mount{
		HostPath:      host,
		ContainerPath: container,
		IsBind:        true,
		Mismatched:    host != container,
		Source:        src,
	}
}

var pseudoFS = map[string]bool{
	"proc": true, "sysfs": true, "tmpfs": true, "devpts": true, "mqueue": true,
	"cgroup": true, "cgroup2": true, "overlay": true, "shm": true, "devtmpfs": true,
	"securityfs": true, "debugfs": true, "tracefs": true, "nsfs": true, "fusectl": true,
	"binfmt_misc": true, "autofs": true, "pstore": true, "bpf": true, "configfs": true,
}

var runtimeFiles = map[string]bool{
	"/etc/hosts": true, "/etc/hostname": true, "/etc/resolv.conf": true,
}

func parseMountInfoFile(path string) ([]Mount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseMountInfo(bufio.NewScanner(f))
}

// parseMountInfo reads proc mountinfo lines. A bind mount shows up with a
// root other than "/", which is the host-side path within its filesystem.
func parseMountInfo(sc *bufio.Scanner) ([]Mount, error) {
	var out []Mount
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		sep := -1
		for idx, f := range fields {
			if f == "-" {
				sep = idx
				break
			}
		}
		if sep < 5 || sep+1 >= len(fields) {
			continue
		}

		root := unescape(fields[3])
		point := unescape(fields[4])
		fstype := fields[sep+1]

		if pseudoFS[fstype] || root == "/" || runtimeFiles[point] {
			continue
		}
		if strings.Contains(root, "/docker/volumes/") || strings.HasPrefix(root, "/var/lib/docker/") {
			continue
		}
		out = append(out, newMount(root, point, SourceMountInfo))
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read mountinfo: %w", err)
	}
	return out, nil
}

// unescape decodes the octal escapes used in mountinfo paths.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func dedupe(in []Mount) []Mount {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, m := range in {
		if seen[m.ContainerPath] {
			continue
		}
		seen[m.ContainerPath] = true
		out = append(out, m)
	}
	return out
}

func within(p, base string) bool {
	p, base = filepath.Clean(p), filepath.Clean(base)
	if p == base {
		return true
	}
	if base == "/" {
		return true
	}
	return strings.HasPrefix(p, base+string(filepath.Separator))
}

func under(p string, bases []string) bool {
	for _, b := range bases {
		if b != "" && within(p, b) {
			return true
		}
	}
	return false
}
