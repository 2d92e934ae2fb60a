package retention

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// TimestampLayout is the timestamp embedded in archive names.
const TimestampLayout = "20060102_150405"

// LogFunc receives job log lines produced while pruning.
type LogFunc func(level, msg string)

// DeletionRecorder marks archive metrics as deleted once their artifact is gone.
type DeletionRecorder interface {
	MarkArchiveDeleted(ctx context.Context, archivePath, deletedBy string) error
}

// SeriesResult summarizes one stack series.
type SeriesResult struct {
	Stack     string   `json:"stack"`
	Found     int      `json:"found"`
	Kept      int      `json:"kept"`
	Deleted   int      `json:"deleted"`
	Reclaimed int64    `json:"reclaimed_bytes"`
	Errors    []string `json:"errors,omitempty"`
}

// Result summarizes a prune pass across every stack of a config.
type Result struct {
	Series    []SeriesResult `json:"series"`
	Deleted   int            `json:"deleted"`
	Reclaimed int64          `json:"reclaimed_bytes"`
}

// Err returns an error describing failed deletions, or nil.
func (r *Result) Err() error {
	var msgs []string
	for _, s := range r.Series {
		msgs = append(msgs, s.Errors...)
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("retention: %d deletion(s) failed: %s", len(msgs), strings.Join(msgs, "; "))
}

// Pruner applies a policy to archive series stored under a config directory.
type Pruner struct {
	recorder DeletionRecorder
	now      func() time.Time
	logger   zerolog.Logger
}

// NewPruner creates a Pruner. recorder may be nil.
func NewPruner(recorder DeletionRecorder, logger zerolog.Logger) *Pruner {
	return &Pruner{
		recorder: recorder,
		now:      time.Now,
		logger:   logger.With().Str("component", "retention").Logger(),
	}
}

// Run prunes every stack directory under configDir. Stacks limits the pass
// to the named series when non-empty. In a dry run nothing is deleted and
// reclaimed bytes are what would have been freed.
func (p *Pruner) Run(ctx context.Context, configDir string, stacks []string, policy models.RetentionPolicy, dryRun bool, log LogFunc) (*Result, error) {
	if log == nil {
		log = func(string, string) {}
	}
	if err := Validate(policy); err != nil {
		return nil, err
	}

	log("INFO", fmt.Sprintf("Starting retention: keep %s", policy))

	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			log("WARNING", fmt.Sprintf("Archive directory does not exist: %s", configDir))
			return &Result{}, nil
		}
		return nil, fmt.Errorf("read archive directory: %w", err)
	}

	only := make(map[string]bool, len(stacks))
	for _, s := range stacks {
		only[s] = true
	}

	res := &Result{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if len(only) > 0 && !only[e.Name()] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		sr := p.runSeries(ctx, filepath.Join(configDir, e.Name()), e.Name(), policy, dryRun, log)
		res.Series = append(res.Series, sr)
		res.Deleted += sr.Deleted
		res.Reclaimed += sr.Reclaimed
	}

	log("INFO", fmt.Sprintf("Retention finished. Archives deleted: %d. Freed space: %s",
		res.Deleted, humanize.IBytes(uint64(res.Reclaimed))))

	p.logger.Info().
		Str("dir", configDir).
		Int("deleted", res.Deleted).
		Int64("reclaimed_bytes", res.Reclaimed).
		Bool("dry_run", dryRun).
		Msg("retention pass complete")

	return res, nil
}

func (p *Pruner) runSeries(ctx context.Context, dir, stack string, policy models.RetentionPolicy, dryRun bool, log LogFunc) SeriesResult {
	sr := SeriesResult{Stack: stack}

	archives, err := ScanSeries(dir, stack)
	if err != nil {
		sr.Errors = append(sr.Errors, err.Error())
		log("ERROR", fmt.Sprintf("Could not scan archives for %s: %v", stack, err))
		return sr
	}
	sr.Found = len(archives)
	if len(archives) == 0 {
		log("INFO", fmt.Sprintf("No archives found for %s", stack))
		return sr
	}

	d := Prune(archives, policy, p.now())
	sr.Kept = len(d.Retained)
	log("INFO", fmt.Sprintf("%s: keeping %d archive(s), deleting %d", stack, len(d.Retained), len(d.Removed)))

	for _, a := range d.Removed {
		name := filepath.Base(a.Path)
		if dryRun {
			log("INFO", fmt.Sprintf("Would delete archive: %s (%s)", name, humanize.IBytes(uint64(a.Size))))
			sr.Deleted++
			sr.Reclaimed += a.Size
			continue
		}

		log("INFO", fmt.Sprintf("Deleting archive: %s (%s)", name, humanize.IBytes(uint64(a.Size))))
		if err := os.RemoveAll(a.Path); err != nil {
			sr.Errors = append(sr.Errors, fmt.Sprintf("%s: %v", name, err))
			log("ERROR", fmt.Sprintf("Failed to delete %s: %v", name, err))
			continue
		}
		sr.Deleted++
		sr.Reclaimed += a.Size

		if p.recorder != nil {
			if err := p.recorder.MarkArchiveDeleted(ctx, a.Path, "retention"); err != nil {
				p.logger.Warn().Err(err).Str("path", a.Path).Msg("failed to mark archive deleted")
			}
		}
	}

	return sr
}

// ScanSeries lists the archives of one stack. Entries whose names do not
// carry a parsable timestamp are ignored.
func ScanSeries(dir, stack string) ([]Archive, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []Archive
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ts, ok := ParseArchiveName(e.Name(), stack)
		if !ok {
			continue
		}
		path := filepath.Join(dir, e.Name())
		size, err := PathSize(path)
		if err != nil {
			return nil, fmt.Errorf("size of %s: %w", e.Name(), err)
		}
		out = append(out, Archive{Path: path, Timestamp: ts, Size: size, IsDir: e.IsDir()})
	}
	return out, nil
}

// ArchiveName builds the artifact name for a stack archive created at t.
func ArchiveName(stack string, t time.Time, format models.OutputFormat) string {
	return stack + "_" + t.Format(TimestampLayout) + format.Extension()
}

// ParseArchiveName extracts the creation time from an artifact name
// produced by ArchiveName.
func ParseArchiveName(name, stack string) (time.Time, bool) {
	base := name
	for _, ext := range []string{".tar.gz", ".tar.zst", ".tar"} {
		if strings.HasSuffix(base, ext) {
			base = strings.TrimSuffix(base, ext)
			break
		}
	}
	if !strings.HasPrefix(base, stack+"_") {
		return time.Time{}, false
	}
	stamp := strings.TrimPrefix(base, stack+"_")
	if len(stamp) != len(TimestampLayout) {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(TimestampLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// PathSize returns the size of a file, or the total size of regular files
// under a directory.
func PathSize(path string) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}
