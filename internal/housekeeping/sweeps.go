package housekeeping

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/MacJediWizard/stackarchiver/internal/joblog"
	"github.com/MacJediWizard/stackarchiver/internal/models"
	"github.com/MacJediWizard/stackarchiver/internal/retention"
)

// cleanupRun is the state shared by the sweeps of one cleanup job.
type cleanupRun struct {
	job      *models.Job
	dry      bool
	log      retention.LogFunc
	orphaned map[string]bool // config dirs claimed by the orphan sweep
}

// sweepOrphans removes config directories under the archive root that no
// archive config owns. Directories starting with "_" or "." are reserved.
// With no configs at all the sweep does nothing, so an empty store never
// wipes the archive root.
func (s *Service) sweepOrphans(ctx context.Context, run *cleanupRun) SweepResult {
	res := SweepResult{Name: SweepOrphans}
	log := run.log

	archives, err := s.deps.Store.ListArchives(ctx)
	if err != nil {
		res.failf("list archives: %v", err)
		log(joblog.LevelError, fmt.Sprintf("Could not list archive configs: %v", err))
		return res
	}
	if len(archives) == 0 {
		log(joblog.LevelInfo, "No archive configs defined; skipping orphaned directory scan")
		return res
	}
	known := make(map[string]bool, len(archives))
	for _, a := range archives {
		known[a.DirName()] = true
	}

	entries, err := os.ReadDir(s.opts.ArchiveDir)
	if err != nil {
		if !os.IsNotExist(err) {
			res.failf("read archive directory: %v", err)
			log(joblog.LevelError, fmt.Sprintf("Could not read %s: %v", s.opts.ArchiveDir, err))
		}
		return res
	}

	downloads := filepath.Clean(s.opts.DownloadsDir)
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || known[name] {
			continue
		}
		path := filepath.Join(s.opts.ArchiveDir, name)
		if path == downloads {
			continue
		}
		size, _ := retention.PathSize(path)

		run.orphaned[path] = true
		if run.dry {
			log(joblog.LevelInfo, fmt.Sprintf("Would remove orphaned archive directory %s (%s)", name, humanize.IBytes(uint64(size))))
			res.add(path, size)
			continue
		}

		log(joblog.LevelInfo, fmt.Sprintf("Removing orphaned archive directory %s (%s)", name, humanize.IBytes(uint64(size))))
		if err := os.RemoveAll(path); err != nil {
			res.failf("%s: %v", name, err)
			log(joblog.LevelError, fmt.Sprintf("Failed to remove %s: %v", name, err))
			continue
		}
		if n, err := s.deps.Store.MarkArchivesDeletedUnder(ctx, path, "cleanup"); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to mark orphaned archives deleted")
		} else if n > 0 {
			log(joblog.LevelInfo, fmt.Sprintf("Marked %d archive record(s) under %s as deleted", n, name))
		}
		res.add(path, size)
	}
	return res
}

// sweepJobs deletes finished job records older than the log retention
// together with their log files, then removes stray log files of the same
// age that no record points at. The running job's own log is never touched.
func (s *Service) sweepJobs(ctx context.Context, run *cleanupRun) SweepResult {
	res := SweepResult{Name: SweepLogs}
	self, log, dry := run.job, run.log, run.dry
	if s.opts.LogRetention <= 0 {
		log(joblog.LevelInfo, "Job log retention disabled; keeping all job records")
		return res
	}
	cutoff := s.now().Add(-s.opts.LogRetention)

	jobs, err := s.deps.Store.ListExpiredJobs(ctx, cutoff)
	if err != nil {
		res.failf("list expired jobs: %v", err)
		log(joblog.LevelError, fmt.Sprintf("Could not list expired jobs: %v", err))
		return res
	}

	own := map[string]bool{self.LogPath: true, joblog.ProcessLogPath(self.LogPath): true}
	handled := make(map[string]bool)
	var ids []uuid.UUID
	var logBytes int64
	for _, job := range jobs {
		if job.ID == self.ID {
			continue
		}
		ids = append(ids, job.ID)
		if job.LogPath == "" {
			continue
		}
		for _, p := range []string{job.LogPath, joblog.ProcessLogPath(job.LogPath)} {
			if handled[p] || own[p] || !s.ownsLog(p) {
				continue
			}
			handled[p] = true
			size, ok := s.removeFile(p, dry, &res)
			if ok {
				logBytes += size
			}
		}
	}

	if len(ids) > 0 {
		if dry {
			log(joblog.LevelInfo, fmt.Sprintf("Would delete %d job record(s) started before %s", len(ids), cutoff.Format("2006-01-02")))
			res.Removed += len(ids)
		} else {
			n, err := s.deps.Store.DeleteJobs(ctx, ids)
			if err != nil {
				res.failf("delete jobs: %v", err)
				log(joblog.LevelError, fmt.Sprintf("Could not delete expired job records: %v", err))
			} else {
				log(joblog.LevelInfo, fmt.Sprintf("Deleted %d job record(s) started before %s", n, cutoff.Format("2006-01-02")))
				res.Removed += int(n)
			}
		}
	}
	res.Reclaimed += logBytes

	entries, err := os.ReadDir(s.deps.Logs.Dir())
	if err != nil {
		if !os.IsNotExist(err) {
			res.failf("read log directory: %v", err)
		}
		return res
	}
	stray := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		p := filepath.Join(s.deps.Logs.Dir(), e.Name())
		if handled[p] || own[p] {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if size, ok := s.removeFile(p, dry, &res); ok {
			res.Removed++
			res.Reclaimed += size
			stray++
		}
	}
	if stray > 0 {
		verb := "Removed"
		if dry {
			verb = "Would remove"
		}
		log(joblog.LevelInfo, fmt.Sprintf("%s %d stray log file(s) older than %s", verb, stray, cutoff.Format("2006-01-02")))
	}
	return res
}

// removeFile deletes one file unless dry. It reports the file's size and
// whether it existed and was (or would be) removed. Paths land in res.
func (s *Service) removeFile(path string, dry bool, res *SweepResult) (int64, bool) {
	info, err := os.Lstat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			res.failf("%s: %v", filepath.Base(path), err)
		}
		return 0, false
	}
	if !dry {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			res.failf("%s: %v", filepath.Base(path), err)
			return 0, false
		}
	}
	res.Paths = append(res.Paths, path)
	return info.Size(), true
}

// ownsLog reports whether path lies inside the job log directory.
func (s *Service) ownsLog(path string) bool {
	rel, err := filepath.Rel(s.deps.Logs.Dir(), path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// isTemp reports whether name is a partial artifact: an archive being
// written, a download being packed, or a generic temp file.
func isTemp(name string) bool {
	return strings.HasPrefix(name, ".partial-") ||
		strings.HasSuffix(name, ".partial") ||
		strings.HasSuffix(name, ".tmp")
}

// sweepTemp removes partial files older than the grace period under the
// archive and downloads roots, then stack directories left empty.
func (s *Service) sweepTemp(ctx context.Context, run *cleanupRun) SweepResult {
	res := SweepResult{Name: SweepTemp}
	log, dry := run.log, run.dry
	cutoff := s.now().Add(-s.opts.TempGrace)

	// Archives live at <root>/<config>/<stack>/<artifact>; folder archives
	// are never entered, so user files inside them are safe.
	roots := map[string]int{s.opts.ArchiveDir: 3}
	if d := s.opts.DownloadsDir; d != "" {
		if rel, err := filepath.Rel(s.opts.ArchiveDir, d); err != nil || strings.HasPrefix(rel, "..") {
			roots[filepath.Clean(d)] = 1
		}
	}

	type candidate struct {
		path string
		size int64
	}
	var found []candidate
	doomed := make(map[string]bool)
	for root, maxDepth := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root && os.IsNotExist(err) {
					return fs.SkipAll
				}
				res.failf("%s: %v", path, err)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if path == root {
				return nil
			}
			if run.orphaned[path] {
				return fs.SkipDir
			}
			if isTemp(d.Name()) {
				info, err := d.Info()
				if err == nil && info.ModTime().Before(cutoff) {
					size, _ := retention.PathSize(path)
					found = append(found, candidate{path: path, size: size})
					doomed[path] = true
				}
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() && depth(root, path) >= maxDepth {
				return fs.SkipDir
			}
			return nil
		})
		if err != nil {
			res.failf("walk %s: %v", root, err)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].path < found[j].path })
	// Removing partials touches their directories, so empties are judged first.
	empties := s.emptySeries(run, doomed, cutoff)

	for _, c := range found {
		rel := s.relative(c.path)
		if dry {
			log(joblog.LevelInfo, fmt.Sprintf("Would remove partial file %s (%s)", rel, humanize.IBytes(uint64(c.size))))
			res.add(c.path, c.size)
			continue
		}
		if err := os.RemoveAll(c.path); err != nil {
			res.failf("%s: %v", rel, err)
			log(joblog.LevelError, fmt.Sprintf("Failed to remove %s: %v", rel, err))
			continue
		}
		log(joblog.LevelInfo, fmt.Sprintf("Removed partial file %s (%s)", rel, humanize.IBytes(uint64(c.size))))
		res.add(c.path, c.size)
	}

	for _, dir := range empties {
		rel := s.relative(dir)
		if dry {
			log(joblog.LevelInfo, fmt.Sprintf("Would remove empty stack directory %s", rel))
			res.add(dir, 0)
			continue
		}
		if err := os.Remove(dir); err != nil {
			res.failf("%s: %v", rel, err)
			continue
		}
		log(joblog.LevelInfo, fmt.Sprintf("Removed empty stack directory %s", rel))
		res.add(dir, 0)
	}
	return res
}

// emptySeries lists stack directories, two levels below the archive root,
// that hold nothing once the doomed entries are gone and were last
// modified before cutoff.
func (s *Service) emptySeries(run *cleanupRun, doomed map[string]bool, cutoff time.Time) []string {
	configs, err := os.ReadDir(s.opts.ArchiveDir)
	if err != nil {
		return nil
	}
	downloads := filepath.Clean(s.opts.DownloadsDir)

	var out []string
	for _, c := range configs {
		if !c.IsDir() || strings.HasPrefix(c.Name(), "_") || strings.HasPrefix(c.Name(), ".") {
			continue
		}
		configDir := filepath.Join(s.opts.ArchiveDir, c.Name())
		if configDir == downloads || run.orphaned[configDir] {
			continue
		}
		stacks, err := os.ReadDir(configDir)
		if err != nil {
			continue
		}
		for _, st := range stacks {
			if !st.IsDir() {
				continue
			}
			if info, err := st.Info(); err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			dir := filepath.Join(configDir, st.Name())
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			remaining := 0
			for _, e := range entries {
				if !doomed[filepath.Join(dir, e.Name())] {
					remaining++
				}
			}
			if remaining == 0 {
				out = append(out, dir)
			}
		}
	}
	sort.Strings(out)
	return out
}

// depth is the number of path elements of path below root.
func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

func (s *Service) relative(path string) string {
	if rel, err := filepath.Rel(s.opts.ArchiveDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}
