package joblog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// ErrClosed is returned when writing to a closed log.
var ErrClosed = errors.New("job log closed")

// FileStore creates job log files in a directory.
type FileStore struct {
	dir string
	bus *Bus
}

// NewFileStore creates a FileStore. bus may be nil.
func NewFileStore(dir string, bus *Bus) *FileStore {
	return &FileStore{dir: dir, bus: bus}
}

// Dir returns the log directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// PathFor returns the deterministic log file path for a job.
func (s *FileStore) PathFor(job *models.Job, name string, t time.Time) string {
	kind := "archive"
	if job.IsDryRun {
		kind = "dryrun"
	} else if job.Type != models.JobTypeArchiveMaster {
		kind = string(job.Type)
	}
	short := job.ID.String()[:8]
	file := fmt.Sprintf("%s_%s_%s_%s.log", t.Format("20060102_150405"), kind, models.SafeName(name), short)
	return filepath.Join(s.dir, file)
}

// ProcessLogPath returns where a detached run-job process writes its own
// stdout and stderr for the job log at path.
func ProcessLogPath(path string) string {
	return strings.TrimSuffix(path, ".log") + ".process.log"
}

// Open creates or appends to the log file at path for job.
func (s *FileStore) Open(job *models.Job, path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}

	w := &Writer{
		jobID:      job.ID.String(),
		path:       path,
		f:          f,
		simulation: job.IsDryRun,
		bus:        s.bus,
		now:        time.Now,
	}
	prefix, err := w.resync()
	if err == nil && prefix != "" {
		var n int
		n, err = f.WriteString(prefix)
		w.size += int64(n)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	if s.bus != nil {
		s.bus.attach(w.jobID)
	}
	return w, nil
}

// Writer appends lines to one job's log and publishes them as events.
// It is safe for concurrent use. Published line numbers are positions in
// the file as Tail counts them, including lines appended by anyone else.
type Writer struct {
	mu         sync.Mutex
	jobID      string
	path       string
	f          *os.File
	lines      int
	size       int64
	simulation bool
	bus        *Bus
	now        func() time.Time
}

// Path returns the log file path.
func (w *Writer) Path() string {
	return w.path
}

// Lines returns the number of lines written so far.
func (w *Writer) Lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

// Log appends one line.
func (w *Writer) Log(level, msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return ErrClosed
	}
	prefix, err := w.resync()
	if err != nil {
		return err
	}
	line := FormatLine(w.now(), level, msg, w.simulation)
	n, err := w.f.WriteString(prefix + line + "\n")
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("write job log: %w", err)
	}
	w.lines++

	if w.bus != nil {
		w.bus.Publish(Event{Type: EventLog, JobID: w.jobID, Line: w.lines, Data: line})
	}
	return nil
}

// resync counts lines appended to the file since the last write. A foreign
// line left without a newline is counted, and the returned prefix ends it.
func (w *Writer) resync() (string, error) {
	st, err := w.f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat job log: %w", err)
	}
	if st.Size() <= w.size {
		return "", nil
	}
	buf := make([]byte, st.Size()-w.size)
	n, err := w.f.ReadAt(buf, w.size)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read job log: %w", err)
	}
	buf = buf[:n]
	w.size += int64(n)
	w.lines += bytes.Count(buf, []byte{'\n'})
	if n > 0 && buf[n-1] != '\n' {
		w.lines++
		return "\n", nil
	}
	return "", nil
}

// Logf formats and appends one line.
func (w *Writer) Logf(level, format string, args ...interface{}) error {
	return w.Log(level, fmt.Sprintf(format, args...))
}

// Func returns a callback form of Log for collaborators that take one.
func (w *Writer) Func() func(level, msg string) {
	return func(level, msg string) { _ = w.Log(level, msg) }
}

// BeginStack opens a stack section.
func (w *Writer) BeginStack(stack string) error {
	return w.Log(LevelInfo, StackStartMarker(stack))
}

// EndStack closes a stack section.
func (w *Writer) EndStack(stack string) error {
	return w.Log(LevelInfo, StackFinishMarker(stack))
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if w.bus != nil {
		w.bus.detach(w.jobID)
	}
	return err
}
