//go:build !windows

package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/joblog"
	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// ExecSpawner re-executes the server binary as a run-job process in its
// own session, so the job survives a server restart.
type ExecSpawner struct {
	Binary string
	Env    []string
	logger zerolog.Logger
}

// NewExecSpawner creates an ExecSpawner. An empty binary selects the
// running executable.
func NewExecSpawner(binary string, logger zerolog.Logger) (*ExecSpawner, error) {
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		binary = self
	}
	return &ExecSpawner{
		Binary: binary,
		Env:    os.Environ(),
		logger: logger.With().Str("component", "spawner").Logger(),
	}, nil
}

// Args returns the run-job arguments for job.
func (s *ExecSpawner) Args(job *models.Job, archiveID uuid.UUID) []string {
	args := []string{
		"run-job",
		"--archive-id", archiveID.String(),
		"--job-id", job.ID.String(),
		"--log-path", job.LogPath,
	}
	if job.IsDryRun {
		args = append(args, "--dry-run")
	}
	return args
}

// Spawn starts the process with stdout and stderr appended to the job's
// process log. The job log itself is written only by the child's Writer.
func (s *ExecSpawner) Spawn(_ context.Context, job *models.Job, archiveID uuid.UUID) (Process, error) {
	logFile, err := os.OpenFile(joblog.ProcessLogPath(job.LogPath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open process log: %w", err)
	}

	cmd := exec.Command(s.Binary, s.Args(job, archiveID)...)
	cmd.Env = s.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start run-job: %w", err)
	}
	s.logger.Info().
		Int("pid", cmd.Process.Pid).
		Str("job_id", job.ID.String()).
		Msg("spawned run-job process")

	return &execProcess{cmd: cmd, logFile: logFile}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	logFile *os.File
}

// Signal asks the process to stop after its current stack.
func (p *execProcess) Signal() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Wait() error {
	defer p.logFile.Close()
	return p.cmd.Wait()
}
