package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrPullTimeout is returned when an image pull produced no output for the
// inactivity window or ran past its overall deadline.
var ErrPullTimeout = errors.New("image pull timed out")

// PullResult holds the transcript of a pull, kept even when it fails.
type PullResult struct {
	Transcript string
	Lines      int
	Elapsed    time.Duration
}

// ComposePull pulls the project's images. The pull is aborted when no
// output arrives for inactivity (0 disables the timer) or when ctx expires.
// onLine, if set, receives each output line as it is read.
func (c *Client) ComposePull(ctx context.Context, composePath string, inactivity time.Duration, onLine func(string)) (*PullResult, error) {
	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	cmd := exec.CommandContext(runCtx, c.binary, "compose", "-f", composePath, "pull")
	cmd.Dir = filepath.Dir(composePath)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = 5 * time.Second

	c.logger.Info().
		Str("compose", composePath).
		Dur("inactivity_timeout", inactivity).
		Msg("pulling images")

	if err := cmd.Start(); err != nil {
		return &PullResult{}, fmt.Errorf("start compose pull: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	output := make(chan string)
	go func() {
		defer close(output)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			output <- sc.Text()
		}
		// Keep the pipe drained if the scanner stopped on an oversized line.
		_, _ = io.Copy(io.Discard, pr)
	}()

	res := &PullResult{}
	var transcript strings.Builder
	record := func(line string) {
		transcript.WriteString(line)
		transcript.WriteByte('\n')
		res.Lines++
		if onLine != nil {
			onLine(line)
		}
	}
	finish := func() {
		for line := range output {
			record(line)
		}
		res.Transcript = transcript.String()
		res.Elapsed = time.Since(start)
	}

	lines := (<-chan string)(output)
	var (
		timer    *time.Timer
		inactive <-chan time.Time
	)
	if inactivity > 0 {
		timer = time.NewTimer(inactivity)
		defer timer.Stop()
		inactive = timer.C
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			record(line)
			if timer != nil {
				timer.Reset(inactivity)
			}

		case <-inactive:
			cancel()
			finish()
			<-waitErr
			c.logger.Warn().Str("compose", composePath).Dur("inactivity_timeout", inactivity).Msg("image pull stalled")
			return res, fmt.Errorf("%w: no output for %s", ErrPullTimeout, inactivity)

		case err := <-waitErr:
			finish()
			if ctxErr := ctx.Err(); ctxErr != nil {
				if errors.Is(ctxErr, context.DeadlineExceeded) {
					return res, fmt.Errorf("%w: job deadline reached after %s", ErrPullTimeout, res.Elapsed.Round(time.Second))
				}
				return res, ctxErr
			}
			if err != nil {
				return res, &CommandError{Args: []string{"compose", "-f", composePath, "pull"}, Err: err, Output: lastLines(res.Transcript, 5)}
			}
			c.logger.Info().Str("compose", composePath).Int("lines", res.Lines).Dur("elapsed", res.Elapsed).Msg("images pulled")
			return res, nil
		}
	}
}

func lastLines(s string, n int) string {
	parts := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	return strings.Join(parts, "\n")
}
