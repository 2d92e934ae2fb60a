// Package joblog stores per-job log files and distributes live job events
// to any number of observers, in this process or another.
package joblog

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

// Log levels used in job log lines.
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
	LevelDebug   = "DEBUG"
)

const (
	timeLayout     = "2006-01-02 15:04:05"
	simulationTag  = "[SIMULATION] "
	stackStartFmt  = "--- Starting backup for stack: %s ---"
	stackFinishFmt = "--- Finished backup for stack: %s ---"
)

// FormatLine renders a log line as written to the job log file.
func FormatLine(t time.Time, level, msg string, simulation bool) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(t.Format(timeLayout))
	b.WriteString("] [")
	b.WriteString(level)
	b.WriteString("] ")
	if simulation {
		b.WriteString(simulationTag)
	}
	b.WriteString(strings.ReplaceAll(msg, "\n", " "))
	return b.String()
}

// StackStartMarker is the line that opens a stack's section of the log.
func StackStartMarker(stack string) string {
	return fmt.Sprintf(stackStartFmt, stack)
}

// StackFinishMarker is the line that closes a stack's section of the log.
func StackFinishMarker(stack string) string {
	return fmt.Sprintf(stackFinishFmt, stack)
}

// TailResult is the answer to a tail request.
type TailResult struct {
	Lines []string `json:"lines"`
	// LastLine is the number of lines in the log; pass it back as since to
	// receive only newer lines.
	LastLine int `json:"last_line"`
}

// Tail returns the lines of the log at path after line number since
// (1-based, so since=0 returns everything). When stack is set only lines
// inside that stack's section are returned; LastLine still counts every
// line so offsets stay stable across filters. A missing file yields an
// empty result.
func Tail(path string, since int, stack string) (*TailResult, error) {
	res := &TailResult{Lines: []string{}, LastLine: since}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return nil, fmt.Errorf("open job log: %w", err)
	}
	defer f.Close()

	var (
		start, finish string
		inSection     bool
	)
	if stack != "" {
		start, finish = StackStartMarker(stack), StackFinishMarker(stack)
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()

		include := true
		if stack != "" {
			opens := strings.HasSuffix(line, start)
			if opens {
				inSection = true
			}
			include = inSection
			if strings.HasSuffix(line, finish) {
				inSection = false
			}
		}
		if include && n > since {
			res.Lines = append(res.Lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read job log: %w", err)
	}
	if n > res.LastLine {
		res.LastLine = n
	}
	return res, nil
}
