package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CommandError is a failed docker invocation with its captured output.
type CommandError struct {
	Args   []string
	Err    error
	Output string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

var transientMarkers = []string{
	"is already in progress",
	"is restarting",
	"cannot connect to the docker daemon",
	"connection refused",
	"device or resource busy",
	"resource temporarily unavailable",
	"tls handshake timeout",
	"removal of container",
	"conflict: unable to remove",
}

// IsTransient reports whether err looks like contention on the Docker
// daemon that is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *CommandError
	msg := err.Error()
	if errors.As(err, &ce) {
		msg = ce.Output
	}
	msg = strings.ToLower(msg)
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Client wraps the Docker CLI.
type Client struct {
	binary string
	logger zerolog.Logger
}

// NewClient creates a new Client using the docker binary on PATH.
func NewClient(logger zerolog.Logger) *Client {
	return NewClientWithBinary("docker", logger)
}

// NewClientWithBinary creates a new Client with a custom binary path.
func NewClientWithBinary(binary string, logger zerolog.Logger) *Client {
	return &Client{
		binary: binary,
		logger: logger.With().Str("component", "docker").Logger(),
	}
}

// Version returns the daemon version.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "", []string{"version", "--format", "{{.Server.Version}}"})
	if err != nil {
		return "", fmt.Errorf("docker version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// InspectMounts returns the mounts of a container.
func (c *Client) InspectMounts(ctx context.Context, id string) ([]Mount, error) {
	out, err := c.run(ctx, "", []string{"inspect", "--format", "{{json .}}", id})
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", id, err)
	}

	var raw dockerInspectOutput
	if err := json.Unmarshal(bytes.TrimSpace(out), &raw); err != nil {
		return nil, fmt.Errorf("parse inspect output: %w", err)
	}

	mounts := make([]Mount, 0, len(raw.Mounts))
	for _, m := range raw.Mounts {
		mounts = append(mounts, Mount{
			Type:        m.Type,
			Name:        m.Name,
			Source:      m.Source,
			Destination: m.Destination,
			ReadOnly:    !m.RW,
		})
	}
	return mounts, nil
}

// ComposePS lists the containers of a Compose project.
func (c *Client) ComposePS(ctx context.Context, composePath string) ([]ServiceState, error) {
	out, err := c.compose(ctx, composePath, "ps", "--all", "--format", "json")
	if err != nil {
		return nil, fmt.Errorf("compose ps: %w", err)
	}
	return parseComposePS(out, c.logger)
}

// IsRunning reports whether any container of the project is running.
func (c *Client) IsRunning(ctx context.Context, composePath string) (bool, error) {
	states, err := c.ComposePS(ctx, composePath)
	if err != nil {
		return false, err
	}
	for _, s := range states {
		if s.Running() {
			return true, nil
		}
	}
	return false, nil
}

// ComposeDown stops and removes the project's containers.
func (c *Client) ComposeDown(ctx context.Context, composePath string) error {
	c.logger.Info().Str("compose", composePath).Msg("stopping stack")
	if _, err := c.compose(ctx, composePath, "down"); err != nil {
		return fmt.Errorf("compose down: %w", err)
	}
	return nil
}

// ComposeUp starts the project detached. With noPull set, images missing
// locally fail the start instead of being fetched.
func (c *Client) ComposeUp(ctx context.Context, composePath string, noPull bool) error {
	c.logger.Info().Str("compose", composePath).Msg("starting stack")
	args := []string{"up", "-d"}
	if noPull {
		args = append(args, "--pull", "never")
	}
	if _, err := c.compose(ctx, composePath, args...); err != nil {
		return fmt.Errorf("compose up: %w", err)
	}
	return nil
}

// ComposeImages returns the images referenced by the project.
func (c *Client) ComposeImages(ctx context.Context, composePath string) ([]string, error) {
	out, err := c.compose(ctx, composePath, "config", "--images")
	if err != nil {
		return nil, fmt.Errorf("compose config: %w", err)
	}
	var images []string
	for _, line := range strings.Split(string(out), "\n") {
		if img := strings.TrimSpace(line); img != "" {
			images = append(images, img)
		}
	}
	return images, nil
}

// ImageExists reports whether an image is present locally.
func (c *Client) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := c.run(ctx, "", []string{"image", "inspect", "--format", "{{.Id}}", image})
	if err == nil {
		return true, nil
	}
	var ce *CommandError
	if errors.As(err, &ce) && strings.Contains(strings.ToLower(ce.Output), "no such image") {
		return false, nil
	}
	return false, fmt.Errorf("image inspect %s: %w", image, err)
}

// MissingImages returns the project images not present locally.
func (c *Client) MissingImages(ctx context.Context, composePath string) ([]string, error) {
	images, err := c.ComposeImages(ctx, composePath)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, img := range images {
		ok, err := c.ImageExists(ctx, img)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, img)
		}
	}
	return missing, nil
}

func (c *Client) compose(ctx context.Context, composePath string, args ...string) ([]byte, error) {
	full := append([]string{"compose", "-f", composePath}, args...)
	return c.run(ctx, filepath.Dir(composePath), full)
}

// run executes a docker command and returns the output.
func (c *Client) run(ctx context.Context, dir string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug().
		Str("command", c.binary).
		Strs("args", args).
		Msg("executing docker command")

	if err := cmd.Run(); err != nil {
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = stdout.String()
		}
		return nil, &CommandError{Args: args, Err: err, Output: strings.TrimSpace(errMsg)}
	}

	return stdout.Bytes(), nil
}

func parseComposePS(out []byte, logger zerolog.Logger) ([]ServiceState, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}

	var raw []composePSOutput
	if out[0] == '[' {
		if err := json.Unmarshal(out, &raw); err != nil {
			return nil, fmt.Errorf("parse compose ps output: %w", err)
		}
	} else {
		for _, line := range bytes.Split(out, []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var ps composePSOutput
			if err := json.Unmarshal(line, &ps); err != nil {
				logger.Warn().Err(err).Msg("failed to parse compose ps line")
				continue
			}
			raw = append(raw, ps)
		}
	}

	states := make([]ServiceState, 0, len(raw))
	for _, ps := range raw {
		states = append(states, ServiceState{
			ID:      ps.ID,
			Name:    ps.Name,
			Service: ps.Service,
			State:   strings.ToLower(ps.State),
			Image:   ps.Image,
		})
	}
	return states, nil
}
