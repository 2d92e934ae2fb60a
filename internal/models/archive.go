// Package models contains the domain types shared by the archive engine.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// OutputFormat is the on-disk representation of a stack archive.
type OutputFormat string

const (
	// FormatTar writes an uncompressed tarball.
	FormatTar OutputFormat = "tar"
	// FormatTarGz writes a gzip compressed tarball.
	FormatTarGz OutputFormat = "tar.gz"
	// FormatTarZst writes a zstd compressed tarball.
	FormatTarZst OutputFormat = "tar.zst"
	// FormatFolder copies the stack directory as-is.
	FormatFolder OutputFormat = "folder"
)

// Extension returns the filename suffix for the format, empty for folders.
func (f OutputFormat) Extension() string {
	if f == FormatFolder {
		return ""
	}
	return "." + string(f)
}

// PullPolicy controls whether images are pulled before a stack restarts.
type PullPolicy string

const (
	// PullNever restarts with local images only.
	PullNever PullPolicy = "never"
	// PullAlways pulls images before restarting.
	PullAlways PullPolicy = "always"
)

// Default retention counts applied when a config leaves them unset.
const (
	DefaultKeepDays   = 7
	DefaultKeepWeeks  = 4
	DefaultKeepMonths = 6
	DefaultKeepYears  = 2
)

// RetentionPolicy is a grandfather-father-son keep policy.
type RetentionPolicy struct {
	KeepDays   int  `json:"keep_days" validate:"gte=0"`
	KeepWeeks  int  `json:"keep_weeks" validate:"gte=0"`
	KeepMonths int  `json:"keep_months" validate:"gte=0"`
	KeepYears  int  `json:"keep_years" validate:"gte=0"`
	OnePerDay  bool `json:"one_per_day"`
}

// DefaultRetentionPolicy returns the policy used for new configs.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		KeepDays:   DefaultKeepDays,
		KeepWeeks:  DefaultKeepWeeks,
		KeepMonths: DefaultKeepMonths,
		KeepYears:  DefaultKeepYears,
	}
}

// IsZero reports whether the policy keeps nothing.
func (p RetentionPolicy) IsZero() bool {
	return p.KeepDays == 0 && p.KeepWeeks == 0 && p.KeepMonths == 0 && p.KeepYears == 0
}

// String renders the policy for log lines.
func (p RetentionPolicy) String() string {
	s := fmt.Sprintf("%d days, %d weeks, %d months, %d years",
		p.KeepDays, p.KeepWeeks, p.KeepMonths, p.KeepYears)
	if p.OnePerDay {
		s += " (one per day)"
	}
	return s
}

// ArchiveConfig is a named archive definition. It is never mutated while a
// job for it is running.
type ArchiveConfig struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name" validate:"required,max=128"`
	Description     string          `json:"description,omitempty"`
	Stacks          []string        `json:"stacks" validate:"required,min=1,dive,required"`
	ScheduleCron    string          `json:"schedule_cron,omitempty"`
	ScheduleEnabled bool            `json:"schedule_enabled"`
	Retention       RetentionPolicy `json:"retention"`
	OutputFormat    OutputFormat    `json:"output_format" validate:"required,oneof=tar tar.gz tar.zst folder"`
	PullPolicy      PullPolicy      `json:"pull_policy" validate:"required,oneof=never always"`
	StopContainers  bool            `json:"stop_containers"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewArchiveConfig creates a config with default policy and format.
func NewArchiveConfig(name string, stacks []string) *ArchiveConfig {
	now := time.Now()
	return &ArchiveConfig{
		ID:             uuid.New(),
		Name:           name,
		Stacks:         stacks,
		Retention:      DefaultRetentionPolicy(),
		OutputFormat:   FormatTarGz,
		PullPolicy:     PullNever,
		StopContainers: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Validate checks the config fields.
func (c *ArchiveConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid archive config: %w", err)
	}
	if strings.ContainsAny(c.Name, `/\`) {
		return fmt.Errorf("invalid archive config: name %q contains a path separator", c.Name)
	}
	return nil
}

// DirName returns the directory name used under the archive root.
func (c *ArchiveConfig) DirName() string {
	return SafeName(c.Name)
}

// SafeName reduces a name to characters safe for file names.
func SafeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "unnamed"
	}
	return out
}
