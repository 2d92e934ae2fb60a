// Package downloads issues time-limited download tokens for archives and
// packs folder archives into a single tar.gz on demand.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/archive"
	"github.com/MacJediWizard/stackarchiver/internal/metrics"
	"github.com/MacJediWizard/stackarchiver/internal/models"
	"github.com/MacJediWizard/stackarchiver/internal/notifications"
)

var (
	// ErrTokenExpired is returned for a token past its expiry.
	ErrTokenExpired = errors.New("download token expired")
	// ErrPackingConflict is returned while another request owns the pack.
	ErrPackingConflict = errors.New("packing already in progress")
	// ErrNotReady is returned when the artifact has not been produced.
	ErrNotReady = errors.New("download not ready")
	// ErrArchiveMissing is returned when no archive exists for a stack.
	ErrArchiveMissing = errors.New("archive not found")
)

// PackResult is the outcome of RequestPack.
type PackResult string

const (
	// AlreadyReady means the artifact can be served now.
	AlreadyReady PackResult = "already_ready"
	// NowPacking means this call started the pack.
	NowPacking PackResult = "now_packing"
	// RejectedDuplicate means another pack is running for the token.
	RejectedDuplicate PackResult = "rejected_duplicate"
)

// recordTimeout bounds persisting a pack outcome and notifying about it.
const recordTimeout = time.Minute

// Store persists download tokens.
type Store interface {
	ListStackMetrics(ctx context.Context, jobID uuid.UUID) ([]*models.JobStackMetric, error)
	CreateDownloadToken(ctx context.Context, t *models.DownloadToken) error
	GetDownloadToken(ctx context.Context, token string) (*models.DownloadToken, error)
	TransitionPackingState(ctx context.Context, token string, from []models.PackingState, to models.PackingState) (bool, error)
	CompletePacking(ctx context.Context, token string, state models.PackingState, filePath string) error
	AddNotifyTarget(ctx context.Context, token, target string) error
	IncrementDownloads(ctx context.Context, token string) error
	ListPendingDownloadTokens(ctx context.Context, now time.Time) ([]*models.DownloadToken, error)
	DeleteExpiredDownloadTokens(ctx context.Context, now time.Time) ([]*models.DownloadToken, error)
}

// Notifier delivers ready/failed messages to a token's targets.
type Notifier interface {
	Send(ctx context.Context, msg notifications.Message) error
}

// Options configure a Packer.
type Options struct {
	Dir                  string
	BaseURL              string
	AutoGenerateOnAccess bool
	PackTimeout          time.Duration
}

// Packer owns download tokens and their packed artifacts.
type Packer struct {
	store    Store
	notifier Notifier
	metrics  *metrics.PrometheusMetrics
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger

	wg sync.WaitGroup
}

// NewPacker creates a Packer. notifier and m may be nil.
func NewPacker(store Store, notifier Notifier, m *metrics.PrometheusMetrics, opts Options, logger zerolog.Logger) *Packer {
	if opts.PackTimeout <= 0 {
		opts.PackTimeout = time.Hour
	}
	return &Packer{
		store:    store,
		notifier: notifier,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "downloads").Logger(),
	}
}

// Request creates a token for the archive a job produced for stack. A file
// archive is ready immediately; a folder archive starts packing. notify is
// an optional address told when the pack completes.
func (p *Packer) Request(ctx context.Context, jobID uuid.UUID, stack, notify string) (*models.DownloadToken, error) {
	ms, err := p.store.ListStackMetrics(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list stack metrics: %w", err)
	}
	var path string
	for _, m := range ms {
		if m.StackName == stack && m.Archived && m.ArchivePath != "" && m.DeletedAt == nil {
			path = m.ArchivePath
		}
	}
	if path == "" {
		return nil, fmt.Errorf("%w: job %s stack %s", ErrArchiveMissing, jobID, stack)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrArchiveMissing, path)
	}

	id := jobID
	t := models.NewDownloadToken(&id, stack, path, info.IsDir(), p.now())
	if err := p.store.CreateDownloadToken(ctx, t); err != nil {
		return nil, fmt.Errorf("create download token: %w", err)
	}
	if notify != "" {
		if err := p.store.AddNotifyTarget(ctx, t.Token, notify); err != nil {
			return nil, fmt.Errorf("add notify target: %w", err)
		}
		t.NotifyTargets = []string{notify}
	}

	p.logger.Info().
		Str("token", t.Token).
		Str("stack", stack).
		Bool("folder", t.IsFolder).
		Msg("download token created")

	if t.IsFolder {
		if _, err := p.RequestPack(ctx, t.Token); err != nil {
			return nil, err
		}
		t.PackingState = models.PackingInProgress
	}
	return t, nil
}

// RequestPack starts packing token unless it is ready or already packing.
// Only one caller among concurrent requests gets NowPacking.
func (p *Packer) RequestPack(ctx context.Context, token string) (PackResult, error) {
	t, err := p.store.GetDownloadToken(ctx, token)
	if err != nil {
		return "", err
	}
	if t.Expired(p.now()) {
		return "", ErrTokenExpired
	}
	if t.PackingState == models.PackingReady && exists(t.FilePath) {
		return AlreadyReady, nil
	}
	if !t.IsFolder {
		return "", fmt.Errorf("%w: %s", ErrArchiveMissing, t.ArchivePath)
	}

	from := []models.PackingState{models.PackingIdle, models.PackingFailed}
	if t.PackingState == models.PackingReady {
		// generated file was removed out from under the token
		from = append(from, models.PackingReady)
	}
	ok, err := p.store.TransitionPackingState(ctx, token, from, models.PackingInProgress)
	if err != nil {
		return "", fmt.Errorf("transition packing state: %w", err)
	}
	if !ok {
		p.metrics.RecordPack("rejected")
		return RejectedDuplicate, nil
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pack(t)
	}()
	return NowPacking, nil
}

func (p *Packer) pack(t *models.DownloadToken) {
	logger := p.logger.With().Str("token", t.Token).Str("stack", t.StackName).Logger()
	logger.Info().Str("src", t.ArchivePath).Msg("packing download")

	packCtx, cancelPack := context.WithTimeout(context.Background(), p.opts.PackTimeout)
	dest := filepath.Join(p.opts.Dir, t.Token+".tar.gz")
	files, err := writeTarGz(packCtx, t.ArchivePath, dest)
	cancelPack()

	// The outcome is recorded even when the pack ran out of time.
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	state, result := models.PackingReady, "ready"
	if err != nil {
		logger.Error().Err(err).Msg("packing failed")
		state, result, dest = models.PackingFailed, "failed", ""
	} else {
		logger.Info().Int("files", files).Str("dest", dest).Msg("download packed")
	}

	if err := p.store.CompletePacking(ctx, t.Token, state, dest); err != nil {
		logger.Error().Err(err).Msg("failed to record packing outcome")
	}
	p.metrics.RecordPack(result)
	p.notify(ctx, t.Token, err)
}

// notify re-reads the token so targets added while packing are included.
func (p *Packer) notify(ctx context.Context, token string, packErr error) {
	if p.notifier == nil {
		return
	}
	t, err := p.store.GetDownloadToken(ctx, token)
	if err != nil || len(t.NotifyTargets) == 0 {
		return
	}

	msg := notifications.Message{
		Event:      notifications.EventDownloadReady,
		Title:      fmt.Sprintf("Download ready: %s", t.StackName),
		Body:       fmt.Sprintf("The archive of %s is ready until %s.", t.StackName, t.ExpiresAt.Format(time.RFC1123)),
		Link:       p.Link(t.Token),
		Recipients: t.NotifyTargets,
		Timestamp:  p.now(),
	}
	if packErr != nil {
		msg.Event = notifications.EventDownloadError
		msg.Title = fmt.Sprintf("Download failed: %s", t.StackName)
		msg.Body = packErr.Error()
		msg.Failure = true
		msg.Link = ""
	}
	if err := p.notifier.Send(ctx, msg); err != nil {
		p.logger.Warn().Err(err).Str("token", token).Msg("download notification failed")
	}
}

// Link returns the public URL of a token.
func (p *Packer) Link(token string) string {
	return strings.TrimRight(p.opts.BaseURL, "/") + "/download/" + token
}

// Fetch returns a servable token. A missing artifact is packed when
// auto-generation on access is enabled, in which case ErrPackingConflict
// tells the caller to retry later.
func (p *Packer) Fetch(ctx context.Context, token string) (*models.DownloadToken, error) {
	t, err := p.store.GetDownloadToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if t.Expired(p.now()) {
		return nil, ErrTokenExpired
	}

	switch {
	case t.PackingState == models.PackingReady && exists(t.FilePath):
		if err := p.store.IncrementDownloads(ctx, token); err != nil {
			p.logger.Warn().Err(err).Str("token", token).Msg("failed to count download")
		}
		return t, nil
	case t.PackingState == models.PackingInProgress:
		return nil, ErrPackingConflict
	case !t.IsFolder:
		return nil, fmt.Errorf("%w: %s", ErrArchiveMissing, t.FilePath)
	case !p.opts.AutoGenerateOnAccess:
		return nil, ErrNotReady
	}

	if _, err := p.RequestPack(ctx, token); err != nil {
		return nil, err
	}
	return nil, ErrPackingConflict
}

// ResumePending restarts packing for unexpired folder tokens that are not
// ready. Tokens left in packing by a previous process are reset first.
func (p *Packer) ResumePending(ctx context.Context) (int, error) {
	pending, err := p.store.ListPendingDownloadTokens(ctx, p.now())
	if err != nil {
		return 0, fmt.Errorf("list pending downloads: %w", err)
	}

	started := 0
	for _, t := range pending {
		if t.PackingState == models.PackingInProgress {
			if _, err := p.store.TransitionPackingState(ctx, t.Token,
				[]models.PackingState{models.PackingInProgress}, models.PackingIdle); err != nil {
				p.logger.Warn().Err(err).Str("token", t.Token).Msg("failed to reset stale pack")
				continue
			}
		}
		res, err := p.RequestPack(ctx, t.Token)
		if err != nil {
			p.logger.Warn().Err(err).Str("token", t.Token).Msg("failed to resume pack")
			continue
		}
		if res == NowPacking {
			started++
		}
	}
	if started > 0 {
		p.logger.Info().Int("count", started).Msg("resumed pending downloads")
	}
	return started, nil
}

// SweepExpired deletes expired tokens and the files packed for them.
func (p *Packer) SweepExpired(ctx context.Context) (int, error) {
	expired, err := p.store.DeleteExpiredDownloadTokens(ctx, p.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired downloads: %w", err)
	}
	for _, t := range expired {
		if t.IsFolder && t.FilePath != "" && within(t.FilePath, p.opts.Dir) {
			if err := os.Remove(t.FilePath); err != nil && !os.IsNotExist(err) {
				p.logger.Warn().Err(err).Str("path", t.FilePath).Msg("failed to remove packed download")
			}
		}
	}
	if len(expired) > 0 {
		p.logger.Info().Int("count", len(expired)).Msg("expired download tokens removed")
	}
	return len(expired), nil
}

// Wait blocks until in-flight packs finish or ctx is done.
func (p *Packer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeTarGz(ctx context.Context, src, dest string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("create downloads directory: %w", err)
	}
	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create download file: %w", err)
	}
	defer os.Remove(tmp)
	defer f.Close()

	gz := gzip.NewWriter(f)
	n, err := archive.WriteTar(ctx, gz, src)
	if err != nil {
		return n, err
	}
	if err := gz.Close(); err != nil {
		return n, fmt.Errorf("close gzip: %w", err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close download file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return n, fmt.Errorf("finalize download file: %w", err)
	}
	return n, nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func within(path, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
