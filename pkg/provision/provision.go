package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/jtracker-io/jt-cli/pkg/log"
	"github.com/jtracker-io/jt-cli/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	// DownloadingSuffix marks a download in progress (or a dead downloader)
	DownloadingSuffix = ".__downloading__"

	// ReadySuffix marks a complete, usable file
	ReadySuffix = ".__ready__"

	// StaleInfix names a sentinel moved aside by the worker taking over
	StaleInfix = ".stale."

	// DefaultPollInterval is how often a waiting worker samples the file size
	DefaultPollInterval = 30 * time.Second

	// DefaultStallSamples is the number of consecutive unchanged samples
	// after which a download is considered dead (6 x 30s = 180s)
	DefaultStallSamples = 6
)

// ErrDownloadInProgress is returned when another worker created the
// downloading sentinel between our check and our exclusive create
var ErrDownloadInProgress = errors.New("download already in progress")

var tombstoneSeq atomic.Uint64

// Provisioner stages remote files onto node-local paths. Workers on the same
// node coordinate through sentinel files next to the target path only, so
// independent processes never download the same path at the same time.
type Provisioner struct {
	Client       *http.Client
	PollInterval time.Duration
	StallSamples int

	logger zerolog.Logger
}

// NewProvisioner creates a provisioner with the default stall policy
func NewProvisioner() *Provisioner {
	return &Provisioner{
		Client:       &http.Client{},
		PollInterval: DefaultPollInterval,
		StallSamples: DefaultStallSamples,
		logger:       log.WithComponent("provision"),
	}
}

// DownloadingPath returns the downloading sentinel for localPath
func DownloadingPath(localPath string) string {
	return localPath + DownloadingSuffix
}

// ReadyPath returns the ready sentinel for localPath
func ReadyPath(localPath string) string {
	return localPath + ReadySuffix
}

// Ready reports whether localPath and its ready sentinel both exist
func Ready(localPath string) bool {
	return exists(localPath) && exists(ReadyPath(localPath))
}

// Provision makes localPath a complete copy of remoteURL. It returns true
// when the file is present and marked ready. Download failures remove the
// partial file and the sentinel and are returned as errors.
func (p *Provisioner) Provision(ctx context.Context, localPath, remoteURL string) (bool, error) {
	logger := p.logger.With().Str("local_path", localPath).Str("url", remoteURL).Logger()

	for {
		watched, err := os.Stat(DownloadingPath(localPath))
		if err != nil {
			break
		}
		logger.Info().Msg("Another worker is downloading, waiting")

		timer := metrics.NewTimer()
		res, err := p.waitForDownload(ctx, localPath, watched)
		timer.ObserveDuration(metrics.DownloadWaitSeconds)
		if err != nil {
			return false, err
		}

		if res == waitRetry {
			continue
		}
		if res == waitFinished && Ready(localPath) {
			metrics.DownloadsTotal.WithLabelValues(metrics.ResultWaited).Inc()
			logger.Info().Msg("File provisioned by another worker")
			return true, nil
		}
		// the other download died or failed: try ourselves
		break
	}

	if Ready(localPath) {
		metrics.DownloadsTotal.WithLabelValues(metrics.ResultCached).Inc()
		logger.Debug().Msg("File already provisioned")
		return true, nil
	}

	if err := p.acquire(localPath); err != nil {
		metrics.DownloadsTotal.WithLabelValues(metrics.ResultError).Inc()
		return false, err
	}

	logger.Info().Msg("Downloading input file")
	n, err := p.download(ctx, localPath, remoteURL)
	if err != nil {
		p.abort(localPath)
		metrics.DownloadsTotal.WithLabelValues(metrics.ResultError).Inc()
		return false, err
	}
	metrics.DownloadBytesTotal.Add(float64(n))

	if err := os.Rename(DownloadingPath(localPath), ReadyPath(localPath)); err != nil {
		p.abort(localPath)
		metrics.DownloadsTotal.WithLabelValues(metrics.ResultError).Inc()
		return false, fmt.Errorf("failed to mark %s ready: %w", localPath, err)
	}

	metrics.DownloadsTotal.WithLabelValues(metrics.ResultDownloaded).Inc()
	logger.Info().Int64("bytes", n).Msg("Download finished")

	return Ready(localPath), nil
}

type waitResult int

const (
	waitFinished  waitResult = iota // the sentinel went away on its own
	waitTakenOver                   // we moved a stalled sentinel aside
	waitRetry                       // the sentinel now belongs to another downloader
)

// waitForDownload blocks while the downloading sentinel watched exists. The
// size of localPath is sampled every PollInterval; after StallSamples
// unchanged samples the sentinel is taken over.
func (p *Provisioner) waitForDownload(ctx context.Context, localPath string, watched os.FileInfo) (waitResult, error) {
	sentinel := DownloadingPath(localPath)
	last := fileSize(localPath)
	unchanged := 0

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return waitFinished, ctx.Err()
		case <-ticker.C:
		}

		current, err := os.Stat(sentinel)
		if err != nil {
			return waitFinished, nil
		}
		if !os.SameFile(current, watched) {
			return waitRetry, nil
		}

		size := fileSize(localPath)
		if size == last {
			unchanged++
		} else {
			unchanged = 0
			last = size
		}

		if unchanged >= p.StallSamples {
			p.logger.Warn().
				Str("local_path", localPath).
				Int64("size", size).
				Dur("stalled_for", time.Duration(unchanged)*p.PollInterval).
				Msg("Download stalled, taking over")

			taken, err := p.takeOver(localPath, watched)
			if err != nil {
				return waitFinished, err
			}
			if !taken {
				return waitRetry, nil
			}
			metrics.StaleDownloadsRecovered.Inc()
			return waitTakenOver, nil
		}
	}
}

// takeOver moves the stalled sentinel to a tombstone name of our own. Of
// several workers that found the same sentinel stalled only one rename
// succeeds. A worker that moved a newer sentinel than the one it watched puts
// it back and reports false.
func (p *Provisioner) takeOver(localPath string, stalled os.FileInfo) (bool, error) {
	sentinel := DownloadingPath(localPath)
	tombstone := fmt.Sprintf("%s%s%d.%d", sentinel, StaleInfix, os.Getpid(), tombstoneSeq.Add(1))

	if err := os.Rename(sentinel, tombstone); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to move stale sentinel: %w", err)
	}

	moved, err := os.Stat(tombstone)
	if err != nil {
		return false, fmt.Errorf("failed to inspect stale sentinel: %w", err)
	}

	if !os.SameFile(moved, stalled) {
		// link never replaces a sentinel created in the meantime
		if err := os.Link(tombstone, sentinel); err != nil {
			p.logger.Warn().Err(err).Str("local_path", localPath).Msg("Failed to restore downloading sentinel")
		}
		p.removeTombstone(tombstone)
		return false, nil
	}

	p.removeTombstone(tombstone)
	return true, nil
}

func (p *Provisioner) removeTombstone(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove stale sentinel")
	}
}

// acquire makes this process the downloader of localPath. The exclusive
// create of the sentinel is the only mutual exclusion point.
func (p *Provisioner) acquire(localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", localPath, err)
	}

	f, err := os.OpenFile(DownloadingPath(localPath), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDownloadInProgress, localPath)
		}
		return fmt.Errorf("failed to create downloading sentinel: %w", err)
	}

	host, _ := os.Hostname()
	fmt.Fprintf(f, "pid=%d host=%s started=%s\n", os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write downloading sentinel: %w", err)
	}

	if err := os.Remove(ReadyPath(localPath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stale ready marker: %w", err)
	}

	return nil
}

func (p *Provisioner) download(ctx context.Context, localPath, remoteURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request for %s: %w", remoteURL, err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", remoteURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return 0, fmt.Errorf("failed to download %s: unexpected status %d", remoteURL, resp.StatusCode)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", localPath, err)
	}

	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to download %s: %w", remoteURL, err)
	}

	return n, nil
}

// abort removes the partial file and the downloading sentinel
func (p *Provisioner) abort(localPath string) {
	for _, path := range []string{localPath, DownloadingPath(localPath)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn().Err(err).Str("path", path).Msg("Failed to clean up after download error")
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
