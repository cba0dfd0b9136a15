package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/local-history-storage/content"
	"github.com/ruteri/local-history-storage/interfaces"
)

// ErrInvalidLocationURI is returned when a backend location URI is malformed or unsupported.
// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
var ErrInvalidLocationURI = errors.New("invalid backend location URI")

// Backend stores exported contents keyed by their local history id.
type Backend interface {
	// Fetch retrieves the exported data for id.
	Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error)

	// Store saves data under id.
	Store(ctx context.Context, id interfaces.ContentID, data []byte) error

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// Report summarizes an export run.
type Report struct {
	Exported int
	// Skipped counts contents that were unavailable, purged or never persisted.
	Skipped int
	Failed  int
}

// Exporter copies local history contents to a backend.
type Exporter struct {
	backend Backend
	log     *slog.Logger
}

// NewExporter creates an exporter writing to backend.
func NewExporter(backend Backend, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{backend: backend, log: log}
}

// Export copies every available content. Contents that cannot be loaded are
// skipped; backend failures are counted and returned joined.
func (e *Exporter) Export(ctx context.Context, contents []content.Content) (Report, error) {
	start := time.Now()
	var report Report
	var errs []error

	if !e.backend.Available(ctx) {
		return report, fmt.Errorf("backend %s unavailable", e.backend.Name())
	}

	for _, c := range contents {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if c.ID() < 0 {
			report.Skipped++
			continue
		}

		data, err := c.Bytes()
		if err != nil {
			e.log.Debug("Skipping unavailable content",
				slog.String("content_id", c.ID().String()),
				"err", err)
			report.Skipped++
			continue
		}

		if err := e.backend.Store(ctx, c.ID(), data); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", c.ID(), err))
			continue
		}
		report.Exported++
	}

	e.log.Info("Export finished",
		slog.String("backend_name", e.backend.Name()),
		slog.Int("exported", report.Exported),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", time.Since(start)))

	return report, errors.Join(errs...)
}
