// Package export renders the local routine collection as an iCalendar feed
// or an XLSX timetable.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/models"
	syncpkg "github.com/kimhsiao/routinesync/internal/sync"
)

// Format is an export file format.
type Format string

const (
	FormatICS  Format = "ics"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "ics" or "xlsx", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatICS:
		return FormatICS, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", apperrors.Newf(apperrors.ErrInvalid, "unknown export format %q (want ics or xlsx)", s)
	}
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

// Source provides the collection to export.
type Source interface {
	State() syncpkg.Snapshot
}

// ExportConfig holds export configuration.
type ExportConfig struct {
	OutputPath string
	Format     Format    // inferred from OutputPath when empty
	Anchor     time.Time // first week of the calendar; defaults to now
	Location   *time.Location
}

// ExportResult represents the result of an export operation.
type ExportResult struct {
	FilePath     string
	Format       Format
	SizeBytes    int64
	RoutineCount int
	SlotCount    int
	Duration     time.Duration
}

// ExportService exports the coordinator's current collection.
type ExportService struct {
	source Source
	now    func() time.Time
}

// NewExportService creates a new ExportService.
func NewExportService(source Source) *ExportService {
	return &ExportService{source: source, now: time.Now}
}

// Export writes the current collection to config.OutputPath. The file is
// written to a temporary sibling first and renamed into place.
func (s *ExportService) Export(ctx context.Context, config *ExportConfig) (*ExportResult, error) {
	startTime := s.now()

	if config == nil || config.OutputPath == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "export output path is required")
	}
	format := config.Format
	if format == "" {
		f, err := FormatFromPath(config.OutputPath)
		if err != nil {
			return nil, err
		}
		format = f
	}

	routines := s.source.State().Collection.Routines
	slots := 0
	for _, r := range routines {
		slots += len(r.Slots)
	}

	var buf bytes.Buffer
	if err := s.render(&buf, format, routines, config); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := writeAtomic(config.OutputPath, buf.Bytes()); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "failed to write export", err)
	}

	return &ExportResult{
		FilePath:     config.OutputPath,
		Format:       format,
		SizeBytes:    int64(buf.Len()),
		RoutineCount: len(routines),
		SlotCount:    slots,
		Duration:     s.now().Sub(startTime),
	}, nil
}

func (s *ExportService) render(w io.Writer, format Format, routines []models.Routine, config *ExportConfig) error {
	switch format {
	case FormatICS:
		anchor := config.Anchor
		if anchor.IsZero() {
			anchor = s.now()
		}
		return WriteICS(w, routines, ICSOptions{Anchor: anchor, Location: config.Location})
	case FormatXLSX:
		return WriteXLSX(w, routines)
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown export format %q", format)
	}
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
