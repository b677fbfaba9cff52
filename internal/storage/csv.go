// Package storage reads the input target batch and appends outcome records
// to the run's CSV collections.
package storage

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/IliaW/front-page-snapshot-worker/internal/model"
)

const (
	InputFile            = "input_urls.csv"
	GoodResponseFile     = "good_response_urls.csv"
	BadResponseFile      = "bad_response_urls.csv"
	OutputFile           = "output_urls.csv"
	ScreenshotFailedFile = "screenshot_failed_urls.csv"
)

var recordHeader = []string{"gnis", "url", "place_name", "response_status",
	"screenshot_path", "s3_link", "error"}

type CsvStore struct {
	cfg *config.CsvConfig
	log *slog.Logger
}

func NewCsvStore(cfg *config.CsvConfig, log *slog.Logger) *CsvStore {
	return &CsvStore{cfg: cfg, log: log}
}

// LoadTargets reads the input batch. Columns are located by header name, so
// column order does not matter. Rows without a url are skipped with a
// warning; missing gnis or place_name values are synthesized.
func (s *CsvStore) LoadTargets() ([]model.Target, error) {
	path := filepath.Join(s.cfg.InputDir, InputFile)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read input file %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	columns := columnIndex(rows[0])
	targets := make([]model.Target, 0, len(rows)-1)
	for i, row := range rows[1:] {
		target := model.Target{
			GNIS:      cell(row, column(columns, "gnis")),
			URL:       cell(row, column(columns, "url")),
			PlaceName: cell(row, column(columns, "place_name")),
		}
		if target.URL == "" {
			s.log.Warn("skipping input row without url.", slog.Int("row", i+2))
			continue
		}
		target.Normalize()
		targets = append(targets, target)
	}
	s.log.Info("input batch loaded.", slog.Int("targets", len(targets)),
		slog.String("file", path))

	return targets, nil
}

// ProcessedGNIS returns the fingerprints already recorded by earlier runs:
// capture successes plus dead targets. Missing output files mean a first run
// and yield an empty set.
func (s *CsvStore) ProcessedGNIS() map[string]struct{} {
	processed := make(map[string]struct{})
	for _, name := range []string{OutputFile, BadResponseFile} {
		s.collectGNIS(filepath.Join(s.cfg.OutputDir, name), processed)
	}
	return processed
}

func (s *CsvStore) collectGNIS(path string, into map[string]struct{}) {
	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to open outcome file.", slog.String("path", path),
				slog.String("err", err.Error()))
		}
		return
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil || len(rows) == 0 {
		return
	}
	idx, ok := columnIndex(rows[0])["gnis"]
	if !ok {
		return
	}
	for _, row := range rows[1:] {
		if gnis := cell(row, idx); gnis != "" {
			into[gnis] = struct{}{}
		}
	}
}

// AppendRecords appends records to the named outcome collection, writing the
// header only when the file is created. Appending to an existing file keeps
// earlier runs' rows, so duplicates across runs are possible and flagged.
func (s *CsvStore) AppendRecords(name string, records []*model.OutcomeRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	path := filepath.Join(s.cfg.OutputDir, name)
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if exists {
		s.log.Warn("appending to existing outcome file.", slog.String("path", path))
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open outcome file %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if !exists {
		if err = writer.Write(recordHeader); err != nil {
			return fmt.Errorf("failed to write header to %s: %w", path, err)
		}
	}
	for _, record := range records {
		status := ""
		if record.StatusCode != 0 {
			status = strconv.Itoa(record.StatusCode)
		}
		row := []string{record.GNIS, record.URL, record.PlaceName, status,
			record.ScreenshotPath, record.RemoteLink, record.Error}
		if err = writer.Write(row); err != nil {
			return fmt.Errorf("failed to write record to %s: %w", path, err)
		}
	}
	writer.Flush()
	if err = writer.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	s.log.Info("outcome records written.", slog.String("file", name),
		slog.Int("records", len(records)))

	return nil
}

func columnIndex(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return columns
}

func column(columns map[string]int, name string) int {
	if idx, ok := columns[name]; ok {
		return idx
	}
	return -1
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
