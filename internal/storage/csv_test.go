package storage

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/IliaW/front-page-snapshot-worker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestStore(t *testing.T) *CsvStore {
	t.Helper()
	return NewCsvStore(&config.CsvConfig{InputDir: t.TempDir(), OutputDir: t.TempDir()}, testLogger())
}

func writeInput(t *testing.T, store *CsvStore, content string) {
	t.Helper()
	path := filepath.Join(store.cfg.InputDir, InputFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadTargetsMapsColumnsByHeader(t *testing.T) {
	store := newTestStore(t)
	writeInput(t, store, "url,place_name,gnis\n"+
		"https://www.springfield.gov,Springfield,12345\n"+
		"https://www.shelbyville.gov,,\n")

	targets, err := store.LoadTargets()
	require.NoError(t, err)
	require.Len(t, targets, 2)

	assert.Equal(t, "12345", targets[0].GNIS)
	assert.Equal(t, "Springfield", targets[0].PlaceName)

	// missing gnis and place_name are synthesized, not left empty
	assert.Equal(t, "www.shelbyville.gov", targets[1].PlaceName)
	assert.Len(t, targets[1].GNIS, 64)
}

func TestLoadTargetsSkipsRowsWithoutUrl(t *testing.T) {
	store := newTestStore(t)
	writeInput(t, store, "gnis,url,place_name\n"+
		"1,,no url here\n"+
		"2,https://www.springfield.gov,Springfield\n")

	targets, err := store.LoadTargets()
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "2", targets[0].GNIS)
}

func TestLoadTargetsMissingFileIsError(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadTargets()
	assert.Error(t, err)
}

func TestAppendRecordsWritesHeaderOnceAcrossRuns(t *testing.T) {
	store := newTestStore(t)
	first := &model.OutcomeRecord{GNIS: "1", URL: "https://a.gov", PlaceName: "a",
		StatusCode: 200, Error: model.NoError}
	second := &model.OutcomeRecord{GNIS: "2", URL: "https://b.gov", PlaceName: "b",
		StatusCode: 404, Error: "not found"}

	require.NoError(t, store.AppendRecords(GoodResponseFile, []*model.OutcomeRecord{first}))
	require.NoError(t, store.AppendRecords(GoodResponseFile, []*model.OutcomeRecord{second}))

	content, err := os.ReadFile(filepath.Join(store.cfg.OutputDir, GoodResponseFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(recordHeader, ","), lines[0])
	assert.Contains(t, lines[1], "https://a.gov")
	assert.Contains(t, lines[2], "not found")
}

func TestAppendRecordsEmptyBatchIsNoop(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AppendRecords(OutputFile, nil))
	_, err := os.Stat(filepath.Join(store.cfg.OutputDir, OutputFile))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessedGNISUnionsOutputAndBadResponse(t *testing.T) {
	store := newTestStore(t)
	captured := &model.OutcomeRecord{GNIS: "111", URL: "https://a.gov", PlaceName: "a",
		ScreenshotPath: "/tmp/a.jpeg", Error: model.NoError}
	dead := &model.OutcomeRecord{GNIS: "222", URL: "https://b.gov", PlaceName: "b",
		StatusCode: 500, Error: "server error"}
	require.NoError(t, store.AppendRecords(OutputFile, []*model.OutcomeRecord{captured}))
	require.NoError(t, store.AppendRecords(BadResponseFile, []*model.OutcomeRecord{dead}))

	processed := store.ProcessedGNIS()

	assert.Len(t, processed, 2)
	assert.Contains(t, processed, "111")
	assert.Contains(t, processed, "222")
}

func TestProcessedGNISMissingFilesYieldEmptySet(t *testing.T) {
	store := newTestStore(t)

	assert.Empty(t, store.ProcessedGNIS())
}
