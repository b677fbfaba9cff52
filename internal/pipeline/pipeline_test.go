package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/IliaW/front-page-snapshot-worker/internal/model"
	"github.com/IliaW/front-page-snapshot-worker/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeProber struct {
	down   map[string]bool
	probed atomic.Int64
}

func (f *fakeProber) Probe(target model.Target) *model.OutcomeRecord {
	f.probed.Add(1)
	record := model.NewOutcomeRecord(target)
	record.StatusCode = 200
	record.Classification = model.Up
	if f.down[target.URL] {
		record.StatusCode = 503
		record.Classification = model.Down
		record.Error = "unexpected status: 503 Service Unavailable"
	}
	return record
}

type fakeCapturer struct {
	fail        map[string]bool
	probedAtCap []int64 // probe counter observed when each capture started
	prober      *fakeProber
	mu          sync.Mutex
	captured    []string
}

func (f *fakeCapturer) Capture(_ context.Context, target model.Target) *model.OutcomeRecord {
	f.mu.Lock()
	f.probedAtCap = append(f.probedAtCap, f.prober.probed.Load())
	f.captured = append(f.captured, target.URL)
	f.mu.Unlock()

	record := model.NewOutcomeRecord(target)
	record.Classification = model.Success
	record.ScreenshotPath = "/tmp/" + target.GNIS + ".jpeg"
	if f.fail[target.URL] {
		record.Classification = model.Failure
		record.ScreenshotPath = ""
		record.Error = "navigation retries exhausted"
	}
	return record
}

type fakeStore struct {
	mu    sync.Mutex
	files map[string][]*model.OutcomeRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: make(map[string][]*model.OutcomeRecord)}
}

func (f *fakeStore) AppendRecords(name string, records []*model.OutcomeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = append(f.files[name], records...)
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	records []*model.OutcomeRecord
}

func (f *fakeSink) SaveOutcome(record *model.OutcomeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
}

func testConfig(probeCap, captureCap int) *config.Config {
	return &config.Config{
		ProbeSettings:      &config.ProbeConfig{MaxConcurrency: probeCap},
		ScreenshotSettings: &config.ScreenshotConfig{MaxConcurrency: captureCap},
	}
}

func targets(urls ...string) []model.Target {
	out := make([]model.Target, 0, len(urls))
	for _, url := range urls {
		target := model.Target{URL: url}
		target.Normalize()
		out = append(out, target)
	}
	return out
}

func TestNewRejectsBadConcurrencyCaps(t *testing.T) {
	_, err := New(testConfig(0, 5), &fakeProber{}, &fakeCapturer{}, newFakeStore(),
		nil, nil, testLogger())
	assert.Error(t, err)

	_, err = New(testConfig(5, 0), &fakeProber{}, &fakeCapturer{}, newFakeStore(),
		nil, nil, testLogger())
	assert.Error(t, err)
}

func TestRunPartitionsAndSkipsDownTargets(t *testing.T) {
	prober := &fakeProber{down: map[string]bool{"https://b.gov": true}}
	capturer := &fakeCapturer{prober: prober}
	store := newFakeStore()
	p, err := New(testConfig(1, 1), prober, capturer, store, nil, nil, testLogger())
	require.NoError(t, err)

	err = p.Run(context.Background(), targets("https://a.gov", "https://b.gov", "https://c.gov"))
	require.NoError(t, err)

	assert.Len(t, store.files[storage.GoodResponseFile], 2)
	assert.Len(t, store.files[storage.BadResponseFile], 1)
	assert.Len(t, store.files[storage.OutputFile], 2)
	assert.Empty(t, store.files[storage.ScreenshotFailedFile])

	// a down target never reaches the capture phase
	assert.NotContains(t, capturer.captured, "https://b.gov")
	assert.ElementsMatch(t, []string{"https://a.gov", "https://c.gov"}, capturer.captured)
}

func TestRunProbePhaseCompletesBeforeCaptureStarts(t *testing.T) {
	prober := &fakeProber{}
	capturer := &fakeCapturer{prober: prober}
	p, err := New(testConfig(3, 3), prober, capturer, newFakeStore(), nil, nil, testLogger())
	require.NoError(t, err)

	batch := targets("https://a.gov", "https://b.gov", "https://c.gov", "https://d.gov")
	require.NoError(t, p.Run(context.Background(), batch))

	require.Len(t, capturer.probedAtCap, len(batch))
	for _, probed := range capturer.probedAtCap {
		assert.Equal(t, int64(len(batch)), probed)
	}
}

func TestRunReturnsErrNothingToProcess(t *testing.T) {
	prober := &fakeProber{down: map[string]bool{"https://a.gov": true, "https://b.gov": true}}
	capturer := &fakeCapturer{prober: prober}
	store := newFakeStore()
	p, err := New(testConfig(2, 2), prober, capturer, store, nil, nil, testLogger())
	require.NoError(t, err)

	err = p.Run(context.Background(), targets("https://a.gov", "https://b.gov"))

	assert.ErrorIs(t, err, ErrNothingToProcess)
	assert.Empty(t, capturer.captured)
	// the down partition is still persisted before the early exit
	assert.Len(t, store.files[storage.BadResponseFile], 2)
}

func TestRunPartitionsCaptureFailures(t *testing.T) {
	prober := &fakeProber{}
	capturer := &fakeCapturer{prober: prober, fail: map[string]bool{"https://b.gov": true}}
	store := newFakeStore()
	p, err := New(testConfig(2, 2), prober, capturer, store, nil, nil, testLogger())
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background(), targets("https://a.gov", "https://b.gov")))

	require.Len(t, store.files[storage.OutputFile], 1)
	require.Len(t, store.files[storage.ScreenshotFailedFile], 1)
	assert.Equal(t, "https://b.gov", store.files[storage.ScreenshotFailedFile][0].URL)
	assert.Empty(t, store.files[storage.ScreenshotFailedFile][0].ScreenshotPath)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunReportsProgressForBothPhases(t *testing.T) {
	buf := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	prober := &fakeProber{}
	capturer := &fakeCapturer{prober: prober}
	p, err := New(testConfig(2, 2), prober, capturer, newFakeStore(), nil, nil, logger)
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background(), targets("https://a.gov", "https://b.gov")))

	// one progress line per probed target and one per captured target
	assert.Equal(t, 4, strings.Count(buf.String(), "msg=progress."))
}

func TestRunFansRecordsOutToChannelAndSinks(t *testing.T) {
	prober := &fakeProber{down: map[string]bool{"https://b.gov": true}}
	capturer := &fakeCapturer{prober: prober}
	sink := &fakeSink{}
	recordChan := make(chan *model.OutcomeRecord, 16)
	p, err := New(testConfig(2, 2), prober, capturer, newFakeStore(),
		recordChan, []OutcomeSink{sink}, testLogger())
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background(), targets("https://a.gov", "https://b.gov")))
	close(recordChan)

	// 2 probe records + 1 capture record
	var published int
	for range recordChan {
		published++
	}
	assert.Equal(t, 3, published)
	assert.Len(t, sink.records, 3)
}
