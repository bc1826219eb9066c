package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfeltner/polysim/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedObject struct {
	data        []byte
	contentType string
	multipart   bool
}

type fakeBlobWriter struct {
	mu      sync.Mutex
	objects map[string]capturedObject
	err     error
}

func newFakeBlobWriter() *fakeBlobWriter {
	return &fakeBlobWriter{objects: make(map[string]capturedObject)}
}

func (w *fakeBlobWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	return w.store(path, data, contentType, false)
}

func (w *fakeBlobWriter) PutMultipart(_ context.Context, path string, data io.Reader, contentType string, _ int64) error {
	return w.store(path, data, contentType, true)
}

func (w *fakeBlobWriter) store(path string, data io.Reader, contentType string, multipart bool) error {
	if w.err != nil {
		return w.err
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objects[path] = capturedObject{data: buf, contentType: contentType, multipart: multipart}
	return nil
}

func (w *fakeBlobWriter) object(t *testing.T, path string) capturedObject {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	obj, ok := w.objects[path]
	require.True(t, ok, "no object stored at %s", path)
	return obj
}

type fakeJournal struct {
	recs []domain.TradeRecord
}

func (j *fakeJournal) Append(context.Context, domain.TradeRecord) error { return nil }

func (j *fakeJournal) AppendBatch(context.Context, []domain.TradeRecord) error { return nil }

func (j *fakeJournal) ListByRun(_ context.Context, runID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	var matched []domain.TradeRecord
	for _, rec := range j.recs {
		if rec.RunID == runID {
			matched = append(matched, rec)
		}
	}
	if opts.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[opts.Offset:]
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

func (j *fakeJournal) CountByRun(_ context.Context, runID string) (int64, error) {
	var n int64
	for _, rec := range j.recs {
		if rec.RunID == runID {
			n++
		}
	}
	return n, nil
}

func TestExportWritesReportDocument(t *testing.T) {
	writer := newFakeBlobWriter()
	exp := NewExporter(writer, nil, discardLogger())

	started := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	path, err := exp.Export(context.Background(), domain.SessionReport{
		RunID:      "paper-ab12cd34",
		Mode:       "paper",
		StartedAt:  started,
		FinishedAt: started.Add(15 * time.Minute),
		StartCash:  1000,
		FinalCash:  1012.40,
		Trades:     18,
		Stats:      domain.SlippageStats{Fills: 14, Rejections: 4, AvgSlippagePct: 0.8},
		Positions: []domain.PositionSnapshot{
			{
				Position: domain.Position{MarketID: "btc-15m", QtyUp: 20, CostUp: 9.4},
				Cash:     1012.40,
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "reports/paper/paper-ab12cd34.json", path)

	obj := writer.object(t, path)
	assert.Equal(t, "application/json", obj.contentType)
	assert.False(t, obj.multipart)

	var doc struct {
		RunID     string  `json:"run_id"`
		Mode      string  `json:"mode"`
		FinalCash float64 `json:"final_cash"`
		Trades    int64   `json:"trades"`
		Stats     struct {
			Fills int64 `json:"fills"`
		} `json:"stats"`
		Positions []struct {
			MarketID string  `json:"market_id"`
			QtyUp    float64 `json:"qty_up"`
		} `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(obj.data, &doc))
	assert.Equal(t, "paper-ab12cd34", doc.RunID)
	assert.Equal(t, "paper", doc.Mode)
	assert.InDelta(t, 1012.40, doc.FinalCash, 1e-9)
	assert.Equal(t, int64(18), doc.Trades)
	assert.Equal(t, int64(14), doc.Stats.Fills)
	require.Len(t, doc.Positions, 1)
	assert.Equal(t, "btc-15m", doc.Positions[0].MarketID)
	assert.InDelta(t, 20.0, doc.Positions[0].QtyUp, 1e-9)
}

func TestExportScenarioUsesReplayPrefix(t *testing.T) {
	writer := newFakeBlobWriter()
	exp := NewExporter(writer, nil, discardLogger())

	path, err := exp.ExportScenario(context.Background(), "calm-1a2b3c4d", map[string]any{
		"scenario": "calm",
		"fills":    12,
	})
	require.NoError(t, err)
	assert.Equal(t, "reports/replay/calm-1a2b3c4d.json", path)

	obj := writer.object(t, path)
	assert.Contains(t, string(obj.data), `"scenario": "calm"`)
}

func TestExportJournalDumpsRunInExecutionOrder(t *testing.T) {
	base := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	journal := &fakeJournal{}
	// ListByRun returns newest first, so seed in reverse chronological order.
	for i := 2; i >= 0; i-- {
		journal.recs = append(journal.recs, domain.TradeRecord{
			ID:        fmt.Sprintf("rec-%d", i),
			RunID:     "run-1",
			MarketID:  "btc-15m",
			Side:      domain.SideUp,
			Action:    domain.TradeActionBuy,
			FilledQty: float64(i + 1),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	journal.recs = append(journal.recs, domain.TradeRecord{ID: "other", RunID: "run-2"})

	writer := newFakeBlobWriter()
	exp := NewExporter(writer, journal, discardLogger())

	path, count, err := exp.ExportJournal(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "journals/run-1.jsonl", path)
	assert.Equal(t, 3, count)

	obj := writer.object(t, path)
	assert.Equal(t, "application/x-ndjson", obj.contentType)
	assert.True(t, obj.multipart)

	lines := strings.Split(strings.TrimSpace(string(obj.data)), "\n")
	require.Len(t, lines, 3)
	for i, line := range lines {
		var doc struct {
			ID    string `json:"id"`
			RunID string `json:"run_id"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &doc))
		assert.Equal(t, fmt.Sprintf("rec-%d", i), doc.ID)
		assert.Equal(t, "run-1", doc.RunID)
	}
}

func TestExportJournalPagesThroughLongRuns(t *testing.T) {
	journal := &fakeJournal{}
	total := journalPageSize + 37
	for i := 0; i < total; i++ {
		journal.recs = append(journal.recs, domain.TradeRecord{
			ID:    fmt.Sprintf("rec-%d", i),
			RunID: "run-long",
		})
	}

	writer := newFakeBlobWriter()
	exp := NewExporter(writer, journal, discardLogger())

	_, count, err := exp.ExportJournal(context.Background(), "run-long")
	require.NoError(t, err)
	assert.Equal(t, total, count)

	obj := writer.object(t, "journals/run-long.jsonl")
	assert.Equal(t, total, bytes.Count(obj.data, []byte("\n")))
}

func TestExportJournalRequiresJournal(t *testing.T) {
	exp := NewExporter(newFakeBlobWriter(), nil, discardLogger())

	_, _, err := exp.ExportJournal(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no journal configured")
}
