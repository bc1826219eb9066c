package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

const (
	defaultReportLimit = 50
	maxReportLimit     = 200
)

// ArtifactSource reads the session archive.
type ArtifactSource interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
}

// ReportsHandler serves the index of exported session artifacts: session
// reports under reports/ and journal dumps under journals/.
type ReportsHandler struct {
	archive ArtifactSource
	logger  *slog.Logger
}

// NewReportsHandler creates a ReportsHandler over the archive.
func NewReportsHandler(archive ArtifactSource, logger *slog.Logger) *ReportsHandler {
	return &ReportsHandler{archive: archive, logger: logger}
}

type artifactDoc struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

type listReportsResponse struct {
	Artifacts []artifactDoc `json:"artifacts"`
	Count     int           `json:"count"`
}

// ListReports returns archived artifacts under the requested prefix,
// newest first. Prefixes outside reports/ and journals/ are rejected.
// GET /api/reports?prefix=reports/paper/&limit=50
func (h *ReportsHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = "reports/"
	}
	if !strings.HasPrefix(prefix, "reports/") && !strings.HasPrefix(prefix, "journals/") {
		writeError(w, http.StatusBadRequest, "prefix must start with reports/ or journals/")
		return
	}
	limit := parseLimit(r, defaultReportLimit, maxReportLimit)

	infos, err := h.archive.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list artifacts failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastModified.After(infos[j].LastModified)
	})
	if len(infos) > limit {
		infos = infos[:limit]
	}

	docs := make([]artifactDoc, 0, len(infos))
	for _, info := range infos {
		docs = append(docs, artifactDoc{
			Path:         info.Path,
			Size:         info.Size,
			LastModified: info.LastModified,
		})
	}
	writeJSON(w, http.StatusOK, listReportsResponse{Artifacts: docs, Count: len(docs)})
}

// GetReport streams one archived artifact. The key is the full object
// path from the index, so the same prefix guard applies.
// GET /api/reports/reports/paper/paper-ab12cd34.json
func (h *ReportsHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !strings.HasPrefix(key, "reports/") && !strings.HasPrefix(key, "journals/") {
		writeError(w, http.StatusBadRequest, "key must start with reports/ or journals/")
		return
	}

	body, err := h.archive.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get artifact failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read artifact")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", artifactContentType(key))
	if _, err := io.Copy(w, body); err != nil {
		h.logger.ErrorContext(r.Context(), "stream artifact failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

func artifactContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".jsonl"):
		return "application/x-ndjson"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
