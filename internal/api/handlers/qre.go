package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/x12/qre"
)

// maxTransactionBytes caps an uploaded X12 transaction.
const maxTransactionBytes = 5 << 20

// QREHandler analyzes raw X12 278 transactions.
type QREHandler struct {
	analyzer *qre.Analyzer
	logger   *zap.Logger
}

// NewQREHandler creates the handler.
func NewQREHandler(analyzer *qre.Analyzer, logger *zap.Logger) *QREHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QREHandler{analyzer: analyzer, logger: logger}
}

// Analyze handles POST /qre/analyze. The body is the raw transaction; the
// optional "name" query parameter labels the report.
func (h *QREHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "request"
	}

	report := h.analyzer.Analyze(name, http.MaxBytesReader(w, r.Body, maxTransactionBytes))
	h.logger.Info("qre analysis",
		zap.String("name", name),
		zap.Bool("valid", report.IsValid),
		zap.Int("errors", report.ErrorCount),
		zap.Int("warnings", report.WarningCount))

	writeJSON(w, http.StatusOK, report)
}
