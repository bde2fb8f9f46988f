package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordAndExpose(t *testing.T) {
	m := New()
	m.RecordIngest("success", 4, 2*time.Second)
	m.RecordIngest("failed", 0, time.Second)
	m.RecordQuery("query", "success", "done")
	m.RecordWebFallback("timeout")
	m.UpdateIndexStats(10, 2, 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `pdfrag_ingest_total{outcome="success"} 1`)
	assert.Contains(t, body, "pdfrag_ingest_chunks_total 4")
	assert.Contains(t, body, `pdfrag_query_total{kind="query",outcome="success",stage="done"} 1`)
	assert.Contains(t, body, `pdfrag_web_search_fallbacks_total{reason="timeout"} 1`)
	assert.Contains(t, body, `pdfrag_index_vectors{state="tombstone"} 2`)
	assert.Contains(t, body, "pdfrag_documents 3")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordIngest("success", 1, time.Second)
		m.RecordQuery("query", "failed", "embedding")
		m.ObserveStage("retrieving", time.Millisecond)
		m.RecordWebFallback("error")
		m.UpdateIndexStats(1, 0, 1)
	})
}

func TestNew_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = New()
		_ = New()
	})
}
