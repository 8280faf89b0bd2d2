package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/marketplace/internal/events"
)

func TestInstrumentHandlerUsesRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(InstrumentHandler)
	router.HandleFunc("/v1/ledger/{identity}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/ledger/{identity}", "418"))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ledger/NAbc", nil))
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/ledger/{identity}", "418"))

	assert.Equal(t, before+1, after)
}

func TestRecordEvent(t *testing.T) {
	buy := events.NewEvent(events.CategoryTransaction, "BuyProduct").Succeeded().Metadata("payment", "20").Build()
	failed := events.NewEvent(events.CategoryTransaction, "BuyProduct").Failed("insufficient_stock").Build()

	okBefore := testutil.ToFloat64(operations.WithLabelValues("BuyProduct", "success"))
	failBefore := testutil.ToFloat64(operations.WithLabelValues("BuyProduct", "insufficient_stock"))
	valueBefore := testutil.ToFloat64(transactionValue.WithLabelValues("BuyProduct"))

	RecordEvent(buy)
	RecordEvent(failed)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(operations.WithLabelValues("BuyProduct", "success")))
	assert.Equal(t, failBefore+1, testutil.ToFloat64(operations.WithLabelValues("BuyProduct", "insufficient_stock")))
	assert.Equal(t, valueBefore+20, testutil.ToFloat64(transactionValue.WithLabelValues("BuyProduct")))
}

func TestAuditAndEscrow(t *testing.T) {
	SetEscrow(42)
	assert.Equal(t, float64(42), testutil.ToFloat64(escrowBalance))

	before := testutil.ToFloat64(auditViolations.WithLabelValues("escrow"))
	RecordAuditRun([]string{"escrow"})
	assert.Equal(t, before+1, testutil.ToFloat64(auditViolations.WithLabelValues("escrow")))
}

func TestHandlerServesRegistry(t *testing.T) {
	RecordJournalError()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "marketplace_journal_errors_total"))
}

func TestCanonicalPath(t *testing.T) {
	assert.Equal(t, "/", canonicalPath("/"))
	assert.Equal(t, "/v1/storefronts", canonicalPath("/v1/storefronts/SF1/products"))
	assert.Equal(t, "/healthz", canonicalPath("/healthz"))
}
