package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/metrics"
	"github.com/tradecore/tradecore/internal/store/colstore"
	"github.com/tradecore/tradecore/internal/store/postgres"
)

type fakeIngestor struct {
	ingested []string
	gaps     []postgres.DataGap
	repaired int
	err      error
}

func (f *fakeIngestor) Ingest(_ context.Context, pair, timeframe string, _, _ time.Time, _ int) (*postgres.IngestionJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.ingested = append(f.ingested, pair+"/"+timeframe)
	return &postgres.IngestionJob{ID: "job-1", Pair: pair, Timeframe: timeframe, Status: postgres.JobCompleted}, nil
}

func (f *fakeIngestor) DetectGaps(context.Context, string, string) ([]postgres.DataGap, error) {
	return f.gaps, f.err
}

func (f *fakeIngestor) RepairGaps(context.Context, string, string) (int, error) {
	return f.repaired, f.err
}

func (f *fakeIngestor) Prefetch(context.Context, []string, []string, int) error { return f.err }

type fakeSources struct {
	src *postgres.DataSource
}

func (f *fakeSources) Get(_ context.Context, pair, timeframe, _ string) (*postgres.DataSource, error) {
	if f.src == nil {
		return nil, postgres.ErrNotFound
	}
	return f.src, nil
}

type memBacktests struct {
	recs map[string]postgres.BacktestRecord
	seq  int
}

func (m *memBacktests) Insert(_ context.Context, rec postgres.BacktestRecord) (string, error) {
	if m.recs == nil {
		m.recs = map[string]postgres.BacktestRecord{}
	}
	m.seq++
	rec.ID = fmt.Sprintf("bt-%d", m.seq)
	rec.CreatedAt = time.Now()
	m.recs[rec.ID] = rec
	return rec.ID, nil
}

func (m *memBacktests) Get(_ context.Context, userID, id string) (*postgres.BacktestRecord, error) {
	rec, ok := m.recs[id]
	if !ok || (userID != "" && rec.UserID != userID) {
		return nil, postgres.ErrNotFound
	}
	return &rec, nil
}

func (m *memBacktests) List(_ context.Context, f postgres.BacktestFilter) ([]postgres.BacktestRecord, error) {
	out := []postgres.BacktestRecord{}
	for _, rec := range m.recs {
		if f.Type != "" && rec.Type != f.Type {
			continue
		}
		if f.StrategyType != "" && rec.StrategyType != f.StrategyType {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func storedCandles(t *testing.T, n int) (*colstore.Store, int64, int64) {
	t.Helper()
	store, err := colstore.New(t.TempDir())
	require.NoError(t, err)

	base := int64(1_700_000_000_000)
	candles := make([]market.Candle, n)
	for i := range candles {
		px := 100 + float64(i)*0.5
		candles[i] = market.Candle{
			Timestamp: base + int64(i)*3_600_000,
			Open:      px, High: px + 1, Low: px - 1, Close: px, Volume: 10,
		}
	}
	_, err = store.AppendCandles("BTC/USD", "1h", candles)
	require.NoError(t, err)
	return store, base, base + int64(n)*3_600_000
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Candles == nil {
		deps.Candles, _, _ = storedCandles(t, 120)
	}
	if deps.Ingestor == nil {
		deps.Ingestor = &fakeIngestor{}
	}
	if deps.Sources == nil {
		deps.Sources = &fakeSources{}
	}
	if deps.Exchange == "" {
		deps.Exchange = "kraken"
	}
	return NewServer(ServerConfig{}, deps)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Deps{})
	rr := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestBacktestRunPersistsAndReturnsResult(t *testing.T) {
	store, from, to := storedCandles(t, 120)
	bts := &memBacktests{}
	s := newTestServer(t, Deps{Candles: store, Backtests: bts, Metrics: metrics.New()})

	rr := doJSON(t, s, http.MethodPost, "/api/v1/backtest/run", map[string]any{
		"userId":       "u1",
		"pair":         "BTC/USD",
		"timeframe":    "1h",
		"from":         from,
		"to":           to,
		"strategyType": "momentum",
		"config":       map[string]any{"initial_balance": 10_000, "slippage_model": "none"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		ID     string `json:"id"`
		Result struct {
			Summary struct {
				InitialBalance float64 `json:"initial_balance"`
				FinalBalance   float64 `json:"final_balance"`
			} `json:"summary"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "bt-1", resp.ID)
	assert.Equal(t, 10_000.0, resp.Result.Summary.InitialBalance)

	rec := bts.recs["bt-1"]
	assert.Equal(t, postgres.BacktestTypeRun, rec.Type)
	assert.Equal(t, "momentum", rec.StrategyType)
	assert.Equal(t, "kraken", rec.Exchange)
	assert.NotEmpty(t, rec.Result)
}

func TestBacktestRunRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, Deps{})

	cases := []map[string]any{
		{"timeframe": "1h", "from": 1, "to": 2, "strategyType": "momentum"}, // no pair
		{"pair": "BTC/USD", "timeframe": "1h", "from": 2, "to": 1, "strategyType": "momentum"},
		{"pair": "BTC/USD", "timeframe": "1h", "from": 1, "to": 2, "strategyType": "astrology"},
	}
	for _, body := range cases {
		rr := doJSON(t, s, http.MethodPost, "/api/v1/backtest/run", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		assert.Contains(t, rr.Body.String(), "error")
	}
}

func TestBacktestRunWithoutDataIs422(t *testing.T) {
	s := newTestServer(t, Deps{})
	rr := doJSON(t, s, http.MethodPost, "/api/v1/backtest/run", map[string]any{
		"pair": "ETH/USD", "timeframe": "1h", "from": 1, "to": 2, "strategyType": "momentum",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestOptimizeEndpoint(t *testing.T) {
	store, from, to := storedCandles(t, 300)
	s := newTestServer(t, Deps{Candles: store, Backtests: &memBacktests{}})

	rr := doJSON(t, s, http.MethodPost, "/api/v1/backtest/optimize", map[string]any{
		"pair":         "BTC/USD",
		"timeframe":    "1h",
		"from":         from,
		"to":           to,
		"strategyType": "momentum",
		"paramGrid":    map[string]any{"trailingStopPct": []float64{0.01, 0.03}},
		"optimizer":    map[string]any{"metric": "totalReturn"},
		"config":       map[string]any{"initial_balance": 10_000},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		ID     string `json:"id"`
		Report struct {
			Splits []json.RawMessage `json:"splits"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Len(t, resp.Report.Splits, 3)
}

func TestBacktestListAndGet(t *testing.T) {
	bts := &memBacktests{}
	id, err := bts.Insert(context.Background(), postgres.BacktestRecord{
		UserID: "u1", Type: postgres.BacktestTypeRun, StrategyType: "momentum",
	})
	require.NoError(t, err)
	s := newTestServer(t, Deps{Backtests: bts})

	rr := doJSON(t, s, http.MethodGet, "/api/v1/backtest?strategyType=momentum", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), id)

	rr = doJSON(t, s, http.MethodGet, "/api/v1/backtest?strategyType=grid", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), id)

	rr = doJSON(t, s, http.MethodGet, "/api/v1/backtest/"+id+"?userId=u1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, s, http.MethodGet, "/api/v1/backtest/"+id+"?userId=other", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBacktestHistoryWithoutStoreIs501(t *testing.T) {
	s := newTestServer(t, Deps{})
	rr := doJSON(t, s, http.MethodGet, "/api/v1/backtest", nil)
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestIngestFansOutPairsAndTimeframes(t *testing.T) {
	ing := &fakeIngestor{}
	s := newTestServer(t, Deps{Ingestor: ing})

	rr := doJSON(t, s, http.MethodPost, "/api/v1/histdata/ingest", map[string]any{
		"pairs":      []string{"BTC/USD", "ETH/USD"},
		"timeframes": []string{"1h", "4h"},
		"startDate":  "2024-01-01T00:00:00Z",
		"endDate":    "2024-02-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.ElementsMatch(t, []string{"BTC/USD/1h", "BTC/USD/4h", "ETH/USD/1h", "ETH/USD/4h"}, ing.ingested)

	var resp struct {
		Jobs []postgres.IngestionJob `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 4)
}

func TestIngestValidatesDates(t *testing.T) {
	s := newTestServer(t, Deps{})
	rr := doJSON(t, s, http.MethodPost, "/api/v1/histdata/ingest", map[string]any{
		"pairs":      []string{"BTC/USD"},
		"timeframes": []string{"1h"},
		"startDate":  "2024-02-01T00:00:00Z",
		"endDate":    "2024-01-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIngestAsyncReturnsAccepted(t *testing.T) {
	s := newTestServer(t, Deps{})
	rr := doJSON(t, s, http.MethodPost, "/api/v1/histdata/ingest", map[string]any{
		"pairs":      []string{"BTC/USD"},
		"timeframes": []string{"1h"},
		"startDate":  "2024-01-01T00:00:00Z",
		"endDate":    "2024-02-01T00:00:00Z",
		"async":      true,
	})
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, rr.Body.String(), `"jobs":1`)
}

func TestStatusGapsAndRepair(t *testing.T) {
	ing := &fakeIngestor{
		gaps:     []postgres.DataGap{{Pair: "BTC/USD", Timeframe: "1h", Reason: "MISSING_DATA"}},
		repaired: 1,
	}
	src := &fakeSources{src: &postgres.DataSource{Pair: "BTC/USD", Timeframe: "1h", TotalCandles: 120}}
	s := newTestServer(t, Deps{Ingestor: ing, Sources: src})

	rr := doJSON(t, s, http.MethodGet, "/api/v1/histdata/status?pair=BTC/USD&timeframe=1h", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"total_candles":120`)

	rr = doJSON(t, s, http.MethodGet, "/api/v1/histdata/gaps?pair=BTC/USD&timeframe=1h", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"count":1`)

	rr = doJSON(t, s, http.MethodPost, "/api/v1/histdata/repair", map[string]any{
		"pair": "BTC/USD", "timeframe": "1h",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"repaired":1}`, rr.Body.String())

	s2 := newTestServer(t, Deps{Ingestor: ing})
	rr = doJSON(t, s2, http.MethodGet, "/api/v1/histdata/status?pair=ETH/USD&timeframe=1h", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReadReturnsStoredCandlesWithLimit(t *testing.T) {
	store, from, to := storedCandles(t, 50)
	s := newTestServer(t, Deps{Candles: store})

	url := fmt.Sprintf("/api/v1/histdata/read?pair=BTC/USD&timeframe=1h&from=%d&to=%d&limit=10", from, to)
	rr := doJSON(t, s, http.MethodGet, url, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Candles []market.Candle `json:"candles"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.Count)
	assert.Equal(t, from, resp.Candles[0].Timestamp)

	rr = doJSON(t, s, http.MethodGet, "/api/v1/histdata/read?pair=BTC/USD&timeframe=1h&from=9&to=1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	s := newTestServer(t, Deps{Metrics: metrics.New()})
	rr := doJSON(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
