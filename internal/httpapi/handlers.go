package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/tradecore/tradecore/internal/backtest"
	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/store/postgres"
	"github.com/tradecore/tradecore/internal/strategy"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

type backtestRunRequest struct {
	UserID         string          `json:"userId"`
	Pair           string          `json:"pair"`
	Timeframe      string          `json:"timeframe"`
	From           int64           `json:"from"`
	To             int64           `json:"to"`
	StrategyType   string          `json:"strategyType"`
	StrategyParams map[string]any  `json:"strategyParams"`
	Config         backtest.Config `json:"config"`
}

func (req *backtestRunRequest) validate() string {
	switch {
	case req.Pair == "":
		return "pair is required"
	case req.Timeframe == "":
		return "timeframe is required"
	case req.StrategyType == "":
		return "strategyType is required"
	case req.To <= req.From:
		return "to must be after from"
	}
	return ""
}

func (s *Server) loadCandles(w http.ResponseWriter, pair, timeframe string, from, to int64) ([]market.Candle, bool) {
	candles, err := s.deps.Candles.ReadRange(pair, timeframe, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read candles: "+err.Error())
		return nil, false
	}
	if len(candles) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "no candles stored for the requested range; ingest first")
		return nil, false
	}
	return candles, true
}

func (s *Server) handleBacktestRun(w http.ResponseWriter, r *http.Request) {
	var req backtestRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	strat, err := strategy.NewStrategy(req.StrategyType, req.StrategyParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	candles, ok := s.loadCandles(w, req.Pair, req.Timeframe, req.From, req.To)
	if !ok {
		return
	}

	started := time.Now()
	res, err := backtest.New(req.Config).Run(strat, req.Pair, candles)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "backtest failed: "+err.Error())
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.BacktestRuns.Inc()
		s.deps.Metrics.BacktestDuration.Observe(time.Since(started).Seconds())
	}

	id := s.persistBacktest(r, postgres.BacktestTypeRun, &req, res)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "result": res})
}

type optimizeRequest struct {
	backtestRunRequest
	ParamGrid backtest.ParamGrid       `json:"paramGrid"`
	Optimizer backtest.OptimizerConfig `json:"optimizer"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	candles, ok := s.loadCandles(w, req.Pair, req.Timeframe, req.From, req.To)
	if !ok {
		return
	}

	report, err := backtest.NewOptimizer(req.Optimizer).
		Optimize(req.StrategyType, req.Pair, candles, req.ParamGrid, req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := s.persistBacktest(r, postgres.BacktestTypeOptimize, &req.backtestRunRequest, report)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "report": report})
}

// persistBacktest records the run when a backing store is configured. The run
// result is still returned to the caller on persistence failure.
func (s *Server) persistBacktest(r *http.Request, kind string, req *backtestRunRequest, result any) string {
	if s.deps.Backtests == nil {
		return ""
	}
	params, _ := json.Marshal(req.StrategyParams)
	cfg, _ := json.Marshal(req.Config)
	res, _ := json.Marshal(result)

	id, err := s.deps.Backtests.Insert(r.Context(), postgres.BacktestRecord{
		UserID:         req.UserID,
		Type:           kind,
		Exchange:       s.deps.Exchange,
		Pair:           req.Pair,
		Timeframe:      req.Timeframe,
		StrategyType:   req.StrategyType,
		StrategyParams: params,
		BacktestConfig: cfg,
		Result:         res,
	})
	if err != nil {
		log.Error().Err(err).Str("pair", req.Pair).Msg("failed to persist backtest record")
		return ""
	}
	return id
}

func (s *Server) handleBacktestList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backtests == nil {
		writeError(w, http.StatusNotImplemented, "backtest history store not configured")
		return
	}
	q := r.URL.Query()
	f := postgres.BacktestFilter{
		UserID:       q.Get("userId"),
		Type:         q.Get("type"),
		StrategyType: q.Get("strategyType"),
		Page:         queryInt(q.Get("page"), 1),
		Limit:        queryInt(q.Get("limit"), 50),
	}
	if t, ok := queryTime(q.Get("from")); ok {
		f.From = &t
	}
	if t, ok := queryTime(q.Get("to")); ok {
		f.To = &t
	}

	recs, err := s.deps.Backtests.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backtests": recs, "page": f.Page, "limit": f.Limit})
}

func (s *Server) handleBacktestGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backtests == nil {
		writeError(w, http.StatusNotImplemented, "backtest history store not configured")
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.deps.Backtests.Get(r.Context(), r.URL.Query().Get("userId"), id)
	if errors.Is(err, postgres.ErrNotFound) {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type ingestRequest struct {
	Pairs      []string `json:"pairs"`
	Timeframes []string `json:"timeframes"`
	StartDate  string   `json:"startDate"`
	EndDate    string   `json:"endDate"`
	Priority   int      `json:"priority"`
	Async      bool     `json:"async"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Pairs) == 0 || len(req.Timeframes) == 0 {
		writeError(w, http.StatusBadRequest, "pairs and timeframes are required")
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "startDate must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "endDate must be RFC3339")
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "endDate must be after startDate")
		return
	}

	if req.Async {
		go func() {
			for _, pair := range req.Pairs {
				for _, tf := range req.Timeframes {
					if _, err := s.deps.Ingestor.Ingest(context.Background(), pair, tf, start, end, req.Priority); err != nil {
						log.Error().Err(err).Str("pair", pair).Str("timeframe", tf).Msg("async ingestion failed")
					}
				}
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status": "accepted",
			"jobs":   len(req.Pairs) * len(req.Timeframes),
		})
		return
	}

	jobs := make([]*postgres.IngestionJob, 0, len(req.Pairs)*len(req.Timeframes))
	for _, pair := range req.Pairs {
		for _, tf := range req.Timeframes {
			job, err := s.deps.Ingestor.Ingest(r.Context(), pair, tf, start, end, req.Priority)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "ingestion failed: "+err.Error())
				return
			}
			jobs = append(jobs, job)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type prefetchRequest struct {
	Pairs      []string `json:"pairs"`
	Timeframes []string `json:"timeframes"`
	Days       int      `json:"days"`
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	var req prefetchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Pairs) == 0 || len(req.Timeframes) == 0 || req.Days <= 0 {
		writeError(w, http.StatusBadRequest, "pairs, timeframes and days are required")
		return
	}
	if err := s.deps.Ingestor.Prefetch(r.Context(), req.Pairs, req.Timeframes, req.Days); err != nil {
		writeError(w, http.StatusInternalServerError, "prefetch failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pair, tf, ok := pairTimeframe(w, r)
	if !ok {
		return
	}

	src, err := s.deps.Sources.Get(r.Context(), pair, tf, s.deps.Exchange)
	if errors.Is(err, postgres.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no data source for pair and timeframe")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{"source": src}
	if rng, err := s.deps.Candles.GetAvailableRange(pair, tf); err == nil {
		resp["stored"] = rng
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	pair, tf, ok := pairTimeframe(w, r)
	if !ok {
		return
	}
	gaps, err := s.deps.Ingestor.DetectGaps(r.Context(), pair, tf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "gap detection failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gaps": gaps, "count": len(gaps)})
}

type repairRequest struct {
	Pair      string `json:"pair"`
	Timeframe string `json:"timeframe"`
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	var req repairRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Pair == "" || req.Timeframe == "" {
		writeError(w, http.StatusBadRequest, "pair and timeframe are required")
		return
	}
	repaired, err := s.deps.Ingestor.RepairGaps(r.Context(), req.Pair, req.Timeframe)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "gap repair failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"repaired": repaired})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	pair, tf, ok := pairTimeframe(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
	if err1 != nil || err2 != nil || to <= from {
		writeError(w, http.StatusBadRequest, "from and to must be millisecond timestamps with to > from")
		return
	}

	candles, err := s.deps.Candles.ReadRange(pair, tf, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if limit := queryInt(q.Get("limit"), 0); limit > 0 && len(candles) > limit {
		candles = candles[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"candles": candles, "count": len(candles)})
}

func pairTimeframe(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	q := r.URL.Query()
	pair, tf := q.Get("pair"), q.Get("timeframe")
	if pair == "" || tf == "" {
		writeError(w, http.StatusBadRequest, "pair and timeframe query parameters are required")
		return "", "", false
	}
	return pair, tf, true
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func queryTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
