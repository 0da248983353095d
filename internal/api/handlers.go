package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"candlearc/internal/models"
)

const defaultExchange = "bitfinex"

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// candleQuery pulls the shared symbol/timeframe/exchange parameters.
func candleQuery(r *http.Request) (exchange, symbol string, timeframe models.Timeframe, err error) {
	q := r.URL.Query()
	exchange = q.Get("exchange")
	if exchange == "" {
		exchange = defaultExchange
	}
	symbol = strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
	tf := q.Get("timeframe")
	if tf == "" {
		tf = "1h"
	}
	timeframe, err = models.ParseTimeframe(tf)
	return exchange, symbol, timeframe, err
}

// parseTimeParam accepts RFC3339 timestamps or unix milliseconds.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	summary, err := s.repo.StatusSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	gaps, err := s.repo.UnrepairedGaps(r.Context(), "", "", "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body := map[string]interface{}{
		"status":          "ok",
		"exchange":        s.exchange.Name(),
		"symbols":         summary,
		"unrepaired_gaps": len(gaps),
		"generated_at":    time.Now().UTC().Format(time.RFC3339),
	}
	if s.limiter != nil {
		body["rate_limiter"] = s.limiter.Stats()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(10 * time.Second)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	exchange, symbol, timeframe, err := candleQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	q := r.URL.Query()
	start, err := parseTimeParam(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseTimeParam(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -30)
	}

	limit := 1000
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 10000 {
			limit = n
		}
	}

	candles, err := s.repo.GetCandles(r.Context(), exchange, symbol, timeframe, start, end, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if candles == nil {
		candles = []models.Candle{}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"exchange":  exchange,
		"symbol":    symbol,
		"timeframe": timeframe,
		"count":     len(candles),
		"candles":   candles,
	})
}

func (s *Server) handleCandlesLatest(w http.ResponseWriter, r *http.Request) {
	exchange, symbol, timeframe, err := candleQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	latest, err := s.repo.LatestOpenTime(r.Context(), exchange, symbol, timeframe)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if latest.IsZero() {
		writeError(w, http.StatusNotFound, "no candles stored")
		return
	}

	candles, err := s.repo.GetCandles(r.Context(), exchange, symbol, timeframe,
		latest, latest.Add(time.Millisecond), 1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(candles) == 0 {
		writeError(w, http.StatusNotFound, "no candles stored")
		return
	}
	json.NewEncoder(w).Encode(candles[len(candles)-1])
}

func (s *Server) handleCandlesCount(w http.ResponseWriter, r *http.Request) {
	exchange, symbol, timeframe, err := candleQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	count, err := s.repo.CountCandles(r.Context(), exchange, symbol, timeframe)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"exchange":  exchange,
		"symbol":    symbol,
		"timeframe": timeframe,
		"count":     count,
	})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.symbolsCache.mu.Lock()
	if now.Before(s.symbolsCache.expiresAt) && len(s.symbolsCache.payload) > 0 {
		cached := append([]byte(nil), s.symbolsCache.payload...)
		s.symbolsCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.symbolsCache.mu.Unlock()

	symbols, err := s.exchange.ListSymbols(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"exchange": s.exchange.Name(),
		"count":    len(symbols),
		"symbols":  symbols,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Symbol listings change rarely; cache aggressively to spare the
	// upstream rate budget.
	s.symbolsCache.mu.Lock()
	s.symbolsCache.payload = payload
	s.symbolsCache.expiresAt = time.Now().Add(time.Hour)
	s.symbolsCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	jobs, err := s.repo.RecentJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []models.IngestionJob{}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exchange := q.Get("exchange")
	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))

	var timeframe models.Timeframe
	if tf := q.Get("timeframe"); tf != "" {
		parsed, err := models.ParseTimeframe(tf)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		timeframe = parsed
	}

	gaps, err := s.repo.UnrepairedGaps(r.Context(), exchange, symbol, timeframe)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if gaps == nil {
		gaps = []models.CandleGap{}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count": len(gaps),
		"gaps":  gaps,
	})
}
