package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"candlearc/internal/models"
	"candlearc/internal/ratelimit"
)

// Reader is the read-only slice of the store the HTTP API serves from.
// *repository.Repository implements it.
type Reader interface {
	Ping(ctx context.Context) error
	GetCandles(ctx context.Context, exchange, symbol string, timeframe models.Timeframe, start, end time.Time, limit int) ([]models.Candle, error)
	LatestOpenTime(ctx context.Context, exchange, symbol string, timeframe models.Timeframe) (time.Time, error)
	CountCandles(ctx context.Context, exchange, symbol string, timeframe models.Timeframe) (int64, error)
	StatusSummary(ctx context.Context) ([]models.SymbolStatus, error)
	UnrepairedGaps(ctx context.Context, exchange, symbol string, timeframe models.Timeframe) ([]models.CandleGap, error)
	RecentJobs(ctx context.Context, limit int) ([]models.IngestionJob, error)
}

// SymbolLister resolves the tradable symbols upstream, independent of what is
// stored locally.
type SymbolLister interface {
	Name() string
	ListSymbols(ctx context.Context) ([]string, error)
}

// RateStats reports the upstream limiter's pacing state. *ratelimit.Limiter
// implements it; nil means /status omits the limiter section.
type RateStats interface {
	Stats() ratelimit.Stats
}

type Server struct {
	repo       Reader
	exchange   SymbolLister
	limiter    RateStats
	httpServer *http.Server

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
	symbolsCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

func NewServer(repo Reader, exchange SymbolLister, limiter RateStats, addr string) *Server {
	s := &Server{
		repo:     repo,
		exchange: exchange,
		limiter:  limiter,
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)
	s.registerRoutes(r)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/candles", s.handleCandles).Methods("GET", "OPTIONS")
	r.HandleFunc("/candles/latest", s.handleCandlesLatest).Methods("GET", "OPTIONS")
	r.HandleFunc("/candles/count", s.handleCandlesCount).Methods("GET", "OPTIONS")
	r.HandleFunc("/candles/symbols", s.handleSymbols).Methods("GET", "OPTIONS")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET", "OPTIONS")
	r.HandleFunc("/gaps", s.handleGaps).Methods("GET", "OPTIONS")
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
