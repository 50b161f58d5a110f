package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"rescuebot/internal/config"
	"rescuebot/internal/logging"
	"rescuebot/internal/normalize"
)

type RESTServer struct {
	ingestor *Ingestor
	logger   *slog.Logger
}

func NewRESTServer(ingestor *Ingestor, logger *slog.Logger) *RESTServer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RESTServer{ingestor: ingestor, logger: logger}
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/alarms", s.handleAlarms)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartREST(ctx context.Context, cfg config.RESTConfig, ingestor *Ingestor, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if !cfg.Enabled {
		logger.Info("rest ingest disabled")
		return nil
	}
	logger.Info("rest ingest enabled", "addr", cfg.Addr)
	server := NewRESTServer(ingestor, logger)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("rest ingest server error", "err", err)
		}
	}()
	return httpServer
}

func (s *RESTServer) handleAlarms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil || len(body) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	events, err := normalize.ParseAlarms(body, "rest")
	if err != nil && len(events) == 0 {
		s.logger.Warn("rest normalize error", "err", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	accepted, duplicates, failed := 0, 0, 0
	if err != nil {
		// A bad element stops parsing of the rest of the array.
		failed++
	}
	recordIDs := make([]int64, 0, len(events))
	for _, ev := range events {
		res, rec, err := s.ingestor.Ingest(r.Context(), ev)
		switch res {
		case ResultAccepted:
			accepted++
			if rec != nil {
				recordIDs = append(recordIDs, rec.ID)
			}
		case ResultDuplicate:
			duplicates++
		default:
			failed++
			s.logger.Warn("rest ingest error", "alarm_name", ev.AlarmName, "err", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted":   accepted,
		"duplicates": duplicates,
		"failed":     failed,
		"record_ids": recordIDs,
	})
}
