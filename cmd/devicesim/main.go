package main

import (
	"context"
	"encoding/json"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"dosematic/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

var (
	addr          = flag.String("addr", ":8081", "Listen address")
	bootDelay     = flag.Duration("boot", 12*time.Second, "Time the device needs after power-on before it answers heartbeats")
	noise         = flag.Float64("noise", 0.05, "Probability of a spurious online report while booting (0.0-1.0)")
	failRate      = flag.Float64("fail", 0.05, "Probability of a status request failing with 503 (0.0-1.0)")
	eventInterval = flag.Duration("events", 3*time.Second, "Interval between detection events while online")
	cyclesPerRun  = flag.Int("cycles", 8, "Cycles per dispensing session")
)

// deviceSimulator plays the backend and the ESP32 behind it
type deviceSimulator struct {
	logger *zap.Logger

	mu        sync.Mutex
	enabled   bool
	enabledAt time.Time
	events    []models.EventLog
	session   int
	cycle     int
}

func newDeviceSimulator(logger *zap.Logger) *deviceSimulator {
	return &deviceSimulator{
		logger:  logger,
		enabled: true,
		session: 1,
	}
}

// online reports whether the device has finished booting. Callers hold s.mu.
func (s *deviceSimulator) online(now time.Time) bool {
	if !s.enabled {
		return false
	}
	if now.Sub(s.enabledAt) >= *bootDelay {
		return true
	}
	return rand.Float64() < *noise
}

func (s *deviceSimulator) handleStatus(w http.ResponseWriter, r *http.Request) {
	if rand.Float64() < *failRate {
		http.Error(w, "device unreachable", http.StatusServiceUnavailable)
		return
	}

	s.mu.Lock()
	status := models.DeviceStatus{CommandedEnabled: s.enabled, Online: s.online(time.Now())}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, status)
}

func (s *deviceSimulator) handleControl(w http.ResponseWriter, r *http.Request) {
	var cmd models.PowerCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	action, err := models.ParsePowerAction(string(cmd.Action))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	switch action {
	case models.PowerOn:
		if !s.enabled {
			s.enabledAt = time.Now()
		}
		s.enabled = true
	case models.PowerOff:
		s.enabled = false
	}
	ack := models.PowerAck{Success: true, CommandedEnabled: s.enabled}
	s.mu.Unlock()

	s.logger.Info("Power command received", zap.String("action", string(action)))
	writeJSON(w, http.StatusOK, ack)
}

func (s *deviceSimulator) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	events := make([]models.EventLog, len(s.events))
	copy(events, s.events)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, events)
}

func (s *deviceSimulator) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.Atoi(chi.URLParam(r, "sessionId"))
	if err != nil {
		http.Error(w, "Invalid sessionId", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	kept := s.events[:0]
	removed := 0
	for _, event := range s.events {
		if event.Session == sessionID {
			removed++
			continue
		}
		kept = append(kept, event)
	}
	s.events = kept
	s.mu.Unlock()

	s.logger.Info("Session deleted", zap.Int("session", sessionID), zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, models.DeleteSessionResult{Success: removed > 0})
}

// generate appends a detection event while the device is online
func (s *deviceSimulator) generate(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || now.Sub(s.enabledAt) < *bootDelay {
		return
	}

	s.cycle++
	if s.cycle > *cyclesPerRun {
		s.session++
		s.cycle = 1
	}

	status := "pill_detected"
	if rand.Float64() < 0.15 {
		status = "no_pill"
	}

	s.events = append(s.events, models.EventLog{
		Session:   s.session,
		Cycle:     s.cycle,
		Status:    status,
		Timestamp: now.Unix(),
	})
	sort.SliceStable(s.events, func(i, j int) bool {
		return s.events[i].Timestamp < s.events[j].Timestamp
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	sim := newDeviceSimulator(logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/esp32/status", sim.handleStatus)
	r.Post("/esp32/control", sim.handleControl)
	r.Get("/logs", sim.handleLogs)
	r.Delete("/logs/session/{sessionId}", sim.handleDeleteSession)

	server := &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		ticker := time.NewTicker(*eventInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				sim.generate(now)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received, stopping simulator")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Device simulator started",
		zap.String("addr", *addr),
		zap.Duration("boot_delay", *bootDelay),
		zap.Float64("noise", *noise),
		zap.Float64("fail_rate", *failRate))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Simulator server failed", zap.Error(err))
	}
}
