package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/notifier"
	"wisefido-telemetry/internal/pipeline"
	"wisefido-telemetry/internal/repository"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RuleService 规则查询与热加载
type RuleService interface {
	CurrentRules() *models.RuleSet
	ReloadRules(ctx context.Context) (*models.RuleSet, error)
}

// AnomalyQuerier 异常记录查询
type AnomalyQuerier interface {
	Query(ctx context.Context, filters repository.AnomalyFilters) ([]repository.AnomalyRow, error)
}

// WindowReader 设备最新窗口查询；无窗口时返回 (nil, nil)
type WindowReader interface {
	LatestWindow(ctx context.Context, deviceID string) (*models.Window, error)
}

// DeadLetterLister 死信查询
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int64, error)
}

// StatsProvider 运行统计
type StatsProvider interface {
	Stats() pipeline.Stats
}

// Deps 路由依赖；为 nil 的依赖对应的接口返回 503（Hub 为 nil 时不注册 /ws/alerts）
type Deps struct {
	Rules       RuleService
	Anomalies   AnomalyQuerier
	Windows     WindowReader
	DeadLetters DeadLetterLister
	Stats       StatsProvider
	Hub         *notifier.Hub
	Gatherer    prometheus.Gatherer
	Health      func(ctx context.Context) error
}

// Handler 运维 HTTP 接口
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewRouter 创建路由（含 panic 恢复与 CORS）
func NewRouter(deps Deps, logger *zap.Logger) http.Handler {
	h := &Handler{deps: deps, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/rules", h.GetRules).Methods(http.MethodGet)
	v1.HandleFunc("/rules/reload", h.ReloadRules).Methods(http.MethodPost)
	v1.HandleFunc("/anomalies", h.GetAnomalies).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{device_id}/window", h.GetLatestWindow).Methods(http.MethodGet)
	v1.HandleFunc("/dead-letters", h.GetDeadLetters).Methods(http.MethodGet)
	v1.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)

	if deps.Hub != nil {
		r.HandleFunc("/ws/alerts", deps.Hub.ServeWS).Methods(http.MethodGet)
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger: logger}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(cors(r))
}

// recoveryLogger 把 panic 写入 zap
type recoveryLogger struct {
	logger *zap.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("HTTP handler panic", zap.String("panic", fmt.Sprint(v...)))
}

// Health GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
			return
		}
	}
	writeJSON(w, http.StatusOK, Ok("ok"))
}

// GetRules GET /api/v1/rules
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("rules unavailable"))
		return
	}
	set := h.deps.Rules.CurrentRules()
	if set == nil {
		set = &models.RuleSet{Rules: []models.AlertRule{}}
	}
	writeJSON(w, http.StatusOK, Ok(set))
}

// ReloadRules POST /api/v1/rules/reload
// 校验失败返回 422，当前规则集保持不变
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("rules unavailable"))
		return
	}
	set, err := h.deps.Rules.ReloadRules(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(set))
}

// GetAnomalies GET /api/v1/anomalies?device_id=&from=&to=&limit=
func (h *Handler) GetAnomalies(w http.ResponseWriter, r *http.Request) {
	if h.deps.Anomalies == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("anomaly store unavailable"))
		return
	}

	q := r.URL.Query()
	filters := repository.AnomalyFilters{Limit: parseInt(q.Get("limit"), 100)}
	if device := q.Get("device_id"); device != "" {
		filters.DeviceID = &device
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filters.From}, {"to", &filters.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Fail(fmt.Sprintf("invalid %s: %v", p.name, err)))
			return
		}
		*p.dst = &t
	}

	rows, err := h.deps.Anomalies.Query(r.Context(), filters)
	if err != nil {
		h.logger.Error("Failed to query anomalies", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to query anomalies"))
		return
	}
	if rows == nil {
		rows = []repository.AnomalyRow{}
	}
	writeJSON(w, http.StatusOK, Ok(rows))
}

// GetLatestWindow GET /api/v1/devices/{device_id}/window
func (h *Handler) GetLatestWindow(w http.ResponseWriter, r *http.Request) {
	if h.deps.Windows == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("window store unavailable"))
		return
	}
	deviceID := mux.Vars(r)["device_id"]
	win, err := h.deps.Windows.LatestWindow(r.Context(), deviceID)
	if err != nil {
		h.logger.Error("Failed to read latest window", zap.String("device_id", deviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to read latest window"))
		return
	}
	if win == nil {
		writeJSON(w, http.StatusNotFound, Fail("no window for device"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(win))
}

// DeadLettersResult 死信列表
type DeadLettersResult struct {
	Items []models.DeadLetter `json:"items"`
	Total int64               `json:"total"`
}

// GetDeadLetters GET /api/v1/dead-letters?limit=
func (h *Handler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deps.DeadLetters == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("dead-letter store unavailable"))
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 100)
	items, err := h.deps.DeadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list dead letters", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list dead letters"))
		return
	}
	total, err := h.deps.DeadLetters.CountDeadLetters(r.Context())
	if err != nil {
		h.logger.Error("Failed to count dead letters", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to count dead letters"))
		return
	}
	if items == nil {
		items = []models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, Ok(DeadLettersResult{Items: items, Total: total}))
}

// GetStats GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Stats == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("stats unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.deps.Stats.Stats()))
}
