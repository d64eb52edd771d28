package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"strategy-core/internal/fsm"
	"strategy-core/internal/order"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/cache"
)

type stateRequest struct {
	State string `json:"state"`
}

type ttlEntry struct {
	Timeframe cache.Timeframe `json:"timeframe"`
	TTL       string          `json:"ttl"`
}

func (s *Server) getStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.deps.Strategies.List()})
}

func (s *Server) getStrategy(c *gin.Context) {
	st, err := s.deps.Strategies.Status(c.Param("id"))
	if err != nil {
		s.strategyError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// forceStrategy moves a strategy to the requested state without any rule.
func (s *Server) forceStrategy(c *gin.Context) {
	var req stateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.State == "" {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "state is required")
		return
	}
	target, err := fsm.ParseState(req.State)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_STATE", err.Error())
		return
	}

	id := c.Param("id")
	if err := s.deps.Strategies.Force(id, target); err != nil {
		s.strategyError(c, err)
		return
	}
	s.log.Warn("strategy state forced",
		zap.String("strategy_id", id),
		zap.String("state", string(target)),
		zap.String("operator", CurrentOperator(c)),
	)
	s.respondStatus(c, id)
}

// resetStrategy clears the transition history; the body's state is optional.
func (s *Server) resetStrategy(c *gin.Context) {
	var req stateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
			return
		}
	}
	var targets []fsm.State
	if req.State != "" {
		target, err := fsm.ParseState(req.State)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_STATE", err.Error())
			return
		}
		targets = append(targets, target)
	}

	id := c.Param("id")
	if err := s.deps.Strategies.Reset(c.Request.Context(), id, targets...); err != nil {
		s.strategyError(c, err)
		return
	}
	s.log.Info("strategy reset", zap.String("strategy_id", id), zap.String("operator", CurrentOperator(c)))
	s.respondStatus(c, id)
}

func (s *Server) respondStatus(c *gin.Context, id string) {
	st, err := s.deps.Strategies.Status(id)
	if err != nil {
		s.strategyError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) strategyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, strategy.ErrUnknownStrategy):
		respondError(c, http.StatusNotFound, "STRATEGY_NOT_FOUND", err.Error())
	case errors.Is(err, fsm.ErrInvalidState):
		respondError(c, http.StatusBadRequest, "INVALID_STATE", err.Error())
	default:
		s.log.Error("strategy operation failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) getOrder(c *gin.Context) {
	rec, err := s.deps.Orders.Load(c.Request.Context(), c.Param("id"))
	if errors.Is(err, order.ErrNotFound) {
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		return
	}
	if err != nil {
		s.log.Error("order lookup failed", zap.String("order_id", c.Param("id")), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":   rec,
		"outcome": order.OutcomeOf(rec),
	})
}

func (s *Server) getCacheStats(c *gin.Context) {
	if s.deps.Cache == nil {
		respondError(c, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "market data cache not configured")
		return
	}
	table := s.deps.Cache.Policy().Table()
	ttls := make([]ttlEntry, 0, len(table))
	for tf, ttl := range table {
		ttls = append(ttls, ttlEntry{Timeframe: tf, TTL: ttl.String()})
	}
	sort.Slice(ttls, func(i, j int) bool {
		a, _ := ttls[i].Timeframe.Duration()
		b, _ := ttls[j].Timeframe.Duration()
		return a < b
	})
	c.JSON(http.StatusOK, gin.H{
		"stats":    s.deps.Cache.Stats(),
		"ttl":      ttls,
		"adaptive": s.deps.Cache.Policy().Adaptive,
	})
}

func (s *Server) invalidateCache(c *gin.Context) {
	if s.deps.Cache == nil {
		respondError(c, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "market data cache not configured")
		return
	}
	instrument := strings.ToUpper(strings.TrimSpace(c.Param("instrument")))
	removed := s.deps.Cache.Invalidate(c.Request.Context(), instrument)
	s.log.Info("cache invalidated",
		zap.String("instrument", instrument),
		zap.Int("removed", removed),
		zap.String("operator", CurrentOperator(c)),
	)
	c.JSON(http.StatusOK, gin.H{"instrument": instrument, "removed": removed})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.deps.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not configured")
		return
	}
	resp := gin.H{"system": s.deps.Metrics.GetSnapshot()}
	if s.deps.Bus != nil {
		resp["events_dropped"] = s.deps.Bus.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getSystemStatus(c *gin.Context) {
	strategies := s.deps.Strategies.List()
	states := make(map[string]fsm.State, len(strategies))
	for _, st := range strategies {
		states[st.ID] = st.Machine.Current
	}

	resp := gin.H{
		"meta":       s.meta,
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"strategies": states,
		"healthy":    s.deps.Health == nil || s.deps.Health.Healthy(),
	}
	if s.deps.Balance != nil {
		resp["balance"] = s.deps.Balance.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}
