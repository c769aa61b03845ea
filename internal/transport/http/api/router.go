package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"arena/internal/chat"
	"arena/internal/events"
	"arena/internal/logger"
	"arena/internal/margin"
	"arena/internal/market"
	"arena/internal/pending"
	"arena/internal/profile"
	"arena/internal/reasoning"
	"arena/internal/scheduler"

	"github.com/gin-gonic/gin"
)

type ProfileService interface {
	Get(id string) (*profile.Profile, bool)
	All() []*profile.Profile
	Deactivate(ctx context.Context, id string) error
}

type CycleTrigger interface {
	TriggerCycleNow(ctx context.Context, profileID string) (scheduler.ProfileResult, error)
	Busy(profileID string) bool
}

type ReasoningService interface {
	Append(ctx context.Context, e reasoning.Entry) (reasoning.Entry, error)
	View(profileID string, purpose reasoning.Purpose, w reasoning.Window) []reasoning.Entry
	TradingInfluences(profileID string, window time.Duration) []reasoning.Influence
}

type PendingService interface {
	Create(ctx context.Context, req pending.CreateRequest) (pending.Record, error)
	Cancel(ctx context.Context, id string) (pending.Status, error)
	Get(id string) (pending.Record, error)
	List(profileID string, includeTerminal bool) []pending.Record
	Summary(profileID string) pending.Summary
}

type MarketService interface {
	Latest() (*market.Snapshot, bool)
	Stats() market.Stats
}

type MarginService interface {
	State(profileID string) (margin.State, bool)
	Limit(p *profile.Profile) margin.Limit
	EquityChange(profileID string) (change1h, change24h *float64)
}

type ChatService interface {
	Send(ctx context.Context, profileID string, req chat.Request) (chat.Reply, error)
}

type EventSource interface {
	Subscribe(ctx context.Context, f events.Filter) (*events.Subscription, error)
	Since(afterSeq uint64, f events.Filter) []events.Event
}

// HistoryService 读取落库的挂单与事件归档。
type HistoryService interface {
	ListPendingActions(ctx context.Context, profileID string, limit int) ([]pending.Record, error)
	LoadEvents(ctx context.Context, profileID string, since time.Time, limit int) ([]events.Event, error)
}

// Deps 汇总 /api 需要的服务，Profiles 必填，其余缺失时对应路由返回 503。
type Deps struct {
	Profiles  ProfileService
	Cycles    CycleTrigger
	Reasoning ReasoningService
	Pending   PendingService
	Market    MarketService
	Margin    MarginService
	Chat      ChatService
	Events    EventSource
	History   HistoryService
	// TradingWindow 是 /influences 的默认回看窗口。
	TradingWindow time.Duration
}

func (d Deps) validate() error {
	if d.Profiles == nil {
		return errors.New("api server requires a profile service")
	}
	return nil
}

// Router 挂载 /api 路由。
type Router struct {
	deps Deps

	stopOnce sync.Once
	stop     chan struct{}
}

func NewRouter(deps Deps) *Router {
	if deps.TradingWindow <= 0 {
		deps.TradingWindow = 48 * time.Hour
	}
	return &Router{deps: deps, stop: make(chan struct{})}
}

func (r *Router) shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/profiles", r.handleProfiles)
	group.GET("/profiles/:id", r.handleProfile)
	group.POST("/profiles/:id/deactivate", r.handleDeactivate)
	group.POST("/profiles/:id/cycle", r.handleCycle)
	group.GET("/profiles/:id/reasoning", r.handleReasoningList)
	group.POST("/profiles/:id/reasoning", r.handleReasoningAppend)
	group.GET("/profiles/:id/influences", r.handleInfluences)
	group.GET("/profiles/:id/pending", r.handlePendingList)
	group.POST("/profiles/:id/pending", r.handlePendingCreate)
	group.GET("/profiles/:id/pending/summary", r.handlePendingSummary)
	group.GET("/profiles/:id/margin", r.handleMargin)
	group.POST("/profiles/:id/chat", r.handleChat)
	group.GET("/pending/:id", r.handlePendingGet)
	group.DELETE("/pending/:id", r.handlePendingCancel)
	group.GET("/market", r.handleMarket)
	group.GET("/stream", r.handleStream)
	group.GET("/profiles/:id/pending/history", r.handlePendingHistory)
	group.GET("/events", r.handleEventHistory)
}

func (r *Router) handleProfiles(c *gin.Context) {
	all := r.deps.Profiles.All()
	views := make([]profile.View, 0, len(all))
	for _, p := range all {
		views = append(views, p.View())
	}
	c.JSON(http.StatusOK, gin.H{"profiles": views})
}

func (r *Router) handleProfile(c *gin.Context) {
	p, ok := r.lookup(c)
	if !ok {
		return
	}
	resp := gin.H{"profile": p.View(), "persona": p.Persona().Describe()}
	if r.deps.Cycles != nil {
		resp["cycle_running"] = r.deps.Cycles.Busy(p.ID())
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleDeactivate(c *gin.Context) {
	id := c.Param("id")
	if err := r.deps.Profiles.Deactivate(c.Request.Context(), id); err != nil {
		// 运行态已停用，只是持久化失败
		if !errors.Is(err, profile.ErrNotFound) {
			logger.Warnf("[api] deactivate %s persist failed: %v", id, err)
			c.JSON(http.StatusOK, gin.H{"profile_id": id, "active": false, "warning": err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	logger.Infof("[api] profile %s deactivated by operator ip=%s", id, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"profile_id": id, "active": false})
}

func (r *Router) handleCycle(c *gin.Context) {
	if !r.require(c, r.deps.Cycles != nil) {
		return
	}
	res, err := r.deps.Cycles.TriggerCycleNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (r *Router) handleReasoningList(c *gin.Context) {
	if !r.require(c, r.deps.Reasoning != nil) {
		return
	}
	p, ok := r.lookup(c)
	if !ok {
		return
	}
	purpose, err := reasoning.ParsePurpose(c.DefaultQuery("purpose", string(reasoning.PurposeAudit)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w := reasoning.Window{Limit: queryInt(c, "limit", 50, 500)}
	if h := queryInt(c, "since_hours", 0, 24*365); h > 0 {
		w.Since = time.Duration(h) * time.Hour
	}
	entries := r.deps.Reasoning.View(p.ID(), purpose, w)
	c.JSON(http.StatusOK, gin.H{"profile_id": p.ID(), "purpose": purpose, "entries": entries})
}

type appendReasoningRequest struct {
	Category   string         `json:"category" validate:"required"`
	Content    string         `json:"content" validate:"required,max=8000"`
	Impact     string         `json:"impact" validate:"max=500"`
	Source     string         `json:"source" default:"operator"`
	Confidence float64        `json:"confidence" default:"0.5" validate:"gte=0,lte=1"`
	Payload    map[string]any `json:"payload"`
	Related    []string       `json:"related"`
}

func (r *Router) handleReasoningAppend(c *gin.Context) {
	if !r.require(c, r.deps.Reasoning != nil) {
		return
	}
	p, ok := r.lookup(c)
	if !ok {
		return
	}
	var req appendReasoningRequest
	if !bindJSON(c, &req) {
		return
	}
	cat, err := reasoning.ParseCategory(req.Category)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "operator"
	}
	entry, err := r.deps.Reasoning.Append(c.Request.Context(), reasoning.Entry{
		ProfileID:  p.ID(),
		Category:   cat,
		Source:     source,
		Content:    req.Content,
		Impact:     strings.TrimSpace(req.Impact),
		Payload:    req.Payload,
		Confidence: req.Confidence,
		Related:    req.Related,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

func (r *Router) handleInfluences(c *gin.Context) {
	if !r.require(c, r.deps.Reasoning != nil) {
		return
	}
	p, ok := r.lookup(c)
	if !ok {
		return
	}
	window := r.deps.TradingWindow
	if h := queryInt(c, "window_hours", 0, 24*30); h > 0 {
		window = time.Duration(h) * time.Hour
	}
	c.JSON(http.StatusOK, gin.H{
		"profile_id": p.ID(),
		"window":     window.String(),
		"influences": r.deps.Reasoning.TradingInfluences(p.ID(), window),
	})
}

func (r *Router) handlePendingList(c *gin.Context) {
	if !r.require(c, r.deps.Pending != nil) {
		return
	}
	p, ok := r.lookup(c)
	if !ok {
		return
	}
	all, _ := strconv.ParseBool(c.DefaultQuery("all", "false"))
	c.JSON(http.StatusOK, gin.H{"profile_id": p.ID(), "actions": r.deps.Pending.List(p.ID(), all)})
}

func (r *Router) handlePendingCreate(c *gin.Context) {
	if !r.require(c, r.deps.Pending != nil) {
		return
	}
	p, ok := r.lookup(c)
	if !ok {
		return
	}
	var req pending.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}
	req.ProfileID = p.ID()
	rec, err := r.deps.Pending.Create(c.Request.Context(), req)
	if err != nil {
		// Create 只会因为参数不合法失败
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"action": rec})
}

func (r *Router) handlePendingSummary(c *gin.Context) {
	if !r.require(c, r.deps.Pending != nil) {
		return
	}
	p, ok := r.lookup(c)
	if !ok {
		return
	}
	sum := r.deps.Pending.Summary(p.ID())
	c.JSON(http.StatusOK, gin.H{
		"profile_id": p.ID(),
		"summary":    sum,
		"total":      sum.Total(),
		"text":       sum.Describe(),
	})
}

func (r *Router) handlePendingGet(c *gin.Context) {
	if !r.require(c, r.deps.Pending != nil) {
		return
	}
	rec, err := r.deps.Pending.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": rec})
}

func (r *Router) handlePendingCancel(c *gin.Context) {
	if !r.require(c, r.deps.Pending != nil) {
		return
	}
	id := c.Param("id")
	st, err := r.deps.Pending.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	// 已经终结的动作保持原状态，照常返回其实际状态
	c.JSON(http.StatusOK, gin.H{"id": id, "status": st, "cancelled": st == pending.StatusCancelled})
}

func (r *Router) handlePendingHistory(c *gin.Context) {
	if !r.require(c, r.deps.History != nil) {
		return
	}
	p, ok := r.lookup(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	recs, err := r.deps.History.ListPendingActions(ctx, p.ID(), queryInt(c, "limit", 100, 1000))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile_id": p.ID(), "actions": recs})
}

// handleEventHistory 查询归档事件，用于超出内存历史窗口的回溯。
func (r *Router) handleEventHistory(c *gin.Context) {
	if !r.require(c, r.deps.History != nil) {
		return
	}
	since := time.Now().Add(-time.Duration(queryInt(c, "since_hours", 24, 24*30)) * time.Hour)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	evs, err := r.deps.History.LoadEvents(ctx, strings.TrimSpace(c.Query("profile_id")), since, queryInt(c, "limit", 200, 2000))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (r *Router) handleMarket(c *gin.Context) {
	if !r.require(c, r.deps.Market != nil) {
		return
	}
	snap, fresh := r.deps.Market.Latest()
	c.JSON(http.StatusOK, gin.H{
		"snapshot": snap,
		"fresh":    fresh,
		"stats":    r.deps.Market.Stats(),
	})
}

func (r *Router) handleMargin(c *gin.Context) {
	if !r.require(c, r.deps.Margin != nil) {
		return
	}
	p, ok := r.lookup(c)
	if !ok {
		return
	}
	resp := gin.H{"profile_id": p.ID(), "limit": r.deps.Margin.Limit(p)}
	if st, ok := r.deps.Margin.State(p.ID()); ok {
		resp["state"] = st
	}
	ch1h, ch24h := r.deps.Margin.EquityChange(p.ID())
	resp["equity_change_1h"] = ch1h
	resp["equity_change_24h"] = ch24h
	c.JSON(http.StatusOK, resp)
}

type chatRequest struct {
	SenderID string `json:"sender_id" validate:"max=128"`
	Message  string `json:"message" validate:"required"`
}

func (r *Router) handleChat(c *gin.Context) {
	if !r.require(c, r.deps.Chat != nil) {
		return
	}
	var req chatRequest
	if !bindJSON(c, &req) {
		return
	}
	reply, err := r.deps.Chat.Send(c.Request.Context(), c.Param("id"), chat.Request{
		SenderID: strings.TrimSpace(req.SenderID),
		Message:  req.Message,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

func (r *Router) lookup(c *gin.Context) (*profile.Profile, bool) {
	p, ok := r.deps.Profiles.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": profile.ErrNotFound.Error()})
		return nil, false
	}
	return p, true
}

func (r *Router) require(c *gin.Context, ok bool) bool {
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service not enabled"})
	}
	return ok
}

// statusFor 把领域错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, profile.ErrNotFound),
		errors.Is(err, scheduler.ErrUnknownProfile),
		errors.Is(err, chat.ErrUnknownProfile),
		errors.Is(err, pending.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrCycleInProgress),
		errors.Is(err, profile.ErrInactive):
		return http.StatusConflict
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, pending.ErrInvalidPredicate),
		errors.Is(err, reasoning.ErrEmptyContent),
		errors.Is(err, reasoning.ErrEmptyProfile):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Errorf("[api] %s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, key string, def, max int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
