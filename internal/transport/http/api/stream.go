package apihttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"arena/internal/events"
	"arena/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamFilter 从查询参数解析订阅过滤条件。
func streamFilter(c *gin.Context) events.Filter {
	f := events.Filter{
		ProfileID:     strings.TrimSpace(c.Query("profile_id")),
		ExcludeSender: strings.TrimSpace(c.Query("sender_id")),
	}
	for _, t := range splitCSV(c.Query("types")) {
		f.Types = append(f.Types, events.Type(t))
	}
	f.Families = splitCSV(c.Query("families"))
	return f
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// handleStream 推送事件流：先订阅，再补发 since 之后的历史，最后转发实时事件。
// 补发与实时之间按 seq 去重，断线重连的客户端带上最后收到的 seq 即可。
func (r *Router) handleStream(c *gin.Context) {
	if !r.require(c, r.deps.Events != nil) {
		return
	}
	filter := streamFilter(c)
	if filter.ProfileID != "" {
		if _, ok := r.deps.Profiles.Get(filter.ProfileID); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
	}
	var since uint64
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an event sequence number"})
			return
		}
		since = v
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[api] stream upgrade failed ip=%s err=%v", c.ClientIP(), err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := r.deps.Events.Subscribe(ctx, filter)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}
	defer sub.Close()
	logger.Debugf("[api] stream opened ip=%s profile=%s since=%d", c.ClientIP(), filter.ProfileID, since)

	// 读循环只处理控制帧，客户端断开时结束写循环
	go func() {
		defer cancel()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(v) == nil
	}

	last := since
	if since > 0 {
		for _, ev := range r.deps.Events.Since(since, filter) {
			if !write(ev) {
				return
			}
			last = ev.Seq
		}
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Seq <= last {
				continue
			}
			if !write(ev) {
				return
			}
			last = ev.Seq
		case <-sub.Done():
			reason := "stream closed"
			if err := sub.Err(); err != nil {
				reason = err.Error()
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason))
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-r.stop:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
