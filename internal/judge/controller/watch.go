package controller

import (
	"net/http"
	"time"

	"judgecore/internal/judge/model"
	"judgecore/pkg/utils/logger"
	"judgecore/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// Watch streams status views over a websocket until the process is terminal.
// A frame is written whenever the view changes; the last frame carries the
// result payload and is followed by a normal close.
func (h *JudgeController) Watch(c *gin.Context) {
	processID := c.Param("id")
	if processID == "" {
		response.BadRequest(c, "Invalid process id")
		return
	}
	ctx := c.Request.Context()
	view, err := h.svc.GetProcessStatus(ctx, processID)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the request.
		logger.Warn(ctx, "websocket upgrade failed", zap.String("process_id", processID), zap.Error(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(h.watchInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var last *model.StatusView
	for {
		if viewChanged(last, view) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(view); err != nil {
				logger.Debug(ctx, "watch write failed", zap.String("process_id", processID), zap.Error(err))
				return
			}
			last = view
		}
		if view.Status.IsTerminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(view.Status))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}

		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case <-poll.C:
		}

		next, err := h.svc.GetProcessStatus(ctx, processID)
		if err != nil {
			logger.Warn(ctx, "watch status read failed", zap.String("process_id", processID), zap.Error(err))
			continue
		}
		view = next
	}
}

func viewChanged(prev, next *model.StatusView) bool {
	if prev == nil {
		return true
	}
	return prev.Status != next.Status ||
		prev.Progress.Done != next.Progress.Done ||
		!prev.UpdatedAt.Equal(next.UpdatedAt) ||
		(prev.Result == nil) != (next.Result == nil)
}
