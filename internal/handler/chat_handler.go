package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/internal/service"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/log"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ChatHandler 负责处理 WebSocket 流式问答连接。
type ChatHandler struct {
	queries service.QueryService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(queries service.QueryService) *ChatHandler {
	return &ChatHandler{queries: queries}
}

// chatMessage 是客户端发来的一条消息；type 为 stop 时中断当前回答。
type chatMessage struct {
	Type string `json:"type"`
	model.QueryRequest
}

// chatConn 串行化对连接的写入，gorilla/websocket 只允许一个并发写者。
type chatConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *chatConn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// WriteMessage 把模型输出的增量包装成 {"chunk": "..."}。
func (s *chatConn) WriteMessage(_ int, data []byte) error {
	return s.writeJSON(gin.H{"chunk": string(data)})
}

func (s *chatConn) writeError(err error) error {
	return s.writeJSON(errorBody(errs.KindOf(err), errs.Message(err)))
}

func (s *chatConn) writeCompletion(status string, res *model.QueryResult) error {
	now := time.Now()
	msg := gin.H{
		"type":      "completion",
		"status":    status,
		"message":   "响应已完成",
		"timestamp": now.UnixMilli(),
		"date":      now.Format("2006-01-02T15:04:05"),
	}
	if res != nil {
		msg["retrieved_chunk_count"] = len(res.Chunks)
		msg["used_web_search"] = res.UsedWebSearch
		msg["sources"] = sourcesOf(res)
	}
	return s.writeJSON(msg)
}

// parseChatMessage 接受 JSON 请求，也接受纯文本问题。
func parseChatMessage(raw []byte) (chatMessage, error) {
	var msg chatMessage
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			return msg, errs.E(errs.KindInvalidRequest, "message must be a JSON query or plain text", err)
		}
		return msg, nil
	}
	msg.Query = text
	return msg, nil
}

// Handle 处理一个 WebSocket 连接。回答在独立的 goroutine 中生成，读循环可以随时收到 stop。
func (h *ChatHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("[ChatHandler] WebSocket 连接已建立, RemoteAddr: %s", conn.RemoteAddr())

	sess := &chatConn{conn: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		stopCurr context.CancelFunc
	)
	defer wg.Wait()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("[ChatHandler] 从 WebSocket 读取消息失败: %v", err)
			}
			cancel()
			return
		}

		msg, err := parseChatMessage(raw)
		if err != nil {
			_ = sess.writeError(err)
			continue
		}

		mu.Lock()
		busy := stopCurr != nil
		if msg.Type == "stop" {
			if busy {
				stopCurr()
			}
			mu.Unlock()
			_ = sess.writeJSON(gin.H{"type": "stop", "message": "响应已停止", "timestamp": time.Now().UnixMilli()})
			continue
		}
		if busy {
			mu.Unlock()
			_ = sess.writeError(errs.E(errs.KindInvalidRequest, "a response is already streaming", nil))
			continue
		}
		qctx, qcancel := context.WithCancel(ctx)
		stopCurr = qcancel
		mu.Unlock()

		wg.Add(1)
		go func(req model.QueryRequest) {
			defer wg.Done()
			defer func() {
				mu.Lock()
				stopCurr = nil
				mu.Unlock()
				qcancel()
			}()

			res, err := h.queries.QueryStream(qctx, req, sess)
			switch {
			case err == nil:
				_ = sess.writeCompletion("finished", res)
			case errors.Is(qctx.Err(), context.Canceled) && ctx.Err() == nil:
				_ = sess.writeCompletion("stopped", nil)
			default:
				log.Errorf("[ChatHandler] 处理流式响应失败: %v", err)
				_ = sess.writeError(err)
				_ = sess.writeCompletion("failed", nil)
			}
		}(msg.QueryRequest)
	}
}
