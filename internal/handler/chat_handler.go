package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"docsense-go/internal/service"
	"docsense-go/pkg/log"
	"docsense-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ChatRequest 是客户端通过 WebSocket 发送的问题。
type ChatRequest struct {
	Type     string `json:"type"`
	FileKey  string `json:"file_key"`
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

// ChatHandler 负责处理 WebSocket 流式问答连接。
type ChatHandler struct {
	qaService  service.QAService
	jwtManager *token.JWTManager
}

// NewChatHandler 创建一个新的 ChatHandler。jwtManager 为 nil 时不校验 token。
func NewChatHandler(qaService service.QAService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{qaService: qaService, jwtManager: jwtManager}
}

// lockedConn 串行化对同一连接的写操作。
type lockedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *lockedConn) WriteMessage(messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteMessage(messageType, data)
}

func (l *lockedConn) writeJSON(v interface{}) {
	b, _ := json.Marshal(v)
	_ = l.WriteMessage(websocket.TextMessage, b)
}

// Handle 处理一个传入的 WebSocket 连接。
// 读循环在独立的 goroutine 中运行，因此生成过程中收到的 {"type":"stop"} 能立即生效。
func (h *ChatHandler) Handle(c *gin.Context) {
	subject := "anonymous"
	if h.jwtManager != nil {
		claims, err := h.jwtManager.VerifyToken(c.Param("token"))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
			return
		}
		subject = claims.Subject
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer ws.Close()
	conn := &lockedConn{conn: ws}
	log.Infof("[Chat] WebSocket 连接已建立, 用户: %s", subject)

	var stopped atomic.Bool
	requests := make(chan ChatRequest, 8)
	go func() {
		defer close(requests)
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				log.Warnf("[Chat] 从 WebSocket 读取消息失败: %v", err)
				return
			}
			var req ChatRequest
			if err := json.Unmarshal(message, &req); err != nil {
				conn.writeJSON(map[string]string{"error": "无效的消息格式"})
				continue
			}
			if req.Type == "stop" {
				stopped.Store(true)
				conn.writeJSON(map[string]interface{}{
					"type":      "stop",
					"message":   "响应已停止",
					"timestamp": time.Now().UnixMilli(),
					"date":      time.Now().Format("2006-01-02T15:04:05"),
				})
				continue
			}
			requests <- req
		}
	}()

	ctx := c.Request.Context()
	for req := range requests {
		stopped.Store(false)
		err := h.qaService.AnswerStream(ctx, req.FileKey, req.Question, req.TopK, conn, stopped.Load)
		if err != nil {
			log.Errorf("[Chat] 处理流式响应失败: %v", err)
			conn.writeJSON(gin.H{"error": err.Error(), "error_code": errorCode(err)})
			conn.writeJSON(map[string]interface{}{
				"type":      "completion",
				"status":    "finished",
				"message":   "响应已完成",
				"timestamp": time.Now().UnixMilli(),
				"date":      time.Now().Format("2006-01-02T15:04:05"),
			})
		}
	}
}
