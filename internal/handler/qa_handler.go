package handler

import (
	"net/http"
	"strings"

	"docsense-go/internal/service"

	"github.com/gin-gonic/gin"
)

// QAHandler 处理问答与摘要请求。
type QAHandler struct {
	qaService service.QAService
}

func NewQAHandler(qaService service.QAService) *QAHandler {
	return &QAHandler{qaService: qaService}
}

// AnswerRequest 定义了问答 API 的请求体结构。
type AnswerRequest struct {
	FileKey  string `json:"file_key" binding:"required"`
	Question string `json:"question" binding:"required"`
	TopK     int    `json:"top_k"`
}

func (h *QAHandler) Answer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载：file_key 和 question 不能为空")
		return
	}
	res, err := h.qaService.Answer(c.Request.Context(), req.FileKey, req.Question, req.TopK)
	if err != nil {
		fail(c, "Answer", err)
		return
	}
	ok(c, http.StatusOK, "success", res)
}

func (h *QAHandler) Summary(c *gin.Context) {
	fileKey := strings.TrimSpace(c.Query("file_key"))
	if fileKey == "" {
		badRequest(c, "缺少 file_key")
		return
	}
	res, err := h.qaService.Summarize(c.Request.Context(), fileKey)
	if err != nil {
		fail(c, "Summary", err)
		return
	}
	ok(c, http.StatusOK, "success", res)
}
