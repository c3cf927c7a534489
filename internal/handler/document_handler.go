package handler

import (
	"net/http"
	"strings"

	"docsense-go/internal/service"
	"docsense-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// DocumentHandler 负责处理所有与文档管理相关的 API 请求。
type DocumentHandler struct {
	docService service.DocumentService
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService) *DocumentHandler {
	return &DocumentHandler{docService: docService}
}

// Upload 处理 multipart 文件上传，字段名为 file。
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "缺少上传文件")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		badRequest(c, "无法读取上传文件")
		return
	}
	defer file.Close()

	log.Infof("[DocumentHandler] 收到上传请求, 文件名: %s, 大小: %d", fileHeader.Filename, fileHeader.Size)
	res, err := h.docService.Upload(c.Request.Context(), fileHeader.Filename, file, fileHeader.Size, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		fail(c, "Upload", err)
		return
	}
	if res.Queued {
		ok(c, http.StatusAccepted, "文件上传成功，已加入入库队列", res)
		return
	}
	ok(c, http.StatusOK, "文件上传并入库完成", res)
}

// IngestRequest 定义了同步入库 API 的请求体结构。
type IngestRequest struct {
	FileKey string `json:"file_key" binding:"required"`
	Text    string `json:"text"`
}

// Ingest 对请求体中的文本执行同步入库。
func (h *DocumentHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载：file_key 不能为空")
		return
	}
	res, err := h.docService.IngestText(c.Request.Context(), req.FileKey, req.Text)
	if err != nil {
		if res == nil {
			fail(c, "Ingest", err)
			return
		}
		log.Warnf("[DocumentHandler] 入库被中断, FileKey: %s, Error: %v", req.FileKey, err)
	}
	ok(c, http.StatusOK, "入库完成", res)
}

// Status 返回文档登记信息、最近一次入库任务和实时进度。
func (h *DocumentHandler) Status(c *gin.Context) {
	fileKey := strings.TrimSpace(c.Query("file_key"))
	if fileKey == "" {
		badRequest(c, "缺少 file_key")
		return
	}
	status, err := h.docService.Status(c.Request.Context(), fileKey)
	if err != nil {
		fail(c, "Status", err)
		return
	}
	ok(c, http.StatusOK, "获取文档状态成功", status)
}

// Chunks 返回文档当前版本的分块文本。
func (h *DocumentHandler) Chunks(c *gin.Context) {
	fileKey := strings.TrimSpace(c.Query("file_key"))
	if fileKey == "" {
		badRequest(c, "缺少 file_key")
		return
	}
	chunks, err := h.docService.ListChunks(c.Request.Context(), fileKey)
	if err != nil {
		fail(c, "Chunks", err)
		return
	}
	ok(c, http.StatusOK, "获取分块成功", chunks)
}

// List 返回所有已登记的文档。
func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.docService.List(c.Request.Context())
	if err != nil {
		fail(c, "List", err)
		return
	}
	ok(c, http.StatusOK, "获取文档列表成功", docs)
}

// Delete 处理删除文档的请求。
func (h *DocumentHandler) Delete(c *gin.Context) {
	fileKey := strings.TrimSpace(c.Query("file_key"))
	if fileKey == "" {
		badRequest(c, "缺少 file_key")
		return
	}
	deleted, err := h.docService.Delete(c.Request.Context(), fileKey)
	if err != nil {
		fail(c, "Delete", err)
		return
	}
	ok(c, http.StatusOK, "文档删除成功", gin.H{"file_key": fileKey, "deleted_vectors": deleted})
}
