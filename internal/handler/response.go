// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"docsense-go/pkg/errs"
	"docsense-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// statusOf 把错误码映射为 HTTP 状态码。
func statusOf(code errs.Code) int {
	switch code {
	case errs.CodeInvalidInput:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeIngestionInProgress:
		return http.StatusConflict
	case errs.CodeDimensionMismatch:
		return http.StatusUnprocessableEntity
	case errs.CodeEmbeddingFailed, errs.CodeGenerationFailed:
		return http.StatusBadGateway
	case errs.CodeVectorStoreUnavailable, errs.CodeRetrievalFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func ok(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
		"data":    data,
	})
}

// fail 统一输出错误响应，附带稳定的 error_code 字段。
func fail(c *gin.Context, op string, err error) {
	code := errs.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		log.Errorf("[Handler] %s 失败, error_code: %s, Error: %v", op, code, err)
	} else {
		log.Warnf("[Handler] %s 失败, error_code: %s, Error: %v", op, code, err)
	}
	body := gin.H{
		"code":    status,
		"message": err.Error(),
		"data":    nil,
	}
	if code != "" {
		body["error_code"] = code
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":       http.StatusBadRequest,
		"message":    message,
		"data":       nil,
		"error_code": errs.CodeInvalidInput,
	})
}

func errorCode(err error) errs.Code {
	if code := errs.CodeOf(err); code != "" {
		return code
	}
	return "INTERNAL"
}
