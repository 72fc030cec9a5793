package response

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeNotFound    = 404
	CodeServerError = 500
)

const (
	CodeRequestNotFound       = 1001
	CodeInvalidIdempotencyKey = 1002
	CodeInvalidTransition     = 1003
	CodeRequestRejected       = 1005
	CodeNoBetPlaced           = 1006
	CodeUpstreamError         = 1007
	CodeProviderUnavailable   = 1008
	CodeBreakerNotFound       = 1009
)

// ReplayHeader 重复请求返回缓存结果时带上
const ReplayHeader = "Idempotent-Replayed"

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Replay 原样返回第一次处理时缓存的结果
func Replay(c *gin.Context, cached json.RawMessage) {
	c.Header(ReplayHeader, "true")
	Success(c, cached)
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithStatus 需要调用方按 HTTP 状态码处理的错误（例如 503 让客户端退避）
func ErrorWithStatus(c *gin.Context, status, code int, message string) {
	c.JSON(status, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

// BusinessError 业务错误码（1001 起）
func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
