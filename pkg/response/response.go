package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 业务错误码
// 业务规则失败（余额不足、积分不足、缺货）是合法状态而非故障，
// 统一 HTTP 200 + code 返回，调用方据 code 分支
const (
	CodeInsufficientFunds   = 1001
	CodeInsufficientPoints  = 1002
	CodeOutOfStock          = 1003
	CodeUnknownEntity       = 1004
	CodeInactiveChapter     = 1005
	CodeInactiveRule        = 1006
	CodeConcurrencyConflict = 1007
	CodeInvalidStatus       = 1008
	CodeDuplicateRequest    = 1009
	CodePoolUnavailable     = 1010
)

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

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, CodeForbidden, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
