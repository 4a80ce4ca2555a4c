package response

import (
	"errors"
	"net/http"

	"servicemarket/pkg/apperr"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ErrorBody 统一错误响应体
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

const genericServerError = "服务器内部错误"

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

func Error(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorBody{Error: message})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func Unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorBody{Error: message})
}

func Forbidden(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusForbidden, ErrorBody{Error: message})
}

func ServerError(c *gin.Context) {
	Error(c, http.StatusInternalServerError, genericServerError)
}

// FromError 把业务错误翻译成 HTTP 响应
//
// Message 由业务层给出，不含底层细节；底层错误只写日志。
// debug 为 true 时（仅开发环境）才把底层错误放进 detail。
func FromError(c *gin.Context, err error, debug bool) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Wrap(apperr.KindInternal, genericServerError, err)
	}

	status := appErr.Kind.HTTPStatus()
	body := ErrorBody{Error: appErr.Message}

	if status >= http.StatusInternalServerError {
		log.WithFields(log.Fields{
			"kind":   appErr.Kind.String(),
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).WithError(appErr.Err).Error(appErr.Message)

		if debug && appErr.Err != nil {
			body.Detail = appErr.Err.Error()
		}
	}

	c.JSON(status, body)
}
