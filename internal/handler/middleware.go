package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"servicemarket/internal/identity"
	"servicemarket/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// sessionCookie 前端登录后写入的会话 cookie，和 Authorization 头二选一
const sessionCookie = "__session"

// LoggerMiddleware 日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		c.Next()

		if query != "" {
			path = path + "?" + query
		}
		entry := log.WithFields(log.Fields{
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"request_id": requestID,
		})
		if caller, ok := identity.CallerFromContext(c.Request.Context()); ok {
			entry = entry.WithField("user_id", caller.Subject)
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("[HTTP]")
		case status >= http.StatusBadRequest:
			entry.Warn("[HTTP]")
		default:
			entry.Info("[HTTP]")
		}
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.WithFields(log.Fields{
					"panic":  err,
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
				}).Error("[PANIC]")
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.ErrorBody{Error: "服务器内部错误"})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// TimeoutMiddleware 给请求上下文加上超时，下游的数据库和渠道调用都会继承
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Authenticator 解析调用方身份
//
// minter 不为空时同时签发 scoped token，托管数据库和远程存储用它做行级鉴权。
type Authenticator struct {
	verifier *identity.Verifier
	minter   *identity.Minter
}

func NewAuthenticator(verifier *identity.Verifier, minter *identity.Minter) *Authenticator {
	return &Authenticator{verifier: verifier, minter: minter}
}

func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := c.Cookie(sessionCookie); err == nil {
		return cookie
	}
	return ""
}

// Middleware required 为 false 时，没有或无效的令牌都按匿名处理
func (a *Authenticator) Middleware(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			if required {
				response.Unauthorized(c, "未授权")
				return
			}
			c.Next()
			return
		}

		caller, err := a.verifier.Verify(raw)
		if err != nil {
			if required {
				log.WithError(err).Debug("身份令牌校验失败")
				response.Unauthorized(c, "未授权")
				return
			}
			c.Next()
			return
		}

		ctx := identity.WithCaller(c.Request.Context(), caller)
		if a.minter != nil {
			token, err := a.minter.Mint(caller)
			if err != nil {
				log.WithError(err).WithField("user_id", caller.Subject).Error("签发 scoped token 失败")
				response.Error(c, http.StatusInternalServerError, "服务器内部错误")
				c.Abort()
				return
			}
			ctx = identity.WithScopedToken(ctx, token)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AdminOnly 必须放在 Middleware(true) 之后
func AdminOnly(adminRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := identity.CallerFromContext(c.Request.Context())
		if !ok || !caller.HasRole(adminRole) {
			response.Forbidden(c, "需要管理员权限")
			return
		}
		c.Next()
	}
}
