package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	statusConnected = "connected"
	statusDisabled  = "disabled"
	statusDown      = "down"
)

// Diagnostics 依赖连通性自检，匿名也可以访问
// GET /diagnostics
func (h *Handler) Diagnostics(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	database, redisStatus := statusConnected, statusDisabled

	var g errgroup.Group
	g.Go(func() error {
		if err := h.store.Ping(ctx); err != nil {
			log.WithError(err).Error("数据库连通性检查失败")
			database = statusDown
			return err
		}
		return nil
	})
	if h.rdb != nil {
		redisStatus = statusConnected
		g.Go(func() error {
			if err := h.rdb.Ping(ctx).Err(); err != nil {
				log.WithError(err).Error("Redis 连通性检查失败")
				redisStatus = statusDown
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	user := "anonymous"
	if caller := callerOf(c); caller != nil {
		user = caller.Subject
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"success":   err == nil,
		"database":  database,
		"redis":     redisStatus,
		"user":      user,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
