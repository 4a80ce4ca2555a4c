package handler

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"servicemarket/internal/config"
	"servicemarket/internal/identity"
	"servicemarket/internal/repository"
	"servicemarket/internal/service"
	"servicemarket/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	listings    *service.ListingService
	checkouts   *service.CheckoutService
	store       repository.Store
	rdb         *redis.Client
	debugErrors bool
}

// NewHandler 创建处理器实例；rdb 为空表示未启用 Redis
func NewHandler(listings *service.ListingService, checkouts *service.CheckoutService, store repository.Store, rdb *redis.Client, cfg *config.Config) *Handler {
	return &Handler{
		listings:    listings,
		checkouts:   checkouts,
		store:       store,
		rdb:         rdb,
		debugErrors: cfg.Server.DebugErrors,
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	response.FromError(c, err, h.debugErrors)
}

func callerOf(c *gin.Context) *identity.Caller {
	caller, _ := identity.CallerFromContext(c.Request.Context())
	return caller
}

// ============================================================
// 服务发布
// ============================================================

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

// formImage 读取表单里的 image 字段，没有上传时返回 nil
func formImage(c *gin.Context) (*service.ImageUpload, func(), error) {
	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return openImage(fh)
}

func openImage(fh *multipart.FileHeader) (*service.ImageUpload, func(), error) {
	f, err := fh.Open()
	if err != nil {
		return nil, nil, err
	}
	return &service.ImageUpload{Name: fh.Filename, Body: f, Size: fh.Size}, func() { f.Close() }, nil
}

func formDecimal(c *gin.Context, key string) (*decimal.Decimal, bool, error) {
	raw, ok := c.GetPostForm(key)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return nil, ok, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, ok, err
	}
	return &d, ok, nil
}

func formBool(c *gin.Context, key string) (bool, bool) {
	raw, ok := c.GetPostForm(key)
	return raw == "true" || raw == "on" || raw == "1", ok
}

// CreateService 发布服务
// POST /services  multipart/form-data（可带 image）或 JSON
func (h *Handler) CreateService(c *gin.Context) {
	var (
		in    service.ListingInput
		image *service.ImageUpload
	)

	if isMultipart(c) {
		price, _, err := formDecimal(c, "price")
		if err != nil {
			response.ParamError(c, "价格格式错误")
			return
		}
		in = service.ListingInput{
			Title:                  c.PostForm("title"),
			Description:            c.PostForm("description"),
			Price:                  price,
			Currency:               c.PostForm("currency"),
			PaymentType:            c.PostForm("payment_type"),
			PreferredPaymentMethod: c.PostForm("preferred_payment_method"),
		}
		in.IsPhysical, _ = formBool(c, "is_physical")
		in.IsOnline, _ = formBool(c, "is_online")

		img, closeImage, err := formImage(c)
		if err != nil {
			response.ParamError(c, "读取上传文件失败")
			return
		}
		defer closeImage()
		image = img
	} else if err := c.ShouldBindJSON(&in); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	svc, err := h.listings.Create(c.Request.Context(), callerOf(c), in, image)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, svc)
}

// ListServices 服务列表
// GET /services?page=1&page_size=20
func (h *Handler) ListServices(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	result, err := h.listings.List(c.Request.Context(), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// MyServices 当前用户发布的服务
// GET /services/mine
func (h *Handler) MyServices(c *gin.Context) {
	services, err := h.listings.ListByOwner(c.Request.Context(), callerOf(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"services": services})
}

// GetService 服务详情
// GET /services/:id
func (h *Handler) GetService(c *gin.Context) {
	svc, err := h.listings.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, svc)
}

// UpdateService 部分更新
// PATCH /services/:id
func (h *Handler) UpdateService(c *gin.Context) {
	var (
		patch service.ListingPatch
		image *service.ImageUpload
	)

	if isMultipart(c) {
		price, ok, err := formDecimal(c, "price")
		if err != nil {
			response.ParamError(c, "价格格式错误")
			return
		}
		if ok {
			patch.Price = price
		}
		patch.Title = formString(c, "title")
		patch.Description = formString(c, "description")
		patch.Currency = formString(c, "currency")
		patch.PaymentType = formString(c, "payment_type")
		patch.PreferredPaymentMethod = formString(c, "preferred_payment_method")
		if v, ok := formBool(c, "is_physical"); ok {
			patch.IsPhysical = &v
		}
		if v, ok := formBool(c, "is_online"); ok {
			patch.IsOnline = &v
		}

		img, closeImage, err := formImage(c)
		if err != nil {
			response.ParamError(c, "读取上传文件失败")
			return
		}
		defer closeImage()
		image = img
	} else if err := c.ShouldBindJSON(&patch); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	svc, err := h.listings.Update(c.Request.Context(), c.Param("id"), callerOf(c), patch, image)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, svc)
}

func formString(c *gin.Context, key string) *string {
	if v, ok := c.GetPostForm(key); ok {
		return &v
	}
	return nil
}

// DeleteService 删除服务，只有发布者可以删除
// DELETE /services/:id
func (h *Handler) DeleteService(c *gin.Context) {
	if err := h.listings.Delete(c.Request.Context(), c.Param("id"), callerOf(c)); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"success": true})
}
