package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"servicemarket/internal/commission"
	"servicemarket/internal/config"
	"servicemarket/internal/identity"
	"servicemarket/internal/model"
	"servicemarket/internal/repository"
	"servicemarket/internal/storage"
	"servicemarket/pkg/apperr"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// ListingInput 表单和 JSON 两种入口统一映射到这里，Price 为空表示未填写
type ListingInput struct {
	Title                  string           `json:"title"`
	Description            string           `json:"description"`
	Price                  *decimal.Decimal `json:"price"`
	Currency               string           `json:"currency"`
	IsPhysical             bool             `json:"is_physical"`
	IsOnline               bool             `json:"is_online"`
	PaymentType            string           `json:"payment_type"`
	PreferredPaymentMethod string           `json:"preferred_payment_method"`
}

// ListingPatch 部分更新，nil 字段保持原值
type ListingPatch struct {
	Title                  *string          `json:"title"`
	Description            *string          `json:"description"`
	Price                  *decimal.Decimal `json:"price"`
	Currency               *string          `json:"currency"`
	IsPhysical             *bool            `json:"is_physical"`
	IsOnline               *bool            `json:"is_online"`
	PaymentType            *string          `json:"payment_type"`
	PreferredPaymentMethod *string          `json:"preferred_payment_method"`
}

// Listing 通过校验的发布内容
type Listing struct {
	Title                  string
	Description            string
	Price                  decimal.Decimal
	Currency               string
	IsPhysical             bool
	IsOnline               bool
	PaymentType            string
	PreferredPaymentMethod *string
}

// ImageUpload 随发布一起上传的图片，Size 为 0 视为没有图片
type ImageUpload struct {
	Name string
	Body io.Reader
	Size int64
}

// ListingRules 校验用到的配置
//
// MaxPrice 为零时只检查金额能否换算成最小单位。
type ListingRules struct {
	DefaultCurrency string
	MaxPrice        decimal.Decimal
}

// ParseListing 发布内容的唯一校验入口
//
// 易物服务价格强制为 0，并清空首选支付方式。
// 付费服务的价格精度不能超过币种的最小单位，也不能超过 MaxPrice。
func ParseListing(in ListingInput, rules ListingRules) (Listing, error) {
	l := Listing{
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		IsPhysical:  in.IsPhysical,
		IsOnline:    in.IsOnline,
		PaymentType: strings.ToLower(strings.TrimSpace(in.PaymentType)),
	}

	if l.Title == "" || l.Description == "" {
		return Listing{}, apperr.Validation("标题和描述不能为空")
	}
	if !l.IsPhysical && !l.IsOnline {
		return Listing{}, apperr.Validation("至少选择一种服务方式（线下或线上）")
	}
	if l.PaymentType == "" {
		l.PaymentType = model.PaymentTypePaid
	}
	if !model.IsValidPaymentType(l.PaymentType) {
		return Listing{}, apperr.Validation("不支持的支付类型")
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = strings.ToUpper(rules.DefaultCurrency)
	}
	if !isCurrencyCode(currency) {
		return Listing{}, apperr.Validation("货币代码格式错误")
	}
	l.Currency = currency

	if l.PaymentType == model.PaymentTypeBarter {
		l.Price = decimal.Zero
		return l, nil
	}

	if in.Price == nil || !in.Price.IsPositive() {
		return Listing{}, apperr.Validation("付费服务的价格必须大于 0")
	}
	if !commission.Precise(*in.Price, currency) {
		return Listing{}, apperr.Validation(fmt.Sprintf("%s 价格最多保留 %d 位小数", currency, commission.Exponent(currency)))
	}
	tooLarge := rules.MaxPrice.IsPositive() && in.Price.GreaterThan(rules.MaxPrice)
	if _, err := commission.ToMinor(*in.Price, currency); err != nil || tooLarge {
		return Listing{}, apperr.Validation("价格超出上限")
	}
	l.Price = *in.Price

	if m := strings.ToLower(strings.TrimSpace(in.PreferredPaymentMethod)); m != "" {
		if !model.IsValidPaymentMethod(m) {
			return Listing{}, apperr.Validation("不支持的支付方式")
		}
		l.PreferredPaymentMethod = &m
	}
	return l, nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// inputFrom 把已有记录还原成输入，用于合并补丁后重新校验
func inputFrom(svc *model.Service) ListingInput {
	price := svc.Price
	in := ListingInput{
		Title:       svc.Title,
		Description: svc.Description,
		Price:       &price,
		Currency:    svc.Currency,
		IsPhysical:  svc.IsPhysical,
		IsOnline:    svc.IsOnline,
		PaymentType: svc.PaymentType,
	}
	if svc.PreferredPaymentMethod != nil {
		in.PreferredPaymentMethod = *svc.PreferredPaymentMethod
	}
	return in
}

func (p ListingPatch) apply(in ListingInput) ListingInput {
	if p.Title != nil {
		in.Title = *p.Title
	}
	if p.Description != nil {
		in.Description = *p.Description
	}
	if p.Price != nil {
		in.Price = p.Price
	}
	if p.Currency != nil {
		in.Currency = *p.Currency
	}
	if p.IsPhysical != nil {
		in.IsPhysical = *p.IsPhysical
	}
	if p.IsOnline != nil {
		in.IsOnline = *p.IsOnline
	}
	if p.PaymentType != nil {
		in.PaymentType = *p.PaymentType
	}
	if p.PreferredPaymentMethod != nil {
		in.PreferredPaymentMethod = *p.PreferredPaymentMethod
	}
	return in
}

type ListingService struct {
	services      repository.ServiceRepository
	images        storage.ImageStore
	rules         ListingRules
	maxImageBytes int64
	now           func() time.Time
}

func NewListingService(store repository.Store, images storage.ImageStore, cfg *config.Config) *ListingService {
	rules := ListingRules{
		DefaultCurrency: cfg.Payments.DefaultCurrency,
		MaxPrice:        cfg.Payments.PriceCeiling(),
	}
	return &ListingService{
		services:      store.Services(),
		images:        images,
		rules:         rules,
		maxImageBytes: cfg.Storage.MaxImageBytes,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// ListResult 分页结果
type ListResult struct {
	Services []*model.Service `json:"services"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

func requireCaller(caller *identity.Caller) error {
	if caller == nil || caller.Subject == "" {
		return apperr.Unauthorized("未授权")
	}
	return nil
}

// Create 校验 -> 上传图片 -> 写库
//
// 图片先于数据库写入；写库失败时删除已上传的图片。
func (s *ListingService) Create(ctx context.Context, caller *identity.Caller, in ListingInput, image *ImageUpload) (*model.Service, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	listing, err := ParseListing(in, s.rules)
	if err != nil {
		return nil, err
	}

	imageURL, err := s.upload(ctx, caller.Subject, image)
	if err != nil {
		return nil, err
	}

	now := s.now()
	svc := &model.Service{
		ID:        uuid.NewString(),
		UserID:    caller.Subject,
		ImageURL:  imageURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	listing.applyTo(svc)

	if err := s.services.Create(ctx, svc); err != nil {
		s.discardImage(imageURL, "写库失败，回滚已上传的图片")
		return nil, apperr.Persistence("保存服务失败", err)
	}

	log.WithFields(log.Fields{
		"service_id":   svc.ID,
		"user_id":      svc.UserID,
		"payment_type": svc.PaymentType,
	}).Info("服务发布成功")
	return svc, nil
}

func (l Listing) applyTo(svc *model.Service) {
	svc.Title = l.Title
	svc.Description = l.Description
	svc.Price = l.Price
	svc.Currency = l.Currency
	svc.IsPhysical = l.IsPhysical
	svc.IsOnline = l.IsOnline
	svc.PaymentType = l.PaymentType
	svc.PreferredPaymentMethod = l.PreferredPaymentMethod
}

// upload 没有图片时返回 nil
func (s *ListingService) upload(ctx context.Context, owner string, image *ImageUpload) (*string, error) {
	if image == nil || image.Size == 0 || image.Body == nil {
		return nil, nil
	}

	obj, err := storage.Inspect(owner, image.Name, image.Body, image.Size, s.maxImageBytes)
	switch {
	case errors.Is(err, storage.ErrNotImage):
		return nil, apperr.Validation("只能上传图片文件")
	case errors.Is(err, storage.ErrTooLarge):
		return nil, apperr.Validation("图片超过大小限制")
	case errors.Is(err, storage.ErrEmptyFile):
		return nil, nil
	case err != nil:
		return nil, apperr.Storage("读取图片失败", err)
	}

	url, err := s.images.Upload(ctx, obj)
	if err != nil {
		return nil, apperr.Storage("图片上传失败", err)
	}
	return &url, nil
}

// discardImage 尽力删除，失败只记日志
func (s *ListingService) discardImage(url *string, reason string) {
	if url == nil || *url == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.images.Delete(ctx, *url); err != nil {
		log.WithError(err).WithField("image_url", *url).Warn(reason + "：删除图片失败")
	}
}

func (s *ListingService) Get(ctx context.Context, id string) (*model.Service, error) {
	svc, err := s.services.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrServiceNotFound) {
			return nil, apperr.NotFound("服务不存在")
		}
		return nil, apperr.Persistence("查询服务失败", err)
	}
	return svc, nil
}

// List 按发布时间倒序分页
func (s *ListingService) List(ctx context.Context, page, pageSize int) (*ListResult, error) {
	page, pageSize = repository.Paginate(page, pageSize)
	services, total, err := s.services.List(ctx, page, pageSize)
	if err != nil {
		return nil, apperr.Persistence("查询服务列表失败", err)
	}
	if services == nil {
		services = []*model.Service{}
	}
	return &ListResult{Services: services, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *ListingService) ListByOwner(ctx context.Context, caller *identity.Caller) ([]*model.Service, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	services, err := s.services.ListByUser(ctx, caller.Subject)
	if err != nil {
		return nil, apperr.Persistence("查询服务列表失败", err)
	}
	if services == nil {
		services = []*model.Service{}
	}
	return services, nil
}

// owned 查询并校验归属，不满足时在任何修改之前返回
func (s *ListingService) owned(ctx context.Context, id string, caller *identity.Caller, denied string) (*model.Service, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	svc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !svc.OwnedBy(caller.Subject) {
		return nil, apperr.Forbidden(denied)
	}
	return svc, nil
}

// Update 合并补丁后整体重新校验；image 不为空时替换图片
func (s *ListingService) Update(ctx context.Context, id string, caller *identity.Caller, patch ListingPatch, image *ImageUpload) (*model.Service, error) {
	svc, err := s.owned(ctx, id, caller, "无权修改该服务")
	if err != nil {
		return nil, err
	}

	listing, err := ParseListing(patch.apply(inputFrom(svc)), s.rules)
	if err != nil {
		return nil, err
	}

	newURL, err := s.upload(ctx, caller.Subject, image)
	if err != nil {
		return nil, err
	}

	oldURL := svc.ImageURL
	listing.applyTo(svc)
	if newURL != nil {
		svc.ImageURL = newURL
	}
	svc.UpdatedAt = s.now()

	if err := s.services.Update(ctx, svc); err != nil {
		s.discardImage(newURL, "更新失败，回滚已上传的图片")
		if errors.Is(err, repository.ErrServiceNotFound) {
			return nil, apperr.NotFound("服务不存在")
		}
		return nil, apperr.Persistence("更新服务失败", err)
	}
	if newURL != nil {
		s.discardImage(oldURL, "替换图片")
	}

	log.WithFields(log.Fields{
		"service_id": svc.ID,
		"user_id":    svc.UserID,
	}).Info("服务已更新")
	return svc, nil
}

// Delete 物理删除；重复删除返回 NotFound
func (s *ListingService) Delete(ctx context.Context, id string, caller *identity.Caller) error {
	svc, err := s.owned(ctx, id, caller, "无权删除该服务")
	if err != nil {
		return err
	}

	if err := s.services.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrServiceNotFound) {
			return apperr.NotFound("服务不存在")
		}
		return apperr.Persistence("删除服务失败", err)
	}
	s.discardImage(svc.ImageURL, "服务已删除")

	log.WithFields(log.Fields{
		"service_id": id,
		"user_id":    caller.Subject,
	}).Info("服务已删除")
	return nil
}
