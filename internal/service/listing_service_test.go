package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"servicemarket/internal/config"
	"servicemarket/internal/identity"
	"servicemarket/internal/infrastructure/database"
	"servicemarket/internal/model"
	"servicemarket/internal/repository"
	"servicemarket/internal/storage"
	"servicemarket/pkg/apperr"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{MaxImageBytes: 1 << 20},
		Payments: config.PaymentsConfig{
			CommissionRate:  "0.10",
			DefaultCurrency: "EUR",
			TimeoutSeconds:  5,
		},
		Business: config.BusinessConfig{CheckoutTimeoutMinutes: 60, MaxRetryCount: 3},
	}
}

func newTestStore(t *testing.T) repository.Store {
	t.Helper()
	db, err := database.Open(config.StoreConfig{
		Driver: config.StoreDriverSQLite,
		SQLite: config.SQLiteConfig{Path: "file:" + uuid.NewString() + "?mode=memory&cache=shared"},
	}, false)
	require.NoError(t, err)

	store := repository.NewGormStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeImages struct {
	mu        sync.Mutex
	uploadErr error
	uploaded  []string
	deleted   []string
}

func (f *fakeImages) Driver() string { return "fake" }

func (f *fakeImages) Upload(ctx context.Context, obj storage.Object) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	url := "https://cdn.test/" + obj.Owner + "/" + obj.Name
	f.uploaded = append(f.uploaded, url)
	return url, nil
}

func (f *fakeImages) Delete(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, url)
	return nil
}

// failingServices 写入总是失败
type failingServices struct {
	repository.ServiceRepository
}

func (failingServices) Create(ctx context.Context, svc *model.Service) error {
	return errors.New("disk full")
}

var pngImage = append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'},
	bytes.Repeat([]byte{7}, 64)...)

func pngUpload() *ImageUpload {
	return &ImageUpload{Name: "photo.png", Body: bytes.NewReader(pngImage), Size: int64(len(pngImage))}
}

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

var (
	alice = &identity.Caller{Subject: "alice"}
	bob   = &identity.Caller{Subject: "bob"}
	carol = &identity.Caller{Subject: "carol"}
)

func paidInput() ListingInput {
	return ListingInput{
		Title:       "  吉他课 ",
		Description: "每周一次，线上授课",
		Price:       price("25.50"),
		IsOnline:    true,
		PaymentType: model.PaymentTypePaid,
	}
}

var eurRules = ListingRules{DefaultCurrency: "EUR", MaxPrice: config.DefaultPriceCeiling}

func TestParseListing(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(in *ListingInput)
		wantErr string
	}{
		{"ok", func(in *ListingInput) {}, ""},
		{"empty title", func(in *ListingInput) { in.Title = "   " }, "标题和描述不能为空"},
		{"empty description", func(in *ListingInput) { in.Description = "" }, "标题和描述不能为空"},
		{"no delivery mode", func(in *ListingInput) { in.IsOnline = false }, "至少选择一种服务方式（线下或线上）"},
		{"paid without price", func(in *ListingInput) { in.Price = nil }, "付费服务的价格必须大于 0"},
		{"paid zero price", func(in *ListingInput) { in.Price = price("0") }, "付费服务的价格必须大于 0"},
		{"negative price", func(in *ListingInput) { in.Price = price("-1") }, "付费服务的价格必须大于 0"},
		{"unknown payment type", func(in *ListingInput) { in.PaymentType = "gift" }, "不支持的支付类型"},
		{"unknown method", func(in *ListingInput) { in.PreferredPaymentMethod = "cash" }, "不支持的支付方式"},
		{"bad currency", func(in *ListingInput) { in.Currency = "EURO" }, "货币代码格式错误"},
		{"below one cent", func(in *ListingInput) { in.Price = price("0.001") }, "EUR 价格最多保留 2 位小数"},
		{"extra decimals", func(in *ListingInput) { in.Price = price("19.999") }, "EUR 价格最多保留 2 位小数"},
		{"fractional yen", func(in *ListingInput) { in.Currency = "JPY"; in.Price = price("500.5") }, "JPY 价格最多保留 0 位小数"},
		{"above ceiling", func(in *ListingInput) { in.Price = price("10000000000") }, "价格超出上限"},
		{"overflows minor units", func(in *ListingInput) { in.Price = price("100000000000000000000") }, "价格超出上限"},
		{"at ceiling", func(in *ListingInput) { in.Price = price("9999999999.99") }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := paidInput()
			tt.mutate(&in)
			_, err := ParseListing(in, eurRules)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestParseListingNormalizes(t *testing.T) {
	in := paidInput()
	in.Currency = "usd"
	in.PreferredPaymentMethod = "PayPal"

	l, err := ParseListing(in, eurRules)
	require.NoError(t, err)
	assert.Equal(t, "吉他课", l.Title)
	assert.Equal(t, "USD", l.Currency)
	require.NotNil(t, l.PreferredPaymentMethod)
	assert.Equal(t, model.PaymentMethodPayPal, *l.PreferredPaymentMethod)

	in = paidInput()
	in.PaymentType = ""
	l, err = ParseListing(in, ListingRules{DefaultCurrency: "eur"})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentTypePaid, l.PaymentType)
	assert.Equal(t, "EUR", l.Currency)
}

func TestParseListingBarter(t *testing.T) {
	in := paidInput()
	in.PaymentType = model.PaymentTypeBarter
	in.Price = price("99")
	in.PreferredPaymentMethod = model.PaymentMethodStripe

	l, err := ParseListing(in, eurRules)
	require.NoError(t, err)
	assert.True(t, l.Price.IsZero())
	assert.Nil(t, l.PreferredPaymentMethod)

	in.Price = nil
	_, err = ParseListing(in, eurRules)
	assert.NoError(t, err)
}

func TestParseListingWithoutCeilingStillFitsMinorUnits(t *testing.T) {
	in := paidInput()
	in.Price = price("100000000000000000000")
	_, err := ParseListing(in, ListingRules{DefaultCurrency: "EUR"})
	require.Error(t, err)
	assert.Equal(t, "价格超出上限", err.Error())

	in.Price = price("50000000000")
	_, err = ParseListing(in, ListingRules{DefaultCurrency: "EUR"})
	assert.NoError(t, err)
}

func TestListingCreateRejectsUnbillablePrice(t *testing.T) {
	ctx := context.Background()
	s, images := newListingService(t)

	for _, p := range []string{"100000000000000000000", "0.001", "19.999"} {
		in := paidInput()
		in.Price = price(p)
		_, err := s.Create(ctx, alice, in, pngUpload())
		assert.True(t, apperr.Is(err, apperr.KindValidation), p)
	}
	assert.Empty(t, images.uploaded)

	list, err := s.ListByOwner(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func newListingService(t *testing.T) (*ListingService, *fakeImages) {
	images := &fakeImages{}
	return NewListingService(newTestStore(t), images, testConfig()), images
}

func TestListingCreate(t *testing.T) {
	ctx := context.Background()
	s, images := newListingService(t)

	svc, err := s.Create(ctx, alice, paidInput(), pngUpload())
	require.NoError(t, err)
	assert.Equal(t, "alice", svc.UserID)
	assert.Equal(t, "吉他课", svc.Title)
	assert.Equal(t, "EUR", svc.Currency)
	assert.Equal(t, svc.CreatedAt, svc.UpdatedAt)
	require.NotNil(t, svc.ImageURL)
	assert.Equal(t, []string{*svc.ImageURL}, images.uploaded)

	got, err := s.Get(ctx, svc.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("25.5")))
	assert.Equal(t, *svc.ImageURL, *got.ImageURL)
}

func TestListingCreateWithoutImage(t *testing.T) {
	s, images := newListingService(t)

	svc, err := s.Create(context.Background(), alice, paidInput(), &ImageUpload{Name: "empty.png", Size: 0})
	require.NoError(t, err)
	assert.Nil(t, svc.ImageURL)
	assert.Empty(t, images.uploaded)
}

func TestListingCreateRequiresCaller(t *testing.T) {
	s, images := newListingService(t)

	_, err := s.Create(context.Background(), nil, paidInput(), pngUpload())
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	assert.Empty(t, images.uploaded)
}

func TestListingCreateInvalidNoSideEffects(t *testing.T) {
	ctx := context.Background()
	s, images := newListingService(t)

	in := paidInput()
	in.IsOnline = false
	_, err := s.Create(ctx, alice, in, pngUpload())
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Empty(t, images.uploaded)

	mine, err := s.ListByOwner(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestListingCreateRejectsNonImage(t *testing.T) {
	s, _ := newListingService(t)

	text := []byte("definitely not an image")
	_, err := s.Create(context.Background(), alice, paidInput(),
		&ImageUpload{Name: "a.png", Body: bytes.NewReader(text), Size: int64(len(text))})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestListingCreateUploadFailureInsertsNothing(t *testing.T) {
	ctx := context.Background()
	s, images := newListingService(t)
	images.uploadErr = errors.New("bucket unavailable")

	_, err := s.Create(ctx, alice, paidInput(), pngUpload())
	assert.True(t, apperr.Is(err, apperr.KindStorage))

	mine, err := s.ListByOwner(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestListingCreateInsertFailureRemovesImage(t *testing.T) {
	s, images := newListingService(t)
	s.services = failingServices{s.services}

	_, err := s.Create(context.Background(), alice, paidInput(), pngUpload())
	assert.True(t, apperr.Is(err, apperr.KindPersistence))
	require.Len(t, images.uploaded, 1)
	assert.Equal(t, images.uploaded, images.deleted)
}

func TestListingDelete(t *testing.T) {
	ctx := context.Background()
	s, images := newListingService(t)

	svc, err := s.Create(ctx, alice, paidInput(), pngUpload())
	require.NoError(t, err)

	err = s.Delete(ctx, svc.ID, bob)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	_, err = s.Get(ctx, svc.ID)
	require.NoError(t, err, "非所有者删除后记录仍然存在")

	require.NoError(t, s.Delete(ctx, svc.ID, alice))
	assert.Equal(t, []string{*svc.ImageURL}, images.deleted)

	_, err = s.Get(ctx, svc.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	err = s.Delete(ctx, svc.ID, alice)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	err = s.Delete(ctx, uuid.NewString(), nil)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestListingUpdate(t *testing.T) {
	ctx := context.Background()
	s, _ := newListingService(t)

	svc, err := s.Create(ctx, alice, paidInput(), nil)
	require.NoError(t, err)

	_, err = s.Update(ctx, svc.ID, bob, ListingPatch{Title: strPtr("偷改")}, nil)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	updated, err := s.Update(ctx, svc.ID, alice, ListingPatch{
		Title:      strPtr("钢琴课"),
		IsPhysical: boolPtr(true),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "钢琴课", updated.Title)
	assert.True(t, updated.IsPhysical)
	assert.Equal(t, "alice", updated.UserID)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))

	_, err = s.Update(ctx, svc.ID, alice, ListingPatch{
		IsPhysical: boolPtr(false),
		IsOnline:   boolPtr(false),
	}, nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	barter, err := s.Update(ctx, svc.ID, alice, ListingPatch{PaymentType: strPtr(model.PaymentTypeBarter)}, nil)
	require.NoError(t, err)
	assert.True(t, barter.Price.IsZero())

	_, err = s.Update(ctx, uuid.NewString(), alice, ListingPatch{}, nil)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestListingUpdateReplacesImage(t *testing.T) {
	ctx := context.Background()
	s, images := newListingService(t)

	svc, err := s.Create(ctx, alice, paidInput(), pngUpload())
	require.NoError(t, err)
	oldURL := *svc.ImageURL

	upload := pngUpload()
	upload.Name = "new.png"
	updated, err := s.Update(ctx, svc.ID, alice, ListingPatch{}, upload)
	require.NoError(t, err)
	require.NotNil(t, updated.ImageURL)
	assert.NotEqual(t, oldURL, *updated.ImageURL)
	assert.Equal(t, []string{oldURL}, images.deleted)
}

func TestListingList(t *testing.T) {
	ctx := context.Background()
	s, _ := newListingService(t)

	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, alice, paidInput(), nil)
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, bob, paidInput(), nil)
	require.NoError(t, err)

	res, err := s.List(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Total)
	assert.Len(t, res.Services, 2)
	assert.Equal(t, 2, res.PageSize)

	res, err = s.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 20, res.PageSize)
	assert.Len(t, res.Services, 4)

	mine, err := s.ListByOwner(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}
