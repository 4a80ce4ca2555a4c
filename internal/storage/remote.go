package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"servicemarket/internal/config"
	"servicemarket/internal/identity"
	"servicemarket/internal/metrics"

	"github.com/go-resty/resty/v2"
)

// RemoteStore 托管对象存储（bucket + REST 接口）
//
//	上传  POST   {url}/storage/v1/object/{bucket}/{key}
//	删除  DELETE {url}/storage/v1/object/{bucket}/{key}
//	公开  GET    {url}/storage/v1/object/public/{bucket}/{key}
//
// 请求上下文里有 scoped token 时以调用方身份访问，存储侧的策略据此限制写入路径。
type RemoteStore struct {
	client  *resty.Client
	baseURL string
	bucket  string
	apiKey  string
	now     func() time.Time
}

func NewRemoteStore(cfg config.RemoteStorageConfig, timeout time.Duration) *RemoteStore {
	baseURL := strings.TrimRight(cfg.URL, "/")
	return &RemoteStore{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(0).
			SetHeader("apikey", cfg.APIKey),
		baseURL: baseURL,
		bucket:  cfg.Bucket,
		apiKey:  cfg.APIKey,
		now:     time.Now,
	}
}

func (s *RemoteStore) Driver() string { return config.StorageDriverRemote }

func (s *RemoteStore) bearer(ctx context.Context) string {
	if token, ok := identity.ScopedTokenFromContext(ctx); ok {
		return token.Raw
	}
	return s.apiKey
}

func (s *RemoteStore) objectURL(key string) string {
	return fmt.Sprintf("/storage/v1/object/%s/%s", s.bucket, key)
}

func (s *RemoteStore) publicPrefix() string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/", s.baseURL, s.bucket)
}

func (s *RemoteStore) Upload(ctx context.Context, obj Object) (url string, err error) {
	defer func() { metrics.ImageUploadsTotal.WithLabelValues(s.Driver(), metrics.Result(err)).Inc() }()

	key := ObjectPath(obj.Owner, obj.Name, s.now())
	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(s.bearer(ctx)).
		SetHeader("Content-Type", obj.ContentType).
		SetHeader("x-upsert", "false").
		SetBody(obj.Body).
		Post(s.objectURL(key))
	if err != nil {
		return "", fmt.Errorf("上传请求失败: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", fmt.Errorf("对象存储返回 %d: %s", resp.StatusCode(), resp.String())
	}
	return s.publicPrefix() + key, nil
}

func (s *RemoteStore) Delete(ctx context.Context, publicURL string) error {
	key, ok := strings.CutPrefix(publicURL, s.publicPrefix())
	if !ok || key == "" {
		return ErrForeignURL
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(s.bearer(ctx)).
		Delete(s.objectURL(key))
	if err != nil {
		return fmt.Errorf("删除请求失败: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("对象存储返回 %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
