package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"servicemarket/internal/config"
	"servicemarket/internal/metrics"
)

// LocalStore 把图片写到本地目录，由 HTTP 服务在 PublicPath 下静态托管
type LocalStore struct {
	dir        string
	publicPath string
	now        func() time.Time
}

func NewLocalStore(cfg config.LocalStorageConfig) (*LocalStore, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建图片目录失败: %w", err)
	}
	return &LocalStore{
		dir:        dir,
		publicPath: "/" + strings.Trim(cfg.PublicPath, "/"),
		now:        time.Now,
	}, nil
}

func (s *LocalStore) Driver() string { return config.StorageDriverLocal }

func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) PublicPath() string { return s.publicPath }

func (s *LocalStore) Upload(ctx context.Context, obj Object) (url string, err error) {
	defer func() { metrics.ImageUploadsTotal.WithLabelValues(s.Driver(), metrics.Result(err)).Inc() }()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := ObjectPath(obj.Owner, obj.Name, s.now())
	target, ok := s.resolve(key)
	if !ok {
		return "", ErrInvalidKey
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, obj.Body); err != nil {
		f.Close()
		os.Remove(target)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(target)
		return "", err
	}
	return s.publicPath + "/" + key, nil
}

func (s *LocalStore) Delete(ctx context.Context, publicURL string) error {
	key, ok := strings.CutPrefix(publicURL, s.publicPath+"/")
	if !ok || key == "" {
		return ErrForeignURL
	}

	target, ok := s.resolve(key)
	if !ok {
		return ErrForeignURL
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// resolve 对象键对应的文件路径，逃出图片目录时 ok 为 false
func (s *LocalStore) resolve(key string) (string, bool) {
	target := filepath.Join(s.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(target, s.dir+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}
