package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"servicemarket/internal/config"
	"servicemarket/internal/identity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 最小的合法 PNG 文件头
var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func pngBody() []byte {
	return append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 64)...)
}

func TestInspect(t *testing.T) {
	body := pngBody()
	obj, err := Inspect("user-1", "my photo.png", bytes.NewReader(body), int64(len(body)), 1024)
	require.NoError(t, err)
	assert.Equal(t, "image/png", obj.ContentType)
	assert.Equal(t, "my-photo.png", obj.Name)

	all, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, body, all)
}

func TestInspectRasterTypes(t *testing.T) {
	tests := []struct {
		filename string
		body     []byte
		wantType string
		wantName string
	}{
		{"photo.jpeg", append([]byte{0xff, 0xd8, 0xff, 0xe0, 0, 0x10, 'J', 'F', 'I', 'F', 0}, bytes.Repeat([]byte{1}, 32)...), "image/jpeg", "photo.jpg"},
		{"photo.gif", append([]byte("GIF89a"), bytes.Repeat([]byte{1}, 32)...), "image/gif", "photo.gif"},
		{"photo.webp", append([]byte("RIFF\x24\x00\x00\x00WEBPVP8 "), bytes.Repeat([]byte{1}, 32)...), "image/webp", "photo.webp"},
		// 扩展名以文件内容为准
		{"photo.html", pngBody(), "image/png", "photo.png"},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			obj, err := Inspect("u", tt.filename, bytes.NewReader(tt.body), int64(len(tt.body)), 1024)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, obj.ContentType)
			assert.Equal(t, tt.wantName, obj.Name)
		})
	}
}

func TestInspectRejects(t *testing.T) {
	body := pngBody()

	_, err := Inspect("u", "a.png", bytes.NewReader(body), int64(len(body)), 10)
	assert.ErrorIs(t, err, ErrTooLarge)

	text := []byte("just some text, not an image")
	_, err = Inspect("u", "a.png", bytes.NewReader(text), int64(len(text)), 1024)
	assert.ErrorIs(t, err, ErrNotImage)

	_, err = Inspect("u", "a.png", bytes.NewReader(nil), 0, 1024)
	assert.ErrorIs(t, err, ErrEmptyFile)

	svg := []byte(`<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"><script>alert(document.cookie)</script></svg>`)
	_, err = Inspect("u", "a.png", bytes.NewReader(svg), int64(len(svg)), 1024)
	assert.ErrorIs(t, err, ErrNotImage, "SVG 可以内嵌脚本")

	bmp := append([]byte("BM"), bytes.Repeat([]byte{0}, 64)...)
	_, err = Inspect("u", "a.bmp", bytes.NewReader(bmp), int64(len(bmp)), 1024)
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "passwd.png", SanitizeName("../../etc/passwd", ".png"))
	assert.Equal(t, "image.png", SanitizeName("...", ".png"))
	assert.Equal(t, "a-b.jpg", SanitizeName(`C:\tmp\a b.jpg`, ".jpg"))
	assert.Equal(t, "evil.png", SanitizeName("evil.svg", ".png"))
	assert.Equal(t, "archive.tar.png", SanitizeName("archive.tar.gz", ".png"))
}

func TestObjectPath(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	assert.Equal(t, "user-1/1700000000123-a.png", ObjectPath("user-1", "a.png", now))
	assert.Equal(t, "a-b/1700000000123-a.png", ObjectPath("a/b", "a.png", now))
	assert.Equal(t, "unknown/1700000000123-a.png", ObjectPath("..", "a.png", now))
	assert.Equal(t, "unknown/1700000000123-a.png", ObjectPath(".", "a.png", now))
	assert.Equal(t, "-etc/1700000000123-a.png", ObjectPath("../etc", "a.png", now))
	assert.Equal(t, "a..b/1700000000123-a.png", ObjectPath("a..b", "a.png", now))
}

func TestLocalStoreUploadStaysInsideDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "images")
	s, err := NewLocalStore(config.LocalStorageConfig{Dir: dir, PublicPath: "/uploads"})
	require.NoError(t, err)

	url, err := s.Upload(context.Background(), Object{Owner: "..", Name: "a.png", Body: bytes.NewReader(pngBody())})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/uploads/unknown/"))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "图片目录之外没有写入文件")
	assert.Equal(t, "images", entries[0].Name())

	_, ok := s.resolve("../outside.png")
	assert.False(t, ok)
}

func TestLocalStoreUploadAndDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(config.LocalStorageConfig{Dir: dir, PublicPath: "/uploads/"})
	require.NoError(t, err)

	url, err := s.Upload(context.Background(), Object{Owner: "u1", Name: "a.png", Body: bytes.NewReader(pngBody())})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/uploads/u1/"))

	key := strings.TrimPrefix(url, "/uploads/")
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Equal(t, pngBody(), data)

	require.NoError(t, s.Delete(context.Background(), url))
	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(key)))
	assert.True(t, os.IsNotExist(err))

	// 重复删除不报错
	assert.NoError(t, s.Delete(context.Background(), url))
	assert.ErrorIs(t, s.Delete(context.Background(), "/uploads/../../etc/passwd"), ErrForeignURL)
	assert.ErrorIs(t, s.Delete(context.Background(), "https://elsewhere/x.png"), ErrForeignURL)
}

type recordedRequest struct {
	method, path, auth, apikey, contentType string
	body                                    []byte
}

func newObjectServer(t *testing.T, status int) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{
			method:      r.Method,
			path:        r.URL.Path,
			auth:        r.Header.Get("Authorization"),
			apikey:      r.Header.Get("apikey"),
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"Key":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestRemoteStoreUploadUsesScopedToken(t *testing.T) {
	srv, reqs := newObjectServer(t, http.StatusOK)
	s := NewRemoteStore(config.RemoteStorageConfig{URL: srv.URL + "/", Bucket: "services", APIKey: "anon"}, time.Second)
	s.now = func() time.Time { return time.UnixMilli(42) }

	ctx := identity.WithScopedToken(context.Background(), &identity.ScopedToken{Raw: "scoped-jwt"})
	url, err := s.Upload(ctx, Object{Owner: "u1", Name: "a.png", ContentType: "image/png", Body: bytes.NewReader(pngBody())})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/services/u1/42-a.png", url)

	require.Len(t, *reqs, 1)
	got := (*reqs)[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/storage/v1/object/services/u1/42-a.png", got.path)
	assert.Equal(t, "Bearer scoped-jwt", got.auth)
	assert.Equal(t, "anon", got.apikey)
	assert.Equal(t, "image/png", got.contentType)
	assert.Equal(t, pngBody(), got.body)

	require.NoError(t, s.Delete(context.Background(), url))
	require.Len(t, *reqs, 2)
	assert.Equal(t, http.MethodDelete, (*reqs)[1].method)
	assert.Equal(t, "Bearer anon", (*reqs)[1].auth)
}

func TestRemoteStoreUploadFailure(t *testing.T) {
	srv, _ := newObjectServer(t, http.StatusForbidden)
	s := NewRemoteStore(config.RemoteStorageConfig{URL: srv.URL, Bucket: "services", APIKey: "anon"}, time.Second)

	_, err := s.Upload(context.Background(), Object{Owner: "u1", Name: "a.png", ContentType: "image/png", Body: bytes.NewReader(pngBody())})
	assert.Error(t, err)

	assert.ErrorIs(t, s.Delete(context.Background(), "https://cdn.example/other.png"), ErrForeignURL)
}
