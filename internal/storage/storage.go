package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrNotImage   = errors.New("上传的文件不是图片")
	ErrTooLarge   = errors.New("图片超过大小限制")
	ErrEmptyFile  = errors.New("上传的文件为空")
	ErrForeignURL = errors.New("图片地址不属于当前存储")
	ErrInvalidKey = errors.New("非法的对象路径")
)

const sniffLen = 3072

// 只接受位图；SVG 可以内嵌脚本，不允许上传
var allowedImageTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

var unsafeNameChar = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Object 待上传的图片
type Object struct {
	Owner       string
	Name        string
	ContentType string
	Body        io.Reader
	Size        int64
}

// ImageStore 对象存储端口
type ImageStore interface {
	// Upload 返回公开访问地址
	Upload(ctx context.Context, obj Object) (string, error)
	// Delete 按 Upload 返回的地址删除对象
	Delete(ctx context.Context, publicURL string) error
	Driver() string
}

// Inspect 校验大小并嗅探内容类型
//
// 读取文件头判断真实类型，不信任客户端给的 Content-Type。
// 返回的 Object.Body 仍然包含完整内容。
func Inspect(owner, name string, body io.Reader, size, maxBytes int64) (Object, error) {
	if size == 0 {
		return Object{}, ErrEmptyFile
	}
	if maxBytes > 0 && size > maxBytes {
		return Object{}, ErrTooLarge
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Object{}, fmt.Errorf("读取文件失败: %w", err)
	}
	if n == 0 {
		return Object{}, ErrEmptyFile
	}
	head = head[:n]

	mt := mimetype.Detect(head)
	if !isAllowedImage(mt) {
		return Object{}, ErrNotImage
	}

	return Object{
		Owner:       owner,
		Name:        SanitizeName(name, mt.Extension()),
		ContentType: mt.String(),
		Body:        io.MultiReader(bytes.NewReader(head), body),
		Size:        size,
	}, nil
}

func isAllowedImage(mt *mimetype.MIME) bool {
	for _, t := range allowedImageTypes {
		if mt.Is(t) {
			return true
		}
	}
	return false
}

// SanitizeName 只保留安全字符，扩展名换成嗅探出的真实类型，空名字用 image
func SanitizeName(name, ext string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSuffix(name, path.Ext(name))
	name = strings.Trim(unsafeNameChar.ReplaceAllString(name, "-"), "-.")
	if name == "" {
		name = "image"
	}
	return name + ext
}

// ObjectPath 对象键：{owner}/{毫秒时间戳}-{文件名}
//
// owner 去掉开头的点，"." 和 ".." 不会成为路径段。
func ObjectPath(owner, name string, now time.Time) string {
	owner = strings.TrimLeft(unsafeNameChar.ReplaceAllString(owner, "-"), ".")
	if owner == "" {
		owner = "unknown"
	}
	return fmt.Sprintf("%s/%d-%s", owner, now.UnixMilli(), name)
}
