// Package blob 本地磁盘附件存储。文件名由服务端生成，图片额外解析宽高。
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ceyewan/chorus/logic/service"
	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/google/uuid"
)

// ErrTooLarge 文件超过大小上限
var ErrTooLarge = fmt.Errorf("blob exceeds size limit: %w", service.ErrBlobTooLarge)

// Store 本地磁盘存储
type Store struct {
	dir       string
	urlPrefix string
	maxSize   int64
	logger    clog.Logger
}

// NewStore 创建存储，目录不存在时自动创建
func NewStore(dir, urlPrefix string, maxSize int64, logger clog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &Store{
		dir:       dir,
		urlPrefix: "/" + strings.Trim(urlPrefix, "/"),
		maxSize:   maxSize,
		logger:    logger.WithNamespace("blob"),
	}, nil
}

var _ service.BlobStore = (*Store)(nil)

// Dir 存储目录
func (s *Store) Dir() string { return s.dir }

// URLPrefix 对外访问前缀
func (s *Store) URLPrefix() string { return s.urlPrefix }

// Put 写入文件，返回填好存储字段的附件（ID、上传者由调用方填写）
func (s *Store) Put(ctx context.Context, filename string, r io.Reader) (*model.Attachment, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	name := uuid.NewString() + ext
	full := filepath.Join(s.dir, name)

	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob: %w", err)
	}

	// 保留文件头用于嗅探类型与解析尺寸
	var head bytes.Buffer
	limited := io.LimitReader(r, s.maxSize+1)
	written, err := io.Copy(f, io.TeeReader(limited, &limitedBuffer{buf: &head, max: 64 << 10}))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(full)
		return nil, err
	}

	att := &model.Attachment{
		URL:  path.Join(s.urlPrefix, name),
		Path: name,
		Size: written,
	}
	att.Format = formatOf(head.Bytes(), ext)

	if cfg, format, err := image.DecodeConfig(bytes.NewReader(head.Bytes())); err == nil {
		w, h := cfg.Width, cfg.Height
		att.Width, att.Height = &w, &h
		att.Format = format
	}

	s.logger.DebugContext(ctx, "blob stored",
		clog.String("path", name),
		clog.Int64("size", written),
		clog.String("format", att.Format))
	return att, nil
}

// Remove 删除文件，文件已不存在时视为成功
func (s *Store) Remove(ctx context.Context, name string) error {
	clean := filepath.Base(filepath.Clean("/" + name))
	if clean == "/" || clean == "." {
		return fmt.Errorf("invalid blob path %q", name)
	}
	if err := os.Remove(filepath.Join(s.dir, clean)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	s.logger.DebugContext(ctx, "blob removed", clog.String("path", clean))
	return nil
}

// formatOf 非图片文件按内容嗅探，再退回扩展名
func formatOf(head []byte, ext string) string {
	if len(head) > 0 {
		mime := http.DetectContentType(head)
		if i := strings.IndexByte(mime, ';'); i >= 0 {
			mime = mime[:i]
		}
		if mime != "application/octet-stream" {
			return mime
		}
	}
	return strings.TrimPrefix(ext, ".")
}

// limitedBuffer 只保留前 max 字节，超出部分丢弃但不报错
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}
