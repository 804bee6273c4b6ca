package service

import (
	"context"
	"errors"
	"io"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/chorus/repo"
	"github.com/ceyewan/genesis/clog"
	"github.com/google/uuid"
)

// ErrBlobTooLarge 由 BlobStore 返回，上传文件超过大小上限
var ErrBlobTooLarge = errors.New("blob too large")

// BlobStore 附件文件存储
type BlobStore interface {
	BlobRemover
	// Put 写入文件并返回存储相关字段（URL、Path、尺寸、格式、大小）
	Put(ctx context.Context, filename string, r io.Reader) (*model.Attachment, error)
}

// AttachmentService 附件上传：文件落盘后写入未绑定的附件记录，发送消息时再绑定
type AttachmentService struct {
	messageRepo repo.MessageRepo
	blobs       BlobStore
	logger      clog.Logger
}

// NewAttachmentService 创建附件服务
func NewAttachmentService(messageRepo repo.MessageRepo, blobs BlobStore, logger clog.Logger) *AttachmentService {
	return &AttachmentService{messageRepo: messageRepo, blobs: blobs, logger: logger}
}

// Upload 保存上传的文件，记录写入失败时删除已落盘的文件
func (s *AttachmentService) Upload(ctx context.Context, uploaderID, filename string, r io.Reader) (*protocol.AttachmentView, error) {
	att, err := s.blobs.Put(ctx, filename, r)
	if err != nil {
		if errors.Is(err, ErrBlobTooLarge) {
			return nil, invalid("file too large", err)
		}
		s.logger.ErrorContext(ctx, "failed to store blob", clog.String("uploader_id", uploaderID), clog.Error(err))
		return nil, NewError(CodeStorageUnavailable, "storage unavailable", err)
	}

	att.ID = uuid.NewString()
	att.UploaderID = uploaderID
	if err := s.messageRepo.CreateAttachment(ctx, att); err != nil {
		if rmErr := s.blobs.Remove(ctx, att.Path); rmErr != nil {
			s.logger.WarnContext(ctx, "failed to remove orphan blob", clog.String("path", att.Path), clog.Error(rmErr))
		}
		return nil, storageError(err, "attachment %s", att.ID)
	}

	s.logger.InfoContext(ctx, "attachment uploaded",
		clog.String("attachment_id", att.ID),
		clog.String("uploader_id", uploaderID),
		clog.Int64("size", att.Size))

	view := toAttachmentView(att)
	return &view, nil
}
