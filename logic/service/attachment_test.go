package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlobs struct {
	recordingBlobs
	limit int64
}

func (b *memBlobs) Put(_ context.Context, filename string, r io.Reader) (*model.Attachment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > b.limit {
		return nil, fmt.Errorf("put %s: %w", filename, ErrBlobTooLarge)
	}
	w, h := 4, 3
	return &model.Attachment{
		URL:    "/blobs/" + filename,
		Path:   filename,
		Width:  &w,
		Height: &h,
		Format: "png",
		Size:   int64(len(data)),
	}, nil
}

func TestAttachmentService_Upload(t *testing.T) {
	store := newMemStore()
	store.addUser("alice")
	blobs := &memBlobs{limit: 16}
	svc := NewAttachmentService(store, blobs, clog.Discard())
	ctx := context.Background()

	t.Run("stored unbound", func(t *testing.T) {
		view, err := svc.Upload(ctx, "alice", "cat.png", strings.NewReader("pixels"))
		require.NoError(t, err)
		assert.NotEmpty(t, view.ID)
		assert.Equal(t, "/blobs/cat.png", view.URL)
		assert.Equal(t, int64(6), view.Size)

		saved := store.attachments[view.ID]
		require.NotNil(t, saved)
		assert.Equal(t, "alice", saved.UploaderID)
		assert.Nil(t, saved.MessageID)
	})

	t.Run("too large", func(t *testing.T) {
		_, err := svc.Upload(ctx, "alice", "big.png", strings.NewReader(strings.Repeat("x", 32)))
		assert.Equal(t, CodeValidationFailed, CodeOf(err))
	})
}
