package blob

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ceyewan/genesis/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxSize int64) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), "blobs/", maxSize, clog.Discard())
	require.NoError(t, err)
	return s
}

func TestStore_PutImage(t *testing.T) {
	s := newTestStore(t, 1<<20)
	ctx := context.Background()

	img := image.NewRGBA(image.Rect(0, 0, 32, 16))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	att, err := s.Put(ctx, "Photo.PNG", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, "png", att.Format)
	require.NotNil(t, att.Width)
	require.NotNil(t, att.Height)
	assert.Equal(t, 32, *att.Width)
	assert.Equal(t, 16, *att.Height)
	assert.Equal(t, int64(buf.Len()), att.Size)
	assert.True(t, strings.HasSuffix(att.Path, ".png"))
	assert.Equal(t, "/blobs/"+att.Path, att.URL)

	_, err = os.Stat(filepath.Join(s.Dir(), att.Path))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, att.Path))
	_, err = os.Stat(filepath.Join(s.Dir(), att.Path))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, s.Remove(ctx, att.Path), "removing twice is not an error")
}

func TestStore_PutPlainFile(t *testing.T) {
	s := newTestStore(t, 1<<20)

	att, err := s.Put(context.Background(), "notes.txt", strings.NewReader("hello chorus"))
	require.NoError(t, err)
	assert.Nil(t, att.Width)
	assert.Equal(t, "text/plain", att.Format)
	assert.Equal(t, int64(len("hello chorus")), att.Size)
}

func TestStore_TooLarge(t *testing.T) {
	s := newTestStore(t, 8)

	_, err := s.Put(context.Background(), "big.bin", strings.NewReader("0123456789"))
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "partial file is cleaned up")
}

func TestStore_RemoveStaysInsideDir(t *testing.T) {
	s := newTestStore(t, 1<<20)
	outside := filepath.Join(filepath.Dir(s.Dir()), "keep.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	require.NoError(t, s.Remove(context.Background(), "../keep.txt"))
	_, err := os.Stat(outside)
	assert.NoError(t, err)
}
