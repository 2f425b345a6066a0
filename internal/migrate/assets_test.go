package migrate

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngAsset(t *testing.T, name string, w, h int) Asset {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: uint8(x % 256), A: 255})
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return Asset{Name: name, Data: buf.Bytes()}
}

func TestOptimizeAsset_DownscalesOversizedImages(t *testing.T) {
	asset := pngAsset(t, "diagram.png", 400, 200)

	opt, err := optimizeAsset(asset, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, "diagram.png", opt.Name)
	assert.Equal(t, "image/png", opt.ContentType)

	img, format, err := image.Decode(bytes.NewReader(opt.Data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.LessOrEqual(t, img.Bounds().Dx(), 100)
	assert.LessOrEqual(t, img.Bounds().Dy(), 100)
}

func TestOptimizeAsset_SmallImageKeepsDimensions(t *testing.T) {
	asset := pngAsset(t, "icon.png", 32, 32)

	opt, err := optimizeAsset(asset, 2200, 0)
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(opt.Data))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
}

func TestOptimizeAsset_ConvertsUnknownExtensionToJPEG(t *testing.T) {
	asset := pngAsset(t, "scan.tiff", 50, 50)
	// The bytes are PNG but the name claims TIFF; output converts to JPEG.
	opt, err := optimizeAsset(asset, 2200, 0)
	require.NoError(t, err)
	assert.Equal(t, "scan.jpg", opt.Name)
	assert.Equal(t, "image/jpeg", opt.ContentType)

	_, format, err := image.Decode(bytes.NewReader(opt.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestOptimizeAsset_NonImagePassesThrough(t *testing.T) {
	asset := Asset{Name: "syllabus.pdf", Data: []byte("%PDF-1.4 not an image")}

	opt, err := optimizeAsset(asset, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, asset.Name, opt.Name)
	assert.Equal(t, asset.Data, opt.Data)
	assert.Equal(t, "application/octet-stream", opt.ContentType)
}

func TestOptimizeAsset_SizeCapEnforced(t *testing.T) {
	asset := pngAsset(t, "huge.png", 300, 300)

	_, err := optimizeAsset(asset, 0, 10) // 10 bytes is never enough
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}
