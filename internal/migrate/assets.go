package migrate

import (
	"bytes"
	"fmt"
	"image"
	"path"
	"strings"

	"github.com/disintegration/imaging"
)

// optimized is the outcome of preparing one asset for upload.
type optimized struct {
	Name        string
	Data        []byte
	ContentType string
}

// optimizeAsset prepares a course asset for object storage. Images larger
// than maxDim on either axis are downscaled and non-web formats re-encoded;
// print readability survives the cap. Anything that does not decode as an
// image passes through untouched.
func optimizeAsset(a Asset, maxDim int, maxBytes int64) (optimized, error) {
	img, format, err := image.Decode(bytes.NewReader(a.Data))
	if err != nil {
		// Not an image; upload as-is.
		return optimized{Name: a.Name, Data: a.Data, ContentType: "application/octet-stream"}, nil
	}

	bounds := img.Bounds()
	if maxDim > 0 && (bounds.Dx() > maxDim || bounds.Dy() > maxDim) {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}

	outFormat, outExt := chooseFormat(a.Name, format)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outFormat, imaging.JPEGQuality(85)); err != nil {
		return optimized{}, fmt.Errorf("encode asset %s: %w", a.Name, err)
	}
	if maxBytes > 0 && int64(buf.Len()) > maxBytes {
		return optimized{}, fmt.Errorf("asset %s still too large after optimization (%d bytes)", a.Name, buf.Len())
	}

	name := a.Name
	if ext := path.Ext(name); !strings.EqualFold(ext, "."+outExt) {
		name = strings.TrimSuffix(name, ext) + "." + outExt
	}
	return optimized{Name: name, Data: buf.Bytes(), ContentType: mimeForExt(outExt)}, nil
}

// chooseFormat keeps web-friendly formats and converts the rest to JPEG.
func chooseFormat(name, decoded string) (imaging.Format, string) {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return imaging.PNG, "png"
	case ".gif":
		return imaging.GIF, "gif"
	case ".jpg", ".jpeg":
		return imaging.JPEG, "jpg"
	case ".tif", ".tiff", ".bmp", ".psd":
		// Non-web-friendly formats are always converted.
		return imaging.JPEG, "jpg"
	}
	switch strings.ToLower(decoded) {
	case "png":
		return imaging.PNG, "png"
	case "gif":
		return imaging.GIF, "gif"
	}
	return imaging.JPEG, "jpg"
}

func mimeForExt(ext string) string {
	switch ext {
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
