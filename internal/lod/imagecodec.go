package lod

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
)

// ImagingCodec implements ImageCodec on top of
// github.com/disintegration/imaging, the resize/crop library the pack uses
// for avatar/photo derivation (other_examples/...avatar_processor.go.go);
// this repo adopts it directly for texture LOD derivation and (in
// internal/photo) photo thumbnailing, per SPEC_FULL.md's DOMAIN STACK.
type ImagingCodec struct{}

func (ImagingCodec) LoadImage(localPath string) (image.Image, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("lod: open %s: %w", localPath, err)
	}
	defer f.Close()
	img, err := imaging.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("lod: decode %s: %w", localPath, err)
	}
	return img, nil
}

// ResizeAndEncode resizes img to longEdge on its longest side (preserving
// aspect ratio, per spec §4.G step 3) and encodes it as PNG when hasAlpha
// is set, JPEG otherwise.
func (ImagingCodec) ResizeAndEncode(img image.Image, longEdge int, hasAlpha bool) ([]byte, uint64, string, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	var resized image.Image
	if w >= h {
		resized = imaging.Resize(img, longEdge, 0, imaging.Lanczos)
	} else {
		resized = imaging.Resize(img, 0, longEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	ext := ".jpg"
	format := imaging.JPEG
	var opts []imaging.EncodeOption
	if hasAlpha {
		ext = ".png"
		format = imaging.PNG
	} else {
		opts = append(opts, imaging.JPEGQuality(90))
	}
	if err := imaging.Encode(&buf, resized, format, opts...); err != nil {
		return nil, 0, "", fmt.Errorf("lod: encode: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), binary.BigEndian.Uint64(sum[:8]), ext, nil
}
