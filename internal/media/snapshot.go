package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

var ErrNoFrameSource = errors.New("video track cannot provide frames")

// Snapshot returns the current camera frame in true orientation. With
// preview set, front-camera frames are mirrored the way the local preview
// shows them.
func (m *Manager) Snapshot(preview bool) (image.Image, error) {
	t := m.VideoTrack()
	if t == nil {
		return nil, errors.New("no video track")
	}
	fs, ok := t.(FrameSource)
	if !ok {
		return nil, ErrNoFrameSource
	}
	img, err := fs.Frame()
	if err != nil {
		return nil, err
	}
	if preview && m.Mirrored() {
		return MirrorHorizontal(img), nil
	}
	return img, nil
}

// MirrorHorizontal returns a left-right flipped copy of img.
func MirrorHorizontal(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(b.Max.X-1-x, y-b.Min.Y, img.At(x, y))
		}
	}
	return out
}

// EncodeJPEG encodes img for upload.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
