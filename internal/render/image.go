package render

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// thumbnail は保存された画像を縮小してJPEGにする
func thumbnail(path string, maxWidth, maxHeight int) ([]byte, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("画像を開けません: %w", err)
	}
	img = imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("画像のエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
