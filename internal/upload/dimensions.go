package upload

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// ErrUndecodable is returned when the image header cannot be parsed.
var ErrUndecodable = errors.New("undecodable image")

// Dimensions decodes only the image header and returns its size.
func Dimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return cfg.Width, cfg.Height, nil
}
