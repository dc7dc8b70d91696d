package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/tremor-api/internal/apperr"
)

// MaxUploadSize is the largest accepted image part.
const MaxUploadSize = 10 << 20

// maxRequestSize leaves room for the text fields sent next to the image.
const maxRequestSize = MaxUploadSize + 1<<20

// readImage returns the bytes of the multipart "image" field after checking
// its size and sniffed content type.
func readImage(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestSize)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return nil, fmt.Errorf("request body exceeds %d bytes: %w", maxRequestSize, apperr.ErrPayloadTooLarge)
		case errors.Is(err, http.ErrMissingFile):
			return nil, fmt.Errorf("image file required as multipart form-data field \"image\": %w", apperr.ErrValidation)
		default:
			return nil, fmt.Errorf("invalid multipart form: %w", apperr.ErrValidation)
		}
	}
	if file.Size > MaxUploadSize {
		return nil, fmt.Errorf("image exceeds %d bytes: %w", MaxUploadSize, apperr.ErrPayloadTooLarge)
	}

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("unable to open image: %w", err)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > MaxUploadSize {
		return nil, fmt.Errorf("image exceeds %d bytes: %w", MaxUploadSize, apperr.ErrPayloadTooLarge)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("image file is empty: %w", apperr.ErrValidation)
	}

	if contentType := http.DetectContentType(data); !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("expected an image, got %s: %w", contentType, apperr.ErrUnsupportedMedia)
	}
	return data, nil
}
