package scanning

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrUnreadableImage is returned when the submitted image bytes cannot be read.
var ErrUnreadableImage = errors.New("unreadable image")

// HashImage returns the hex SHA-256 digest of everything read from r.
// No decoding or normalization happens first, so a re-encoded copy of the
// same photo hashes differently.
func HashImage(r io.Reader) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil reader", ErrUnreadableImage)
	}
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnreadableImage, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes hashes an in-memory image.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
