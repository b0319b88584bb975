package scanning

import (
	"context"
	"errors"
)

// DefaultLanguage is the recognition language hint for Bulgarian and English receipts.
const DefaultLanguage = "bul+eng"

var (
	// ErrEngineInit is returned when the text recognition engine cannot be started.
	ErrEngineInit = errors.New("text recognition engine failed to initialize")

	// ErrRecognition is returned when the engine ran but could not read the image.
	ErrRecognition = errors.New("text recognition failed")
)

// Recognition is the raw output of a text recognition engine
type Recognition struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // 0-100
}

// Engine recognizes text in an image
type Engine interface {
	// Recognize reads the text of a PNG-encoded image
	Recognize(ctx context.Context, pngData []byte, language string) (*Recognition, error)
	// Close releases the engine's resources
	Close() error
}

// EngineFactory performs the expensive engine setup.
type EngineFactory func(ctx context.Context) (Engine, error)
