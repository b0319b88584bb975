package scanning

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// TesseractEngine implements Engine with a local Tesseract installation
type TesseractEngine struct {
	mu     sync.Mutex // gosseract clients are not safe for concurrent use
	client *gosseract.Client
	langs  []string
}

// NewTesseract returns a factory that starts a Tesseract client for the given
// language hint (e.g. "bul+eng").
func NewTesseract(language string) EngineFactory {
	return func(ctx context.Context) (Engine, error) {
		langs := splitLanguages(language)
		client := gosseract.NewClient()
		if err := client.SetLanguage(langs...); err != nil {
			client.Close()
			return nil, fmt.Errorf("setting tesseract language: %w", err)
		}
		if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
			client.Close()
			return nil, fmt.Errorf("setting page segmentation mode: %w", err)
		}
		if err := client.SetVariable("preserve_interword_spaces", "1"); err != nil {
			client.Close()
			return nil, fmt.Errorf("setting tesseract variable: %w", err)
		}
		return &TesseractEngine{client: client, langs: langs}, nil
	}
}

// Recognize runs Tesseract on a PNG image
func (t *TesseractEngine) Recognize(ctx context.Context, pngData []byte, language string) (*Recognition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if langs := splitLanguages(language); language != "" && !slices.Equal(langs, t.langs) {
		if err := t.client.SetLanguage(langs...); err != nil {
			return nil, fmt.Errorf("setting tesseract language: %w", err)
		}
		t.langs = langs
	}

	if err := t.client.SetImageFromBytes(pngData); err != nil {
		return nil, fmt.Errorf("loading image: %w", err)
	}
	text, err := t.client.Text()
	if err != nil {
		return nil, fmt.Errorf("reading text: %w", err)
	}

	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("reading word confidences: %w", err)
	}
	var total float64
	for _, box := range boxes {
		total += box.Confidence
	}
	confidence := 0.0
	if len(boxes) > 0 {
		confidence = total / float64(len(boxes))
	}

	return &Recognition{Text: text, Confidence: confidence}, nil
}

// Close releases the Tesseract client
func (t *TesseractEngine) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client.Close()
}

// splitLanguages turns "bul+eng" into ["bul", "eng"]
func splitLanguages(language string) []string {
	if strings.TrimSpace(language) == "" {
		language = DefaultLanguage
	}
	var langs []string
	for _, l := range strings.Split(language, "+") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	return langs
}
