package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const geminiTimeout = 30 * time.Second

// GeminiEngine implements Engine using Google Gemini as a transcriber
type GeminiEngine struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini returns a factory for a Gemini-backed engine
func NewGemini(apiKey string, modelName string) EngineFactory {
	return func(ctx context.Context) (Engine, error) {
		if apiKey == "" {
			return nil, fmt.Errorf("gemini api key is required")
		}
		if modelName == "" {
			modelName = "gemini-2.5-pro"
		}

		client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
		if err != nil {
			return nil, fmt.Errorf("creating gemini client: %w", err)
		}

		model := client.GenerativeModel(modelName)
		model.SetTemperature(0)

		return &GeminiEngine{
			client: client,
			model:  model,
		}, nil
	}
}

// Recognize transcribes a receipt image
func (g *GeminiEngine) Recognize(ctx context.Context, pngData []byte, language string) (*Recognition, error) {
	ctx, cancel := context.WithTimeout(ctx, geminiTimeout)
	defer cancel()

	// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type
	parts := []genai.Part{
		genai.ImageData("png", pngData),
		genai.Text(transcriptionPrompt(language)),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	recognition, err := parseTranscriptionJSON(responseText.String())
	if err != nil {
		return nil, fmt.Errorf("parsing transcription: %w", err)
	}
	return recognition, nil
}

// Close closes the Gemini client
func (g *GeminiEngine) Close() error {
	return g.client.Close()
}
