package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaEngine implements Engine using a local Ollama vision model
type OllamaEngine struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama returns a factory for an Ollama-backed engine. Setup fails when
// the server does not answer.
//
// Vision models that transcribe receipts reasonably:
//   - llava:1.6
//   - qwen2-vl:7b (good OCR capabilities)
//   - bakllava
func NewOllama(baseURL string, modelName string) EngineFactory {
	return func(ctx context.Context) (Engine, error) {
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		if modelName == "" {
			modelName = "llava"
		}

		o := &OllamaEngine{
			baseURL: strings.TrimRight(baseURL, "/"),
			model:   modelName,
			client: &http.Client{
				Timeout: 120 * time.Second, // vision models are slow
			},
		}
		if err := o.ping(ctx); err != nil {
			return nil, err
		}
		return o, nil
	}
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

func (o *OllamaEngine) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error (status %d)", resp.StatusCode)
	}
	return nil
}

// Recognize transcribes a receipt image
func (o *OllamaEngine) Recognize(ctx context.Context, pngData []byte, language string) (*Recognition, error) {
	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: "json",
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an OCR engine. You transcribe printed receipts exactly as written.",
			},
			{
				Role:    "user",
				Content: transcriptionPrompt(language),
				Images:  []string{base64.StdEncoding.EncodeToString(pngData)},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	recognition, err := parseTranscriptionJSON(chatResp.Message.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing transcription: %w", err)
	}
	return recognition, nil
}

// Close is a no-op for the HTTP client
func (o *OllamaEngine) Close() error {
	return nil
}
