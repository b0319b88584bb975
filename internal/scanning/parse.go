package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// transcriptionPrompt is shared by the LLM-backed engines. They act as a
// plain OCR engine: the field extraction happens in Parser, the same as for
// Tesseract output.
func transcriptionPrompt(language string) string {
	return fmt.Sprintf(`You are reading a photographed shop receipt. The text is in these Tesseract languages: %s.

Transcribe ALL text on the receipt exactly as printed, line by line, top to bottom. Do not translate, summarize, reorder or correct anything. Keep amounts, dates and punctuation exactly as printed.

Return ONLY valid JSON in this exact format:
{
  "text": "first line\nsecond line",
  "confidence": 0
}

Important:
- "confidence" is a number from 0 to 100 describing how legible the receipt was
- Do not include any text before or after the JSON
- Do not use markdown code blocks`, language)
}

// parseTranscriptionJSON parses the JSON response of an LLM transcriber
func parseTranscriptionJSON(text string) (*Recognition, error) {
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	text = text[startIdx : endIdx+1]

	var data struct {
		Text       string   `json:"text"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	if strings.TrimSpace(data.Text) == "" {
		return nil, fmt.Errorf("empty transcription")
	}

	confidence := 0.0
	if data.Confidence != nil {
		confidence = *data.Confidence
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	return &Recognition{Text: data.Text, Confidence: confidence}, nil
}
