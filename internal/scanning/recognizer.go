package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/boomcard/receipt-trust/internal/scanning"

var errRecognizerClosed = errors.New("recognizer closed during setup")

// Recognizer owns a lazily started text recognition engine that is shared by
// every submission in the process.
type Recognizer struct {
	factory    EngineFactory
	language   string
	preprocess bool

	group singleflight.Group
	// mu is held for reading while the engine recognizes, so Close waits
	// for recognitions in flight.
	mu     sync.RWMutex
	engine Engine
	// generation counts Close calls. A setup started before a Close does
	// not install its engine.
	generation uint64
}

// RecognizerOption configures a Recognizer
type RecognizerOption func(*Recognizer)

// WithLanguage sets the language hint passed to the engine
func WithLanguage(language string) RecognizerOption {
	return func(r *Recognizer) {
		if language != "" {
			r.language = language
		}
	}
}

// WithPreprocessing toggles image preprocessing (on by default)
func WithPreprocessing(enabled bool) RecognizerOption {
	return func(r *Recognizer) {
		r.preprocess = enabled
	}
}

// NewRecognizer creates a Recognizer. The engine is not started until the
// first call to EnsureReady or Recognize.
func NewRecognizer(factory EngineFactory, opts ...RecognizerOption) *Recognizer {
	r := &Recognizer{
		factory:    factory,
		language:   DefaultLanguage,
		preprocess: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recognizer) current() Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine
}

// Ready reports whether the engine has been started
func (r *Recognizer) Ready() bool {
	return r.current() != nil
}

// EnsureReady starts the engine if needed. Concurrent callers share a single
// in-flight setup. A caller whose context ends stops waiting but the setup
// keeps running for the others. A failed setup is not cached, so a later
// call tries again.
func (r *Recognizer) EnsureReady(ctx context.Context) error {
	if r.current() != nil {
		return nil
	}

	ch := r.group.DoChan("engine", func() (interface{}, error) {
		if engine := r.current(); engine != nil {
			return engine, nil
		}
		r.mu.RLock()
		generation := r.generation
		r.mu.RUnlock()

		slog.Info("Initializing text recognition engine...", "language", r.language)
		engine, err := r.factory(context.WithoutCancel(ctx))
		if err != nil {
			slog.Error("Failed to initialize text recognition engine", "error", err)
			return nil, err
		}
		r.mu.Lock()
		if r.generation != generation {
			r.mu.Unlock()
			if closeErr := engine.Close(); closeErr != nil {
				slog.Warn("Failed to close text recognition engine", "error", closeErr)
			}
			return nil, errRecognizerClosed
		}
		r.engine = engine
		r.mu.Unlock()
		slog.Info("Text recognition engine ready")
		return engine, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("%w: %w", ErrEngineInit, res.Err)
		}
		return nil
	}
}

// Recognize reads the text of a receipt image
func (r *Recognizer) Recognize(ctx context.Context, imageData []byte, contentType string) (*Recognition, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scanning.recognize")
	defer span.End()

	if len(imageData) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnreadableImage)
	}
	if err := r.EnsureReady(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	input := r.prepare(imageData, contentType)

	r.mu.RLock()
	if r.engine == nil {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: engine closed", ErrEngineInit)
	}
	result, err := r.engine.Recognize(ctx, input, r.language)
	r.mu.RUnlock()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrRecognition, err)
	}
	result.Confidence = math.Max(0, math.Min(100, result.Confidence))
	span.SetAttributes(attribute.Float64("ocr.confidence", result.Confidence))
	return result, nil
}

// prepare returns the bytes handed to the engine. Preprocessing problems
// never abort recognition.
func (r *Recognizer) prepare(imageData []byte, contentType string) []byte {
	if r.preprocess {
		processed, err := preprocessImageData(imageData, contentType)
		if err == nil {
			return processed
		}
		slog.Warn("Image preprocessing failed, using unprocessed image",
			"content_type", contentType,
			"file_size", len(imageData),
			"error", err,
		)
	}

	converted, _, err := convertToPNG(imageData, contentType)
	if err != nil {
		slog.Warn("Image conversion failed, passing original bytes", "content_type", contentType, "error", err)
		return imageData
	}
	return converted
}

// Close waits for running recognitions and shuts the engine down. A setup
// in flight fails with ErrEngineInit. A later Recognize starts a fresh engine.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	if r.engine == nil {
		return nil
	}
	err := r.engine.Close()
	r.engine = nil
	return err
}
