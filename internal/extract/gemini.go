package extract

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/genai"
)

const geminiPrompt = "Extract all readable text from the attached document. " +
	"Return only the text, preserving paragraph breaks. Do not summarize or add commentary."

// GeminiConfig configures the Gemini extraction driver.
// BaseURL is only set to point the client at a test server.
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Gemini sends documents to the Gemini API and asks it to transcribe their text.
// Formats the model cannot read natively are handed to Fallback.
type Gemini struct {
	client   *genai.Client
	model    string
	fallback Extractor
}

var _ Extractor = (*Gemini)(nil)

// NewGemini creates a Gemini extractor. fallback may be nil.
func NewGemini(ctx context.Context, cfg GeminiConfig, fallback Extractor) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini model is required")
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: client init failed: %w", err)
	}
	return &Gemini{client: client, model: cfg.Model, fallback: fallback}, nil
}

func geminiReadable(mime string) bool {
	return mime == mimePDF || strings.HasPrefix(mime, "image/") || strings.HasPrefix(mime, "text/")
}

// ExtractText implements Extractor.
func (g *Gemini) ExtractText(ctx context.Context, data []byte, contentType string) (string, error) {
	mime := normalize(contentType)
	if !geminiReadable(mime) {
		if g.fallback == nil {
			return "", newError(ErrUnsupportedFormat, nil)
		}
		return g.fallback.ExtractText(ctx, data, contentType)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, mime),
			genai.NewPartFromText(geminiPrompt),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", newError(ErrTimeout, err)
		}
		return "", fmt.Errorf("gemini: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", newError(ErrEmpty, nil)
	}
	return text, nil
}
