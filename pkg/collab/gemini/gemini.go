// Package gemini provides a collab.Generator backed by the Gemini API.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/soullab/maia-voice/pkg/collab"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

const systemPrompt = "You are Maia, a calm and attentive conversational companion. " +
	"Respond briefly and warmly, in plain spoken prose suitable for voice synthesis. " +
	"Never use markdown, lists, or stage directions."

// Config for the Gemini generator.
type Config struct {
	// APIKey authenticates against the Gemini API. Required.
	APIKey string
	// Model overrides DefaultModel.
	Model string
	// MaxOutputTokens caps the reply length. Zero means no cap.
	MaxOutputTokens int32
}

// Generator implements collab.Generator over the Gemini API.
type Generator struct {
	client *genai.Client
	model  string
	maxOut int32
	logger *slog.Logger
}

// New creates a Generator. The client reuses its own HTTP transport, so one
// Generator should be shared across requests.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Generator{client: client, model: model, maxOut: cfg.MaxOutputTokens, logger: logger}, nil
}

// Generate sends the recent transcript plus the new utterance and returns the
// model's reply with token counts from the usage metadata.
func (g *Generator) Generate(ctx context.Context, recentContext, utterance string) (collab.Reply, error) {
	var prompt strings.Builder
	if recentContext != "" {
		prompt.WriteString("Recent conversation:\n")
		prompt.WriteString(recentContext)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("User: ")
	prompt.WriteString(utterance)

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}
	if g.maxOut > 0 {
		genCfg.MaxOutputTokens = g.maxOut
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt.String()), genCfg)
	if err != nil {
		return collab.Reply{}, fmt.Errorf("gemini: generate: %w", err)
	}

	reply := collab.Reply{Text: strings.TrimSpace(resp.Text())}
	if um := resp.UsageMetadata; um != nil {
		reply.InputTokens = int(um.PromptTokenCount)
		reply.OutputTokens = int(um.CandidatesTokenCount)
	}
	if reply.Text == "" {
		g.logger.Warn("gemini returned empty reply", "model", g.model)
	}
	return reply, nil
}
