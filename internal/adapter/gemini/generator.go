package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"tubeqa/internal/apperr"
	"tubeqa/internal/llm"
)

// GeneratorOptions bound how hard the generator may press the API.
type GeneratorOptions struct {
	RPM          int
	TripFailures uint32
	OpenTimeout  time.Duration
}

func DefaultGeneratorOptions() GeneratorOptions {
	return GeneratorOptions{RPM: 60, TripFailures: 5, OpenTimeout: 30 * time.Second}
}

type Generator struct {
	client  *genai.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewGenerator(ctx context.Context, apiKey string, o GeneratorOptions, opts ...option.ClientOption) (*Generator, error) {
	client, err := genai.NewClient(ctx, append(opts, option.WithAPIKey(apiKey))...)
	if err != nil {
		return nil, err
	}
	if o.RPM <= 0 {
		o.RPM = DefaultGeneratorOptions().RPM
	}
	if o.TripFailures == 0 {
		o.TripFailures = DefaultGeneratorOptions().TripFailures
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultGeneratorOptions().OpenTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gemini-generate",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     o.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.TripFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
		// A rejected request says nothing about the health of the API.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperr.ErrInvalidRequest)
		},
	})

	burst := o.RPM / 10
	if burst < 1 {
		burst = 1
	}

	return &Generator{
		client:  client,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(float64(o.RPM)/60.0), burst),
	}, nil
}

func (g *Generator) Generate(ctx context.Context, prompt string, p llm.Params) (string, error) {
	ctx, span := otel.Tracer("tubeqa/gemini").Start(ctx, "gemini.generate_content")
	defer span.End()
	span.SetAttributes(
		attribute.String("gemini.model", p.Model),
		attribute.Int("gemini.prompt_length", len(prompt)),
	)

	if err := g.limiter.Wait(ctx); err != nil {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return "", fmt.Errorf("%w: %w", apperr.ErrTimeout, err)
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		model := g.client.GenerativeModel(p.Model)
		model.SetTemperature(p.Temperature)
		if p.MaxTokens > 0 {
			model.SetMaxOutputTokens(int32(p.MaxTokens))
		}

		resp, err := model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return nil, classify(err)
		}
		return resp, nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetAttributes(attribute.Bool("gemini.circuit_breaker_open", true))
			return "", fmt.Errorf("%w: %w", apperr.ErrRateLimited, err)
		}
		slog.ErrorContext(ctx, "generation failed", "model", p.Model, "error", err)
		return "", err
	}

	text := responseText(result.(*genai.GenerateContentResponse))
	if text == "" {
		return "", fmt.Errorf("%w: empty response", apperr.ErrGenerationFailed)
	}
	span.SetAttributes(attribute.Int("gemini.response_length", len(text)))
	return text, nil
}

func (g *Generator) Close() error {
	return g.client.Close()
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return strings.TrimSpace(b.String())
}
