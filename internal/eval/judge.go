package eval

import (
	"context"
	"fmt"
	"strings"

	"tubeqa/internal/llm"
	"tubeqa/internal/vector"
)

// Judge scores how much of an answer is supported by its contexts, in [0, 1].
type Judge interface {
	Faithfulness(ctx context.Context, answer string, contexts []string) (float64, error)
}

const DefaultSupportThreshold = 0.75

// EmbeddingJudge counts an answer sentence as supported when its embedding
// is close enough to some context.
type EmbeddingJudge struct {
	embedder  llm.Embedder
	threshold float64
}

func NewEmbeddingJudge(e llm.Embedder, threshold float64) *EmbeddingJudge {
	if threshold <= 0 {
		threshold = DefaultSupportThreshold
	}
	return &EmbeddingJudge{embedder: e, threshold: threshold}
}

func (j *EmbeddingJudge) Faithfulness(ctx context.Context, answer string, contexts []string) (float64, error) {
	sentences := Sentences(answer)
	if len(sentences) == 0 || len(contexts) == 0 {
		return 0, nil
	}

	vecs, err := llm.EmbedAll(ctx, j.embedder, append(append([]string{}, sentences...), contexts...))
	if err != nil {
		return 0, fmt.Errorf("faithfulness: %w", err)
	}
	sv, cv := vecs[:len(sentences)], vecs[len(sentences):]

	supported := 0
	for _, s := range sv {
		best := -1.0
		for _, c := range cv {
			best = max(best, vector.Cosine(s, c))
		}
		if best >= j.threshold {
			supported++
		}
	}
	return float64(supported) / float64(len(sentences)), nil
}

const judgePrompt = `You are checking whether a statement is supported by a transcript excerpt.

Excerpts:
%s

Statement: %s

Reply with exactly one word: yes if the excerpts support the statement, otherwise no.`

// GenerationJudge asks the generation model about each answer sentence.
type GenerationJudge struct {
	generator llm.Generator
	params    llm.Params
}

func NewGenerationJudge(g llm.Generator, p llm.Params) *GenerationJudge {
	p.Temperature = 0
	if p.MaxTokens <= 0 || p.MaxTokens > 8 {
		p.MaxTokens = 8
	}
	return &GenerationJudge{generator: g, params: p}
}

func (j *GenerationJudge) Faithfulness(ctx context.Context, answer string, contexts []string) (float64, error) {
	sentences := Sentences(answer)
	if len(sentences) == 0 || len(contexts) == 0 {
		return 0, nil
	}
	joined := "- " + strings.Join(contexts, "\n- ")

	supported := 0
	for _, s := range sentences {
		out, err := j.generator.Generate(ctx, fmt.Sprintf(judgePrompt, joined, s), j.params)
		if err != nil {
			return 0, fmt.Errorf("faithfulness: %w", err)
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "yes") {
			supported++
		}
	}
	return float64(supported) / float64(len(sentences)), nil
}
