package inference

import (
	"context"
	"fmt"
	"strings"

	"edgeai/internal/registry"
	"edgeai/internal/token"
)

// Static answers without a model. It is the dry-run backend: output is a
// deterministic digest of the prompt so pipelines can be exercised offline.
type Static struct {
	// Reply, when set, is returned verbatim.
	Reply string
}

func (s Static) Infer(ctx context.Context, model registry.Handle, prompt string, params Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	text := s.Reply
	if text == "" {
		line := strings.TrimSpace(prompt)
		if i := strings.LastIndex(line, "\n"); i >= 0 {
			line = strings.TrimSpace(line[i+1:])
		}
		text = fmt.Sprintf("[%s] %s", modelName(model), line)
	}

	res := Result{PromptTokens: token.Count(params.System) + token.Count(prompt)}
	if params.MaxTokens > 0 && token.Count(text) > params.MaxTokens {
		text = token.Truncate(text, params.MaxTokens)
		applyFinishReason(&res, "length")
	}
	res.Text = text
	res.CompletionTokens = token.Count(text)
	return res, nil
}
