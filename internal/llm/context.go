package llm

import "context"

type modelKey struct{}

// WithModel records the model a request is addressed to, so usage
// accounting downstream of the stream can attribute tokens.
func WithModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, modelKey{}, model)
}

// ModelFromContext returns the model set by WithModel, or "".
func ModelFromContext(ctx context.Context) string {
	s, _ := ctx.Value(modelKey{}).(string)
	return s
}
