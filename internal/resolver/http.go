package resolver

import "context"

// HTTP passes http(s) URLs through untouched; they are already directly
// fetchable.
type HTTP struct{}

func (h *HTTP) Schemes() []string {
	return []string{"http", "https"}
}

func (h *HTTP) Resolve(ctx context.Context, rawURL string) ([]string, error) {
	return []string{rawURL}, nil
}
