package tools

import "context"

// Provider answers caller questions from one backing data source.
type Provider interface {
	// Name is the advertised function tool name this provider serves.
	Name() string
	// DataType is the short human label used in fallback sentences,
	// e.g. "menu" or "business".
	DataType() string
	// IsRelevant reports whether the query plausibly belongs to this
	// provider's domain. Irrelevant queries are answered with guidance
	// instead of a data fetch.
	IsRelevant(query string) bool
	// Answer fetches and formats data for the query.
	Answer(ctx context.Context, query string) (string, error)
}
