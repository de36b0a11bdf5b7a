package search

import "errors"

var (
	// ErrInvalidSearchParameter indicates an unknown parameter name or an
	// illegal modifier/value combination in the client's query. Surfaced
	// as a 4xx at the boundary, never retried.
	ErrInvalidSearchParameter = errors.New("invalid search parameter")

	// ErrUnsupportedConstruct indicates a syntactically valid construct the
	// active dialect cannot express. The builder fails fast rather than
	// silently dropping a filter.
	ErrUnsupportedConstruct = errors.New("unsupported search construct")
)
