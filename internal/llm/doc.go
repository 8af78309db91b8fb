// Package llm wraps the hosted language model used by the documentation
// writers and the Q&A path.
//
// New returns a Disabled client when no API key is configured. Every caller
// treats ErrUnavailable (and any other error) as a signal to use its
// templated fallback, so analyses complete without a model.
package llm
