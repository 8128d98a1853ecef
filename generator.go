package quotagate

import "context"

// Generator is the interface that text-generation adapters must implement.
type Generator interface {
	// Name returns the generator identifier (e.g. "gemini", "mock").
	Name() string

	// Complete returns the generated text for prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}
