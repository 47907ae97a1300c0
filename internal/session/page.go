package session

import (
	"context"

	"github.com/Keyring-Network/railgraph/internal/extract"
	"github.com/Keyring-Network/railgraph/internal/provider"
)

// Page is the browser tab a provider session drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	// FirstVisible returns the first selector with a visible match.
	FirstVisible(ctx context.Context, selectors []string) (string, bool, error)
	Fill(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	PressEnter(ctx context.Context, selector string) error
	Activate(ctx context.Context) error
	Sampler(spec provider.Spec) extract.Sampler
	Close() error
	// Done is closed when the browser goes away on its own.
	Done() <-chan struct{}
}

// Launcher starts a persistent browser context on a profile directory.
type Launcher func(ctx context.Context, profileDir string) (Page, error)
