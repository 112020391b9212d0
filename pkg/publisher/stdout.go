package publisher

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/emerry-tsun/JMA/pkg/model"
)

// Stdout prints posts instead of sending them. Used for dry runs.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdout creates a publisher writing to w.
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{w: w}
}

func (s *Stdout) Name() string { return "stdout" }

func (s *Stdout) Publish(_ context.Context, post model.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "--- %s (%s)\n%s\n", post.Account, post.Lang.Tag(), post.Text); err != nil {
		return fmt.Errorf("write post: %w", err)
	}
	return nil
}
