// Package generate provides the language-model collaborator: a prompt goes
// in, a finite stream of text increments comes out.
package generate

import (
	"context"
	"strings"
	"sync"
)

// Model turns a prompt into an answer stream.
type Model interface {
	Generate(ctx context.Context, prompt string) (Stream, error)
}

// Stream is a lazy, finite, non-restartable sequence of text increments.
type Stream interface {
	// Recv delivers increments in emission order and is closed when
	// generation ends.
	Recv() <-chan string
	// Err reports why generation ended. Only meaningful after Recv is closed.
	Err() error
	// Close stops generation early.
	Close() error
}

// Collect drains s and returns the concatenated text and the stream's
// terminal error.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var sb strings.Builder
	for chunk := range s.Recv() {
		sb.WriteString(chunk)
	}
	return sb.String(), s.Err()
}

// producer emits increments until done or until emit reports the consumer
// went away.
type producer func(ctx context.Context, emit func(string) bool) error

type pipe struct {
	ch     chan string
	cancel context.CancelFunc
	err    error
	once   sync.Once
}

// newPipe runs produce in its own goroutine and exposes its output as a
// Stream.
func newPipe(ctx context.Context, produce producer) *pipe {
	ctx, cancel := context.WithCancel(ctx)
	p := &pipe{ch: make(chan string, 64), cancel: cancel}
	go func() {
		defer close(p.ch)
		defer cancel()
		p.err = produce(ctx, func(s string) bool {
			if s == "" {
				return true
			}
			select {
			case p.ch <- s:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return p
}

func (p *pipe) Recv() <-chan string { return p.ch }

func (p *pipe) Err() error { return p.err }

func (p *pipe) Close() error {
	p.once.Do(p.cancel)
	return nil
}

// Static is a Model that always answers with the same text. Chunk splits the
// answer into increments of that many bytes when positive.
type Static struct {
	Text  string
	Chunk int
}

// Generate emits s.Text.
func (s Static) Generate(ctx context.Context, prompt string) (Stream, error) {
	return newPipe(ctx, func(ctx context.Context, emit func(string) bool) error {
		text := s.Text
		for s.Chunk > 0 && len(text) > s.Chunk {
			if !emit(text[:s.Chunk]) {
				return ctx.Err()
			}
			text = text[s.Chunk:]
		}
		emit(text)
		return nil
	}), nil
}
