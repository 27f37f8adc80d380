package llm

import (
	"context"
	"io"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Stream starts a streaming completion. The caller must Close the
	// returned stream.
	Stream(ctx context.Context, req Request) (Stream, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Stream yields chunks of a single completion in arrival order. Recv
// returns io.EOF after the last chunk.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// SliceStream replays a fixed sequence of chunks, optionally ending in
// an error instead of io.EOF. It backs scripted clients in tests and
// replays of stored responses.
type SliceStream struct {
	chunks []Chunk
	err    error
	pos    int
	closed bool
}

// NewSliceStream returns a stream over chunks that ends with io.EOF.
func NewSliceStream(chunks ...Chunk) *SliceStream {
	return &SliceStream{chunks: chunks}
}

// NewFailingStream returns a stream over chunks that ends with err.
func NewFailingStream(err error, chunks ...Chunk) *SliceStream {
	return &SliceStream{chunks: chunks, err: err}
}

// Recv returns the next chunk.
func (s *SliceStream) Recv() (Chunk, error) {
	if s.closed {
		return Chunk{}, io.ErrClosedPipe
	}
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.err != nil {
		return Chunk{}, s.err
	}
	return Chunk{}, io.EOF
}

// Close marks the stream closed.
func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}
