package llm

import (
	"context"
	"io"
)

// sliceStream emite fragmentos ya conocidos respetando la cancelacion del contexto.
type sliceStream struct {
	ctx       context.Context
	fragments []string
	idx       int
	failAt    int
	err       error
	closed    bool
}

func newSliceStream(ctx context.Context, fragments []string) *sliceStream {
	return &sliceStream{ctx: ctx, fragments: fragments, failAt: -1}
}

func (s *sliceStream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.failAt >= 0 && s.idx == s.failAt {
		return "", s.err
	}
	if s.idx >= len(s.fragments) {
		return "", io.EOF
	}
	f := s.fragments[s.idx]
	s.idx++
	return f, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}
