package completion

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// ScriptedService replays fixed chunks. It backs tests and the offline mode of
// the server when no API key is configured.
type ScriptedService struct {
	// Reply computes the chunks for a request. When nil, Chunks is used.
	Reply  func(req *Request) []string
	Chunks []string
	// FailAfter cuts the stream with io.ErrUnexpectedEOF after that many chunks
	// when positive.
	FailAfter int
	// StartErr is returned by Stream before any chunk.
	StartErr error
	// Delay is waited before every chunk.
	Delay time.Duration

	mu       sync.Mutex
	requests []*Request
}

var _ Service = (*ScriptedService)(nil)

// EchoReply answers with the last message content, split in words.
func EchoReply(req *Request) []string {
	if len(req.Messages) == 0 {
		return []string{"..."}
	}
	last := req.Messages[len(req.Messages)-1].Content
	ret := []string{"You said: "}
	start := 0
	for i, r := range last {
		if r == ' ' {
			ret = append(ret, last[start:i+1])
			start = i + 1
		}
	}
	if start < len(last) {
		ret = append(ret, last[start:])
	}
	return ret
}

func (s *ScriptedService) Stream(ctx context.Context, req *Request) (Stream, error) {
	s.mu.Lock()
	cp := *req
	cp.Messages = append([]conversation.ChatMessage{}, req.Messages...)
	s.requests = append(s.requests, &cp)
	s.mu.Unlock()

	if s.StartErr != nil {
		return nil, conversation.NewUpstreamError("completion", s.StartErr)
	}
	chunks := s.Chunks
	if s.Reply != nil {
		chunks = s.Reply(req)
	}
	return &scriptedStream{
		ctx:       ctx,
		chunks:    append([]string{}, chunks...),
		failAfter: s.FailAfter,
		delay:     s.Delay,
	}, nil
}

// Requests returns copies of every request received so far.
func (s *ScriptedService) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request{}, s.requests...)
}

func (s *ScriptedService) LastRequest() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

type scriptedStream struct {
	ctx       context.Context
	chunks    []string
	sent      int
	failAfter int
	delay     time.Duration
	closed    bool
}

func (s *scriptedStream) Recv() (string, error) {
	if s.closed {
		return "", io.ErrClosedPipe
	}
	if s.delay > 0 {
		select {
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.failAfter > 0 && s.sent >= s.failAfter {
		return "", conversation.NewUpstreamError("completion", io.ErrUnexpectedEOF)
	}
	if s.sent >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.sent]
	s.sent++
	return chunk, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}
