package llm

import (
	"context"
	"fmt"
	"sync"
)

// StubResponse is one scripted Generate outcome.
type StubResponse struct {
	Chunks []Chunk
	Err    error
}

// TextResponse scripts a plain assistant reply.
func TextResponse(text string) StubResponse {
	return StubResponse{Chunks: []Chunk{&TextChunk{Content: text}}}
}

// ToolCallResponse scripts an assistant turn that requests one tool call.
func ToolCallResponse(callID, name, arguments string) StubResponse {
	return StubResponse{Chunks: []Chunk{&ToolCallChunk{CallID: callID, Name: name, Arguments: arguments}}}
}

// StubClient is a scripted Client for tests: each Generate call consumes
// the next StubResponse in order and replays its chunks over a buffered,
// already-closed channel.
type StubClient struct {
	mu        sync.Mutex
	Responses []StubResponse
	Calls     []*GenerateInput

	// OnGenerate, when set, runs before each response is served so tests
	// can trigger side effects (cancel a context, stop a stream) at call
	// time.
	OnGenerate func(callIndex int, input *GenerateInput)
}

// NewStubClient scripts a client from the given responses.
func NewStubClient(responses ...StubResponse) *StubClient {
	return &StubClient{Responses: responses}
}

func (s *StubClient) Generate(_ context.Context, input *GenerateInput) (<-chan Chunk, error) {
	s.mu.Lock()
	idx := len(s.Calls)
	s.Calls = append(s.Calls, input)
	hook := s.OnGenerate
	var resp StubResponse
	exhausted := idx >= len(s.Responses)
	if !exhausted {
		resp = s.Responses[idx]
	}
	s.mu.Unlock()

	if hook != nil {
		hook(idx, input)
	}
	if exhausted {
		return nil, fmt.Errorf("stub llm: no scripted response for call %d", idx+1)
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	ch := make(chan Chunk, len(resp.Chunks))
	for _, c := range resp.Chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (s *StubClient) Close() error { return nil }

// CallCount reports how many Generate calls were made.
func (s *StubClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// LastInput returns the most recent GenerateInput, or nil.
func (s *StubClient) LastInput() *GenerateInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Calls) == 0 {
		return nil
	}
	return s.Calls[len(s.Calls)-1]
}
