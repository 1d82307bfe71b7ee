package conversation

import (
	"context"
	"sync"
)

// scriptedLLM returns queued replies in order and records every request.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []LLMRequest
	fallback string
}

func (s *scriptedLLM) Complete(_ context.Context, req LLMRequest) (LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return LLMResponse{}, err
		}
	}
	if len(s.replies) == 0 {
		return LLMResponse{Text: s.fallback}, nil
	}
	text := s.replies[0]
	s.replies = s.replies[1:]
	return LLMResponse{Text: text}, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedLLM) lastRequest() LLMRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}
