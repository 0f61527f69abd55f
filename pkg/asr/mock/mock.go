// Package mock provides scriptable asr.Provider and asr.SessionHandle
// implementations for tests.
package mock

import (
	"context"
	"sync"

	"github.com/loopnote/relay/pkg/asr"
)

// Provider implements asr.Provider. Each StartStream call returns a fresh
// Session (or StartErr when set) and records the config it was given.
type Provider struct {
	mu         sync.Mutex
	StartErr   error
	StartCalls []asr.StreamConfig
	Sessions   []*Session
}

// StartStream records the call and returns a new scriptable Session.
func (p *Provider) StartStream(_ context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Last returns the most recently started session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Starts returns how many times StartStream was called.
func (p *Provider) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartCalls)
}

// LastConfig returns the most recently recorded StreamConfig.
func (p *Provider) LastConfig() asr.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StartCalls) == 0 {
		return asr.StreamConfig{}
	}
	return p.StartCalls[len(p.StartCalls)-1]
}

// Session implements asr.SessionHandle. Tests drive it by calling the Emit
// methods; the relay under test consumes the channels.
type Session struct {
	mu        sync.Mutex
	sent      [][]byte
	SendErr   error // returned by SendPCM when set
	finalized bool

	FinalizeCalls int

	partials chan asr.Segment
	finals   chan asr.Segment
	status   chan asr.Status
}

// NewSession returns a Session ready to emit.
func NewSession() *Session {
	return &Session{
		partials: make(chan asr.Segment, 64),
		finals:   make(chan asr.Segment, 64),
		status:   make(chan asr.Status, 8),
	}
}

// SendPCM records the frame. Returns SendErr when set, asr.ErrFinalized after
// Finalize.
func (s *Session) SendPCM(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return asr.ErrFinalized
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.sent = append(s.sent, cp)
	return nil
}

// Sent returns a snapshot of all frames delivered via SendPCM.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Finalized reports whether Finalize has been called.
func (s *Session) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

func (s *Session) Partials() <-chan asr.Segment { return s.partials }
func (s *Session) Finals() <-chan asr.Segment   { return s.finals }
func (s *Session) Status() <-chan asr.Status    { return s.status }

// Finalize counts the call and closes all channels on first use.
func (s *Session) Finalize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinalizeCalls++
	if s.finalized {
		return nil
	}
	s.finalized = true
	close(s.partials)
	close(s.finals)
	close(s.status)
	return nil
}

// EmitPartial delivers an interim segment. No-op after Finalize.
func (s *Session) EmitPartial(seg asr.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	seg.IsFinal = false
	s.partials <- seg
}

// EmitFinal delivers a committed segment. No-op after Finalize.
func (s *Session) EmitFinal(seg asr.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	seg.IsFinal = true
	s.finals <- seg
}

// EmitStatus delivers an upstream status transition. No-op after Finalize.
func (s *Session) EmitStatus(st asr.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	s.status <- st
}
