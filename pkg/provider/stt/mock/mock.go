// Package mock provides test doubles for the stt package interfaces.
//
// Provider hands out a fresh [Session] on every StartStream call and keeps
// them for inspection. Tests drive a session with Final, Partial and End:
//
//	p := &mock.Provider{}
//	h, _ := p.StartStream(ctx, cfg)
//	p.Last().Final("hello there")
//	p.Last().End(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	configs  []stt.StreamConfig
	sessions []*Session
}

// StartStream records cfg and returns a new [Session].
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// SetStartStreamErr changes StartStreamErr under the lock.
func (p *Provider) SetStartStreamErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamErr = err
}

// Configs returns the StreamConfig of every StartStream call.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.StreamConfig(nil), p.configs...)
}

// Sessions returns every session handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Last returns the most recent session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu       sync.Mutex
	partials chan stt.Transcript
	finals   chan stt.Transcript
	ended    bool
	err      error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	sent       [][]byte
	closeCalls int
}

// NewSession returns an open session with buffered result channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return stt.ErrSessionClosed
	}
	s.sent = append(s.sent, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

// Partial emits an interim transcript. It is dropped after End.
func (s *Session) Partial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.partials <- stt.Transcript{Text: text}
	}
}

// Final emits a committed transcript. It is dropped after End.
func (s *Session) Final(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.finals <- stt.Transcript{Text: text, IsFinal: true}
	}
}

// End closes the result channels with err as the session error. Only the
// first call has an effect.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.partials)
	close(s.finals)
}

func (s *Session) Partials() <-chan stt.Transcript { return s.partials }
func (s *Session) Finals() <-chan stt.Transcript   { return s.finals }

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and ends the session.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// Sent returns the audio chunks received so far.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Ended reports whether End or Close ran.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

var _ stt.SessionHandle = (*Session)(nil)
