package remote

import "sync"

// TokenSession is a Session backed by a configured API token. The session
// is authenticated exactly while a token is present; SetToken("") models
// logout.
type TokenSession struct {
	mu       sync.Mutex
	token    string
	handlers map[int]func(bool)
	nextID   int
}

// NewTokenSession creates a session with the given token (may be empty).
func NewTokenSession(token string) *TokenSession {
	return &TokenSession{
		token:    token,
		handlers: make(map[int]func(bool)),
	}
}

// Authenticated implements Session.Authenticated.
func (s *TokenSession) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != ""
}

// Token implements Session.Token.
func (s *TokenSession) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken replaces the token and notifies subscribers if the
// authenticated state changed.
func (s *TokenSession) SetToken(token string) {
	s.mu.Lock()
	was := s.token != ""
	s.token = token
	now := token != ""
	var handlers []func(bool)
	if was != now {
		for _, h := range s.handlers {
			handlers = append(handlers, h)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(now)
	}
}

// Subscribe implements Session.Subscribe.
func (s *TokenSession) Subscribe(handler func(authenticated bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.handlers[id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}
