package rp

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/sessions"
	"github.com/oidcware/relier/oidc"
)

// Session is the per-user-agent key-value state the authenticator stores its
// flow attributes in.  The backing store is an external collaborator; this
// interface is the minimal surface the authenticator needs from it.
type Session interface {
	// ID returns a stable identifier for the session.
	ID() string

	Get(key string) interface{}
	Set(key string, value interface{})
	Delete(key string)

	// Lock and Unlock guard read-modify-write sequences on the session's
	// attributes.  Two concurrent requests from the same user agent (for
	// example a double-click race during the redirect) can otherwise race to
	// read or clear the same state.  Individual Get/Set/Delete calls are
	// safe without holding the lock; destructive updates are idempotent.
	Lock()
	Unlock()

	// Save writes whatever cookie state keeps the session bound to the user
	// agent.  It must be called before the response body is written.
	Save(w http.ResponseWriter, r *http.Request) error
}

// SessionStore resolves the Session for an incoming request, creating one if
// the request does not carry a session yet.
type SessionStore interface {
	Get(r *http.Request) (Session, error)
}

const sessionIDKey = "relier.session_id"

// MemorySessionStore is a SessionStore holding session attributes in process
// memory, bound to the user agent with a signed session-id cookie.  It is
// the moral equivalent of a servlet container's in-memory session manager:
// attribute values stay server side and may be live objects.
//
// Session expiry is not implemented here; an abandoned flow leaves its stale
// attributes in place until they are overwritten or the process restarts.
type MemorySessionStore struct {
	cookieName string
	cookies    *sessions.CookieStore

	mu   sync.Mutex
	data map[string]*memorySession
}

// NewMemorySessionStore creates a MemorySessionStore whose session-id cookie
// is authenticated with the provided key pairs (see gorilla/sessions).
func NewMemorySessionStore(cookieName string, keyPairs ...[]byte) *MemorySessionStore {
	return &MemorySessionStore{
		cookieName: cookieName,
		cookies:    sessions.NewCookieStore(keyPairs...),
		data:       make(map[string]*memorySession),
	}
}

// Get implements SessionStore.  A request carrying no valid session-id
// cookie gets a fresh session.
func (s *MemorySessionStore) Get(r *http.Request) (Session, error) {
	const op = "MemorySessionStore.Get"
	cookie, err := s.cookies.Get(r, s.cookieName)
	if cookie == nil {
		return nil, fmt.Errorf("%s: unable to get session cookie: %w", op, err)
	}
	// a cookie decode error just means a fresh session

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := cookie.Values[sessionIDKey].(string); ok {
		if ms, ok := s.data[id]; ok {
			ms.cookie = cookie
			return ms, nil
		}
	}
	id, err := oidc.NewID("s")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cookie.Values[sessionIDKey] = id
	ms := &memorySession{
		id:     id,
		values: make(map[string]interface{}),
		cookie: cookie,
	}
	s.data[id] = ms
	return ms, nil
}

type memorySession struct {
	id     string
	cookie *sessions.Session

	flowMu sync.Mutex // held via Lock/Unlock around read-modify-write

	mu     sync.Mutex // guards values
	values map[string]interface{}
}

func (s *memorySession) ID() string { return s.id }

func (s *memorySession) Get(key string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *memorySession) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *memorySession) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

func (s *memorySession) Lock()   { s.flowMu.Lock() }
func (s *memorySession) Unlock() { s.flowMu.Unlock() }

func (s *memorySession) Save(w http.ResponseWriter, r *http.Request) error {
	const op = "memorySession.Save"
	if err := s.cookie.Save(r, w); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
