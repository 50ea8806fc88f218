package secmem

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/classinsights/agent/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

// SecureString holds the device credential or a bearer token. Every
// formatting and serialization path prints [REDACTED]; Reveal is the only
// way to read the value. Zero wipes the backing bytes in place, best effort
// since the runtime may already have copied them.
type SecureString struct {
	mu         sync.Mutex
	data       []byte
	zeroed     atomic.Bool
	warnedOnce atomic.Bool
}

// NewSecureString copies s into a SecureString.
func NewSecureString(s string) *SecureString {
	b := make([]byte, len(s))
	copy(b, s)
	return &SecureString{data: b}
}

// Reveal returns the plaintext, or "" for a nil or wiped value.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	isZeroed := s.data == nil && s.zeroed.Load()
	val := string(s.data)
	s.mu.Unlock()

	if isZeroed {
		if s.warnedOnce.CompareAndSwap(false, true) {
			log.Warn("secret read after it was wiped")
		}
		return ""
	}
	return val
}

// Equal compares against a plaintext value in constant time.
func (s *SecureString) Equal(other string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return false
	}
	return subtle.ConstantTimeCompare(s.data, []byte(other)) == 1
}

// Empty reports whether there is no usable value.
func (s *SecureString) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) == 0
}

func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	return s.zeroed.Load()
}

func (s *SecureString) String() string {
	return redacted
}

func (s *SecureString) GoString() string {
	return redacted
}

// Format makes every verb, including %#v and %q, print the redaction marker.
func (s *SecureString) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

func (s *SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// UnmarshalJSON always fails; secrets come from config, never from payloads.
func (s *SecureString) UnmarshalJSON(data []byte) error {
	return fmt.Errorf("secmem: cannot deserialize into SecureString")
}

// Zero overwrites the backing bytes and marks the value as wiped.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.zeroed.Store(true)
}
