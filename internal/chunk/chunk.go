// Package chunk reassembles large files that clients split into ordered
// byte ranges. Parts are buffered on disk under a per-item directory and
// concatenated in index order at completion; the buffer is released on
// every exit path. Sessions that never complete are purged by a
// background sweep.
package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNoSession is returned for part or completion calls naming an
	// item that was never initialized (or already completed).
	ErrNoSession = errors.New("chunk: no session")

	// ErrMismatch is returned by Complete when the received index set
	// does not exactly equal [0, totalChunks).
	ErrMismatch = errors.New("chunk: incomplete or inconsistent chunk set")
)

// Metadata travels with a chunk session from init to completion.
type Metadata struct {
	Name         string
	ContentType  string
	Size         int64
	LastModified int64
	InviteToken  string
	Fingerprint  string
}

type session struct {
	mu          sync.Mutex
	dir         string
	meta        Metadata
	totalChunks int
	received    map[int]bool
	lastActive  time.Time
	done        bool
}

// Manager owns all live chunk sessions. Buffers are exclusively owned by
// their (sessionID, itemID) pair and touched only by calls naming that pair.
type Manager struct {
	root string
	ttl  time.Duration
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewManager(root string, ttl time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		root:     root,
		ttl:      ttl,
		log:      log.With().Str("component", "chunk").Logger(),
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
	}
}

func key(sessionID, itemID string) string {
	return sessionID + "\x00" + itemID
}

func sanitizePathPart(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, s)
}

func (m *Manager) dir(sessionID, itemID string) string {
	return filepath.Join(m.root, sanitizePathPart(sessionID), sanitizePathPart(itemID))
}

// Init allocates a session for itemID with a fixed part count. Re-init of
// an existing item replaces the previous session instead of duplicating it.
func (m *Manager) Init(sessionID, itemID string, totalChunks int, meta Metadata) error {
	if totalChunks <= 0 {
		return fmt.Errorf("chunk: invalid total chunks %d", totalChunks)
	}

	dir := m.dir(sessionID, itemID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.sessions[key(sessionID, itemID)]; ok {
		prev.mu.Lock()
		prev.done = true
		os.RemoveAll(prev.dir)
		prev.mu.Unlock()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	m.sessions[key(sessionID, itemID)] = &session{
		dir:         dir,
		meta:        meta,
		totalChunks: totalChunks,
		received:    make(map[int]bool),
		lastActive:  time.Now(),
	}
	return nil
}

// PutChunk writes the part at the given logical index. Out-of-order and
// repeated delivery are tolerated; the last write for an index wins.
func (m *Manager) PutChunk(sessionID, itemID string, index int, data []byte) error {
	s := m.get(sessionID, itemID)
	if s == nil {
		return ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrNoSession
	}
	if index < 0 || index >= s.totalChunks {
		return fmt.Errorf("chunk: index %d out of range [0,%d)", index, s.totalChunks)
	}

	if err := os.WriteFile(s.partPath(index), data, 0644); err != nil {
		return err
	}
	s.received[index] = true
	s.lastActive = time.Now()
	return nil
}

// Complete validates the received index set, assembles parts in index
// order (not arrival order) and releases the buffer. The session is gone
// after Complete regardless of outcome.
func (m *Manager) Complete(sessionID, itemID string) ([]byte, Metadata, error) {
	s := m.take(sessionID, itemID)
	if s == nil {
		return nil, Metadata{}, ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		s.done = true
		if err := os.RemoveAll(s.dir); err != nil {
			m.log.Warn().Err(err).Str("dir", s.dir).Msg("failed to remove chunk dir")
		}
	}()

	if len(s.received) != s.totalChunks {
		return nil, s.meta, fmt.Errorf("%w: got %d of %d parts", ErrMismatch, len(s.received), s.totalChunks)
	}

	var buf bytes.Buffer
	if s.meta.Size > 0 {
		buf.Grow(int(s.meta.Size))
	}
	for i := 0; i < s.totalChunks; i++ {
		if !s.received[i] {
			return nil, s.meta, fmt.Errorf("%w: missing part %d", ErrMismatch, i)
		}
		part, err := os.ReadFile(s.partPath(i))
		if err != nil {
			return nil, s.meta, fmt.Errorf("chunk: read part %d: %w", i, err)
		}
		buf.Write(part)
	}

	return buf.Bytes(), s.meta, nil
}

// Abandon discards a session and its buffer.
func (m *Manager) Abandon(sessionID, itemID string) {
	if s := m.take(sessionID, itemID); s != nil {
		s.mu.Lock()
		s.done = true
		os.RemoveAll(s.dir)
		s.mu.Unlock()
	}
}

func (m *Manager) get(sessionID, itemID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key(sessionID, itemID)]
}

// take removes the session from the index so no new calls can reach it;
// in-flight calls still hold the session mutex.
func (m *Manager) take(sessionID, itemID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[key(sessionID, itemID)]
	delete(m.sessions, key(sessionID, itemID))
	return s
}

func (s *session) partPath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("part_%06d", index))
}

// StartGC launches the housekeeping sweep that purges sessions idle past
// the configured TTL. The per-session mutex keeps the sweep from racing an
// in-flight PutChunk or Complete.
func (m *Manager) StartGC(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, s := range m.sessions {
		// A session whose mutex is held has a call in flight; it is not
		// idle no matter what lastActive says.
		if !s.mu.TryLock() {
			continue
		}
		if !s.done && s.lastActive.Before(cutoff) {
			s.done = true
			delete(m.sessions, k)
			os.RemoveAll(s.dir)
			m.log.Info().Str("dir", s.dir).Msg("purged stale chunk session")
		}
		s.mu.Unlock()
	}
}
