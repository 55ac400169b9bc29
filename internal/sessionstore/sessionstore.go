// Package sessionstore is the durable map from session key to routing and
// delivery metadata: which channel a session last heard from, when it was
// last touched, and whatever small bag of metadata the owning agent wants
// to keep attached to it.
//
// The store is a single JSON file per agent, safe for more than one process
// to share: writers take an exclusive sibling lock file before touching the
// real file, and every write is a temp-file-plus-rename so a reader never
// observes a half-written snapshot. A short-lived in-process cache serves
// repeated reads without re-touching disk on every call.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/openclaw/core/internal/config"
	. "github.com/openclaw/core/internal/logging"
)

const (
	lockRetryInterval  = 25 * time.Millisecond
	lockAcquireTimeout = 10 * time.Second
	lockStaleAfter     = 30 * time.Second

	cacheTTL = 45 * time.Second

	maxEntries = 500
	maxAge     = 30 * 24 * time.Hour
	maxFileSize = 10 * 1024 * 1024
)

// ErrLockTimeout is returned when the cross-process lock could not be
// acquired within lockAcquireTimeout.
var ErrLockTimeout = fmt.Errorf("sessionstore: lock timeout")

// LastDelivery records where a session's most recent outbound message went,
// so a later operation told to deliver to the symbolic channel "last" (an
// isolated cron job, for instance) can resolve a concrete destination
// without being handed one directly.
type LastDelivery struct {
	Channel   string    `json:"channel,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Account   string    `json:"account,omitempty"`
	Thread    string    `json:"thread,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

// QueuePolicy controls how a session admits a new inbound message while one
// is already in flight.
type QueuePolicy struct {
	Mode       string `json:"mode,omitempty"` // "queue", "debounce", "drop"
	DebounceMs int    `json:"debounceMs,omitempty"`
	Cap        int    `json:"cap,omitempty"`
}

// TokenCounters accumulates usage across a session's lifetime.
type TokenCounters struct {
	Input       int64 `json:"input,omitempty"`
	Output      int64 `json:"output,omitempty"`
	Total       int64 `json:"total,omitempty"`
	Compactions int   `json:"compactions,omitempty"`
}

// Entry is one session's identity, routing, and usage record.
type Entry struct {
	SessionKey string `json:"sessionKey"`
	// SessionID is a UUID distinct from SessionKey, assigned once and never
	// reused even if the same key is later recycled (e.g. a fresh isolated
	// cron run reusing "cron:{jobId}" conventions elsewhere in the key
	// space never collides with an earlier run's identity).
	SessionID string `json:"sessionId"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	TranscriptPath string `json:"transcriptPath,omitempty"`
	ChatType       string `json:"chatType,omitempty"` // "dm", "group", "channel"
	Channel        string `json:"channel,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	Subject        string `json:"subject,omitempty"`

	LastDelivery LastDelivery `json:"lastDelivery,omitempty"`

	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	ExecutionHost string `json:"executionHost,omitempty"`
	SecurityMode  string `json:"securityMode,omitempty"`

	Queue QueuePolicy `json:"queue,omitempty"`

	DisplayLabel string `json:"displayLabel,omitempty"`
	Origin       string `json:"origin,omitempty"`

	Tokens TokenCounters `json:"tokens,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// EntryFor returns the entry keyed by key within snap, creating one with a
// freshly minted SessionID if none exists yet. Callers use this from inside
// an Update mutator.
func EntryFor(snap *Snapshot, key string) *Entry {
	if e, ok := snap.Entries[key]; ok {
		return e
	}
	now := time.Now()
	e := &Entry{
		SessionKey: key,
		SessionID:  uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	snap.Entries[key] = e
	return e
}

// RecordDelivery stamps a session's last-delivery record and advances
// UpdatedAt.
func (e *Entry) RecordDelivery(d LastDelivery) {
	d.At = time.Now()
	e.LastDelivery = d
	e.UpdatedAt = d.At
}

// AccumulateTokens adds one turn's usage to the session's running counters
// and advances UpdatedAt.
func (e *Entry) AccumulateTokens(input, output int64) {
	e.Tokens.Input += input
	e.Tokens.Output += output
	e.Tokens.Total += input + output
	e.UpdatedAt = time.Now()
}

// Snapshot is a deep copy of the store's full contents, safe for a mutator
// to read and modify without affecting any other caller's view.
type Snapshot struct {
	Entries map[string]*Entry `json:"entries"`
}

func newSnapshot() *Snapshot {
	return &Snapshot{Entries: make(map[string]*Entry)}
}

func (s *Snapshot) clone() *Snapshot {
	out := newSnapshot()
	for k, v := range s.Entries {
		out.Entries[k] = v.clone()
	}
	return out
}

// Store is a single agent's session file. The zero value is not usable;
// use Open.
type Store struct {
	path string

	mu sync.Mutex // serializes Update calls within this process

	cacheMu   sync.RWMutex
	cached    *Snapshot
	cachedAt  time.Time
	cachedMod time.Time

	watcher *fsnotify.Watcher
	watchMu sync.Mutex
}

// Option customizes a Store at construction.
type Option func(*Store)

// WithFileWatch enables an fsnotify watch on the store file so the
// in-memory cache is invalidated as soon as another process edits it,
// rather than waiting for the next load() to notice via mtime. Disabled by
// default: load() already checks mtime on every call, so this is a
// latency optimization, never a correctness requirement.
func WithFileWatch(enabled bool) Option {
	return func(s *Store) {
		if enabled {
			s.startWatch()
		}
	}
}

// Open returns a Store backed by path, creating neither the file nor its
// parent directory until the first write.
func Open(path string, opts ...Option) *Store {
	s := &Store{path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) startWatch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		L_warn("sessionstore: failed to start file watch", "path", s.path, "error", err)
		return
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		L_warn("sessionstore: failed to watch directory", "dir", dir, "error", err)
		watcher.Close()
		return
	}

	s.watchMu.Lock()
	s.watcher = watcher
	s.watchMu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(s.path) {
					s.invalidateCache()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				L_warn("sessionstore: file watch error", "path", s.path, "error", err)
			}
		}
	}()
}

func (s *Store) invalidateCache() {
	s.cacheMu.Lock()
	s.cached = nil
	s.cacheMu.Unlock()
}

// Load returns a deep-copy snapshot of the store. A cached snapshot younger
// than cacheTTL and still matching the file's modification time is
// returned without touching disk; otherwise the file is re-read.
func (s *Store) Load() (*Snapshot, error) {
	if snap, ok := s.cachedSnapshot(); ok {
		return snap.clone(), nil
	}
	snap, _, err := s.readFromDisk()
	if err != nil {
		return nil, err
	}
	return snap.clone(), nil
}

func (s *Store) cachedSnapshot() (*Snapshot, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	if s.cached == nil {
		return nil, false
	}
	if time.Since(s.cachedAt) > cacheTTL {
		return nil, false
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.cached, true
		}
		return nil, false
	}
	if !info.ModTime().Equal(s.cachedMod) {
		return nil, false
	}
	return s.cached, true
}

// readFromDisk bypasses the cache, always re-reading the file, and
// refreshes the cache with what it found.
func (s *Store) readFromDisk() (*Snapshot, time.Time, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			snap := newSnapshot()
			s.storeCache(snap, time.Time{})
			return snap, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("sessionstore: read %s: %w", s.path, err)
	}

	var snap Snapshot
	if len(data) == 0 {
		snap = *newSnapshot()
	} else if err := json.Unmarshal(data, &snap); err != nil {
		return nil, time.Time{}, fmt.Errorf("sessionstore: parse %s: %w", s.path, err)
	}
	if snap.Entries == nil {
		snap.Entries = make(map[string]*Entry)
	}

	info, statErr := os.Stat(s.path)
	var modTime time.Time
	if statErr == nil {
		modTime = info.ModTime()
	}
	s.storeCache(&snap, modTime)
	return &snap, modTime, nil
}

func (s *Store) storeCache(snap *Snapshot, modTime time.Time) {
	s.cacheMu.Lock()
	s.cached = snap
	s.cachedAt = time.Now()
	s.cachedMod = modTime
	s.cacheMu.Unlock()
}

// Mutator mutates a Snapshot in place; a non-nil error aborts the update
// without writing anything.
type Mutator func(*Snapshot) error

// Update acquires the cross-process file lock, re-reads the store bypassing
// the cache, applies mutator to a mutable snapshot, runs maintenance, writes
// the result atomically, invalidates the cache, and releases the lock.
func (s *Store) Update(mutator Mutator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireFileLock()
	if err != nil {
		return err
	}
	defer unlock()

	snap, _, err := s.readFromDisk()
	if err != nil {
		return err
	}

	if err := mutator(snap); err != nil {
		return err
	}

	runMaintenance(snap)

	if err := s.writeAtomic(snap); err != nil {
		return err
	}

	s.invalidateCache()
	return nil
}

func (s *Store) lockPath() string {
	return s.path + ".lock"
}

func (s *Store) acquireFileLock() (func(), error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("sessionstore: create dir %s: %w", dir, err)
	}

	lockPath := s.lockPath()
	start := time.Now()
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n%d\n", os.Getpid(), time.Now().UnixMilli())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("sessionstore: create lock %s: %w", lockPath, err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleAfter {
				os.Remove(lockPath)
				continue
			}
		}

		if time.Since(start) > lockAcquireTimeout {
			return nil, ErrLockTimeout
		}
		time.Sleep(lockRetryInterval)
	}
}

// writeAtomic serializes snap and writes it via the shared atomic-write
// helper, keeping a best-effort .bak copy alongside.
func (s *Store) writeAtomic(snap *Snapshot) error {
	if err := bestEffortBackup(s.path); err != nil {
		L_warn("sessionstore: failed to write .bak copy", "path", s.path, "error", err)
	}
	return config.AtomicWriteJSON(s.path, snap, 0600)
}

func bestEffortBackup(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(path+".bak", data, 0600)
}

// runMaintenance prunes stale entries, caps total entry count (evicting
// least-recently-updated first), and, when the serialized snapshot would
// exceed maxFileSize, drops the least-recently-updated half of the entries.
// Dropped entries are deleted; they are not written to any archive file.
func runMaintenance(snap *Snapshot) {
	now := time.Now()
	for key, entry := range snap.Entries {
		if entry == nil || now.Sub(entry.UpdatedAt) > maxAge {
			delete(snap.Entries, key)
		}
	}

	if len(snap.Entries) > maxEntries {
		evictLeastRecentlyUpdated(snap, len(snap.Entries)-maxEntries)
	}

	if estimatedSize(snap) > maxFileSize {
		archiveOldestHalf(snap)
	}
}

func evictLeastRecentlyUpdated(snap *Snapshot, n int) {
	type kv struct {
		key     string
		updated time.Time
	}
	ordered := make([]kv, 0, len(snap.Entries))
	for key, entry := range snap.Entries {
		ordered = append(ordered, kv{key: key, updated: entry.UpdatedAt})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].updated.Before(ordered[j].updated) })

	for i := 0; i < n && i < len(ordered); i++ {
		delete(snap.Entries, ordered[i].key)
	}
}

func estimatedSize(snap *Snapshot) int {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0
	}
	return len(data)
}

func archiveOldestHalf(snap *Snapshot) {
	half := len(snap.Entries) / 2
	if half == 0 {
		return
	}
	evictLeastRecentlyUpdated(snap, half)
}

// Close releases resources (the file watcher, if enabled).
func (s *Store) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}
