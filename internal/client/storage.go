package client

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrStorageClosed is returned when a Storage handle is used after its
	// storage was closed.
	ErrStorageClosed = errors.New("storage is closed")
	// ErrUnknownStorage is returned for a storage id the router does not know.
	ErrUnknownStorage = errors.New("unknown storage")
	// ErrUnknownPrefix is returned when a request id names no open storage.
	ErrUnknownPrefix = errors.New("no storage with that prefix")
	// ErrDuplicatePrefix is returned when a prefix is already routed.
	ErrDuplicatePrefix = errors.New("prefix already in use")
	// ErrInvalidPrefix is returned for a prefix that cannot appear in a
	// request id.
	ErrInvalidPrefix = errors.New("invalid storage prefix")
)

// StorageKind is the backend engine behind a storage.
type StorageKind string

const (
	KindSQLite   StorageKind = "sqlite"
	KindInMemory StorageKind = "inmem"
)

// Prefixes that select the unmangled version of a request or response in a
// request id. They can never name a storage.
const (
	prefixUnmangledRequest  = "u"
	prefixUnmangledResponse = "s"
)

// Storage is a handle to an open backend storage. Kind and ID never change;
// the routing prefix can be changed with Client.SetStoragePrefix.
type Storage struct {
	Kind StorageKind
	ID   int

	prefix atomic.Pointer[string]
	closed atomic.Bool
}

func newStorage(kind StorageKind, id int, prefix string) *Storage {
	s := &Storage{Kind: kind, ID: id}
	s.prefix.Store(&prefix)
	return s
}

// Prefix returns the letter that routes request ids to this storage.
func (s *Storage) Prefix() string { return *s.prefix.Load() }

// Closed reports whether the storage has been closed.
func (s *Storage) Closed() bool { return s.closed.Load() }

func (s *Storage) String() string {
	return fmt.Sprintf("%s storage %d (prefix %q)", s.Kind, s.ID, s.Prefix())
}

// FormatDescription encodes kind and prefix into the description saved with
// the storage on the backend.
func FormatDescription(kind StorageKind, prefix string) string {
	return string(kind) + "|" + prefix
}

// ParseDescription is the inverse of FormatDescription.
func ParseDescription(desc string) (StorageKind, string, error) {
	kind, prefix, ok := strings.Cut(desc, "|")
	if !ok || strings.Contains(prefix, "|") {
		return "", "", fmt.Errorf("storage description %q: want kind|prefix", desc)
	}
	switch StorageKind(kind) {
	case KindSQLite, KindInMemory:
	default:
		return "", "", fmt.Errorf("storage description %q: unknown kind %q", desc, kind)
	}
	if err := ValidatePrefix(prefix); err != nil {
		return "", "", err
	}
	return StorageKind(kind), prefix, nil
}

// ValidatePrefix accepts the empty prefix or a single ASCII letter other
// than the reserved u and s.
func ValidatePrefix(prefix string) error {
	switch {
	case prefix == "":
		return nil
	case len(prefix) != 1 || !isLetter(prefix[0]):
		return fmt.Errorf("%w %q: must be empty or one letter", ErrInvalidPrefix, prefix)
	case prefix == prefixUnmangledRequest || prefix == prefixUnmangledResponse:
		return fmt.Errorf("%w %q: reserved for unmangled messages", ErrInvalidPrefix, prefix)
	}
	return nil
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Router maps storage ids and request id prefixes to open storages. Both
// tables change together under one lock.
type Router struct {
	mu       sync.RWMutex
	byID     map[int]*Storage
	byPrefix map[string]*Storage
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		byID:     make(map[int]*Storage),
		byPrefix: make(map[string]*Storage),
	}
}

// Add registers a storage.
func (r *Router) Add(kind StorageKind, id int, prefix string) (*Storage, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPrefix[prefix]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicatePrefix, prefix)
	}
	if _, ok := r.byID[id]; ok {
		return nil, fmt.Errorf("storage %d is already registered", id)
	}
	s := newStorage(kind, id, prefix)
	r.byID[id] = s
	r.byPrefix[prefix] = s
	return s, nil
}

// Remove unregisters the storage with id and marks its handle closed.
func (r *Router) Remove(id int) (*Storage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStorage, id)
	}
	delete(r.byID, id)
	delete(r.byPrefix, s.Prefix())
	s.closed.Store(true)
	return s, nil
}

// Rename moves the storage with id to a new prefix.
func (r *Router) Rename(id int, prefix string) (*Storage, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStorage, id)
	}
	if s.Prefix() == prefix {
		return s, nil
	}
	if _, ok := r.byPrefix[prefix]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicatePrefix, prefix)
	}
	delete(r.byPrefix, s.Prefix())
	s.prefix.Store(&prefix)
	r.byPrefix[prefix] = s
	return s, nil
}

// Reset closes every handle and empties both tables.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		s.closed.Store(true)
	}
	r.byID = make(map[int]*Storage)
	r.byPrefix = make(map[string]*Storage)
}

// ByID looks up a storage by backend id.
func (r *Router) ByID(id int) (*Storage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ByPrefix looks up a storage by routing prefix.
func (r *Router) ByPrefix(prefix string) (*Storage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPrefix[prefix]
	return s, ok
}

// List returns the open storages ordered by id.
func (r *Router) List() []*Storage {
	r.mu.RLock()
	out := make([]*Storage, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of open storages.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// SplitRequestID separates the routing prefix from the database id. Ids that
// start with a digit have the empty prefix.
func SplitRequestID(id string) (prefix, dbID string, err error) {
	if id == "" {
		return "", "", errors.New("empty request id")
	}
	if isLetter(id[0]) {
		prefix, dbID = id[:1], id[1:]
	} else {
		dbID = id
	}
	if dbID == "" {
		return "", "", fmt.Errorf("request id %q has no database id", id)
	}
	return prefix, dbID, nil
}
