// The durable store persists keyed values across process restarts. Each of the two scopes (session, local) is backed
// by its own medium and fronted by an in-memory mirror of decoded envelopes. Values carry an optional TTL and expire
// lazily: a read past the TTL removes the item from mirror and medium and reports a miss. Construction runs one sweep
// over both media; there is no periodic sweep here.
//
// When a medium rejects a write for lack of room, the oldest tenth of its entries (by envelope timestamp) is evicted
// and the write is retried once. Unparseable entries are misses, never errors, and are removed by the sweep.

package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/nobletooth/tiercache/pkg/utils"
)

var evictionRatio = flag.Float64("storage_eviction_ratio", 0.1,
	"Share of a full medium's entries evicted, oldest first, before retrying a rejected write.")

var (
	ErrWriteFailed  = errors.New("storage write failed")
	ErrUnknownScope = errors.New("unknown storage scope")
)

// Scope selects the medium of an operation.
type Scope string

const (
	Session Scope = "session" // Lives as long as the process.
	Local   Scope = "local"   // Survives restarts.
)

var allScopes = []Scope{Local, Session}

// ParseScope parses "session" or "local".
func ParseScope(name string) (Scope, error) {
	if scope := Scope(name); slices.Contains(allScopes, scope) {
		return scope, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScope, name)
}

// Options configures a Store.
type Options struct {
	Session Medium
	Local   Medium
	Clock   utils.Clock // Defaults to the system clock.
	// EvictionRatio is the share of entries evicted when a medium is full; <= 0 uses the flag value.
	EvictionRatio float64
	// KnownTransforms lets the sweep and quota eviction read entries written with transforms other than Identity.
	// Entries no known transform can decode are treated as corrupt.
	KnownTransforms []Transform
}

type itemOptions struct {
	scope     Scope
	ttl       time.Duration
	transform Transform
}

// ItemOption tunes a single store operation.
type ItemOption func(*itemOptions)

// InScope selects the medium; the default is Local.
func InScope(scope Scope) ItemOption { return func(o *itemOptions) { o.scope = scope } }

// WithTTL sets the lifetime of a written item; zero never expires.
func WithTTL(ttl time.Duration) ItemOption { return func(o *itemOptions) { o.ttl = ttl } }

// WithTransform sets the at-rest transform of the item. Reads must use the transform the item was written with.
func WithTransform(transform Transform) ItemOption {
	return func(o *itemOptions) { o.transform = transform }
}

// Store is the durable key/value store. It's safe for concurrent use; operations are serialized.
type Store struct {
	mux             sync.Mutex
	media           map[Scope]Medium
	mirror          map[Scope]map[string]envelope
	clock           utils.Clock
	evictionRatio   float64
	knownTransforms []Transform
}

// NewStore builds a store over the given media and sweeps expired and corrupt entries from both.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if opts.Session == nil || opts.Local == nil {
		return nil, errors.New("store needs both a session and a local medium")
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock{}
	}
	ratio := opts.EvictionRatio
	if ratio <= 0 {
		ratio = *evictionRatio
	}
	if ratio <= 0 || ratio > 1 {
		slog.Warn("Eviction ratio is out of (0, 1], falling back to 0.1.", "ratio", ratio)
		ratio = 0.1
	}
	s := &Store{
		media:           map[Scope]Medium{Session: opts.Session, Local: opts.Local},
		mirror:          map[Scope]map[string]envelope{Session: {}, Local: {}},
		clock:           opts.Clock,
		evictionRatio:   ratio,
		knownTransforms: append([]Transform{Identity}, opts.KnownTransforms...),
	}
	removed, err := s.Sweep(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial storage sweep failed: %w", err)
	}
	slog.Debug("Durable store is ready.", "swept", removed)
	return s, nil
}

func (s *Store) itemOptions(opts []ItemOption) (itemOptions, error) {
	o := itemOptions{scope: Local, transform: Identity}
	for _, opt := range opts {
		opt(&o)
	}
	if _, found := s.media[o.scope]; !found {
		return o, fmt.Errorf("%w: %q", ErrUnknownScope, o.scope)
	}
	if o.transform == nil {
		o.transform = Identity
	}
	return o, nil
}

// SetItem stores `value` as JSON under `key`, in the medium first and then in the mirror.
func (s *Store) SetItem(ctx context.Context, key string, value any, opts ...ItemOption) error {
	o, err := s.itemOptions(opts)
	if err != nil {
		return err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	env, err := newEnvelope(value, s.clock.Now(), o.ttl)
	if err != nil {
		return fmt.Errorf("%w: key %q: %w", ErrWriteFailed, key, err)
	}
	return s.writeLocked(ctx, o, key, env)
}

// writeLocked encodes and writes `env`, evicting the oldest entries once if the medium is full.
func (s *Store) writeLocked(ctx context.Context, o itemOptions, key string, env envelope) error {
	plain, err := env.encode()
	if err != nil {
		return fmt.Errorf("%w: key %q: %w", ErrWriteFailed, key, err)
	}
	payload, err := o.transform.Encode(plain)
	if err != nil {
		return fmt.Errorf("%w: key %q: %w", ErrWriteFailed, key, err)
	}

	medium := s.media[o.scope]
	err = medium.Set(ctx, key, string(payload))
	if errors.Is(err, ErrQuotaExceeded) {
		evicted, evictErr := s.evictOldestLocked(ctx, o.scope, o.transform)
		slog.Warn("Storage medium is full, evicted the oldest entries.", "scope", o.scope, "key", key,
			"evicted", evicted, "evictError", evictErr)
		err = medium.Set(ctx, key, string(payload))
	}
	if err != nil {
		storageWriteFailures.WithLabelValues(string(o.scope)).Inc()
		return fmt.Errorf("%w: key %q in %s storage: %w", ErrWriteFailed, key, o.scope, err)
	}
	s.mirror[o.scope][key] = env
	return nil
}

// evictOldestLocked removes the oldest share of decodable entries of `scope` and returns how many were removed.
func (s *Store) evictOldestLocked(ctx context.Context, scope Scope, transform Transform) (int, error) {
	medium := s.media[scope]
	keys, err := medium.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s storage: %w", scope, err)
	}
	type candidate struct {
		key       string
		timestamp int64
	}
	candidates := make([]candidate, 0, len(keys))
	for _, key := range keys {
		payload, err := medium.Get(ctx, key)
		if err != nil {
			continue
		}
		env, err := s.decodeKnown([]byte(payload), transform)
		if err != nil { // Entries nobody can read are left to the sweep.
			continue
		}
		candidates = append(candidates, candidate{key: key, timestamp: env.Timestamp})
	}
	slices.SortStableFunc(candidates, func(a, b candidate) int { return cmp.Compare(a.timestamp, b.timestamp) })

	// The epsilon keeps float noise (0.1 * 30 = 3.0000000000000004) from evicting one entry too many.
	toRemove := min(len(candidates), int(math.Ceil(float64(len(candidates))*s.evictionRatio-1e-9)))
	removed := 0
	for _, victim := range candidates[:toRemove] {
		if err := medium.Delete(ctx, victim.key); err != nil {
			return removed, fmt.Errorf("failed to evict %q: %w", victim.key, err)
		}
		delete(s.mirror[scope], victim.key)
		removed++
	}
	storageQuotaEvictions.WithLabelValues(string(scope)).Add(float64(removed))
	return removed, nil
}

// decodeKnown decodes a payload with `preferred` first and then with every known transform.
func (s *Store) decodeKnown(payload []byte, preferred Transform) (envelope, error) {
	transforms := s.knownTransforms
	if preferred != nil {
		transforms = append([]Transform{preferred}, transforms...)
	}
	var errs []error
	for _, transform := range transforms {
		plain, err := transform.Decode(payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		env, err := parseEnvelope(plain)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return env, nil
	}
	return envelope{}, errors.Join(errs...)
}

// getLocked returns the live envelope of `key`, reading through to the medium on a mirror miss.
// Expired items are removed from both tiers; corrupt ones are reported as missing.
func (s *Store) getLocked(ctx context.Context, o itemOptions, key string) (envelope, bool, error) {
	now := s.clock.Now()
	if env, found := s.mirror[o.scope][key]; found && !env.isExpired(now) {
		storageLookups.WithLabelValues(string(o.scope), "mirror_hit").Inc()
		return env, true, nil
	}

	payload, err := s.media[o.scope].Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		delete(s.mirror[o.scope], key)
		storageLookups.WithLabelValues(string(o.scope), "miss").Inc()
		return envelope{}, false, nil
	}
	if err != nil {
		return envelope{}, false, fmt.Errorf("failed to read %q from %s storage: %w", key, o.scope, err)
	}
	plain, err := o.transform.Decode([]byte(payload))
	if err == nil {
		var env envelope
		if env, err = parseEnvelope(plain); err == nil {
			if env.isExpired(now) {
				storageLookups.WithLabelValues(string(o.scope), "expired").Inc()
				return envelope{}, false, s.removeLocked(ctx, o.scope, key)
			}
			s.mirror[o.scope][key] = env
			storageLookups.WithLabelValues(string(o.scope), "medium_hit").Inc()
			return env, true, nil
		}
	}
	storageLookups.WithLabelValues(string(o.scope), "corrupt").Inc()
	slog.Debug("Ignoring unreadable storage entry.", "scope", o.scope, "key", key, "error", err)
	return envelope{}, false, nil
}

// GetItem decodes the value of `key` into `out` and reports whether it was found. Expired and unreadable items are
// not found. `out` may be nil to only check presence.
func (s *Store) GetItem(ctx context.Context, key string, out any, opts ...ItemOption) (bool, error) {
	o, err := s.itemOptions(opts)
	if err != nil {
		return false, err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	env, found, err := s.getLocked(ctx, o, key)
	if err != nil || !found {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return true, fmt.Errorf("failed to decode %q into %T: %w", key, out, err)
	}
	return true, nil
}

// Load is GetItem returning a typed value.
func Load[T any](ctx context.Context, s *Store, key string, opts ...ItemOption) (T, bool, error) {
	var value T
	found, err := s.GetItem(ctx, key, &value, opts...)
	return value, found, err
}

// HasItem reports whether `key` is readable, with the side effects of GetItem (expired items get removed).
func (s *Store) HasItem(ctx context.Context, key string, opts ...ItemOption) (bool, error) {
	return s.GetItem(ctx, key, nil, opts...)
}

// RemoveItem deletes `key` from the mirror and the medium.
func (s *Store) RemoveItem(ctx context.Context, key string, opts ...ItemOption) error {
	o, err := s.itemOptions(opts)
	if err != nil {
		return err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.removeLocked(ctx, o.scope, key)
}

func (s *Store) removeLocked(ctx context.Context, scope Scope, key string) error {
	delete(s.mirror[scope], key)
	if err := s.media[scope].Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to remove %q from %s storage: %w", key, scope, err)
	}
	return nil
}

// UpdateTTL rewrites `key` with a new lifetime counted from now. Missing items are left alone.
func (s *Store) UpdateTTL(ctx context.Context, key string, ttl time.Duration, opts ...ItemOption) error {
	o, err := s.itemOptions(opts)
	if err != nil {
		return err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	env, found, err := s.getLocked(ctx, o, key)
	if err != nil || !found {
		return err
	}
	updated := envelope{Data: env.Data, Timestamp: s.clock.Now().UnixMilli()}
	if ttl > 0 {
		ttlMillis := ttl.Milliseconds()
		updated.TTL = &ttlMillis
	}
	return s.writeLocked(ctx, o, key, updated)
}

// Clear wipes the medium of `scope` and the mirror entries of that scope.
func (s *Store) Clear(ctx context.Context, scope Scope) error {
	medium, found := s.media[scope]
	if !found {
		return fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	clear(s.mirror[scope])
	if err := medium.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear %s storage: %w", scope, err)
	}
	return nil
}

// GetAllKeys lists the keys currently in the medium of `scope`, including ones this store didn't write.
func (s *Store) GetAllKeys(ctx context.Context, scope Scope) ([]string, error) {
	medium, found := s.media[scope]
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	return medium.Keys(ctx)
}

// GetSize returns the summed length of keys and stored payloads in the medium of `scope`.
func (s *Store) GetSize(ctx context.Context, scope Scope) (int64, error) {
	medium, found := s.media[scope]
	if !found {
		return 0, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	keys, err := medium.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s storage: %w", scope, err)
	}
	var size int64
	for _, key := range keys {
		payload, err := medium.Get(ctx, key)
		if errors.Is(err, ErrKeyNotFound) { // Removed by someone else meanwhile.
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read %q from %s storage: %w", key, scope, err)
		}
		size += footprint(key, payload)
	}
	return size, nil
}

// Sweep removes expired mirror entries and every expired or undecodable entry of both media. It returns the number
// of medium entries removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	now := s.clock.Now()
	removed := 0
	for _, scope := range allScopes {
		for key, env := range s.mirror[scope] {
			if env.isExpired(now) {
				delete(s.mirror[scope], key)
			}
		}

		medium := s.media[scope]
		keys, err := medium.Keys(ctx)
		if err != nil {
			return removed, fmt.Errorf("failed to list %s storage: %w", scope, err)
		}
		for _, key := range keys {
			payload, err := medium.Get(ctx, key)
			if errors.Is(err, ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return removed, fmt.Errorf("failed to read %q from %s storage: %w", key, scope, err)
			}
			reason := ""
			if env, err := s.decodeKnown([]byte(payload), nil); err != nil {
				reason = "corrupt"
			} else if env.isExpired(now) {
				reason = "expired"
			}
			if reason == "" {
				continue
			}
			if err := s.removeLocked(ctx, scope, key); err != nil {
				return removed, err
			}
			storageSweptEntries.WithLabelValues(string(scope), reason).Inc()
			removed++
		}
	}
	return removed, nil
}

// Close closes both media.
func (s *Store) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return errors.Join(s.media[Local].Close(), s.media[Session].Close())
}
