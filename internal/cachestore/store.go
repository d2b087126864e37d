package cachestore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"sort"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/routina/offline-gateway/internal/logger"
	"github.com/routina/offline-gateway/internal/metrics"
	"log/slog"
)

// ErrNotFound is returned by Match when the store holds no usable entry.
var ErrNotFound = errors.New("cachestore: entry not found")

// Store is a named response store. Entries are keyed by normalized request
// identity (method + URL); only GET requests are ever cached.
type Store struct {
	name   string
	db     *badger.DB
	logger *logger.Logger

	maxEntries int
	maxAge     time.Duration
}

// storedEntry is the on-disk value: the raw HTTP response bytes plus the
// storage timestamp used for the staleness horizon and FIFO eviction. Seq
// breaks timestamp ties so eviction order stays deterministic when entries
// land within the same clock tick.
type storedEntry struct {
	StoredAt int64  `json:"stored_at"`
	Seq      uint64 `json:"seq"`
	Response []byte `json:"response"`
}

// putSeq numbers inserts across all stores. It resets on restart; the
// timestamp dominates the ordering across runs.
var putSeq atomic.Uint64

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// SetExpiration sets the soft limits for this store. maxEntries caps the store
// with oldest-inserted-first eviction; maxAge is the staleness horizon past
// which entries are treated as misses. Zero disables either limit.
func (s *Store) SetExpiration(maxEntries int, maxAge time.Duration) {
	s.maxEntries = maxEntries
	s.maxAge = maxAge
}

// CacheKey normalizes a request into its storage identity: method plus
// origin-relative URL, so absolute and relative forms of the same request
// converge on one entry.
func CacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.RequestURI()
}

func (s *Store) entryKey(req *http.Request) []byte {
	return []byte(keyRoot + s.name + keySep + CacheKey(req))
}

// Put stores a deep copy of the response. Responses with an error status are
// refused unless the status is zero, which marks an opaque cross-origin
// response that cannot be introspected and is stored optimistically. Write
// failures (quota included) are logged and swallowed: caching is best-effort.
func (s *Store) Put(req *http.Request, resp *http.Response) {
	log := s.logger.With(slog.String("store", s.name), slog.String("key", CacheKey(req)))

	if req.Method != http.MethodGet {
		log.Debug("refusing to cache non-GET request", slog.String("method", req.Method))
		return
	}

	if !Cacheable(resp) {
		log.Debug("refusing to cache error response", slog.Int("status", resp.StatusCode))
		metrics.CachePutRejected.WithLabelValues(s.name).Inc()
		return
	}

	// DumpResponse drains the body and hands the response a fresh copy, so the
	// caller can still read it after Put returns.
	raw, err := httputil.DumpResponse(resp, true)
	if err != nil {
		log.Warn("failed to serialize response", slog.String("error", err.Error()))
		metrics.CachePutRejected.WithLabelValues(s.name).Inc()
		return
	}

	value, err := json.Marshal(storedEntry{
		StoredAt: time.Now().UnixNano(),
		Seq:      putSeq.Add(1),
		Response: raw,
	})
	if err != nil {
		log.Warn("failed to encode cache entry", slog.String("error", err.Error()))
		metrics.CachePutRejected.WithLabelValues(s.name).Inc()
		return
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.entryKey(req), value)
	})
	if err != nil {
		// Quota and I/O failures land here. The entry is simply not cached.
		log.Warn("cache write failed", slog.String("error", err.Error()))
		metrics.CachePutRejected.WithLabelValues(s.name).Inc()
		return
	}

	if s.maxEntries > 0 {
		s.evictOverflow(log)
	}
}

// Match returns the most recently stored entry for the request. Entries older
// than the staleness horizon are treated as misses and pruned.
func (s *Store) Match(req *http.Request) (*http.Response, error) {
	key := s.entryKey(req)

	var entry storedEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		metrics.CacheMisses.WithLabelValues(s.name).Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		s.logger.Warn("cache read failed",
			slog.String("store", s.name),
			slog.String("error", err.Error()))
		metrics.CacheMisses.WithLabelValues(s.name).Inc()
		return nil, ErrNotFound
	}

	if s.maxAge > 0 && time.Since(time.Unix(0, entry.StoredAt)) > s.maxAge {
		// Past the soft staleness horizon: prune lazily and report a miss.
		if err := s.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) }); err != nil {
			s.logger.Debug("failed to prune stale entry", slog.String("error", err.Error()))
		}
		metrics.CacheMisses.WithLabelValues(s.name).Inc()
		return nil, ErrNotFound
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(entry.Response)), req)
	if err != nil {
		s.logger.Warn("failed to revive cached response",
			slog.String("store", s.name),
			slog.String("error", err.Error()))
		metrics.CacheMisses.WithLabelValues(s.name).Inc()
		return nil, ErrNotFound
	}

	metrics.CacheHits.WithLabelValues(s.name).Inc()
	return resp, nil
}

// Len returns the number of entries currently stored.
func (s *Store) Len() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(keyRoot + s.name + keySep)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// evictOverflow enforces the max-entries cap by deleting the oldest-inserted
// entries first. FIFO, not LRU: reads never reorder entries, and hit-rate
// optimality is not a requirement here.
func (s *Store) evictOverflow(log *slog.Logger) {
	type indexed struct {
		key      []byte
		storedAt int64
		seq      uint64
	}

	var entries []indexed
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyRoot + s.name + keySep)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var entry storedEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				continue
			}
			entries = append(entries, indexed{key: item.KeyCopy(nil), storedAt: entry.StoredAt, seq: entry.Seq})
		}
		return nil
	})
	if err != nil {
		log.Debug("eviction scan failed", slog.String("error", err.Error()))
		return
	}

	if len(entries) <= s.maxEntries {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].storedAt != entries[j].storedAt {
			return entries[i].storedAt < entries[j].storedAt
		}
		return entries[i].seq < entries[j].seq
	})

	overflow := entries[:len(entries)-s.maxEntries]
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, e := range overflow {
			if err := txn.Delete(e.key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Debug("eviction failed", slog.String("error", err.Error()))
		return
	}

	metrics.CacheEvictions.WithLabelValues(s.name).Add(float64(len(overflow)))
	log.Debug("evicted oldest entries", slog.Int("evicted", len(overflow)))
}

// Cacheable reports whether a response may be stored: success and redirect
// statuses qualify, and a zero status marks an opaque response whose status
// cannot be introspected.
func Cacheable(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	if resp.StatusCode == 0 {
		return true
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}
