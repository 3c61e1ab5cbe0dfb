// Package configstore implements the config store (C2): a read/write map
// with an authority chain db > ram > disk, reconciled against tracked
// files by mtime/hash comparison on startup and on file-change events.
//
// Grounded on the teacher's internal/config/runtime_file_loader.go source-
// tracking pattern (`meta.sources[key] = SourceFile`), generalized from a
// single file-vs-default distinction to the three-source chain §3/§4.1
// specify, with persistence into the store's config_state table.
package configstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sable-systems/sentry/internal/logging"
	"github.com/sable-systems/sentry/internal/store"
)

// Source is §3's Config entry "source" field.
type Source string

const (
	SourceDB   Source = "db"
	SourceRAM  Source = "ram"
	SourceDisk Source = "disk"
)

// Entry is §3's "Config entry".
type Entry struct {
	Key         string
	Value       any
	Source      Source
	MTime       time.Time
	ContentHash string
	Secret      bool
}

type trackedFile struct {
	path   string
	secret bool
	mtime  time.Time
	hash   string
}

// Store is C2. get/set/sync_all/atomic_swap map directly onto Get/Set/
// SyncAll/AtomicSwap.
type Store struct {
	mu      sync.RWMutex
	ram     map[string]Entry
	files   []*trackedFile
	durable *store.Store
	logger  logging.Logger
}

func New(durable *store.Store, logger logging.Logger) *Store {
	return &Store{
		ram:     make(map[string]Entry),
		durable: durable,
		logger:  logging.OrNop(logger),
	}
}

// TrackFile registers a disk snapshot file (config/*.yaml, .env, mcp
// manifests) for reconciliation.
func (s *Store) TrackFile(path string, secret bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, &trackedFile{path: path, secret: secret})
}

// Get implements the authority chain: db > ram > disk. The db-backed
// value, if present, always wins even if a more-recently-loaded disk
// value differs — sync_all is responsible for keeping db current.
func (s *Store) Get(key string) (any, bool) {
	if s.durable != nil {
		if doc, ok := s.durable.Get(store.TableConfigState, key); ok {
			if v, ok := doc.Value["value"]; ok {
				return v, true
			}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.ram[key]; ok {
		return e.Value, true
	}
	return nil, false
}

// Set writes db first, then mirrors to the in-memory RAM layer, per §3
// "On write, db is updated first, then mirrored to disk" (disk mirroring
// of secrets/config values is handled by the caller's persist-to-disk
// pass; Set here covers the db+ram half that's synchronous with the
// request).
func (s *Store) Set(key string, value any) error {
	now := time.Now()
	if s.durable != nil {
		if err := s.durable.Upsert(store.TableConfigState, key, map[string]any{"value": value, "mtime": now}); err != nil {
			return fmt.Errorf("set %s in durable store: %w", key, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ram[key] = Entry{Key: key, Value: value, Source: SourceRAM, MTime: now}
	return nil
}

// SyncAll runs the reconciliation algorithm from §4.1 over every tracked
// file: fast-path on unchanged mtime, hash-compare on mtime change, parse
// + merge + upsert on hash change. Parse failures skip the file and
// record an error without aborting the rest of the reconciliation.
func (s *Store) SyncAll() []error {
	_, errs := s.SyncAllReport()
	return errs
}

// SyncAllReport is SyncAll plus the list of keys whose values changed,
// for the admin reload endpoint's {reloaded, changed_keys, errors} body.
func (s *Store) SyncAllReport() (changed []string, errs []error) {
	s.mu.Lock()
	files := append([]*trackedFile(nil), s.files...)
	s.mu.Unlock()

	for _, f := range files {
		keys, err := s.reconcileFile(f)
		if err != nil {
			errs = append(errs, err)
			s.logger.Warn("config reconciliation skipped %s: %v", f.path, err)
			continue
		}
		changed = append(changed, keys...)
	}
	return changed, errs
}

func (s *Store) reconcileFile(f *trackedFile) ([]string, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.path, err)
	}
	mtime := info.ModTime()

	s.mu.RLock()
	unchanged := mtime.Equal(f.mtime)
	s.mu.RUnlock()
	if unchanged {
		return nil, nil // fast path: mtime unchanged
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	hash := contentHash(data)

	s.mu.RLock()
	sameHash := hash == f.hash && f.hash != ""
	s.mu.RUnlock()
	if sameHash {
		s.mu.Lock()
		f.mtime = mtime
		s.mu.Unlock()
		return nil, nil // content identical, just refresh mtime
	}

	parsed := make(map[string]any)
	switch filepath.Ext(f.path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.path, err)
		}
	case ".env":
		parsed = parseDotenv(data)
	default:
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.path, err)
		}
	}

	var changed []string
	for k, v := range parsed {
		if s.durable != nil {
			_ = s.durable.Upsert(store.TableConfigState, k, map[string]any{"value": v, "mtime": mtime, "source": string(SourceDisk)})
		}
		s.mu.Lock()
		prev, had := s.ram[k]
		if !had || !equalValues(prev.Value, v) {
			changed = append(changed, k)
		}
		s.ram[k] = Entry{Key: k, Value: v, Source: SourceDisk, MTime: mtime, ContentHash: hash, Secret: f.secret}
		s.mu.Unlock()
	}

	s.mu.Lock()
	f.mtime = mtime
	f.hash = hash
	s.mu.Unlock()
	return changed, nil
}

// equalValues compares parsed config values structurally; parsed YAML
// values are maps/slices/scalars, so a JSON round-trip comparison is
// sufficient and avoids a reflect.DeepEqual on unhashable types.
func equalValues(a, b any) bool {
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(da) == string(db)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func parseDotenv(data []byte) map[string]any {
	out := make(map[string]any)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.Trim(strings.TrimSpace(line[idx+1:]), `"'`)
		out[key] = val
	}
	return out
}

// AtomicSwap replaces an entire section of the RAM map in one step, so
// readers never observe a partial mix of old and new values.
func (s *Store) AtomicSwap(section string, newMap map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	prefix := section + "."
	for k := range s.ram {
		if strings.HasPrefix(k, prefix) {
			delete(s.ram, k)
		}
	}
	for k, v := range newMap {
		fullKey := prefix + k
		s.ram[fullKey] = Entry{Key: fullKey, Value: v, Source: SourceRAM, MTime: now}
	}
}
