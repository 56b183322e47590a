package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/metrics"
	"github.com/aviary-ai/aviary/ai/observability/logging"
)

// SchemaVersion gates snapshot compatibility. Snapshots with a different
// major version are refused on load.
const SchemaVersion = "v1.0.0"

// StoreConfig configures the vector store.
type StoreConfig struct {
	// Dir is the persistence root; snapshots live under
	// <Dir>/<userIdHash>/vectors.json. Empty disables persistence.
	Dir string
	// SaveDebounce collapses bursts of writes into one snapshot save.
	// Default 10s.
	SaveDebounce time.Duration
	// MaxVectorsPerUser is the per-user cap enforced by cleanup.
	// Default 10000.
	MaxVectorsPerUser int
}

func (c *StoreConfig) applyDefaults() {
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = 10 * time.Second
	}
	if c.MaxVectorsPerUser <= 0 {
		c.MaxVectorsPerUser = 10000
	}
}

// Store is the in-memory vector store with debounced JSON snapshots.
// Readers run concurrently; mutations and the save worker are serialized.
type Store struct {
	cfg      StoreConfig
	embed    *EmbeddingService
	resolver *ConflictResolver
	exporter *metrics.Exporter
	digest   *DigestWriter

	mu      sync.RWMutex
	vectors map[string]*MemoryVector
	byUser  map[string]map[string]struct{}
	dirty   map[string]struct{} // user ids with unsaved changes

	saveCh    chan struct{}
	saveTimer *time.Timer
	timerMu   sync.Mutex
	done      chan struct{}
	workerWg  sync.WaitGroup
}

// NewStore builds the store and loads existing snapshots from cfg.Dir.
// resolver, exporter, and digest may be nil.
func NewStore(cfg StoreConfig, embed *EmbeddingService, resolver *ConflictResolver, exporter *metrics.Exporter, digest *DigestWriter) (*Store, error) {
	cfg.applyDefaults()
	if embed == nil {
		return nil, aierrors.New(aierrors.ConfigInvalid, "store requires an embedding service")
	}

	s := &Store{
		cfg:      cfg,
		embed:    embed,
		resolver: resolver,
		exporter: exporter,
		digest:   digest,
		vectors:  make(map[string]*MemoryVector),
		byUser:   make(map[string]map[string]struct{}),
		dirty:    make(map[string]struct{}),
		saveCh:   make(chan struct{}, 1), // buffer of one collapses save bursts
		done:     make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	s.workerWg.Add(1)
	go s.saveWorker()
	return s, nil
}

// AddMemory embeds content, resolves conflicts against the user's existing
// memories, and stores the new vector. The whole mutation is transactional:
// a failure part-way restores the pre-call state.
func (s *Store) AddMemory(ctx context.Context, content string, meta Metadata, importance float64) (*MemoryVector, error) {
	if content == "" {
		return nil, aierrors.New(aierrors.InputValidationFailed, "memory content is empty")
	}
	if meta.UserID == "" {
		return nil, aierrors.New(aierrors.InputValidationFailed, "memory userId is required")
	}
	meta.applyDefaults()

	emb, err := s.embed.Embed(ctx, content)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	vec := &MemoryVector{
		ID:           NewVectorID(meta.UserID, content, now),
		UserID:       meta.UserID,
		Content:      content,
		Embedding:    emb.Vector,
		Timestamp:    now,
		Importance:   ClampImportance(importance),
		Type:         meta.Type,
		Source:       meta.Source,
		LastAccessed: now,
	}

	// Conflict classification calls the provider, so it runs before taking
	// the write lock; the plan is re-validated when applied.
	var plan *resolutionPlan
	if s.resolver != nil {
		plan, err = s.resolver.Plan(ctx, s, vec)
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	tx := newTransaction()
	if plan != nil {
		if err := s.applyPlanLocked(tx, plan); err != nil {
			s.rollbackLocked(tx)
			s.mu.Unlock()
			return nil, err
		}
	}
	s.insertLocked(vec)
	tx.record(OpAdd, vec.ID, nil, vec)
	s.dirty[vec.UserID] = struct{}{}
	s.mu.Unlock()

	s.scheduleSave()
	s.publishGauges()
	if s.digest != nil {
		// Mirror writes are best-effort and never fail the mutation.
		if derr := s.digest.Append(vec); derr != nil {
			logging.FromContext(ctx).Warn("memory digest append failed", "error", derr)
		}
	}
	return vec.Clone(), nil
}

// RemoveMemory deletes a vector by id. Returns false when absent.
func (s *Store) RemoveMemory(id string) bool {
	s.mu.Lock()
	vec, ok := s.vectors[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	userID := vec.UserID
	s.deleteLocked(id)
	s.dirty[userID] = struct{}{}
	s.mu.Unlock()

	s.scheduleSave()
	s.publishGauges()
	return true
}

// GetMemoryByID returns a copy of the vector, or false when absent.
func (s *Store) GetMemoryByID(id string) (*MemoryVector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vec, ok := s.vectors[id]
	if !ok {
		return nil, false
	}
	return vec.Clone(), true
}

// GetUserMemories returns copies of all vectors for a user, newest first.
func (s *Store) GetUserMemories(userID string) []*MemoryVector {
	s.mu.RLock()
	ids := s.byUser[userID]
	out := make([]*MemoryVector, 0, len(ids))
	for id := range ids {
		out = append(out, s.vectors[id].Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Count returns the total number of stored vectors.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors)
}

// UserCount returns the number of users with at least one vector.
func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser)
}

// insertLocked and deleteLocked are the primitive mutations shared by the
// public API, conflict resolution, and transaction rollback.
func (s *Store) insertLocked(vec *MemoryVector) {
	s.vectors[vec.ID] = vec
	ids, ok := s.byUser[vec.UserID]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[vec.UserID] = ids
	}
	ids[vec.ID] = struct{}{}
}

func (s *Store) deleteLocked(id string) {
	vec, ok := s.vectors[id]
	if !ok {
		return
	}
	delete(s.vectors, id)
	if ids, ok := s.byUser[vec.UserID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byUser, vec.UserID)
		}
	}
}

// Flush writes all dirty users synchronously.
func (s *Store) Flush() error {
	return s.saveDirty()
}

// Shutdown stops the save worker after a final flush.
func (s *Store) Shutdown() error {
	s.timerMu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.timerMu.Unlock()

	err := s.saveDirty()
	close(s.done)
	s.workerWg.Wait()
	return err
}

// scheduleSave arms the debounce timer; an already armed timer keeps its
// deadline so a write burst produces a single save.
func (s *Store) scheduleSave() {
	if s.cfg.Dir == "" {
		return
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(s.cfg.SaveDebounce, func() {
		s.timerMu.Lock()
		s.saveTimer = nil
		s.timerMu.Unlock()
		select {
		case s.saveCh <- struct{}{}:
		default: // a save is already pending; it will pick up our changes
		}
	})
}

func (s *Store) saveWorker() {
	defer s.workerWg.Done()
	for {
		select {
		case <-s.saveCh:
			if err := s.saveDirty(); err != nil {
				logging.Error("memory snapshot save failed", "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// saveDirty snapshots every user marked dirty. Serialized by the caller
// structure: either the save worker or an explicit Flush/Shutdown.
func (s *Store) saveDirty() error {
	if s.cfg.Dir == "" {
		return nil
	}

	s.mu.Lock()
	users := make([]string, 0, len(s.dirty))
	for userID := range s.dirty {
		users = append(users, userID)
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	var firstErr error
	for _, userID := range users {
		if err := s.saveUser(userID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if s.exporter != nil {
				s.exporter.RecordMemorySave("error")
			}
			continue
		}
		if s.exporter != nil {
			s.exporter.RecordMemorySave("ok")
		}
	}
	return firstErr
}

// vectorSnapshot is the vectors.json wire shape.
type vectorSnapshot struct {
	SchemaVersion string          `json:"schemaVersion"`
	UserID        string          `json:"userId"`
	SavedAt       time.Time       `json:"savedAt"`
	Vectors       []*MemoryVector `json:"vectors"`
}

// indexSnapshot is the index.json wire shape: ids only, cheap to scan.
type indexSnapshot struct {
	SchemaVersion string    `json:"schemaVersion"`
	UserID        string    `json:"userId"`
	SavedAt       time.Time `json:"savedAt"`
	Count         int       `json:"count"`
	IDs           []string  `json:"ids"`
}

func (s *Store) saveUser(userID string) error {
	s.mu.RLock()
	ids := s.byUser[userID]
	vectors := make([]*MemoryVector, 0, len(ids))
	for id := range ids {
		vectors = append(vectors, s.vectors[id].Clone())
	}
	s.mu.RUnlock()

	sort.Slice(vectors, func(i, j int) bool {
		return vectors[i].Timestamp.Before(vectors[j].Timestamp)
	})

	dir := filepath.Join(s.cfg.Dir, hashUserID(userID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return aierrors.Wrap(err, aierrors.SystemInternal, "create snapshot dir")
	}

	now := time.Now()
	snap := vectorSnapshot{
		SchemaVersion: SchemaVersion,
		UserID:        userID,
		SavedAt:       now,
		Vectors:       vectors,
	}
	if err := writeJSONAtomic(filepath.Join(dir, "vectors.json"), snap); err != nil {
		return err
	}

	idx := indexSnapshot{
		SchemaVersion: SchemaVersion,
		UserID:        userID,
		SavedAt:       now,
		Count:         len(vectors),
		IDs:           make([]string, len(vectors)),
	}
	for i, vec := range vectors {
		idx.IDs[i] = vec.ID
	}
	return writeJSONAtomic(filepath.Join(dir, "index.json"), idx)
}

// writeJSONAtomic writes via a .tmp sibling and rename, so a crash never
// leaves a torn snapshot.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return aierrors.Wrap(err, aierrors.SystemInternal, "marshal snapshot")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return aierrors.Wrap(err, aierrors.SystemInternal, "write snapshot")
	}
	if err := os.Rename(tmp, path); err != nil {
		return aierrors.Wrap(err, aierrors.SystemInternal, "rename snapshot")
	}
	return nil
}

func (s *Store) load() error {
	if s.cfg.Dir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.cfg.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return aierrors.Wrap(err, aierrors.SystemInternal, "read snapshot root")
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.cfg.Dir, entry.Name(), "vectors.json")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return aierrors.Wrap(err, aierrors.MemoryCorruption, "read snapshot "+path)
		}

		var snap vectorSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return aierrors.Wrap(err, aierrors.MemoryCorruption, "parse snapshot "+path)
		}
		if !semver.IsValid(snap.SchemaVersion) || semver.Major(snap.SchemaVersion) != semver.Major(SchemaVersion) {
			logging.Warn("skipping incompatible memory snapshot",
				"path", path,
				"schema_version", snap.SchemaVersion,
				"supported", SchemaVersion,
			)
			continue
		}

		s.mu.Lock()
		for _, vec := range snap.Vectors {
			vec.Importance = ClampImportance(vec.Importance)
			s.insertLocked(vec)
		}
		s.mu.Unlock()
	}

	s.publishGauges()
	return nil
}

// publishGauges refreshes the per-type vector count gauges.
func (s *Store) publishGauges() {
	if s.exporter == nil {
		return
	}
	counts := make(map[Type]int)
	s.mu.RLock()
	for _, vec := range s.vectors {
		counts[vec.Type]++
	}
	s.mu.RUnlock()
	for _, t := range []Type{TypeShortTerm, TypeMidTerm, TypeLongTerm, TypeProfile, TypePinned} {
		s.exporter.SetMemoryVectors(string(t), counts[t])
	}
}
