package memory

import (
	"math"
	"sort"
	"time"
)

// CleanupOptions tune the eviction pass. Zero values take the defaults.
type CleanupOptions struct {
	// MaxAge per lifecycle class; a memory older than its class limit and
	// below MinImportance is evicted. Pinned and profile memories have no
	// age limit.
	ShortTermMaxAge time.Duration // default 7 days
	MidTermMaxAge   time.Duration // default 30 days
	LongTermMaxAge  time.Duration // default 180 days
	// MinImportance protects old but important memories from age eviction.
	MinImportance float64 // default 0.5
	// MaxPerUser caps each user's vector count; the lowest-scoring excess
	// is evicted. Default comes from StoreConfig.
	MaxPerUser int
}

func (o *CleanupOptions) applyDefaults(cfg StoreConfig) {
	if o.ShortTermMaxAge <= 0 {
		o.ShortTermMaxAge = 7 * 24 * time.Hour
	}
	if o.MidTermMaxAge <= 0 {
		o.MidTermMaxAge = 30 * 24 * time.Hour
	}
	if o.LongTermMaxAge <= 0 {
		o.LongTermMaxAge = 180 * 24 * time.Hour
	}
	if o.MinImportance <= 0 {
		o.MinImportance = 0.5
	}
	if o.MaxPerUser <= 0 {
		o.MaxPerUser = cfg.MaxVectorsPerUser
	}
}

// CleanupResult reports what a cleanup pass did.
type CleanupResult struct {
	Removed      int `json:"removed"`
	Kept         int `json:"kept"`
	Reclassified int `json:"reclassified"`
}

// Reclassification bands: a short-term memory that stayed important grows
// into mid-term, a mid-term one into long-term. Promotion happens before
// age eviction so surviving knowledge is not thrown away by its old class.
const (
	promoteShortAfter = 7 * 24 * time.Hour
	promoteShortMin   = 0.6
	promoteMidAfter   = 30 * 24 * time.Hour
	promoteMidMin     = 0.8
)

// CleanupExpiredMemories evicts aged-out and excess memories. Pinned
// memories are never evicted; deprecated ones go first.
func (s *Store) CleanupExpiredMemories(opts CleanupOptions) CleanupResult {
	opts.applyDefaults(s.cfg)
	now := time.Now()

	var result CleanupResult
	s.mu.Lock()
	for userID, ids := range s.byUser {
		dirty := false

		// Pass 1: promotion.
		for id := range ids {
			vec := s.vectors[id]
			age := now.Sub(vec.Timestamp)
			switch {
			case vec.Type == TypeShortTerm && age > promoteShortAfter && vec.Importance >= promoteShortMin:
				vec.Type = TypeMidTerm
				result.Reclassified++
				dirty = true
			case vec.Type == TypeMidTerm && age > promoteMidAfter && vec.Importance >= promoteMidMin:
				vec.Type = TypeLongTerm
				result.Reclassified++
				dirty = true
			}
		}

		// Pass 2: age + importance eviction.
		for id := range ids {
			vec := s.vectors[id]
			if s.expiredLocked(vec, now, opts) {
				s.deleteLocked(id)
				result.Removed++
				dirty = true
			}
		}

		// Pass 3: per-user cap, evicting the lowest retention scores.
		if excess := len(ids) - opts.MaxPerUser; excess > 0 {
			victims := make([]*MemoryVector, 0, len(ids))
			for id := range ids {
				vec := s.vectors[id]
				if vec.Type == TypePinned {
					continue
				}
				victims = append(victims, vec)
			}
			sort.Slice(victims, func(i, j int) bool {
				return retentionScore(victims[i], now) < retentionScore(victims[j], now)
			})
			if excess > len(victims) {
				excess = len(victims)
			}
			for _, vec := range victims[:excess] {
				s.deleteLocked(vec.ID)
				result.Removed++
				dirty = true
			}
		}

		if dirty {
			s.dirty[userID] = struct{}{}
		}
	}
	result.Kept = len(s.vectors)
	s.mu.Unlock()

	if result.Removed > 0 || result.Reclassified > 0 {
		s.scheduleSave()
	}
	s.publishGauges()
	return result
}

func (s *Store) expiredLocked(vec *MemoryVector, now time.Time, opts CleanupOptions) bool {
	if vec.Type == TypePinned {
		return false
	}
	if vec.Deprecated {
		// Deprecated memories only linger as conflict history; a short
		// grace period is enough.
		return now.Sub(vec.Timestamp) > opts.ShortTermMaxAge
	}
	if vec.Importance >= opts.MinImportance {
		return false
	}
	age := now.Sub(vec.Timestamp)
	switch vec.Type {
	case TypeShortTerm:
		return age > opts.ShortTermMaxAge
	case TypeMidTerm:
		return age > opts.MidTermMaxAge
	case TypeLongTerm:
		return age > opts.LongTermMaxAge
	default: // profile
		return false
	}
}

// retentionScore orders cap eviction: the same signals as retrieval minus
// the query-dependent terms.
func retentionScore(vec *MemoryVector, now time.Time) float64 {
	score := 0.4*typeWeights[vec.Type] +
		0.3*vec.Importance +
		0.2*recencyDecay(now.Sub(vec.Timestamp)) +
		0.1*math.Log1p(float64(vec.AccessCount))
	if vec.Deprecated {
		score /= 2
	}
	return score
}
