package cache

import (
	"context"
	"io/fs"
	"os"

	"github.com/IvanBrykalov/diskcache/policy"
	"github.com/IvanBrykalov/diskcache/policy/ttl"
	"github.com/IvanBrykalov/diskcache/registry"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Kept      int // rows left in place
	Dropped   int // rows removed because their artifact was gone
	Evicted   int // artifacts deleted together with their row
	Compacted int // duplicate rows merged
}

// Changed reports whether the sweep modified the registry.
func (r SweepReport) Changed() bool { return r.Dropped+r.Evicted+r.Compacted > 0 }

// Sweep applies the store's policy to every registry row in a single
// exclusive read-modify-write of the registry. Functions left without rows
// are removed; the registry is rewritten only if something changed, so a
// second sweep right after the first is a no-op.
func (s *Store) Sweep(ctx context.Context) (SweepReport, error) {
	if s.closed.Load() {
		return SweepReport{}, ErrClosed
	}
	now := s.now()
	var rep SweepReport
	err := s.reg.Update(ctx, func(doc *registry.Document) (bool, error) {
		rep = SweepReport{Compacted: doc.Compact()}
		for _, fn := range doc.Functions() {
			rows, _ := doc.Entries(fn)
			cands := make([]policy.Candidate, len(rows))
			for i, e := range rows {
				cands[i] = s.candidate(fn, e)
			}

			decisions := s.policy.Decide(now, fn, cands)
			kept := make([]registry.Entry, 0, len(rows))
			for i, c := range cands {
				d := policy.Keep
				if i < len(decisions) {
					d = decisions[i]
				}
				switch d {
				case policy.DropRow:
					rep.Dropped++
					s.metrics.Evict(EvictOrphan)
					s.log.Info("Dropping cache row without artifact.", "function", fn, "file", c.Entry.FileName)
				case policy.Evict:
					// An artifact rewritten since it was examined is left alone.
					removed, err := s.be.Delete(ctx, c.Path, func(fi fs.FileInfo) bool {
						return !fi.ModTime().Equal(c.ModTime)
					})
					if err != nil {
						s.log.Warn("Failed to remove artifact, keeping its row.", "path", c.Path, "error", err)
					}
					if !removed {
						rep.Kept++
						kept = append(kept, c.Entry)
						continue
					}
					rep.Evicted++
					reason := EvictPolicy
					if ttl.Expired(now, c.ModTime, c.Entry.MaxAgeDays) {
						reason = EvictTTL
					}
					s.metrics.Evict(reason)
					s.log.Info("Removed stale cache file.", "function", fn, "file", c.Entry.FileName,
						"reason", reason.String(), "maxAgeDays", c.Entry.MaxAgeDays)
				default:
					rep.Kept++
					kept = append(kept, c.Entry)
				}
			}
			if len(kept) != len(rows) {
				doc.Set(fn, kept)
			}
		}
		return rep.Changed(), nil
	})
	if err != nil {
		return SweepReport{}, err
	}
	if rep.Changed() {
		s.log.Info("Swept disk cache.", "kept", rep.Kept, "dropped", rep.Dropped,
			"evicted", rep.Evicted, "compacted", rep.Compacted)
	}
	return rep, nil
}

func (s *Store) candidate(fn string, e registry.Entry) policy.Candidate {
	c := policy.Candidate{Function: fn, Entry: e, Path: s.reg.ArtifactPath(e.FileName)}
	if st, err := os.Stat(c.Path); err == nil && st.Mode().IsRegular() {
		c.Exists, c.ModTime, c.Size = true, st.ModTime(), st.Size()
	}
	return c
}
