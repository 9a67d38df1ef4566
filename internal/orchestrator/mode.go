package orchestrator

import (
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
	"github.com/saltfish/freqsearch/go-evolver/internal/generator"
)

// selectMode explores when there is nothing worth refining: no champion yet, a stale
// champion, or a population that has collapsed onto one idea.
func selectMode(hasChampion, stale, collapsed bool) domain.SearchMode {
	if !hasChampion || stale || collapsed {
		return domain.SearchModeExplore
	}
	return domain.SearchModeExploit
}

// feedback snapshots the run state for the generator.
func (o *Orchestrator) feedback(iteration int) generator.Feedback {
	tracker, monitor := o.state()

	fb := generator.Feedback{
		Iteration:             iteration,
		Mode:                  o.opts.GenerationMode,
		IterationsSinceUpdate: tracker.IterationsSinceUpdate(),
		Stale:                 tracker.IsStale(),
		DiversityCollapsed:    monitor.Collapsed(),
	}

	champ, ok := tracker.Current()
	if ok {
		fb.Champion = &champ
	}
	if r, scored := monitor.Last(); scored && r.Scored {
		fb.DiversityScore = domain.Float(r.Score)
	}

	o.mu.RLock()
	if o.last != nil {
		last := *o.last
		fb.Last = &last
	}
	o.mu.RUnlock()

	fb.Search = selectMode(ok, fb.Stale, fb.DiversityCollapsed)

	o.mu.Lock()
	changed := o.search != fb.Search
	o.search = fb.Search
	o.mu.Unlock()

	if changed {
		o.logger.Info("Search mode changed",
			zap.String("mode", fb.Search.String()),
			zap.Bool("has_champion", ok),
			zap.Bool("stale", fb.Stale),
			zap.Bool("diversity_collapsed", fb.DiversityCollapsed),
		)
	}
	o.metrics.RecordSearchMode(fb.Search)
	return fb
}
