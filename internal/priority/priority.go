// Package priority implements the Priority Engine (C4): it derives a
// numeric job priority from plan tier and the tenant's concurrent job
// count, read through the same State Store as the rest of the core.
package priority

import (
	"context"

	"go.uber.org/zap"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

// Engine implements jobs.PriorityEngine against a jobs.Store's team-job
// counter.
type Engine struct {
	store  jobs.Store
	logger *zap.Logger
}

// New builds an Engine.
func New(store jobs.Store, logger *zap.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// JobPriority implements the band table from spec.md §4.4. Lower return
// value means higher priority. On any store error, basePriority is
// returned unchanged.
func (e *Engine) JobPriority(ctx context.Context, plan, teamID string, basePriority int) int {
	if teamID == "" {
		teamID = "system"
	}

	jobCount, err := e.store.GetTeamJobCount(ctx, teamID)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("priority engine store error, using base priority", zap.Error(err))
		}
		return basePriority
	}

	if teamID == "system" {
		return 1
	}

	switch plan {
	case "free":
		switch {
		case jobCount > 10:
			return 15
		case jobCount > 5:
			return 12
		default:
			return 10
		}
	case "starter", "hobby":
		switch {
		case jobCount > 20:
			return 12
		case jobCount > 10:
			return 10
		default:
			return 8
		}
	case "standard", "standardnew":
		switch {
		case jobCount > 30:
			return 8
		case jobCount > 15:
			return 6
		default:
			return 5
		}
	case "scale", "growth", "growthdouble":
		switch {
		case jobCount > 50:
			return 5
		case jobCount > 25:
			return 3
		default:
			return 2
		}
	default:
		return basePriority
	}
}
