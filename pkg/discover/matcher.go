package discover

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/adapters"
	"github.com/analytic-endeavors/hotswap-engine/pkg/models"
)

// modelScanner lists running local model instances.
type modelScanner interface {
	Scan(ctx context.Context) ([]*adapters.LocalModel, error)
}

// matcher is the default LocalModelMatcher built on the process scanner.
type matcher struct {
	scanner modelScanner
	logger  *zap.Logger
}

// NewMatcher creates a LocalModelMatcher backed by the given scanner.
func NewMatcher(scanner *Scanner, logger *zap.Logger) adapters.LocalModelMatcher {
	return newMatcher(scanner, logger)
}

func newMatcher(scanner modelScanner, logger *zap.Logger) *matcher {
	return &matcher{
		scanner: scanner,
		logger:  logger.Named("model-matcher"),
	}
}

// DiscoverLocalModels scans this machine for running model instances.
func (m *matcher) DiscoverLocalModels(ctx context.Context) ([]*adapters.LocalModel, error) {
	return m.scanner.Scan(ctx)
}

// SuggestMatches builds one mapping per connection and attaches a discovered
// local model as the target wherever a name match is found.
func (m *matcher) SuggestMatches(ctx context.Context, connections []*models.DataSourceConnection) ([]*models.ConnectionMapping, error) {
	locals, err := m.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover local models: %w", err)
	}

	mappings := make([]*models.ConnectionMapping, 0, len(connections))
	matched := 0
	for _, conn := range connections {
		mapping := models.NewConnectionMapping(conn)
		mappings = append(mappings, mapping)
		if !conn.IsSwappable {
			continue
		}
		candidate := m.FindMatchingModel(conn.DisplayName(), locals)
		if candidate == nil {
			continue
		}
		if err := mapping.MarkMatched(); err != nil {
			m.logger.Warn("Skipping auto-match", zap.String("connection", conn.Name), zap.Error(err))
			continue
		}
		if err := mapping.SetTarget(localTarget(candidate), true); err != nil {
			m.logger.Warn("Skipping auto-match", zap.String("connection", conn.Name), zap.Error(err))
			continue
		}
		matched++
	}

	m.logger.Info("Auto-matched local models",
		zap.Int("connections", len(connections)),
		zap.Int("running_models", len(locals)),
		zap.Int("matched", matched))
	return mappings, nil
}

// FindMatchingModel picks the best name match for name among candidates.
// Exact name wins, then case-insensitive normalized equality, then the
// highest token-overlap score at or above the match threshold.
func (m *matcher) FindMatchingModel(name string, candidates []*adapters.LocalModel) *adapters.LocalModel {
	if name == "" || len(candidates) == 0 {
		return nil
	}

	for _, c := range candidates {
		if c.Name == name || c.DisplayName() == name {
			return c
		}
	}

	norm := normalizeModelName(name)
	if norm == "" {
		return nil
	}
	for _, c := range candidates {
		if normalizeModelName(c.Name) == norm {
			return c
		}
	}

	nameTokens := tokenize(name)
	var best *adapters.LocalModel
	bestScore := 0.0
	for _, c := range candidates {
		score := tokenOverlap(nameTokens, tokenize(c.Name))
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	if bestScore >= matchThreshold {
		return best
	}
	return nil
}

// localTarget converts a discovered instance into a swap target.
func localTarget(model *adapters.LocalModel) *models.SwapTarget {
	return &models.SwapTarget{
		TargetType:  models.TargetTypeLocal,
		Server:      model.Server,
		Database:    model.Database,
		DisplayName: model.DisplayName(),
	}
}
