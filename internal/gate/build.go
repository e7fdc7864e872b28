package gate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gzhole/turnshield/internal/config"
	"github.com/gzhole/turnshield/internal/embedding"
	"github.com/gzhole/turnshield/internal/scorer"
	"github.com/gzhole/turnshield/internal/session"
)

// Deps are the long-lived collaborators shared across config reloads.
type Deps struct {
	Sessions *session.Store
	Sinks    []AuditSink
	Logger   *zap.Logger
	// Embedder replaces the configured semantic backend when set.
	Embedder embedding.Embedder
}

// Build assembles a Controller from cfg. An unreachable semantic backend is
// not an error: the controller runs primary-only and says so in Status.
func Build(ctx context.Context, cfg *config.Config, deps Deps) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	thresholds := cfg.ScorerThresholds()
	primary := scorer.NewKeywordScorer(cfg.PatternSpecs(), thresholds, log.Named("keyword"))

	var secondary scorer.Scorer
	switch cfg.Scorer.Secondary {
	case "semantic":
		sem, err := buildSemantic(ctx, cfg, deps.Embedder, thresholds, log.Named("semantic"))
		if err != nil {
			return nil, err
		}
		secondary = sem
	case "forensic":
		secondary = scorer.NewForensicScorer(cfg.ForensicScorerConfig(), thresholds)
	case "none", "":
	default:
		return nil, fmt.Errorf("unknown secondary scorer %q", cfg.Scorer.Secondary)
	}

	return New(Options{
		Config:    cfg,
		Primary:   primary,
		Secondary: secondary,
		Sessions:  deps.Sessions,
		Sinks:     deps.Sinks,
		Logger:    log,
	}), nil
}

func buildSemantic(ctx context.Context, cfg *config.Config, e embedding.Embedder, th scorer.Thresholds, log *zap.Logger) (*scorer.SemanticScorer, error) {
	if e == nil {
		var err error
		e, err = NewEmbedder(ctx, cfg.Semantic)
		if err != nil {
			log.Warn("semantic backend could not be created", zap.String("provider", cfg.Semantic.Provider), zap.Error(err))
		}
	}
	sem := scorer.NewSemanticScorer(e, cfg.SemanticScorerConfig(), th, log)
	// Failure is logged once inside Calibrate and leaves the scorer unavailable.
	_ = sem.Calibrate(ctx)
	return sem, nil
}

// NewEmbedder creates the backend named by cfg.Provider.
func NewEmbedder(ctx context.Context, cfg config.SemanticConfig) (embedding.Embedder, error) {
	switch cfg.Provider {
	case "ollama", "":
		return embedding.NewOllamaEngine(cfg.Endpoint, cfg.Model, cfg.Timeout.Std()), nil
	case "genai":
		if cfg.APIKey == "" {
			return nil, errors.New("genai provider needs semantic.api_key or TURNSHIELD_GENAI_API_KEY")
		}
		model := cfg.Model
		if model == "" || model == embedding.DefaultOllamaModel {
			model = embedding.DefaultGenAIModel
		}
		return embedding.NewGenAIEngine(ctx, cfg.APIKey, model, cfg.TaskType)
	case "hashing":
		return embedding.NewHashingEngine(0), nil
	default:
		return nil, fmt.Errorf("unknown semantic provider %q", cfg.Provider)
	}
}
