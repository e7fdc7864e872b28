package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gzhole/turnshield/internal/accumulator"
	"github.com/gzhole/turnshield/internal/arbiter"
	"github.com/gzhole/turnshield/internal/embedding"
	"github.com/gzhole/turnshield/internal/scorer"
)

const (
	DefaultConfigDir  = ".turnshield"
	DefaultConfigFile = "config.yaml"
	DefaultLogFile    = "audit.jsonl"
	DefaultDBFile     = "decisions.db"
	DefaultPacksDir   = "packs"

	DefaultOverridePhrase = "override phoenix"
	DefaultResetCommand   = "reset threat"
)

// Environment variables consulted for the GenAI key when the file has none.
var apiKeyEnv = []string{"TURNSHIELD_GENAI_API_KEY", "GEMINI_API_KEY"}

// Config is the immutable gate configuration. Build it once with Load or
// Default and pass it to constructors; reloads produce a new value.
type Config struct {
	BenchmarkMode     bool                        `yaml:"benchmark_mode"`
	OverridePhrase    string                      `yaml:"override_phrase"`
	ResetCommand      string                      `yaml:"reset_command"`
	SafeCommands      []string                    `yaml:"safe_commands"`
	DetectionPatterns map[string]DetectionPattern `yaml:"detection_patterns"`
	PacksDir          string                      `yaml:"packs_dir"`
	Decay             float64                     `yaml:"decay"`
	Thresholds        Thresholds                  `yaml:"thresholds"`
	Scorer            ScorerConfig                `yaml:"scorer"`
	Semantic          SemanticConfig              `yaml:"semantic"`
	Forensic          ForensicConfig              `yaml:"forensic"`
	Session           SessionConfig               `yaml:"session"`
	Audit             AuditConfig                 `yaml:"audit"`
	Server            ServerConfig                `yaml:"server"`

	// Path is the file the config was read from, empty for defaults.
	Path string `yaml:"-"`
	// Packs summarizes pattern packs found in PacksDir.
	Packs []PackInfo `yaml:"-"`
}

// DetectionPattern extends the keyword scorer without code changes.
type DetectionPattern struct {
	Pattern       string  `yaml:"pattern"`
	Weight        float64 `yaml:"weight"`
	MinLength     int     `yaml:"min_length"`
	Description   string  `yaml:"description"`
	CaseSensitive bool    `yaml:"case_sensitive"`
}

type Thresholds struct {
	PrimaryHigh       float64 `yaml:"primary_high"`
	PrimaryMonitor    float64 `yaml:"primary_monitor"`
	HybridHigh        float64 `yaml:"hybrid_high"`
	HybridMonitor     float64 `yaml:"hybrid_monitor"`
	RollingHigh       float64 `yaml:"rolling_high"`
	RollingMonitor    float64 `yaml:"rolling_monitor"`
	Block             float64 `yaml:"block"`
	AutoResetCeiling  float64 `yaml:"auto_reset_ceiling"`
	ProbationSemantic float64 `yaml:"probation_semantic"`
	ProbationFactor   float64 `yaml:"probation_factor"`
	ReliefFactor      float64 `yaml:"relief_factor"`
}

// ScorerConfig selects the secondary layer: semantic, forensic or none.
type ScorerConfig struct {
	Secondary string `yaml:"secondary"`
}

type SemanticConfig struct {
	Provider          string   `yaml:"provider"` // ollama, genai or hashing
	Endpoint          string   `yaml:"endpoint"`
	Model             string   `yaml:"model"`
	APIKey            string   `yaml:"api_key"`
	TaskType          string   `yaml:"task_type"`
	Timeout           Duration `yaml:"timeout"`
	KeywordWeight     float64  `yaml:"keyword_weight"`
	SemanticWeight    float64  `yaml:"semantic_weight"`
	AttackSignal      float64  `yaml:"attack_signal"`
	BenignSignal      float64  `yaml:"benign_signal"`
	FallbackSignal    float64  `yaml:"fallback_signal"`
	Margin            float64  `yaml:"margin"`
	DangerTerms       []string `yaml:"danger_terms"`
	BenignExamples    []string `yaml:"benign_examples"`
	InjectionExamples []string `yaml:"injection_examples"`
}

type ForensicConfig struct {
	Weights   map[string]float64 `yaml:"weights"`
	Bias      float64            `yaml:"bias"`
	High      float64            `yaml:"high"`
	Anomalous float64            `yaml:"anomalous"`
	Whitelist []string           `yaml:"whitelist"`
}

type SessionConfig struct {
	IdleTTL       Duration `yaml:"idle_ttl"`
	PruneInterval Duration `yaml:"prune_interval"`
	HistoryLimit  int      `yaml:"history_limit"`
}

type AuditConfig struct {
	LogPath       string   `yaml:"log_path"`
	MaxLogBytes   int64    `yaml:"max_log_bytes"`
	DBPath        string   `yaml:"db_path"`
	FlushInterval Duration `yaml:"flush_interval"`
	BatchSize     int      `yaml:"batch_size"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	EvalTimeout Duration `yaml:"eval_timeout"`
	ReadTimeout Duration `yaml:"read_timeout"`
}

// Duration reads Go duration strings ("750ms", "8s") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration with paths under ~/.turnshield.
func Default() *Config {
	sem := scorer.DefaultSemanticConfig()
	fr := scorer.DefaultForensicConfig()
	th := scorer.DefaultThresholds()
	pol := arbiter.DefaultPolicy()

	dir := configDir()
	return &Config{
		OverridePhrase:    DefaultOverridePhrase,
		ResetCommand:      DefaultResetCommand,
		SafeCommands:      DefaultSafeCommands(),
		DetectionPatterns: map[string]DetectionPattern{},
		PacksDir:          filepath.Join(dir, DefaultPacksDir),
		Decay:             accumulator.DefaultDecay,
		Thresholds: Thresholds{
			PrimaryHigh:       th.PrimaryHigh,
			PrimaryMonitor:    th.PrimaryMonitor,
			HybridHigh:        th.HybridHigh,
			HybridMonitor:     th.HybridMonitor,
			RollingHigh:       th.RollingHigh,
			RollingMonitor:    th.RollingMonitor,
			Block:             pol.BlockThreshold,
			AutoResetCeiling:  pol.AutoResetCeiling,
			ProbationSemantic: pol.ProbationSemantic,
			ProbationFactor:   pol.ProbationFactor,
			ReliefFactor:      pol.ReliefFactor,
		},
		Scorer: ScorerConfig{Secondary: "semantic"},
		Semantic: SemanticConfig{
			Provider:          "ollama",
			Endpoint:          embedding.DefaultOllamaEndpoint,
			Model:             embedding.DefaultOllamaModel,
			TaskType:          "SEMANTIC_SIMILARITY",
			Timeout:           Duration(sem.Timeout),
			KeywordWeight:     sem.KeywordWeight,
			SemanticWeight:    sem.SemanticWeight,
			AttackSignal:      sem.AttackSignal,
			BenignSignal:      sem.BenignSignal,
			FallbackSignal:    sem.FallbackSignal,
			Margin:            sem.Margin,
			DangerTerms:       sem.DangerTerms,
			BenignExamples:    sem.BenignExamples,
			InjectionExamples: sem.InjectionExamples,
		},
		Forensic: ForensicConfig{
			Weights:   fr.Weights,
			Bias:      fr.Bias,
			High:      fr.High,
			Anomalous: fr.Anomalous,
			Whitelist: fr.Whitelist,
		},
		Session: SessionConfig{
			IdleTTL:       Duration(6 * time.Hour),
			PruneInterval: Duration(10 * time.Minute),
			HistoryLimit:  100,
		},
		Audit: AuditConfig{
			LogPath:       filepath.Join(dir, DefaultLogFile),
			MaxLogBytes:   10 << 20,
			DBPath:        filepath.Join(dir, DefaultDBFile),
			FlushInterval: Duration(2 * time.Second),
			BatchSize:     64,
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:8787",
			EvalTimeout: Duration(15 * time.Second),
			ReadTimeout: Duration(10 * time.Second),
		},
	}
}

// DefaultSafeCommands are routine assistant commands that earn relief
// instead of a cumulative block.
func DefaultSafeCommands() []string {
	return []string{
		"help", "status", "agenda", "show agenda", "tasks", "task list",
		"weather", "briefing", "undo", "hi", "hello", "thanks", "joke",
		"tell me a joke", "good morning", "good evening", "ping",
	}
}

// DefaultPath returns ~/.turnshield/config.yaml.
func DefaultPath() string {
	return filepath.Join(configDir(), DefaultConfigFile)
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults. Pattern packs are merged and the result validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(expandHome(path))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg.Path = path
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.PacksDir = expandHome(cfg.PacksDir)
	cfg.Audit.LogPath = expandHome(cfg.Audit.LogPath)
	cfg.Audit.DBPath = expandHome(cfg.Audit.DBPath)

	if cfg.Semantic.APIKey == "" {
		for _, name := range apiKeyEnv {
			if v := os.Getenv(name); v != "" {
				cfg.Semantic.APIKey = v
				break
			}
		}
	}

	infos, err := cfg.mergePacks()
	if err != nil {
		return nil, err
	}
	cfg.Packs = infos

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gate cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Decay <= 0 || c.Decay >= 1 {
		errs = append(errs, fmt.Errorf("decay must be in (0,1), got %v", c.Decay))
	}
	t := c.Thresholds
	if t.PrimaryMonitor <= 0 || t.PrimaryHigh <= t.PrimaryMonitor {
		errs = append(errs, errors.New("thresholds: need 0 < primary_monitor < primary_high"))
	}
	if t.HybridMonitor <= 0 || t.HybridHigh <= t.HybridMonitor {
		errs = append(errs, errors.New("thresholds: need 0 < hybrid_monitor < hybrid_high"))
	}
	if t.RollingMonitor <= 0 || t.RollingHigh <= t.RollingMonitor {
		errs = append(errs, errors.New("thresholds: need 0 < rolling_monitor < rolling_high"))
	}
	if t.Block <= 0 {
		errs = append(errs, errors.New("thresholds: block must be positive"))
	}
	if t.AutoResetCeiling < t.Block {
		errs = append(errs, errors.New("thresholds: auto_reset_ceiling must not be below block"))
	}
	for name, f := range map[string]float64{
		"probation_factor": t.ProbationFactor,
		"relief_factor":    t.ReliefFactor,
	} {
		if f <= 0 || f > 1 {
			errs = append(errs, fmt.Errorf("thresholds: %s must be in (0,1], got %v", name, f))
		}
	}
	switch c.Scorer.Secondary {
	case "semantic", "forensic", "none":
	default:
		errs = append(errs, fmt.Errorf("scorer.secondary must be semantic, forensic or none, got %q", c.Scorer.Secondary))
	}
	if c.Scorer.Secondary == "semantic" {
		switch c.Semantic.Provider {
		case "ollama", "genai", "hashing":
		default:
			errs = append(errs, fmt.Errorf("semantic.provider must be ollama, genai or hashing, got %q", c.Semantic.Provider))
		}
	}
	if strings.TrimSpace(c.ResetCommand) == "" {
		errs = append(errs, errors.New("reset_command must not be empty"))
	}
	for name, p := range c.DetectionPatterns {
		if p.Weight < 0 {
			errs = append(errs, fmt.Errorf("detection_patterns.%s: weight must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// EnsureDirs creates the parent directories of the audit outputs.
func (c *Config) EnsureDirs() error {
	for _, p := range []string{c.Audit.LogPath, c.Audit.DBPath} {
		if p == "" {
			continue
		}
		if err := ensureDir(filepath.Dir(p)); err != nil {
			return err
		}
	}
	return nil
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfigDir
	}
	return filepath.Join(home, DefaultConfigDir)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func ensureDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0700)
	}
	return nil
}
