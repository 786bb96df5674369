package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProviderConfig 单个 LLM 提供方的连接配置
// ProviderConfig holds connection settings for one LLM provider.
type ProviderConfig struct {
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	TimeoutMS int    `json:"timeout_ms"`
}

// CommonLLMConfig LLM 门面的通用策略：重试、限流
// CommonLLMConfig holds facade-wide policy: retries and rate limits.
type CommonLLMConfig struct {
	RetryAttempts     int   `json:"retry_attempts"`
	RetryDelayMS      int   `json:"retry_delay_ms"`
	RequestsPerMinute int   `json:"requests_per_minute"`
	TokensPerMinute   int64 `json:"tokens_per_minute"`
	// QueueOnLimit 为 true 时限流排队等待，否则直接拒绝
	// QueueOnLimit waits for capacity when true, rejects otherwise.
	QueueOnLimit bool `json:"queue_on_limit"`
}

// LLMConfig selects the active provider and its settings.
type LLMConfig struct {
	Provider  string                    `json:"provider"`
	Providers map[string]ProviderConfig `json:"providers"`
	Common    CommonLLMConfig           `json:"common"`
}

// RuntimeConfig controls orchestration behavior.
type RuntimeConfig struct {
	ProjectRoot string `json:"project_root"`
	MaxSteps    int    `json:"max_steps"`
	// ReadBudgetBytes 超过此大小的文件读取返回带标记的预览
	// ReadBudgetBytes: file reads above this size return a flagged preview.
	ReadBudgetBytes int `json:"read_budget_bytes"`
}

// CacheConfig bounds the editor model manager and operation caches.
type CacheConfig struct {
	MaxModels      int   `json:"max_models"`
	MaxModelBytes  int64 `json:"max_model_bytes"`
	LargeFileBytes int64 `json:"large_file_bytes"`
}

// StaleTaskConfig controls periodic reclamation of inactive tasks.
type StaleTaskConfig struct {
	Enabled               bool   `json:"enabled"`
	InactivityThresholdMS int64  `json:"inactivity_threshold_ms"`
	CheckIntervalMS       int64  `json:"check_interval_ms"`
	Action                string `json:"action"` // complete | fail | delete
}

// StorageConfig locates the persistent store.
type StorageConfig struct {
	BaseDir string `json:"base_dir"`
}

// LoggingConfig configures the zerolog root logger.
type LoggingConfig struct {
	Level    string `json:"level"`
	FilePath string `json:"file_path"`
}

type Config struct {
	LLM       LLMConfig       `json:"llm"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Cache     CacheConfig     `json:"cache"`
	StaleTask StaleTaskConfig `json:"stale_tasks"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	// CustomRules 追加到每次 LLM 系统提示的项目自定义规则
	// CustomRules are project rules prepended to every LLM system turn.
	CustomRules []string `json:"custom_rules"`
}

func Default() Config {
	return Config{
		LLM: LLMConfig{
			Provider: "openai",
			Providers: map[string]ProviderConfig{
				"openai": {
					BaseURL:   "https://api.openai.com/v1",
					Model:     "gpt-4o-mini",
					TimeoutMS: 120000,
				},
			},
			Common: CommonLLMConfig{
				RetryAttempts:     3,
				RetryDelayMS:      1000,
				RequestsPerMinute: 60,
				TokensPerMinute:   1_000_000,
				QueueOnLimit:      true,
			},
		},
		Runtime: RuntimeConfig{
			MaxSteps:        10,
			ReadBudgetBytes: 256 * 1024,
		},
		Cache: CacheConfig{
			MaxModels:      20,
			MaxModelBytes:  100 << 20,
			LargeFileBytes: 5 << 20,
		},
		StaleTask: StaleTaskConfig{
			Enabled:               false,
			InactivityThresholdMS: 24 * 60 * 60 * 1000,
			CheckIntervalMS:       60 * 60 * 1000,
			Action:                "fail",
		},
		Storage: StorageConfig{BaseDir: "~/.kodex"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the config file (JSON with // and /* */ comments allowed)
// and merges it over defaults. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		path = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, path); err != nil {
		return Config{}, err
	}
	normalize(&cfg)
	return cfg, nil
}

func findProjectConfigPath() string {
	for _, candidate := range []string{"./.kodex/config.json", "./kodex.json"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func mergeFromFile(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	stripped := stripJSONComments(data)
	if err := json.Unmarshal(stripped, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func normalize(cfg *Config) {
	d := Default()
	if cfg.Runtime.MaxSteps <= 0 {
		cfg.Runtime.MaxSteps = d.Runtime.MaxSteps
	}
	if cfg.Runtime.ReadBudgetBytes <= 0 {
		cfg.Runtime.ReadBudgetBytes = d.Runtime.ReadBudgetBytes
	}
	if cfg.Cache.MaxModels <= 0 {
		cfg.Cache.MaxModels = d.Cache.MaxModels
	}
	if cfg.Cache.MaxModelBytes <= 0 {
		cfg.Cache.MaxModelBytes = d.Cache.MaxModelBytes
	}
	if cfg.Cache.LargeFileBytes <= 0 {
		cfg.Cache.LargeFileBytes = d.Cache.LargeFileBytes
	}
	if cfg.LLM.Common.RetryAttempts < 0 {
		cfg.LLM.Common.RetryAttempts = 0
	}
	if cfg.LLM.Common.RetryDelayMS <= 0 {
		cfg.LLM.Common.RetryDelayMS = d.LLM.Common.RetryDelayMS
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = d.LLM.Provider
	}
	switch cfg.StaleTask.Action {
	case "complete", "fail", "delete":
	default:
		cfg.StaleTask.Action = d.StaleTask.Action
	}
	if cfg.Storage.BaseDir == "" {
		cfg.Storage.BaseDir = d.Storage.BaseDir
	}
	cfg.Storage.BaseDir = expandHome(cfg.Storage.BaseDir)
}

// ActiveProvider returns the selected provider block.
func (c Config) ActiveProvider() (ProviderConfig, error) {
	p, ok := c.LLM.Providers[c.LLM.Provider]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("provider %q not configured", c.LLM.Provider)
	}
	return p, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// stripJSONComments 去除 // 行注释与 /* */ 块注释，字符串内的内容保持不变
// stripJSONComments removes // line and /* */ block comments; string
// contents are left untouched.
func stripJSONComments(data []byte) []byte {
	var out bytes.Buffer
	inString := false
	inLine := false
	inBlock := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case inLine:
			if c == '\n' {
				inLine = false
				out.WriteByte(c)
			}
		case inBlock:
			if c == '*' && i+1 < len(data) && data[i+1] == '/' {
				inBlock = false
				i++
			}
		case inString:
			out.WriteByte(c)
			if c == '\\' && i+1 < len(data) {
				out.WriteByte(data[i+1])
				i++
			} else if c == '"' {
				inString = false
			}
		default:
			if c == '"' {
				inString = true
				out.WriteByte(c)
			} else if c == '/' && i+1 < len(data) && data[i+1] == '/' {
				inLine = true
				i++
			} else if c == '/' && i+1 < len(data) && data[i+1] == '*' {
				inBlock = true
				i++
			} else {
				out.WriteByte(c)
			}
		}
	}
	return out.Bytes()
}
