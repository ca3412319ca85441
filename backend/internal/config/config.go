// Package config reads the agent API settings from the environment and the
// optional per-project file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the API settings passed through to the agent CLI.
type Config struct {
	BaseURL        string // ANTHROPIC_BASE_URL
	APIKey         string // ANTHROPIC_API_KEY, else ANTHROPIC_AUTH_TOKEN
	Model          string // ANTHROPIC_MODEL
	SmallFastModel string // ANTHROPIC_SMALL_FAST_MODEL
	TimeoutMS      int    // API_TIMEOUT_MS; 0 when unset or invalid.
	BedrockRegion  string // AWS_REGION
	VertexProject  string // VERTEX_PROJECT_ID
}

// Load reads <projectDir>/.env if present, then the environment. Variables
// already set in the environment win over the file.
func Load(projectDir string) (*Config, error) {
	p := filepath.Join(projectDir, ".env")
	if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", p, err)
	}
	c := fromEnv(os.Getenv)
	return &c, nil
}

func fromEnv(getenv func(string) string) Config {
	c := Config{
		BaseURL:        getenv("ANTHROPIC_BASE_URL"),
		APIKey:         getenv("ANTHROPIC_API_KEY"),
		Model:          getenv("ANTHROPIC_MODEL"),
		SmallFastModel: getenv("ANTHROPIC_SMALL_FAST_MODEL"),
		BedrockRegion:  getenv("AWS_REGION"),
		VertexProject:  getenv("VERTEX_PROJECT_ID"),
	}
	if c.APIKey == "" {
		c.APIKey = getenv("ANTHROPIC_AUTH_TOKEN")
	}
	if v := getenv("API_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TimeoutMS = n
		}
	}
	return c
}

// APIInfo describes which endpoint the agent will talk to.
type APIInfo struct {
	Endpoint string
	Provider string
	Model    string
	Custom   bool
}

// APIInfo detects the provider from the base URL.
func (c *Config) APIInfo() APIInfo {
	info := APIInfo{Endpoint: "api.anthropic.com", Provider: "Anthropic Claude", Model: c.Model}
	if c.BaseURL == "" {
		return info
	}
	info.Endpoint = c.BaseURL
	info.Custom = true
	switch {
	case strings.Contains(c.BaseURL, "z.ai"):
		info.Provider = "Zhipu (GLM-4.5)"
	case strings.Contains(c.BaseURL, "bedrock"):
		info.Provider = "AWS Bedrock"
	case strings.Contains(c.BaseURL, "vertex"):
		info.Provider = "Google Vertex AI"
	default:
		info.Provider = "Custom API"
	}
	return info
}

// HasCustom reports whether any setting is present.
func (c *Config) HasCustom() bool {
	return *c != Config{}
}

// Masked returns the set values keyed by setting name, with secrets shortened.
func (c *Config) Masked() map[string]string {
	out := map[string]string{}
	add := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	add("base_url", c.BaseURL)
	if c.APIKey != "" {
		out["api_key"] = mask(c.APIKey)
	}
	add("model", c.Model)
	add("small_fast_model", c.SmallFastModel)
	if c.TimeoutMS != 0 {
		out["timeout_ms"] = strconv.Itoa(c.TimeoutMS)
	}
	add("bedrock_region", c.BedrockRegion)
	add("vertex_project", c.VertexProject)
	return out
}

// LogValue implements slog.LogValuer so a Config never leaks its key.
func (c *Config) LogValue() slog.Value {
	m := c.Masked()
	attrs := make([]slog.Attr, 0, len(m))
	for _, k := range []string{"base_url", "api_key", "model", "small_fast_model", "timeout_ms", "bedrock_region", "vertex_project"} {
		if v, ok := m[k]; ok {
			attrs = append(attrs, slog.String(k, v))
		}
	}
	return slog.GroupValue(attrs...)
}

func mask(v string) string {
	if len(v) > 12 {
		return v[:8] + "..." + v[len(v)-4:]
	}
	return "***"
}
