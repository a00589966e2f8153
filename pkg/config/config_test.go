package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opgroeien/flowd/pkg/llm"
)

const testYAML = `
server:
  port: 9090
log:
  level: debug
auth:
  access_map: /etc/flowd/access.yaml
execution:
  max_parallel_workers: 5
flows:
  chat_model: agent
  analyst_model: analyst
  editor_model: analyst
  consult_model: agent
llm_models:
  agent:
    provider: openai
    model: gpt-4o-mini
    api_key: sk-test
    pool: agent
  analyst:
    provider: anthropic
    model: claude-sonnet
    api_key_env: TEST_ANTHROPIC_KEY
    strict: true
    pool: analyst
    max_tokens: 16000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)

	// Overridden by YAML.
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Execution.MaxParallelWorkers)

	// Untouched defaults survive the merge.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 12, cfg.Execution.SnapshotThrottleSeconds)
	assert.Equal(t, "opgroeien", cfg.Auth.Org)
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	t.Setenv("MAX_PARALLEL_WORKERS", "2")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Execution.MaxParallelWorkers)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestCORSOriginsFromEnv(t *testing.T) {
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSAllowOrigins)
}

func TestModelSpecsResolveKeyEnv(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)

	specs := cfg.ModelSpecs()
	require.Contains(t, specs, "analyst")
	assert.Equal(t, llm.ProviderAnthropic, specs["analyst"].Provider)
	assert.Equal(t, "sk-ant-test", specs["analyst"].APIKey)
	assert.True(t, specs["analyst"].Strict)
	assert.Equal(t, 16000, specs["analyst"].MaxTokens)

	assert.Equal(t, "sk-test", specs["agent"].APIKey)
}

func TestTemplateExpansionInYAML(t *testing.T) {
	t.Setenv("TEST_INLINE_KEY", "sk-inline")
	content := `
flows:
  chat_model: agent
  analyst_model: agent
  editor_model: agent
  consult_model: agent
llm_models:
  agent:
    provider: openai
    model: gpt-4o-mini
    api_key: "{{.TEST_INLINE_KEY}}"
`
	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)
	assert.Equal(t, "sk-inline", cfg.Models["agent"].APIKey)
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	content := `
flows:
  chat_model: agent
  analyst_model: agent
  editor_model: agent
  consult_model: agent
llm_models:
  agent:
    provider: gemini
    model: flash
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestValidateRejectsUnboundFlowModel(t *testing.T) {
	content := `
flows:
  chat_model: missing
  analyst_model: agent
  editor_model: agent
  consult_model: agent
llm_models:
  agent:
    provider: openai
    model: gpt-4o-mini
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined model")
}

func TestLoadWithoutModelsFails(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no llm_models")
}

func TestGatewayConfigPools(t *testing.T) {
	t.Setenv("REPORT_LLM_CONCURRENCY", "4")

	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)

	gc := cfg.GatewayConfig()
	assert.Equal(t, 4, gc.Pools["analyst"])
	assert.Equal(t, 2, gc.Pools["consult"])
	assert.Equal(t, 0, gc.Pools["agent"])
}
