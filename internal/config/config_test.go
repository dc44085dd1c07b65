package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"--rules", ""})
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.AppPort != "9000" || cfg.StoreDriver != "postgres" || cfg.LLMModel != "gemini-flash-latest" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LLMMaxRetries != 3 || cfg.DiagnosticLog != "summarizer_error.log" {
		t.Fatalf("unexpected summarizer defaults: %+v", cfg)
	}
	if len(cfg.Rules.Video.Channels) != 1 || cfg.Rules.Article.Feeds[0] != "nhk:main" {
		t.Fatalf("unexpected default rules: %+v", cfg.Rules)
	}
}

func TestParseReadsEnvAndFlags(t *testing.T) {
	t.Setenv("APP_PORT", "1234")
	t.Setenv("APP_BASIC_USER", "user")
	t.Setenv("APP_BASIC_PASS", "pass")
	t.Setenv("CORS_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("STORE_DRIVER", "memory")

	// 命令行优先于环境变量
	cfg, err := Parse([]string{"--port", "4321", "--rules", ""})
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.AppPort != "4321" {
		t.Fatalf("AppPort = %q, want %q", cfg.AppPort, "4321")
	}
	if !cfg.BasicAuthEnabled() || cfg.BasicAuthUser != "user" {
		t.Fatalf("BasicAuthUser/Pass not loaded correctly: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.example" {
		t.Fatalf("CORSOrigins = %q", cfg.CORSOrigins)
	}
	if cfg.StoreDriver != "memory" {
		t.Fatalf("StoreDriver = %q", cfg.StoreDriver)
	}
}

func TestParseValidation(t *testing.T) {
	t.Run("cron", func(t *testing.T) {
		t.Setenv("CRON_SPEC", "every now and then")
		if _, err := Parse([]string{"--rules", ""}); err == nil {
			t.Fatalf("expected error for invalid cron spec")
		}
	})
	t.Run("basic auth", func(t *testing.T) {
		t.Setenv("APP_BASIC_USER", "only-user")
		if _, err := Parse([]string{"--rules", ""}); err == nil {
			t.Fatalf("expected error when basic auth password is missing")
		}
	})
	t.Run("store", func(t *testing.T) {
		if _, err := Parse([]string{"--rules", "", "--store", "sqlite"}); err == nil {
			t.Fatalf("expected error for unknown store driver")
		}
	})
}

func TestLoadRulesOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yml")
	data := `
video:
  channels:
    - handle: "@ANNnewsCH"
  exclude_keywords: ["占い"]
  transcript_delay: 5s
article:
  feeds: ["nhk:society", "googlenews:japan"]
  allow_short_description: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	r, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules error: %v", err)
	}
	if len(r.Video.Channels) != 1 || r.Video.Channels[0].ID != "" || r.Video.Channels[0].Handle != "@ANNnewsCH" {
		t.Fatalf("channels = %+v", r.Video.Channels)
	}
	if len(r.Video.ExcludeKeywords) != 1 || r.Video.TranscriptDelay != 5*time.Second {
		t.Fatalf("video rules = %+v", r.Video)
	}
	// 未出现在文件中的字段保留默认值
	if r.Video.MaxItems != 15 || len(r.Video.BoilerplatePhrases) == 0 {
		t.Fatalf("defaults lost: %+v", r.Video)
	}
	if len(r.Article.Feeds) != 2 || !r.Article.AllowShortDescription || r.Article.MinDescriptionRunes != 200 {
		t.Fatalf("article rules = %+v", r.Article)
	}
}

func TestLoadRulesMissingFileUsesDefaults(t *testing.T) {
	r, err := LoadRules(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("LoadRules error: %v", err)
	}
	if r.Timezone != "Asia/Tokyo" {
		t.Fatalf("Timezone = %q", r.Timezone)
	}
}

func TestLoadRulesRejectsBadChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yml")
	if err := os.WriteFile(path, []byte("video:\n  channels:\n    - name: nobody\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := LoadRules(path); err == nil {
		t.Fatalf("expected error for channel without id or handle")
	}
}
