package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("IMAGE_MODELS", "")
	t.Setenv("VIDEO_MODELS", "")
	t.Setenv("MAX_CHAIN_RUNS", "")
	t.Setenv("DEAD_LETTER_THRESHOLD", "")

	cfg := Load()
	if cfg.MaxChainRuns != 3 {
		t.Fatalf("MaxChainRuns = %d, want 3", cfg.MaxChainRuns)
	}
	if cfg.DeadLetterThreshold != 12 {
		t.Fatalf("DeadLetterThreshold = %d, want 12", cfg.DeadLetterThreshold)
	}
	if got := cfg.Models("video"); len(got) != 3 || got[0] != "veo-3.1-fast" || got[2] != "veo-2.0" {
		t.Fatalf("unexpected video chain %#v", got)
	}
	if got := cfg.Models("image"); len(got) != 1 || got[0] != "gemini-2.5-flash-image" {
		t.Fatalf("unexpected image chain %#v", got)
	}
	if cfg.Models("audio") != nil {
		t.Fatalf("expected no chain for unknown capability")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VIDEO_MODELS", " veo-2.0 , ,veo-3.0-fast")
	t.Setenv("LEASE_DURATION", "45s")
	t.Setenv("ARTIFACT_S3_PATH_STYLE", "true")
	t.Setenv("PASS_MAX_MESSAGES", "not-a-number")

	cfg := Load()
	if got := cfg.VideoModels; len(got) != 2 || got[0] != "veo-2.0" || got[1] != "veo-3.0-fast" {
		t.Fatalf("VideoModels = %#v", got)
	}
	if cfg.LeaseDuration != 45*time.Second {
		t.Fatalf("LeaseDuration = %s", cfg.LeaseDuration)
	}
	if !cfg.ArtifactS3PathStyle {
		t.Fatalf("expected path style enabled")
	}
	if cfg.PassMaxMessages != 10 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.PassMaxMessages)
	}
}

func TestValidateDefaults(t *testing.T) {
	t.Setenv("LEASE_DURATION", "")
	t.Setenv("PASS_MAX_WALL_CLOCK", "")
	t.Setenv("IMAGE_ATTEMPT_TIMEOUT", "")
	t.Setenv("VIDEO_ATTEMPT_TIMEOUT", "")

	if err := Load().Validate(); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
}

func TestValidateRejectsAttemptLongerThanPass(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "video timeout equals wall clock",
			cfg:  Config{LeaseDuration: 150 * time.Second, PassMaxWallClock: 120 * time.Second, VideoAttemptTimeout: 120 * time.Second},
			want: "PASS_MAX_WALL_CLOCK",
		},
		{
			name: "image timeout outlives lease",
			cfg:  Config{LeaseDuration: 30 * time.Second, ImageAttemptTimeout: 60 * time.Second},
			want: "LEASE_DURATION",
		},
		{
			name: "no lease",
			cfg:  Config{},
			want: "LEASE_DURATION",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error mentioning %s", err, tc.want)
			}
		})
	}

	ok := Config{LeaseDuration: 150 * time.Second, PassMaxWallClock: 140 * time.Second, ImageAttemptTimeout: 60 * time.Second, VideoAttemptTimeout: 120 * time.Second}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
