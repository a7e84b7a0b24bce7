package store

import (
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"

	"media-pipeline/internal/models"
)

func TestDecodeJobJSON(t *testing.T) {
	var job models.Job
	inputs := []byte(`{"prompt":"a fox","sceneId":"scene1","requestedModelHint":"veo-2.0"}`)
	attempts := []byte(`[{"model":"veo-2.0","outcome":"success","durationMs":1200}]`)
	if err := decodeJobJSON(inputs, attempts, &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Inputs.Prompt != "a fox" || job.Inputs.RequestedModelHint != "veo-2.0" {
		t.Fatalf("inputs = %#v", job.Inputs)
	}
	if len(job.Attempts) != 1 || job.Attempts[0].Outcome != models.OutcomeSuccess {
		t.Fatalf("attempts = %#v", job.Attempts)
	}

	var empty models.Job
	if err := decodeJobJSON(nil, nil, &empty); err != nil || empty.Attempts == nil {
		t.Fatalf("empty attempts should decode to an empty slice: %v %#v", err, empty.Attempts)
	}
	if err := decodeJobJSON([]byte(`{`), nil, &empty); err == nil {
		t.Fatalf("expected error on malformed inputs")
	}
}

func TestNullableHelpers(t *testing.T) {
	if textPtr(pgtype.Text{}) != nil {
		t.Fatalf("null text should map to nil")
	}
	if p := textPtr(pgtype.Text{String: "images/j.png", Valid: true}); p == nil || *p != "images/j.png" {
		t.Fatalf("valid text = %v", p)
	}
	if emptyToNil("") != nil {
		t.Fatalf("empty string should map to nil")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	if err != nil || len(names) == 0 || names[0] != "001_init.sql" {
		t.Fatalf("names=%v err=%v", names, err)
	}
	content, err := migrationFiles.ReadFile("migrations/001_init.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, table := range []string{"generation_jobs", "artifacts", "audit_logs"} {
		if !strings.Contains(string(content), table) {
			t.Errorf("migration does not create %s", table)
		}
	}
}
