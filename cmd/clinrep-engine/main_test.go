package main

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinrep/clinrep/internal/ingest"
)

func TestSourceCounts(t *testing.T) {
	got := sourceCounts([]ingest.TableCount{
		{Table: "patients", Rows: 100},
		{Table: "admissions", Rows: 150},
	})

	if len(got) != 2 {
		t.Fatalf("expected 2 source counts, got %d", len(got))
	}
	if got[0].Table != "patients" || got[0].Rows != 100 {
		t.Errorf("unexpected first count: %+v", got[0])
	}
	if got[1].Table != "admissions" || got[1].Rows != 150 {
		t.Errorf("unexpected second count: %+v", got[1])
	}

	if empty := sourceCounts(nil); len(empty) != 0 {
		t.Errorf("expected no counts for nil tables, got %v", empty)
	}
}

func TestNewLogger_Levels(t *testing.T) {
	if got := newLogger("debug", false).GetLevel(); got != zerolog.DebugLevel {
		t.Errorf("expected debug level, got %s", got)
	}

	if got := newLogger("warn", true).GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("expected warn level, got %s", got)
	}

	// Unknown levels fall back instead of silencing the run.
	if got := newLogger("chatty", false).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %s", got)
	}
}

func TestRootCmd_EnvFileFlag(t *testing.T) {
	cmd := rootCmd()

	flag := cmd.PersistentFlags().Lookup("env-file")
	if flag == nil {
		t.Fatal("expected --env-file flag")
	}
	if flag.DefValue != ".env" {
		t.Errorf("expected .env default, got %q", flag.DefValue)
	}
}
