package steps

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func testRunner() *Runner {
	return NewRunner(zerolog.New(os.Stderr).Level(zerolog.Disabled))
}

func TestRun_AllSucceed(t *testing.T) {
	var order []string
	mk := func(name string) Step {
		return Step{Name: name, Run: func(context.Context) error {
			order = append(order, name)
			return nil
		}}
	}

	warnings, err := testRunner().Run(context.Background(), []Step{mk("a"), mk("b"), mk("c")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
	if len(order) != 3 || order[0] != "a" || order[2] != "c" {
		t.Errorf("steps ran out of order: %v", order)
	}
}

func TestRun_SoftFailureContinues(t *testing.T) {
	ran := map[string]bool{}
	steps := []Step{
		{Name: "pdf", Run: func(context.Context) error {
			ran["pdf"] = true
			return errors.New("render failed")
		}},
		{Name: "upload", Run: func(context.Context) error {
			ran["upload"] = true
			return nil
		}},
	}

	warnings, err := testRunner().Run(context.Background(), steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran["upload"] {
		t.Error("soft failure should not stop later steps")
	}
	if len(warnings) != 1 || warnings[0].Step != "pdf" {
		t.Errorf("expected one pdf warning, got %v", warnings)
	}
	if warnings[0].Reason != "render failed" {
		t.Errorf("warning reason lost: %q", warnings[0].Reason)
	}
}

func TestRun_CriticalFailureAborts(t *testing.T) {
	ran := map[string]bool{}
	steps := []Step{
		{Name: "pdf", Run: func(context.Context) error {
			return errors.New("render failed")
		}},
		{Name: "document", Critical: true, Run: func(context.Context) error {
			return errors.New("db down")
		}},
		{Name: "note", Run: func(context.Context) error {
			ran["note"] = true
			return nil
		}},
	}

	warnings, err := testRunner().Run(context.Background(), steps)
	if err == nil {
		t.Fatal("expected error from critical step")
	}
	if ran["note"] {
		t.Error("steps after a failed critical step must not run")
	}
	// Warnings collected before the abort are preserved.
	if len(warnings) != 1 || warnings[0].Step != "pdf" {
		t.Errorf("expected pdf warning, got %v", warnings)
	}
}

func TestRun_PanicBecomesWarning(t *testing.T) {
	steps := []Step{
		{Name: "flaky", Run: func(context.Context) error { panic("nil deref") }},
		{Name: "after", Run: func(context.Context) error { return nil }},
	}

	warnings, err := testRunner().Run(context.Background(), steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Step != "flaky" {
		t.Fatalf("expected flaky warning, got %v", warnings)
	}
}

func TestRun_WarningOrderDeterministic(t *testing.T) {
	fail := func(name string) Step {
		return Step{Name: name, Run: func(context.Context) error { return errors.New("x") }}
	}
	warnings, _ := testRunner().Run(context.Background(), []Step{fail("one"), fail("two"), fail("three")})
	if len(warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %d", len(warnings))
	}
	for i, want := range []string{"one", "two", "three"} {
		if warnings[i].Step != want {
			t.Errorf("warnings[%d] = %q, want %q", i, warnings[i].Step, want)
		}
	}
}
