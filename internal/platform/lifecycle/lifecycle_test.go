package lifecycle

import (
	"errors"
	"testing"
)

func TestRulesAllowed(t *testing.T) {
	rules := Rules[string]{
		"draft":  {"queued"},
		"queued": {"running"},
		"failed": {"queued"},
	}

	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{name: "declared transition", from: "draft", to: "queued", want: true},
		{name: "retry transition", from: "failed", to: "queued", want: true},
		{name: "skipped state", from: "draft", to: "running", want: false},
		{name: "terminal state", from: "completed", to: "queued", want: false},
		{name: "self transition", from: "queued", to: "queued", want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := rules.Allowed(tc.from, tc.to); got != tc.want {
				t.Fatalf("Allowed(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestRulesTransitionError(t *testing.T) {
	rules := Rules[string]{"draft": {"queued"}}

	if err := rules.Transition("draft", "queued"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	err := rules.Transition("queued", "draft")
	if err == nil {
		t.Fatal("expected error")
	}
	var invalid *InvalidTransitionError[string]
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if invalid.From != "queued" || invalid.To != "draft" {
		t.Fatalf("unexpected transition endpoints: %v -> %v", invalid.From, invalid.To)
	}
}

func TestRulesTerminal(t *testing.T) {
	rules := Rules[string]{
		"draft":  {"queued"},
		"queued": {},
	}
	if rules.Terminal("draft") {
		t.Fatal("draft should not be terminal")
	}
	if !rules.Terminal("queued") {
		t.Fatal("queued should be terminal")
	}
	if !rules.Terminal("unknown") {
		t.Fatal("undeclared statuses should be terminal")
	}
}
