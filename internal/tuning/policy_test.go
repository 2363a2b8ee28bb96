package tuning

import (
	"context"
	"math/rand"
	"testing"
)

func TestFixedAttemptPolicy(t *testing.T) {
	p := FixedAttemptPolicy{}
	if got := p.Attempts(4, 1, 10, 100); got != 4 {
		t.Fatalf("expected fixed attempts=4, got=%d", got)
	}
	if got := p.Attempts(-1, 1, 10, 100); got != 0 {
		t.Fatalf("expected negative base clamped to 0, got=%d", got)
	}
}

func TestLinearDecayAttemptPolicy(t *testing.T) {
	p := LinearDecayAttemptPolicy{MinAttempts: 1}
	if got := p.Attempts(4, 0, 4, 0); got != 4 {
		t.Fatalf("expected epoch0 attempts=4, got=%d", got)
	}
	if got := p.Attempts(4, 2, 4, 0); got != 2 {
		t.Fatalf("expected epoch2 attempts=2, got=%d", got)
	}
	if got := p.Attempts(4, 9, 4, 0); got != 1 {
		t.Fatalf("expected clamped attempts=1, got=%d", got)
	}
}

func TestWSizeProportionalAttemptPolicy(t *testing.T) {
	p := WSizeProportionalAttemptPolicy{Power: 0.5}
	if got := p.Attempts(2, 0, 0, 16); got != 6 {
		t.Fatalf("expected 2+sqrt(16)=6 attempts, got=%d", got)
	}
	if got := p.Attempts(2, 0, 0, 1_000_000); got != 102 {
		t.Fatalf("expected saturated attempts=102, got=%d", got)
	}
}

func TestAttemptPolicyFromConfig(t *testing.T) {
	for _, name := range []string{"", "fixed", "const", "linear_decay", "wsize_proportional"} {
		if _, err := AttemptPolicyFromConfig(name, 1); err != nil {
			t.Fatalf("%q policy: %v", name, err)
		}
	}
	if _, err := AttemptPolicyFromConfig("unknown", 1); err == nil {
		t.Fatal("expected unknown policy error")
	}
}

func TestHillClimberUsesPolicyAndEpoch(t *testing.T) {
	net := newParamNet(0)
	h := &HillClimber{
		Rand:     rand.New(rand.NewSource(2)),
		Attempts: 8,
		Steps:    1,
		StepSize: 0.1,
		Policy:   LinearDecayAttemptPolicy{MinAttempts: 1},
	}
	h.SetEpoch(3, 4)
	report, err := h.StepWithReport(context.Background(), net, quadraticLoss(net, 1))
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if report.AttemptsPlanned != 2 {
		t.Fatalf("expected 8*1/4=2 planned attempts, got %d", report.AttemptsPlanned)
	}
}
