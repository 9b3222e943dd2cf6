package alerts

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/rs/zerolog"
)

func setup(t *testing.T) (*Monitor, *kv.Store) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	store := kv.NewFromAddr(s.Addr())
	return New(store, zerolog.Nop()), store
}

func TestRunChecksIgnoresSingleFailure(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	m.Register("flaky", func(ctx context.Context) CheckResult {
		return CheckResult{Name: "flaky", Healthy: false, Severity: SeverityLow, Message: "boom"}
	})

	raised, err := m.RunChecks(ctx)
	if err != nil {
		t.Fatalf("RunChecks: %v", err)
	}
	if len(raised) != 0 {
		t.Fatalf("expected no alert before consecutive-failure threshold, got %v", raised)
	}
}

func TestRunChecksRaisesAfterConsecutiveFailures(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	m.Register("down", func(ctx context.Context) CheckResult {
		return CheckResult{Name: "down", Healthy: false, Severity: SeverityCritical, Message: "unreachable"}
	})

	for i := 0; i < maxConsecutiveFailures-1; i++ {
		if _, err := m.RunChecks(ctx); err != nil {
			t.Fatalf("RunChecks: %v", err)
		}
	}

	raised, err := m.RunChecks(ctx)
	if err != nil {
		t.Fatalf("RunChecks: %v", err)
	}
	if len(raised) != 1 {
		t.Fatalf("expected 1 alert raised at threshold, got %d", len(raised))
	}
	if raised[0].Severity != SeverityCritical {
		t.Fatalf("expected critical severity, got %s", raised[0].Severity)
	}
}

func TestRunChecksResetsOnRecovery(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	healthy := true
	m.Register("flappy", func(ctx context.Context) CheckResult {
		if healthy {
			return CheckResult{Name: "flappy", Healthy: true}
		}
		return CheckResult{Name: "flappy", Healthy: false, Severity: SeverityMedium, Message: "down"}
	})

	healthy = false
	if _, err := m.RunChecks(ctx); err != nil {
		t.Fatalf("RunChecks: %v", err)
	}
	healthy = true
	if _, err := m.RunChecks(ctx); err != nil {
		t.Fatalf("RunChecks: %v", err)
	}
	healthy = false
	for i := 0; i < maxConsecutiveFailures-1; i++ {
		if _, err := m.RunChecks(ctx); err != nil {
			t.Fatalf("RunChecks: %v", err)
		}
	}
	raised, err := m.RunChecks(ctx)
	if err != nil {
		t.Fatalf("RunChecks: %v", err)
	}
	if len(raised) != 1 {
		t.Fatalf("expected recovery to reset the counter, got %d alerts", len(raised))
	}
}

func TestAcknowledgeAndResolve(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	m.Register("down", func(ctx context.Context) CheckResult {
		return CheckResult{Name: "down", Healthy: false, Severity: SeverityHigh, Message: "unreachable"}
	})
	for i := 0; i < maxConsecutiveFailures; i++ {
		m.RunChecks(ctx)
	}

	alerts, err := m.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}

	if err := m.Acknowledge(ctx, alerts[0].ID, "oncall"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := m.Resolve(ctx, alerts[0].ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got, err := m.get(ctx, alerts[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AckedBy != "oncall" || !got.Resolved {
		t.Fatalf("expected ack+resolve recorded, got %+v", got)
	}
}

func TestRaiseNowSkipsConsecutiveFailureGate(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	if err := m.RaiseNow(ctx, "dead_letter_high_priority", "task x exhausted retries"); err != nil {
		t.Fatalf("RaiseNow: %v", err)
	}

	alerts, err := m.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected RaiseNow to raise immediately without a consecutive-failure count, got %d alerts", len(alerts))
	}
	if alerts[0].Severity != SeverityHigh {
		t.Fatalf("expected high severity, got %s", alerts[0].Severity)
	}
	if alerts[0].Check != "dead_letter_high_priority" {
		t.Fatalf("expected check name preserved, got %q", alerts[0].Check)
	}
}

func TestQueueDepthCheckHonorsThreshold(t *testing.T) {
	_, store := setup(t)
	ctx := context.Background()

	check := QueueDepthCheck(store, 2)
	result := check(ctx)
	if !result.Healthy {
		t.Fatalf("expected healthy empty queue, got %+v", result)
	}

	for _, id := range []string{"a", "b", "c"} {
		store.ZAdd(ctx, kv.KeyReady, 1.0, id)
	}

	result = check(ctx)
	if result.Healthy {
		t.Fatalf("expected unhealthy over threshold, got %+v", result)
	}
}
