package tasks

import (
	"testing"
	"time"
)

func TestPriorityScoreOrdersHighBeforeNormal(t *testing.T) {
	now := time.Now().UnixMilli()
	high := PriorityScore(PriorityHigh, now, now)
	normal := PriorityScore(PriorityNormal, now, now)
	low := PriorityScore(PriorityLow, now, now)

	if !(high < normal && normal < low) {
		t.Fatalf("expected high < normal < low, got high=%f normal=%f low=%f", high, normal, low)
	}
}

func TestPriorityScoreOlderBubblesUp(t *testing.T) {
	now := time.Now().UnixMilli()
	older := PriorityScore(PriorityNormal, now-10_000, now)
	newer := PriorityScore(PriorityNormal, now, now)

	if !(older < newer) {
		t.Fatalf("expected older task to sort before newer task, got older=%f newer=%f", older, newer)
	}
}

func TestBackoffExponential(t *testing.T) {
	cfg := BackoffConfig{Strategy: BackoffExponential, Initial: time.Second, Cap: 30 * time.Second}

	cases := map[int]time.Duration{
		0: 1 * time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		5: 30 * time.Second, // 32s capped to 30s
	}
	for attempts, want := range cases {
		got := Backoff(attempts, cfg)
		if got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}

func TestBackoffLinear(t *testing.T) {
	cfg := BackoffConfig{Strategy: BackoffLinear, Initial: time.Second, Cap: 10 * time.Second}
	if got := Backoff(2, cfg); got != 3*time.Second {
		t.Errorf("Backoff(2) = %v, want 3s", got)
	}
	if got := Backoff(20, cfg); got != 10*time.Second {
		t.Errorf("expected linear backoff to respect cap, got %v", got)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	original := &Task{
		ID:            "t1",
		Kind:          KindSendNotification,
		Payload:       []byte(`{"user_id":"u1"}`),
		Priority:      PriorityHigh,
		Status:        StatusPending,
		MaxAttempts:   3,
		CorrelationID: "c1",
	}
	data, err := original.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID != original.ID || decoded.Kind != original.Kind || decoded.CorrelationID != original.CorrelationID {
		t.Errorf("round trip mismatch: got %+v", decoded)
	}
}

func TestDependentTasksFromStoredMetadata(t *testing.T) {
	task := &Task{
		Metadata: map[string]interface{}{
			"dependent_tasks": []interface{}{
				map[string]interface{}{"kind": "index_search", "payload": map[string]interface{}{"doc_id": "d1"}},
			},
		},
	}
	deps := task.DependentTasks()
	if len(deps) != 1 {
		t.Fatalf("expected 1 dependent task, got %d", len(deps))
	}
	if deps[0].Kind != KindIndexSearch {
		t.Errorf("expected kind index_search, got %s", deps[0].Kind)
	}
}

func TestDependentTasksNilWhenAbsent(t *testing.T) {
	task := &Task{}
	if deps := task.DependentTasks(); deps != nil {
		t.Errorf("expected nil, got %v", deps)
	}
}
