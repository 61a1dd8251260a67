package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

func TestLayerVersionsAutoIncrement(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		layer := &models.PromptLayer{
			ID:        uuid.NewString(),
			ProjectID: "p1",
			LayerType: models.LayerIdentity,
			Content:   "v",
			CreatedAt: time.Now(),
		}
		if err := store.Layers.Create(ctx, layer); err != nil {
			t.Fatal(err)
		}
		if layer.Version != i+1 {
			t.Errorf("version = %d, want %d", layer.Version, i+1)
		}
	}

	// A different layer type gets its own version sequence.
	other := &models.PromptLayer{ID: uuid.NewString(), ProjectID: "p1", LayerType: models.LayerSafety}
	if err := store.Layers.Create(ctx, other); err != nil {
		t.Fatal(err)
	}
	if other.Version != 1 {
		t.Errorf("safety version = %d, want 1", other.Version)
	}
}

func TestLayerActivateIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		layer := &models.PromptLayer{ID: uuid.NewString(), ProjectID: "p1", LayerType: models.LayerInstructions}
		if err := store.Layers.Create(ctx, layer); err != nil {
			t.Fatal(err)
		}
		ids[i] = layer.ID
	}

	if _, err := store.Layers.Active(ctx, "p1", models.LayerInstructions); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no active layer before activation, got %v", err)
	}

	for _, id := range ids {
		if err := store.Layers.Activate(ctx, id); err != nil {
			t.Fatal(err)
		}
		active, err := store.Layers.Active(ctx, "p1", models.LayerInstructions)
		if err != nil {
			t.Fatal(err)
		}
		if active.ID != id {
			t.Errorf("active = %s, want %s", active.ID, id)
		}
	}

	all, err := store.Layers.List(ctx, "p1", models.LayerInstructions)
	if err != nil {
		t.Fatal(err)
	}
	activeCount := 0
	for _, l := range all {
		if l.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("active count = %d, want 1", activeCount)
	}
}

func TestTaskClaimCompareAndSwap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	task := &models.ScheduledTask{
		ID:             uuid.NewString(),
		ProjectID:      "p1",
		CronExpression: "* * * * *",
		Status:         models.TaskActive,
		NextRunAt:      &now,
	}
	if err := store.Tasks.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	if err := store.Tasks.Claim(ctx, task.ID, nil, now); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// A second claim with the stale precondition loses.
	if err := store.Tasks.Claim(ctx, task.ID, nil, now); !errors.Is(err, ErrStaleClaim) {
		t.Errorf("second claim err = %v, want ErrStaleClaim", err)
	}
	later := now.Add(time.Minute)
	if err := store.Tasks.Claim(ctx, task.ID, &now, later); err != nil {
		t.Errorf("claim with current lastRunAt: %v", err)
	}
}

func TestTaskDueOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(offset time.Duration, status models.TaskStatus) string {
		at := now.Add(offset)
		task := &models.ScheduledTask{ID: uuid.NewString(), ProjectID: "p1", Status: status, NextRunAt: &at}
		if err := store.Tasks.Create(ctx, task); err != nil {
			t.Fatal(err)
		}
		return task.ID
	}
	late := mk(-time.Minute, models.TaskActive)
	early := mk(-time.Hour, models.TaskActive)
	mk(time.Hour, models.TaskActive)   // not yet due
	mk(-time.Hour, models.TaskPaused)  // paused is skipped

	due, err := store.Tasks.Due(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("due count = %d, want 2", len(due))
	}
	if due[0].ID != early || due[1].ID != late {
		t.Errorf("due order = [%s %s], want earliest first", due[0].ID, due[1].ID)
	}
}

func TestLatestActiveSessionForContact(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	mk := func(contactID string, status models.SessionStatus, at time.Time) string {
		s := &models.Session{
			ID:        uuid.NewString(),
			ProjectID: "p1",
			Status:    status,
			Metadata:  map[string]string{"contactId": contactID},
			CreatedAt: at,
		}
		if err := store.Sessions.Create(ctx, s); err != nil {
			t.Fatal(err)
		}
		return s.ID
	}
	mk("c1", models.SessionActive, base.Add(-2*time.Hour))
	want := mk("c1", models.SessionActive, base.Add(-time.Hour))
	mk("c1", models.SessionClosed, base) // newest but closed
	mk("c2", models.SessionActive, base)

	got, err := store.Sessions.LatestActiveForContact(ctx, "p1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != want {
		t.Errorf("latest = %s, want %s", got.ID, want)
	}

	if _, err := store.Sessions.LatestActiveForContact(ctx, "p1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown contact, got %v", err)
	}
}

func TestUsageSumSince(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	records := []models.UsageRecord{
		{ProjectID: "p1", CostUSD: 1.5, InputTokens: 100, OutputTokens: 50, Timestamp: now.Add(-time.Hour)},
		{ProjectID: "p1", CostUSD: 2.0, InputTokens: 200, OutputTokens: 100, Timestamp: now.Add(-48 * time.Hour)},
		{ProjectID: "p2", CostUSD: 9.0, InputTokens: 999, OutputTokens: 0, Timestamp: now},
	}
	for i := range records {
		if err := store.Usage.Record(ctx, &records[i]); err != nil {
			t.Fatal(err)
		}
	}

	cost, tokens, err := store.Usage.SumSince(ctx, "p1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if cost != 1.5 {
		t.Errorf("daily cost = %v, want 1.5", cost)
	}
	if tokens != 150 {
		t.Errorf("daily tokens = %d, want 150", tokens)
	}

	cost, _, err = store.Usage.SumSince(ctx, "p1", now.Add(-72*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if cost != 3.5 {
		t.Errorf("monthly cost = %v, want 3.5", cost)
	}
}

func TestSecretUpsertReplaces(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := &models.Secret{ID: uuid.NewString(), ProjectID: "p1", Key: "API_KEY", EncryptedValue: "aa"}
	if err := store.Secrets.Upsert(ctx, s); err != nil {
		t.Fatal(err)
	}
	s2 := &models.Secret{ID: uuid.NewString(), ProjectID: "p1", Key: "API_KEY", EncryptedValue: "bb"}
	if err := store.Secrets.Upsert(ctx, s2); err != nil {
		t.Fatal(err)
	}

	got, err := store.Secrets.Get(ctx, "p1", "API_KEY")
	if err != nil {
		t.Fatal(err)
	}
	if got.EncryptedValue != "bb" {
		t.Errorf("value = %s, want replacement", got.EncryptedValue)
	}

	list, err := store.Secrets.List(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("list len = %d, want 1", len(list))
	}

	if err := store.Secrets.Delete(ctx, "p1", "API_KEY"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Secrets.Get(ctx, "p1", "API_KEY"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete err = %v, want ErrNotFound", err)
	}
}

func TestMessageListTail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := &models.Message{
			ID:        uuid.NewString(),
			SessionID: "s1",
			Role:      models.RoleUser,
			Content:   string(rune('a' + i)),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := store.Messages.Append(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := store.Messages.ListBySession(ctx, "s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "d" || msgs[1].Content != "e" {
		t.Errorf("tail = [%s %s], want most recent in order", msgs[0].Content, msgs[1].Content)
	}
}

func TestContactFindByIdentifier(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := &models.Contact{
		ID:         uuid.NewString(),
		ProjectID:  "p1",
		Phone:      "+15550001111",
		Email:      "Dev@Example.com",
		ExternalID: "tg:42",
	}
	if err := store.Contacts.Create(ctx, c); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		channel    string
		identifier string
		found      bool
	}{
		{"sms", "+15550001111", true},
		{"whatsapp", "+15550001111", true},
		{"email", "dev@example.com", true},
		{"telegram", "tg:42", true},
		{"sms", "+15559999999", false},
	}
	for _, tt := range tests {
		got, err := store.Contacts.FindByIdentifier(ctx, "p1", tt.channel, tt.identifier)
		if tt.found {
			if err != nil {
				t.Errorf("%s/%s: %v", tt.channel, tt.identifier, err)
				continue
			}
			if got.ID != c.ID {
				t.Errorf("%s/%s: wrong contact", tt.channel, tt.identifier)
			}
		} else if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s/%s: err = %v, want ErrNotFound", tt.channel, tt.identifier, err)
		}
	}
}
