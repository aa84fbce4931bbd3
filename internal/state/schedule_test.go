// internal/state/schedule_test.go
package state

import (
	"os"
	"path/filepath"
	"testing"
)

func newStore(t *testing.T) *ScheduleStore {
	t.Helper()
	return NewScheduleStore(filepath.Join(t.TempDir(), "schedules.json"))
}

func shiftStart() *Schedule {
	return &Schedule{
		Name:    "shift-start",
		OwnerID: "u1",
		Status:  "Available",
		Cron:    "0 9 * * 1-5",
		Enabled: true,
	}
}

func TestScheduleStore_ListEmpty(t *testing.T) {
	schedules, err := newStore(t).List()
	if err != nil {
		t.Fatal(err)
	}
	if len(schedules) != 0 {
		t.Errorf("expected empty list, got %d schedules", len(schedules))
	}
}

func TestScheduleStore_AddAndList(t *testing.T) {
	store := newStore(t)
	if err := store.Add(shiftStart()); err != nil {
		t.Fatal(err)
	}

	schedules, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(schedules) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(schedules))
	}
	sc := schedules[0]
	if sc.Name != "shift-start" || sc.OwnerID != "u1" || sc.Cron != "0 9 * * 1-5" || !sc.Enabled {
		t.Errorf("unexpected schedule %+v", sc)
	}
	if sc.Status != "available" {
		t.Errorf("expected normalized status, got %q", sc.Status)
	}
}

func TestScheduleStore_AddValidates(t *testing.T) {
	store := newStore(t)

	bad := shiftStart()
	bad.Status = "sleeping"
	if err := store.Add(bad); err == nil {
		t.Error("expected invalid status to be rejected")
	}

	missing := shiftStart()
	missing.Cron = ""
	if err := store.Add(missing); err == nil {
		t.Error("expected missing cron to be rejected")
	}
}

func TestScheduleStore_AddDuplicate(t *testing.T) {
	store := newStore(t)
	if err := store.Add(shiftStart()); err != nil {
		t.Fatal(err)
	}
	if err := store.Add(shiftStart()); err == nil {
		t.Error("expected error adding duplicate schedule")
	}
}

func TestScheduleStore_GetAndRemove(t *testing.T) {
	store := newStore(t)
	if err := store.Add(shiftStart()); err != nil {
		t.Fatal(err)
	}

	sc, err := store.Get("shift-start")
	if err != nil {
		t.Fatal(err)
	}
	if sc.OwnerID != "u1" {
		t.Errorf("unexpected owner %s", sc.OwnerID)
	}
	if _, err := store.Get("missing"); err == nil {
		t.Error("expected error for missing schedule")
	}

	if err := store.Remove("shift-start"); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove("shift-start"); err == nil {
		t.Error("expected error removing missing schedule")
	}
	schedules, _ := store.List()
	if len(schedules) != 0 {
		t.Errorf("expected empty list after remove, got %d", len(schedules))
	}
}

func TestScheduleStore_SetEnabled(t *testing.T) {
	store := newStore(t)
	if err := store.Add(shiftStart()); err != nil {
		t.Fatal(err)
	}

	if err := store.SetEnabled("shift-start", false); err != nil {
		t.Fatal(err)
	}
	sc, _ := store.Get("shift-start")
	if sc.Enabled {
		t.Error("expected schedule to be disabled")
	}
	if err := store.SetEnabled("missing", true); err == nil {
		t.Error("expected error for missing schedule")
	}
}

func TestScheduleStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "schedules.json")
	if err := NewScheduleStore(path).Add(shiftStart()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after save")
	}

	schedules, err := NewScheduleStore(path).List()
	if err != nil {
		t.Fatal(err)
	}
	if len(schedules) != 1 || schedules[0].Name != "shift-start" {
		t.Errorf("expected schedule to persist, got %+v", schedules)
	}
}
