package records

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
)

type sequentialIDProvider struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%d", p.prefix, p.next), nil
}

// steppingClock advances one millisecond per reading.
type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{current: time.UnixMilli(1700000000000).UTC()}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Millisecond)
	return c.current
}

type testStore struct {
	store *Store
	queue *queue.Queue
	db    *gorm.DB
	clock *steppingClock
}

func openTestDatabase(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Record{}, &RecordVersion{}, &AuditEntry{}, &queue.Operation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, deviceID string) testStore {
	t.Helper()
	db := openTestDatabase(t, "records_"+deviceID)
	clock := newSteppingClock()
	pending, err := queue.NewQueue(queue.Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database:   db,
		DeviceID:   mustDeviceID(t, deviceID),
		Queue:      pending,
		Clock:      clock.Now,
		IDProvider: &sequentialIDProvider{prefix: deviceID},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return testStore{store: store, queue: pending, db: db, clock: clock}
}

func newRelayTestStore(t *testing.T) testStore {
	t.Helper()
	db := openTestDatabase(t, "records_relay")
	clock := newSteppingClock()
	store, err := NewStore(StoreConfig{
		Database:   db,
		DeviceID:   mustDeviceID(t, "relay"),
		Clock:      clock.Now,
		IDProvider: &sequentialIDProvider{prefix: "relay"},
	})
	if err != nil {
		t.Fatalf("failed to construct relay store: %v", err)
	}
	return testStore{store: store, db: db, clock: clock}
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustDeviceID(t *testing.T, value string) DeviceID {
	t.Helper()
	id, err := NewDeviceID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func mustActorID(t *testing.T, value string) ActorID {
	t.Helper()
	id, err := NewActorID(value)
	if err != nil {
		t.Fatalf("unexpected actor id error: %v", err)
	}
	return id
}

func mustSnapshot(t *testing.T, record Record) Snapshot {
	t.Helper()
	snapshot, err := record.Snapshot()
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	return snapshot
}

func mustCreate(t *testing.T, store *Store, payload Payload) Record {
	t.Helper()
	record, err := store.Create(context.Background(), mustUserID(t, "user-1"), mustActorID(t, "patient-1"), payload)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return record
}

func stringPointer(value string) *string {
	return &value
}

func consultationPayload(title string) Payload {
	return Payload{
		Kind:       KindConsultation,
		Title:      title,
		RecordedOn: "2024-03-01",
		Consultation: &Consultation{
			Doctor:    "Dr. Rao",
			Symptoms:  "fever",
			Diagnosis: "viral infection",
			Allergies: []string{"penicillin"},
		},
	}
}

func prescriptionPayload(title string, medications ...MedicationLine) Payload {
	return Payload{
		Kind:       KindPrescription,
		Title:      title,
		RecordedOn: "2024-03-02",
		Prescription: &Prescription{
			Prescriber:  "Dr. Rao",
			Medications: medications,
			Allergies:   []string{"sulfa"},
		},
	}
}
