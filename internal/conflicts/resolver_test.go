package conflicts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
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

type device struct {
	store    *records.Store
	queue    *queue.Queue
	registry *Registry
	resolver *Resolver
}

func newDevice(t *testing.T, deviceID string) device {
	t.Helper()
	dsn := fmt.Sprintf("file:conflicts_%s_%d?mode=memory&cache=shared", deviceID, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&records.Record{}, &records.RecordVersion{}, &records.AuditEntry{}, &queue.Operation{}, &Case{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	var tick int64
	var tickMu sync.Mutex
	clock := func() time.Time {
		tickMu.Lock()
		defer tickMu.Unlock()
		tick++
		return time.UnixMilli(1700000000000 + tick).UTC()
	}
	ids := &sequentialIDProvider{prefix: deviceID}
	pending, err := queue.NewQueue(queue.Config{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	store, err := records.NewStore(records.StoreConfig{
		Database:   db,
		DeviceID:   records.DeviceID(deviceID),
		Queue:      pending,
		Clock:      clock,
		IDProvider: ids,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	registry, err := NewRegistry(RegistryConfig{Database: db, Clock: clock, IDProvider: ids})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	resolver, err := NewResolver(ResolverConfig{Store: store, Registry: registry})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	return device{store: store, queue: pending, registry: registry, resolver: resolver}
}

func mustSnapshot(t *testing.T, record records.Record) records.Snapshot {
	t.Helper()
	snapshot, err := record.Snapshot()
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	return snapshot
}

type conflictFixture struct {
	local    device
	remote   device
	recordID records.RecordID
	fromA    records.Record
	fromB    records.Record
	caseID   string
}

// newConflict diverges one prescription on two devices from a shared version 1 and opens
// the case on device b.
func newConflict(t *testing.T) conflictFixture {
	t.Helper()
	ctx := context.Background()
	deviceA := newDevice(t, "device-a")
	deviceB := newDevice(t, "device-b")
	actor := records.ActorID("patient-1")

	base := records.Payload{
		Kind:  records.KindPrescription,
		Title: "Diabetes care",
		Prescription: &records.Prescription{
			Prescriber:  "Dr. Rao",
			Medications: []records.MedicationLine{{Name: "Metformin", Dosage: "500mg"}},
		},
	}
	created, err := deviceA.store.Create(ctx, records.UserID("user-1"), actor, base)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	id := records.RecordID(created.RecordID)
	if _, err := deviceB.store.ApplyRemote(ctx, mustSnapshot(t, created), records.ApplyOptions{}); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if err := deviceA.store.MarkSynced(ctx, id, 1); err != nil {
		t.Fatalf("unexpected mark synced error: %v", err)
	}

	withAmlodipine := *base.Prescription
	withAmlodipine.Medications = append([]records.MedicationLine{}, base.Prescription.Medications...)
	withAmlodipine.Medications = append(withAmlodipine.Medications, records.MedicationLine{Name: "Amlodipine", Dosage: "5mg"})
	fromA, err := deviceA.store.Update(ctx, id, actor, records.Patch{Prescription: &withAmlodipine})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	withAtorvastatin := *base.Prescription
	withAtorvastatin.Medications = append([]records.MedicationLine{}, base.Prescription.Medications...)
	withAtorvastatin.Medications = append(withAtorvastatin.Medications, records.MedicationLine{Name: "Atorvastatin", Dosage: "10mg"})
	fromB, err := deviceB.store.Update(ctx, id, actor, records.Patch{Prescription: &withAtorvastatin})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	outcome, err := deviceB.store.ApplyRemote(ctx, mustSnapshot(t, fromA), records.ApplyOptions{})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if outcome.Decision != records.DecisionConflict {
		t.Fatalf("expected conflict, got %s", outcome.Decision)
	}
	opened, isNew, err := deviceB.registry.Open(ctx, mustSnapshot(t, outcome.Local), mustSnapshot(t, fromA))
	if err != nil || !isNew {
		t.Fatalf("expected a new case, got %v created=%v", err, isNew)
	}
	if err := deviceB.store.MarkConflict(ctx, id); err != nil {
		t.Fatalf("unexpected mark conflict error: %v", err)
	}
	return conflictFixture{local: deviceB, remote: deviceA, recordID: id, fromA: fromA, fromB: fromB, caseID: opened.CaseID}
}

func TestRegistryKeepsOneOpenCasePerRecord(t *testing.T) {
	fixture := newConflict(t)
	ctx := context.Background()
	local, _ := fixture.local.store.Lookup(ctx, fixture.recordID)

	again, created, err := fixture.local.registry.Open(ctx, mustSnapshot(t, local), mustSnapshot(t, fixture.fromA))
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if created || again.CaseID != fixture.caseID {
		t.Fatalf("expected the existing case to be reused, got %s created=%v", again.CaseID, created)
	}
	count, err := fixture.local.registry.CountOpen(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one open case, got %d", count)
	}
	remote, err := again.RemoteSnapshot()
	if err != nil || remote.Checksum != fixture.fromA.Checksum {
		t.Fatalf("expected the full remote snapshot on the case, got %v", err)
	}
}

func TestResolveMergeKeepsBothMedications(t *testing.T) {
	fixture := newConflict(t)
	ctx := context.Background()

	outcome, err := fixture.local.resolver.Resolve(ctx, fixture.caseID, StrategyMerge, records.ActorID("patient-1"))
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if outcome.Record.Version != 3 || outcome.Record.SyncStatus != records.SyncStatusPending {
		t.Fatalf("expected a pending version above both parents, got %#v", outcome.Record)
	}
	payload, _ := outcome.Record.DecodePayload()
	names := map[string]bool{}
	for _, line := range payload.Prescription.Medications {
		names[line.Name] = true
	}
	if !names["Metformin"] || !names["Amlodipine"] || !names["Atorvastatin"] {
		t.Fatalf("expected every medication to survive the merge, got %#v", payload.Prescription.Medications)
	}
	if outcome.Case.Status != StatusResolved || outcome.Case.ResolvedVersion != 3 || outcome.Case.Strategy != StrategyMerge {
		t.Fatalf("unexpected resolved case %#v", outcome.Case)
	}
	ok, _ := fixture.local.store.VerifyIntegrity(ctx, fixture.recordID)
	if !ok {
		t.Fatalf("expected merged record checksum to verify")
	}
	count, _ := fixture.local.registry.CountOpen(ctx, "user-1")
	if count != 0 {
		t.Fatalf("expected no open cases after resolution, got %d", count)
	}
}

func TestResolveTwiceIsInvalidState(t *testing.T) {
	fixture := newConflict(t)
	ctx := context.Background()
	if _, err := fixture.local.resolver.Resolve(ctx, fixture.caseID, StrategyKeepLocal, records.ActorID("patient-1")); err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	_, err := fixture.local.resolver.Resolve(ctx, fixture.caseID, StrategyKeepRemote, records.ActorID("patient-1"))
	if !errors.Is(err, records.ErrInvalidState) {
		t.Fatalf("expected invalid state on second resolution, got %v", err)
	}
}

func TestResolveKeepLocalAndKeepRemote(t *testing.T) {
	actor := records.ActorID("patient-1")
	t.Run("keep local", func(t *testing.T) {
		fixture := newConflict(t)
		outcome, err := fixture.local.resolver.Resolve(context.Background(), fixture.caseID, StrategyKeepLocal, actor)
		if err != nil {
			t.Fatalf("unexpected resolve error: %v", err)
		}
		if outcome.Record.PayloadJSON != fixture.fromB.PayloadJSON || outcome.Record.Version != 3 || outcome.Record.ParentVersion != 2 {
			t.Fatalf("expected local content republished at version 3, got %#v", outcome.Record)
		}
	})
	t.Run("keep remote", func(t *testing.T) {
		fixture := newConflict(t)
		outcome, err := fixture.local.resolver.Resolve(context.Background(), fixture.caseID, StrategyKeepRemote, actor)
		if err != nil {
			t.Fatalf("unexpected resolve error: %v", err)
		}
		if outcome.Record.PayloadJSON != fixture.fromA.PayloadJSON || outcome.Record.Version != 3 {
			t.Fatalf("expected remote content at version 3, got %#v", outcome.Record)
		}
		trail, _ := fixture.local.store.AuditTrail(context.Background(), fixture.recordID)
		last := trail[len(trail)-1]
		metadata, _ := last.Metadata()
		if last.Action != records.AuditActionConflictResolve || metadata["strategy"] != "keep_remote" || metadata["case_id"] != fixture.caseID {
			t.Fatalf("unexpected resolution audit entry %#v", last)
		}
	})
}

func TestResolveManualDefersUntilDecision(t *testing.T) {
	fixture := newConflict(t)
	ctx := context.Background()
	actor := records.ActorID("caregiver-1")

	outcome, err := fixture.local.resolver.Resolve(ctx, fixture.caseID, StrategyManual, actor)
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if !outcome.Deferred || outcome.Case.Status != StatusDeferred {
		t.Fatalf("expected deferred case, got %#v", outcome)
	}
	stored, _ := fixture.local.store.Lookup(ctx, fixture.recordID)
	if stored.SyncStatus != records.SyncStatusConflict {
		t.Fatalf("expected record to stay in conflict while deferred, got %s", stored.SyncStatus)
	}
	count, _ := fixture.local.registry.CountOpen(ctx, "user-1")
	if count != 1 {
		t.Fatalf("expected the deferred case to stay open, got %d", count)
	}

	decision := records.Payload{
		Kind:  records.KindPrescription,
		Title: "Reviewed by clinician",
		Prescription: &records.Prescription{
			Prescriber:  "Dr. Rao",
			Medications: []records.MedicationLine{{Name: "Metformin", Dosage: "850mg"}},
		},
	}
	settled, err := fixture.local.resolver.ResolveManual(ctx, fixture.caseID, actor, decision, false)
	if err != nil {
		t.Fatalf("unexpected manual resolve error: %v", err)
	}
	if settled.Case.Status != StatusResolved || settled.Case.ResolvedBy != "caregiver-1" {
		t.Fatalf("unexpected settled case %#v", settled.Case)
	}
	payload, _ := settled.Record.DecodePayload()
	if payload.Title != "Reviewed by clinician" {
		t.Fatalf("expected the manual decision to be stored, got %q", payload.Title)
	}
}

func TestResolveRejectsUnknownStrategy(t *testing.T) {
	fixture := newConflict(t)
	if _, err := fixture.local.resolver.Resolve(context.Background(), fixture.caseID, Strategy("coin_flip"), records.ActorID("patient-1")); !errors.Is(err, ErrInvalidStrategy) {
		t.Fatalf("expected invalid strategy error, got %v", err)
	}
}
