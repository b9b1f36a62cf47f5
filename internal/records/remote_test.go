package records

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"
)

// syncCreate copies a freshly created record from device a to device b through snapshots.
func syncCreate(t *testing.T, from, to testStore, record Record) {
	t.Helper()
	ctx := context.Background()
	outcome, err := to.store.ApplyRemote(ctx, mustSnapshot(t, record), ApplyOptions{FromDevice: record.LastWriterDevice})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if !outcome.Decision.Accepted() {
		t.Fatalf("expected remote snapshot to be accepted, got %s", outcome.Decision)
	}
	if err := from.store.MarkSynced(ctx, RecordID(record.RecordID), record.Version); err != nil {
		t.Fatalf("unexpected mark synced error: %v", err)
	}
}

func TestApplyRemoteCreatesAbsentRecordAsSynced(t *testing.T) {
	deviceA := newTestStore(t, "device-a")
	deviceB := newTestStore(t, "device-b")
	record := mustCreate(t, deviceA.store, consultationPayload("Fever visit"))

	outcome, err := deviceB.store.ApplyRemote(context.Background(), mustSnapshot(t, record), ApplyOptions{FromDevice: "device-a"})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if outcome.Decision != DecisionCreated {
		t.Fatalf("expected created decision, got %s", outcome.Decision)
	}
	if outcome.Local.SyncStatus != SyncStatusSynced || outcome.Local.Version != 1 {
		t.Fatalf("unexpected applied record %#v", outcome.Local)
	}
	if outcome.Local.Checksum != record.Checksum {
		t.Fatalf("expected recomputed checksum to match the sender's")
	}
	trail, _ := deviceB.store.AuditTrail(context.Background(), RecordID(record.RecordID))
	if len(trail) != 1 || trail[0].Action != AuditActionSync || trail[0].DeviceID != "device-a" {
		t.Fatalf("expected a sync audit entry attributed to the writer device, got %#v", trail)
	}
	queued, _ := deviceB.queue.List(context.Background(), "user-1")
	if len(queued) != 0 {
		t.Fatalf("expected remote application not to enqueue outbound work")
	}
}

func TestApplyRemoteFastForwardsDirectDescendant(t *testing.T) {
	ctx := context.Background()
	deviceA := newTestStore(t, "device-a")
	deviceB := newTestStore(t, "device-b")
	record := mustCreate(t, deviceA.store, consultationPayload("Fever visit"))
	syncCreate(t, deviceA, deviceB, record)

	updated, err := deviceA.store.Update(ctx, RecordID(record.RecordID), mustActorID(t, "patient-1"), Patch{
		Description: stringPointer("rest and fluids"),
	})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	outcome, err := deviceB.store.ApplyRemote(ctx, mustSnapshot(t, updated), ApplyOptions{FromDevice: "device-a"})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if outcome.Decision != DecisionFastForward {
		t.Fatalf("expected fast forward, got %s", outcome.Decision)
	}
	local, err := deviceB.store.Get(ctx, RecordID(record.RecordID))
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if local.Version != 2 || local.PayloadJSON != updated.PayloadJSON || local.Checksum != updated.Checksum {
		t.Fatalf("expected device b to equal device a, got %#v", local)
	}
	if local.SyncStatus != SyncStatusSynced {
		t.Fatalf("expected synced status, got %s", local.SyncStatus)
	}
}

func TestApplyRemoteIgnoresDuplicateAndStaleVersions(t *testing.T) {
	ctx := context.Background()
	deviceA := newTestStore(t, "device-a")
	deviceB := newTestStore(t, "device-b")
	record := mustCreate(t, deviceA.store, consultationPayload("Fever visit"))
	syncCreate(t, deviceA, deviceB, record)
	updated, err := deviceA.store.Update(ctx, RecordID(record.RecordID), mustActorID(t, "patient-1"), Patch{Title: stringPointer("v2")})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if _, err := deviceB.store.ApplyRemote(ctx, mustSnapshot(t, updated), ApplyOptions{}); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	duplicate, err := deviceB.store.ApplyRemote(ctx, mustSnapshot(t, updated), ApplyOptions{})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if duplicate.Decision != DecisionDuplicate {
		t.Fatalf("expected duplicate, got %s", duplicate.Decision)
	}
	stale, err := deviceB.store.ApplyRemote(ctx, mustSnapshot(t, record), ApplyOptions{})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if stale.Decision != DecisionStale {
		t.Fatalf("expected stale, got %s", stale.Decision)
	}
	trail, _ := deviceB.store.AuditTrail(ctx, RecordID(record.RecordID))
	if len(trail) != 2 {
		t.Fatalf("expected ignored versions to leave no audit entries, got %d", len(trail))
	}
}

func TestApplyRemoteReportsConcurrentSiblingAsConflict(t *testing.T) {
	ctx := context.Background()
	deviceA := newTestStore(t, "device-a")
	deviceB := newTestStore(t, "device-b")
	record := mustCreate(t, deviceA.store, consultationPayload("Fever visit"))
	syncCreate(t, deviceA, deviceB, record)

	fromA, err := deviceA.store.Update(ctx, RecordID(record.RecordID), mustActorID(t, "patient-1"), Patch{Title: stringPointer("from a")})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	fromB, err := deviceB.store.Update(ctx, RecordID(record.RecordID), mustActorID(t, "patient-1"), Patch{Title: stringPointer("from b")})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	outcome, err := deviceB.store.ApplyRemote(ctx, mustSnapshot(t, fromA), ApplyOptions{FromDevice: "device-a"})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if outcome.Decision != DecisionConflict {
		t.Fatalf("expected conflict, got %s", outcome.Decision)
	}
	local, _ := deviceB.store.Get(ctx, RecordID(record.RecordID))
	if local.PayloadJSON != fromB.PayloadJSON || local.Version != 2 {
		t.Fatalf("expected local state to be untouched by a conflict, got %#v", local)
	}
}

func TestApplyRemoteFastForwardsDescendantOfUnsyncedHead(t *testing.T) {
	ctx := context.Background()
	deviceA := newTestStore(t, "device-a")
	deviceB := newTestStore(t, "device-b")
	actor := mustActorID(t, "patient-1")
	record := mustCreate(t, deviceA.store, consultationPayload("Fever visit"))
	syncCreate(t, deviceA, deviceB, record)

	v2, err := deviceA.store.Update(ctx, RecordID(record.RecordID), actor, Patch{Title: stringPointer("v2")})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if v2.ParentChecksum != record.Checksum {
		t.Fatalf("expected parent checksum %s, got %s", record.Checksum, v2.ParentChecksum)
	}
	// The relay accepted v2 but its acknowledgement never arrived.
	if err := deviceA.store.MarkSyncFailed(ctx, RecordID(record.RecordID)); err != nil {
		t.Fatalf("unexpected mark failed error: %v", err)
	}
	if _, err := deviceB.store.ApplyRemote(ctx, mustSnapshot(t, v2), ApplyOptions{FromDevice: "device-a"}); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	v3, err := deviceB.store.Update(ctx, RecordID(record.RecordID), actor, Patch{Title: stringPointer("v3")})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if v3.ParentVersion != 2 || v3.ParentChecksum != v2.Checksum {
		t.Fatalf("expected v3 to descend from v2, got parent %d %s", v3.ParentVersion, v3.ParentChecksum)
	}

	foreignParent := mustSnapshot(t, v3)
	foreignParent.ParentChecksum = record.Checksum
	diverged, err := deviceA.store.ApplyRemote(ctx, foreignParent, ApplyOptions{FromDevice: "device-b"})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if diverged.Decision != DecisionConflict {
		t.Fatalf("expected a different parent content to conflict, got %s", diverged.Decision)
	}

	outcome, err := deviceA.store.ApplyRemote(ctx, mustSnapshot(t, v3), ApplyOptions{FromDevice: "device-b"})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if outcome.Decision != DecisionFastForward {
		t.Fatalf("expected fast forward over the unacknowledged head, got %s", outcome.Decision)
	}
	local, _ := deviceA.store.Get(ctx, RecordID(record.RecordID))
	if local.Version != 3 || local.Checksum != v3.Checksum || local.SyncStatus != SyncStatusSynced {
		t.Fatalf("expected device a to adopt v3, got %#v", local)
	}
}

func TestRelayModeRequiresMatchingParentChecksum(t *testing.T) {
	ctx := context.Background()
	deviceA := newTestStore(t, "device-a")
	relay := newRelayTestStore(t)
	record := mustCreate(t, deviceA.store, consultationPayload("Fever visit"))
	if _, err := relay.store.ApplyRemote(ctx, mustSnapshot(t, record), ApplyOptions{Mode: ApplyAsRelay}); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	v2, _ := deviceA.store.Update(ctx, RecordID(record.RecordID), mustActorID(t, "patient-1"), Patch{Title: stringPointer("v2")})

	unproven := mustSnapshot(t, v2)
	unproven.ParentChecksum = ""
	outcome, err := relay.store.ApplyRemote(ctx, unproven, ApplyOptions{Mode: ApplyAsRelay})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if outcome.Decision != DecisionConflict {
		t.Fatalf("expected relay to refuse an unpinned parent, got %s", outcome.Decision)
	}
	history, _ := relay.store.History(ctx, RecordID(record.RecordID))
	if len(history) != 1 {
		t.Fatalf("expected relay lineage untouched, got %d versions", len(history))
	}
}

func TestRelayModeRejectsUnprovenLineage(t *testing.T) {
	ctx := context.Background()
	deviceA := newTestStore(t, "device-a")
	relay := newRelayTestStore(t)
	record := mustCreate(t, deviceA.store, consultationPayload("Fever visit"))
	if _, err := relay.store.ApplyRemote(ctx, mustSnapshot(t, record), ApplyOptions{Mode: ApplyAsRelay}); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	actor := mustActorID(t, "patient-1")
	v2, _ := deviceA.store.Update(ctx, RecordID(record.RecordID), actor, Patch{Title: stringPointer("v2")})
	v3, _ := deviceA.store.Update(ctx, RecordID(record.RecordID), actor, Patch{Title: stringPointer("v3")})

	skipped, err := relay.store.ApplyRemote(ctx, mustSnapshot(t, v3), ApplyOptions{Mode: ApplyAsRelay})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if skipped.Decision != DecisionConflict {
		t.Fatalf("expected relay to reject a version gap, got %s", skipped.Decision)
	}
	for _, next := range []Record{v2, v3} {
		outcome, err := relay.store.ApplyRemote(ctx, mustSnapshot(t, next), ApplyOptions{Mode: ApplyAsRelay})
		if err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
		if outcome.Decision != DecisionFastForward {
			t.Fatalf("expected fast forward for version %d, got %s", next.Version, outcome.Decision)
		}
	}
	resend, err := relay.store.ApplyRemote(ctx, mustSnapshot(t, v2), ApplyOptions{Mode: ApplyAsRelay})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if resend.Decision != DecisionStale || !resend.Decision.Accepted() {
		t.Fatalf("expected a re-sent known version to be accepted as stale, got %s", resend.Decision)
	}
}

func TestApplyRemoteRejectsBadChecksum(t *testing.T) {
	deviceA := newTestStore(t, "device-a")
	deviceB := newTestStore(t, "device-b")
	record := mustCreate(t, deviceA.store, consultationPayload("Fever visit"))
	snapshot := mustSnapshot(t, record)
	snapshot.Payload.Title = "altered in transit"

	_, err := deviceB.store.ApplyRemote(context.Background(), snapshot, ApplyOptions{})
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected a bad inbound snapshot not to be reported as local corruption")
	}
	if _, err := deviceB.store.Lookup(context.Background(), RecordID(record.RecordID)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected nothing stored, got %v", err)
	}
}

func TestVersionsStrictlyIncreaseAcrossLocalAndRemoteMutations(t *testing.T) {
	ctx := context.Background()
	deviceA := newTestStore(t, "device-a")
	deviceB := newTestStore(t, "device-b")
	actor := mustActorID(t, "patient-1")
	record := mustCreate(t, deviceA.store, consultationPayload("Fever visit"))
	id := RecordID(record.RecordID)
	syncCreate(t, deviceA, deviceB, record)

	current := record
	for round := 0; round < 6; round++ {
		writer, reader := deviceA, deviceB
		if round%2 == 1 {
			writer, reader = deviceB, deviceA
		}
		next, err := writer.store.Update(ctx, id, actor, Patch{Description: stringPointer(string(rune('a' + round)))})
		if err != nil {
			t.Fatalf("unexpected update error: %v", err)
		}
		if next.Version <= current.Version {
			t.Fatalf("expected version to increase past %d, got %d", current.Version, next.Version)
		}
		if err := writer.store.MarkSynced(ctx, id, next.Version); err != nil {
			t.Fatalf("unexpected mark synced error: %v", err)
		}
		outcome, err := reader.store.ApplyRemote(ctx, mustSnapshot(t, next), ApplyOptions{})
		if err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
		if outcome.Decision != DecisionFastForward {
			t.Fatalf("expected fast forward in round %d, got %s", round, outcome.Decision)
		}
		current = next
	}

	for _, device := range []testStore{deviceA, deviceB} {
		trail, err := device.store.AuditTrail(ctx, id)
		if err != nil {
			t.Fatalf("unexpected audit error: %v", err)
		}
		var last int64
		for _, entry := range trail {
			if entry.ToVersion <= last {
				t.Fatalf("expected strictly increasing versions in audit trail, got %d after %d", entry.ToVersion, last)
			}
			last = entry.ToVersion
		}
	}
}

func TestResolveKeepLocalRepublishesAboveBothSides(t *testing.T) {
	ctx := context.Background()
	deviceA := newTestStore(t, "device-a")
	deviceB := newTestStore(t, "device-b")
	actor := mustActorID(t, "patient-1")
	record := mustCreate(t, deviceA.store, consultationPayload("Fever visit"))
	id := RecordID(record.RecordID)
	syncCreate(t, deviceA, deviceB, record)

	fromA, _ := deviceA.store.Update(ctx, id, actor, Patch{Title: stringPointer("from a")})
	fromB, _ := deviceB.store.Update(ctx, id, actor, Patch{Title: stringPointer("from b")})
	if err := deviceB.store.MarkConflict(ctx, id); err != nil {
		t.Fatalf("unexpected mark conflict error: %v", err)
	}

	if _, err := deviceA.store.Resolve(ctx, id, Resolution{Strategy: "keep_local", Actor: actor, Remote: mustSnapshot(t, fromB), Payload: mustSnapshot(t, fromA).Payload}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected resolving a record without a conflict to fail, got %v", err)
	}

	finalized := false
	resolved, err := deviceB.store.Resolve(ctx, id, Resolution{
		Strategy: "keep_local",
		Actor:    actor,
		Remote:   mustSnapshot(t, fromA),
		Payload:  mustSnapshot(t, fromB).Payload,
		Finalize: func(_ *gorm.DB, resolved Record) error {
			finalized = resolved.Version == 3
			return nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if !finalized {
		t.Fatalf("expected finalize to observe the resolved version")
	}
	if resolved.Version != 3 || resolved.ParentVersion != 2 || resolved.SyncStatus != SyncStatusPending {
		t.Fatalf("unexpected resolved record %#v", resolved)
	}
	ok, _ := deviceB.store.VerifyIntegrity(ctx, id)
	if !ok {
		t.Fatalf("expected resolved record to verify")
	}

	queued, _ := deviceB.queue.List(ctx, "user-1")
	if len(queued) != 1 || queued[0].Version != 3 || queued[0].Parked {
		t.Fatalf("expected parked operations replaced by the resolved version, got %#v", queued)
	}

	trail, _ := deviceB.store.AuditTrail(ctx, id)
	entry := trail[len(trail)-1]
	if entry.Action != AuditActionConflictResolve {
		t.Fatalf("expected conflict resolve entry, got %s", entry.Action)
	}
	metadata, _ := entry.Metadata()
	if metadata["strategy"] != "keep_local" || metadata["local_version"] != "2" || metadata["remote_version"] != "2" {
		t.Fatalf("unexpected resolution metadata %#v", metadata)
	}
	if metadata["superseded_ops"] == "" {
		t.Fatalf("expected superseded operations to be recorded")
	}

	outcome, err := deviceA.store.ApplyRemote(ctx, mustSnapshot(t, resolved), ApplyOptions{Mode: ApplyAsRelay})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if outcome.Decision != DecisionFastForward {
		t.Fatalf("expected the resolution to descend from the remote side, got %s", outcome.Decision)
	}
}

func TestResolveAdoptRemoteInstallsNewerVersion(t *testing.T) {
	ctx := context.Background()
	deviceA := newTestStore(t, "device-a")
	deviceB := newTestStore(t, "device-b")
	actor := mustActorID(t, "patient-1")
	record := mustCreate(t, deviceA.store, consultationPayload("Fever visit"))
	id := RecordID(record.RecordID)
	syncCreate(t, deviceA, deviceB, record)

	deviceA.store.Update(ctx, id, actor, Patch{Title: stringPointer("a2")})
	fromA, _ := deviceA.store.Update(ctx, id, actor, Patch{Title: stringPointer("a3")})
	deviceB.store.Update(ctx, id, actor, Patch{Title: stringPointer("b2")})
	if err := deviceB.store.MarkConflict(ctx, id); err != nil {
		t.Fatalf("unexpected mark conflict error: %v", err)
	}

	resolved, err := deviceB.store.Resolve(ctx, id, Resolution{
		Strategy:    "keep_remote",
		Actor:       actor,
		Remote:      mustSnapshot(t, fromA),
		AdoptRemote: true,
	})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if resolved.Version != 3 || resolved.Checksum != fromA.Checksum || resolved.SyncStatus != SyncStatusSynced {
		t.Fatalf("expected remote version adopted verbatim, got %#v", resolved)
	}
	queued, _ := deviceB.queue.List(ctx, "user-1")
	if len(queued) != 0 {
		t.Fatalf("expected no outbound work after adopting the remote version, got %d", len(queued))
	}
	trail, _ := deviceB.store.AuditTrail(ctx, id)
	if len(trail) != 3 {
		t.Fatalf("expected local history to be kept beneath the adopted version, got %d entries", len(trail))
	}
}
