package propagation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/conflicts"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/devices"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/syncer"
)

const testUser = "user-1"

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

func openDatabase(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:propagation_%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(
		&records.Record{},
		&records.RecordVersion{},
		&records.AuditEntry{},
		&queue.Operation{},
		&conflicts.Case{},
		&devices.Device{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type testRelay struct {
	store   *records.Store
	devices *devices.Registry
	hub     *Hub
	server  *httptest.Server
}

// newTestRelay serves the hub with the identity taken from query parameters; token
// checks live in the HTTP router.
func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	return newClockedTestRelay(t, nil)
}

func newClockedTestRelay(t *testing.T, clock func() time.Time) *testRelay {
	t.Helper()
	db := openDatabase(t, "relay")
	store, err := records.NewStore(records.StoreConfig{
		Database:   db,
		DeviceID:   "relay",
		IDProvider: &sequentialIDProvider{prefix: "relay"},
	})
	if err != nil {
		t.Fatalf("failed to construct relay store: %v", err)
	}
	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct device registry: %v", err)
	}
	hub, err := NewHub(HubConfig{
		Store:      store,
		Devices:    registry,
		IDProvider: &sequentialIDProvider{prefix: "msg"},
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := Identity{UserID: r.URL.Query().Get("user"), DeviceID: r.URL.Query().Get("device")}
		_ = hub.Serve(w, r, identity)
	}))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &testRelay{store: store, devices: registry, hub: hub, server: server}
}

func (r *testRelay) url(deviceID string) string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/?user=" + testUser + "&device=" + deviceID
}

func (r *testRelay) dial(t *testing.T, deviceID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.url(deviceID), nil)
	if err != nil {
		t.Fatalf("failed to dial hub: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type testDevice struct {
	id          string
	store       *records.Store
	queue       *queue.Queue
	registry    *conflicts.Registry
	coordinator *syncer.Coordinator
	client      *Client
	stop        context.CancelFunc
	stopped     chan struct{}
}

func newTestDevice(t *testing.T, relay *testRelay, deviceID string) *testDevice {
	t.Helper()
	db := openDatabase(t, deviceID)
	ids := &sequentialIDProvider{prefix: deviceID}
	pending, err := queue.NewQueue(queue.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	store, err := records.NewStore(records.StoreConfig{
		Database:   db,
		DeviceID:   records.DeviceID(deviceID),
		Queue:      pending,
		IDProvider: ids,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	registry, err := conflicts.NewRegistry(conflicts.RegistryConfig{Database: db, IDProvider: ids})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	resolver, err := conflicts.NewResolver(conflicts.ResolverConfig{Store: store, Registry: registry})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	device := &testDevice{id: deviceID, store: store, queue: pending, registry: registry}
	device.client = newTestClient(t, relay, deviceID)
	device.coordinator, err = syncer.NewCoordinator(syncer.Config{
		Store:           store,
		Queue:           pending,
		Registry:        registry,
		Resolver:        resolver,
		Transport:       device.client,
		OwnerID:         testUser,
		TransmitTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return device
}

func newTestClient(t *testing.T, relay *testRelay, deviceID string) *Client {
	t.Helper()
	return newClockedTestClient(t, relay, deviceID, nil)
}

func newClockedTestClient(t *testing.T, relay *testRelay, deviceID string, clock func() time.Time) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		URL:      relay.url(deviceID),
		DeviceID: deviceID,
		Backoff:  queue.BackoffPolicy{Initial: 20 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2},
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

// connect runs the channel client in the background until disconnect or test cleanup.
func (d *testDevice) connect(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	d.stopped = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = d.client.Run(ctx, d.coordinator)
	}(d.stopped)
	t.Cleanup(d.disconnect)
	waitFor(t, "device connected", d.client.IsConnected)
}

func (d *testDevice) disconnect() {
	if d.stop == nil {
		return
	}
	d.stop()
	<-d.stopped
	d.stop = nil
}

// reconnect swaps in a fresh client, the way a restarted device would.
func (d *testDevice) reconnect(t *testing.T, relay *testRelay) {
	t.Helper()
	d.disconnect()
	d.client = newTestClient(t, relay, d.id)
	resolver, _ := conflicts.NewResolver(conflicts.ResolverConfig{Store: d.store, Registry: d.registry})
	coordinator, err := syncer.NewCoordinator(syncer.Config{
		Store:           d.store,
		Queue:           d.queue,
		Registry:        d.registry,
		Resolver:        resolver,
		Transport:       d.client,
		OwnerID:         testUser,
		TransmitTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	d.coordinator = coordinator
	d.connect(t)
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func consultation(title string) records.Payload {
	return records.Payload{
		Kind:         records.KindConsultation,
		Title:        title,
		Consultation: &records.Consultation{Doctor: "Dr. Rao", Allergies: []string{"penicillin"}},
	}
}

func mustCreate(t *testing.T, device *testDevice, title string) records.Record {
	t.Helper()
	record, err := device.store.Create(context.Background(), testUser, "patient-1", consultation(title))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return record
}

func mustUpdate(t *testing.T, device *testDevice, recordID string, title string) records.Record {
	t.Helper()
	record, err := device.store.Update(context.Background(), records.RecordID(recordID), "patient-1", records.Patch{Title: &title})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	return record
}

func mustSync(t *testing.T, device *testDevice) syncer.Report {
	t.Helper()
	report, err := device.coordinator.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	return report
}

func versionOn(device *testDevice, recordID string) int64 {
	record, err := device.store.Lookup(context.Background(), records.RecordID(recordID))
	if err != nil {
		return 0
	}
	return record.Version
}

func readEnvelope(t *testing.T, conn *websocket.Conn, expected MessageType) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var envelope Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			t.Fatalf("failed to read %s: %v", expected, err)
		}
		if envelope.Type == expected {
			return envelope
		}
	}
}
