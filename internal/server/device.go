package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/conflicts"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/syncer"
)

var (
	errMissingStore       = errors.New("record store dependency required")
	errMissingCoordinator = errors.New("sync coordinator dependency required")
	errMissingQueue       = errors.New("operation queue dependency required")
	errMissingOwner       = errors.New("owner identifier required")
)

// DeviceDependencies wires the device HTTP surface.
type DeviceDependencies struct {
	Store       *records.Store
	Coordinator *syncer.Coordinator
	Queue       *queue.Queue
	OwnerID     records.UserID
	Tokens      TokenValidator
	Logger      *zap.Logger
}

// NewDeviceHandler serves the local mutation API, diagnostics and conflict resolution.
func NewDeviceHandler(deps DeviceDependencies) (http.Handler, error) {
	switch {
	case deps.Store == nil:
		return nil, errMissingStore
	case deps.Coordinator == nil:
		return nil, errMissingCoordinator
	case deps.Queue == nil:
		return nil, errMissingQueue
	case deps.OwnerID == "":
		return nil, errMissingOwner
	case deps.Tokens == nil:
		return nil, errMissingTokenValidator
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &deviceHandler{
		store:       deps.Store,
		coordinator: deps.Coordinator,
		queue:       deps.Queue,
		ownerID:     deps.OwnerID,
		logger:      logger,
	}
	access := &authorizer{tokens: deps.Tokens, logger: logger}

	router := newEngine()
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "deviceId": deps.Store.DeviceID().String()})
	})

	protected := router.Group("/")
	protected.Use(access.authorizeRequest, handler.requireOwner)
	protected.POST("/records", handler.handleCreate)
	protected.GET("/records", handler.handleList)
	protected.GET("/records/:id", handler.handleGet)
	protected.PATCH("/records/:id", handler.handleUpdate)
	protected.DELETE("/records/:id", handler.handleDelete)
	protected.POST("/records/:id/restore", handler.handleRestore)
	protected.POST("/records/:id/purge", handler.handlePurge)
	protected.GET("/records/:id/history", handler.handleHistory)
	protected.GET("/records/:id/audit", handler.handleAudit)
	protected.GET("/records/:id/integrity", handler.handleIntegrity)
	protected.GET("/records/:id/state", handler.handleState)
	protected.GET("/conflicts", handler.handleListConflicts)
	protected.POST("/conflicts/:id/resolve", handler.handleResolve)
	protected.GET("/diagnostics", handler.handleDiagnostics)
	protected.POST("/sync", handler.handleSync)
	protected.POST("/queue/clear", handler.handleClearQueue)

	return router, nil
}

type deviceHandler struct {
	store       *records.Store
	coordinator *syncer.Coordinator
	queue       *queue.Queue
	ownerID     records.UserID
	logger      *zap.Logger
}

type recordView struct {
	records.Snapshot
	SyncStatus records.SyncStatus `json:"syncStatus"`
	LastSyncAt *int64             `json:"lastSyncAt,omitempty"`
}

type mutationRequest struct {
	ActorID string          `json:"actorId"`
	Payload records.Payload `json:"payload"`
}

type patchRequest struct {
	ActorID string        `json:"actorId"`
	Patch   records.Patch `json:"patch"`
}

type actorRequest struct {
	ActorID string `json:"actorId"`
}

type purgeRequest struct {
	Administrative bool `json:"administrative"`
}

type resolveRequest struct {
	Strategy  string           `json:"strategy"`
	ActorID   string           `json:"actorId"`
	Payload   *records.Payload `json:"payload,omitempty"`
	IsDeleted bool             `json:"isDeleted"`
}

type clearRequest struct {
	Confirmed     bool  `json:"confirmed"`
	ExpectedCount int64 `json:"expectedCount"`
}

type conflictView struct {
	CaseID        string            `json:"caseId"`
	RecordID      string            `json:"recordId"`
	Status        conflicts.Status  `json:"status"`
	LocalVersion  int64             `json:"localVersion"`
	RemoteVersion int64             `json:"remoteVersion"`
	DetectedAt    int64             `json:"detectedAt"`
	Local         *records.Snapshot `json:"local,omitempty"`
	Remote        *records.Snapshot `json:"remote,omitempty"`
}

// requireOwner rejects tokens minted for another user.
func (h *deviceHandler) requireOwner(c *gin.Context) {
	if c.GetString(userIDContextKey) != h.ownerID.String() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *deviceHandler) handleCreate(c *gin.Context) {
	var request mutationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actor, err := records.NewActorID(request.ActorID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	record, err := h.store.Create(c.Request.Context(), h.ownerID, actor, request.Payload)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.coordinator.Notify()
	h.respondRecord(c, http.StatusCreated, record)
}

func (h *deviceHandler) handleList(c *gin.Context) {
	var (
		list []records.Record
		err  error
	)
	if c.Query("include_deleted") == "true" {
		list, err = h.store.GetAll(c.Request.Context(), h.ownerID)
	} else {
		list, err = h.store.GetActive(c.Request.Context(), h.ownerID)
	}
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	views := make([]recordView, 0, len(list))
	for _, record := range list {
		view, err := toRecordView(record)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"records": views})
}

func (h *deviceHandler) handleGet(c *gin.Context) {
	recordID, ok := h.recordID(c)
	if !ok {
		return
	}
	record, err := h.store.Get(c.Request.Context(), recordID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.respondRecord(c, http.StatusOK, record)
}

func (h *deviceHandler) handleUpdate(c *gin.Context) {
	recordID, ok := h.recordID(c)
	if !ok {
		return
	}
	var request patchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actor, err := records.NewActorID(request.ActorID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	record, err := h.store.Update(c.Request.Context(), recordID, actor, request.Patch)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.coordinator.Notify()
	h.respondRecord(c, http.StatusOK, record)
}

func (h *deviceHandler) handleDelete(c *gin.Context) {
	h.handleLifecycle(c, h.store.SoftDelete)
}

func (h *deviceHandler) handleRestore(c *gin.Context) {
	h.handleLifecycle(c, h.store.Restore)
}

func (h *deviceHandler) handleLifecycle(c *gin.Context, apply func(ctx context.Context, id records.RecordID, actor records.ActorID) (records.Record, error)) {
	recordID, ok := h.recordID(c)
	if !ok {
		return
	}
	var request actorRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actor, err := records.NewActorID(request.ActorID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	record, err := apply(c.Request.Context(), recordID, actor)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.coordinator.Notify()
	h.respondRecord(c, http.StatusOK, record)
}

func (h *deviceHandler) handlePurge(c *gin.Context) {
	recordID, ok := h.recordID(c)
	if !ok {
		return
	}
	var request purgeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	err := h.store.Purge(c.Request.Context(), recordID, records.PurgeOptions{Administrative: request.Administrative})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *deviceHandler) handleHistory(c *gin.Context) {
	recordID, ok := h.recordID(c)
	if !ok {
		return
	}
	history, err := h.store.History(c.Request.Context(), recordID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	type versionView struct {
		Version        int64           `json:"version"`
		ParentVersion  int64           `json:"parentVersion"`
		ParentChecksum string          `json:"parentChecksum,omitempty"`
		Checksum       string          `json:"checksum"`
		IsDeleted      bool            `json:"isDeleted"`
		UpdatedAt      int64           `json:"updatedAt"`
		WriterDevice   string          `json:"writerDevice"`
		Payload        records.Payload `json:"payload"`
	}
	views := make([]versionView, 0, len(history))
	for _, version := range history {
		payload, err := version.DecodePayload()
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		views = append(views, versionView{
			Version:        version.Version,
			ParentVersion:  version.ParentVersion,
			ParentChecksum: version.ParentChecksum,
			Checksum:       version.Checksum,
			IsDeleted:      version.IsDeleted,
			UpdatedAt:      version.UpdatedAtMillis,
			WriterDevice:   version.WriterDevice,
			Payload:        payload,
		})
	}
	c.JSON(http.StatusOK, gin.H{"versions": views})
}

func (h *deviceHandler) handleAudit(c *gin.Context) {
	recordID, ok := h.recordID(c)
	if !ok {
		return
	}
	trail, err := h.store.AuditTrail(c.Request.Context(), recordID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	type entryView struct {
		EntryID     string              `json:"entryId"`
		Action      records.AuditAction `json:"action"`
		Timestamp   int64               `json:"timestamp"`
		ActorID     string              `json:"actorId"`
		DeviceID    string              `json:"deviceId"`
		FromVersion int64               `json:"fromVersion"`
		ToVersion   int64               `json:"toVersion"`
		Diffs       []records.FieldDiff `json:"fieldDiffs"`
		Metadata    map[string]string   `json:"metadata"`
	}
	views := make([]entryView, 0, len(trail))
	for _, entry := range trail {
		diffs, err := entry.FieldDiffs()
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		metadata, err := entry.Metadata()
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		views = append(views, entryView{
			EntryID:     entry.EntryID,
			Action:      entry.Action,
			Timestamp:   entry.TimestampMillis,
			ActorID:     entry.ActorID,
			DeviceID:    entry.DeviceID,
			FromVersion: entry.FromVersion,
			ToVersion:   entry.ToVersion,
			Diffs:       diffs,
			Metadata:    metadata,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": views})
}

func (h *deviceHandler) handleIntegrity(c *gin.Context) {
	recordID, ok := h.recordID(c)
	if !ok {
		return
	}
	valid, err := h.store.VerifyIntegrity(c.Request.Context(), recordID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordId": recordID.String(), "valid": valid})
}

func (h *deviceHandler) handleState(c *gin.Context) {
	recordID, ok := h.recordID(c)
	if !ok {
		return
	}
	state, err := h.coordinator.State(c.Request.Context(), recordID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordId": recordID.String(), "state": state})
}

func (h *deviceHandler) handleListConflicts(c *gin.Context) {
	cases, err := h.coordinator.OpenConflicts(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	views := make([]conflictView, 0, len(cases))
	for _, conflict := range cases {
		view := conflictView{
			CaseID:        conflict.CaseID,
			RecordID:      conflict.RecordID,
			Status:        conflict.Status,
			LocalVersion:  conflict.LocalVersion,
			RemoteVersion: conflict.RemoteVersion,
			DetectedAt:    conflict.DetectedAtMillis,
		}
		if local, err := conflict.LocalSnapshot(); err == nil {
			view.Local = &local
		}
		if remote, err := conflict.RemoteSnapshot(); err == nil {
			view.Remote = &remote
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": views})
}

func (h *deviceHandler) handleResolve(c *gin.Context) {
	var request resolveRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actor, err := records.NewActorID(request.ActorID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	strategy, err := conflicts.NewStrategy(request.Strategy)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	var outcome conflicts.Outcome
	if strategy == conflicts.StrategyManual && request.Payload != nil {
		outcome, err = h.coordinator.ResolveManual(c.Request.Context(), c.Param("id"), actor, *request.Payload, request.IsDeleted)
	} else {
		outcome, err = h.coordinator.Resolve(c.Request.Context(), c.Param("id"), strategy, actor)
	}
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	response := gin.H{"caseId": outcome.Case.CaseID, "status": outcome.Case.Status, "deferred": outcome.Deferred}
	if !outcome.Deferred {
		view, err := toRecordView(outcome.Record)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		response["record"] = view
	}
	c.JSON(http.StatusOK, response)
}

func (h *deviceHandler) handleDiagnostics(c *gin.Context) {
	diagnostics, err := h.coordinator.Diagnostics(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, diagnostics)
}

func (h *deviceHandler) handleSync(c *gin.Context) {
	report, err := h.coordinator.SyncOnce(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *deviceHandler) handleClearQueue(c *gin.Context) {
	var request clearRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	cleared, err := h.queue.ClearQueue(c.Request.Context(), h.ownerID.String(), queue.ClearConfirmation{
		Confirmed:     request.Confirmed,
		ExpectedCount: request.ExpectedCount,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (h *deviceHandler) recordID(c *gin.Context) (records.RecordID, bool) {
	recordID, err := records.NewRecordID(c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return "", false
	}
	return recordID, true
}

func (h *deviceHandler) respondRecord(c *gin.Context, status int, record records.Record) {
	view, err := toRecordView(record)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(status, view)
}

func toRecordView(record records.Record) (recordView, error) {
	snapshot, err := record.Snapshot()
	if err != nil {
		return recordView{}, err
	}
	return recordView{Snapshot: snapshot, SyncStatus: record.SyncStatus, LastSyncAt: record.LastSyncAtMillis}, nil
}
