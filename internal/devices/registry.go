package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidDevice indicates that the user or device identifier is unusable.
	ErrInvalidDevice = errors.New("devices: invalid device")
	// ErrUnknownDevice indicates that the device never connected for the user.
	ErrUnknownDevice = errors.New("devices: unknown device")
)

// Device records one device that connected to the relay on behalf of a user.
type Device struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DeviceID         string `gorm:"column:device_id;primaryKey;size:190;not null"`
	LastCursor       int64  `gorm:"column:last_cursor;not null"`
	FirstSeenAtMilli int64  `gorm:"column:first_seen_at_ms;not null"`
	LastSeenAtMilli  int64  `gorm:"column:last_seen_at_ms;not null"`
}

// TableName exposes the table backing known devices.
func (Device) TableName() string {
	return "devices"
}

// RegistryConfig describes the dependencies of the device registry.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Registry tracks the devices of each user and the change cursor each one acknowledged.
type Registry struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewRegistry constructs the device registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{db: cfg.Database, now: clock, logger: logger}, nil
}

// Touch registers the device on first contact and refreshes its last-seen time afterwards.
func (r *Registry) Touch(ctx context.Context, userID, deviceID string) (Device, error) {
	userID, deviceID, err := normalizePair(userID, deviceID)
	if err != nil {
		return Device{}, err
	}
	now := r.now().UTC().UnixMilli()
	device := Device{
		UserID:           userID,
		DeviceID:         deviceID,
		FirstSeenAtMilli: now,
		LastSeenAtMilli:  now,
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_seen_at_ms": now}),
	}).Create(&device).Error
	if err != nil {
		r.logger.Error("device registry failure",
			zap.String("operation", "devices.touch"),
			zap.String("user_id", userID),
			zap.String("device_id", deviceID),
			zap.Error(err))
		return Device{}, err
	}
	return r.find(ctx, userID, deviceID)
}

// AcknowledgeCursor records that the device holds every change up to cursor. Cursors only
// move forward; an older acknowledgement is ignored.
func (r *Registry) AcknowledgeCursor(ctx context.Context, userID, deviceID string, cursor int64) error {
	userID, deviceID, err := normalizePair(userID, deviceID)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&Device{}).
		Where("user_id = ? AND device_id = ? AND last_cursor < ?", userID, deviceID, cursor).
		Updates(map[string]interface{}{
			"last_cursor":     cursor,
			"last_seen_at_ms": r.now().UTC().UnixMilli(),
		})
	if result.Error != nil {
		r.logger.Error("device registry failure",
			zap.String("operation", "devices.acknowledge_cursor"),
			zap.String("user_id", userID),
			zap.String("device_id", deviceID),
			zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.find(ctx, userID, deviceID); err != nil {
			return err
		}
	}
	return nil
}

// Cursor returns the last cursor the device acknowledged.
func (r *Registry) Cursor(ctx context.Context, userID, deviceID string) (int64, error) {
	userID, deviceID, err := normalizePair(userID, deviceID)
	if err != nil {
		return 0, err
	}
	device, err := r.find(ctx, userID, deviceID)
	if err != nil {
		return 0, err
	}
	return device.LastCursor, nil
}

// List returns the user's known devices ordered by device id.
func (r *Registry) List(ctx context.Context, userID string) ([]Device, error) {
	var devices []Device
	err := r.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("device_id ASC").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// ConfirmedThrough reports whether every known device of the user acknowledged seq.
func (r *Registry) ConfirmedThrough(ctx context.Context, ownerID string, seq int64) (bool, error) {
	var lagging int64
	err := r.db.WithContext(ctx).Model(&Device{}).
		Where("user_id = ? AND last_cursor < ?", strings.TrimSpace(ownerID), seq).
		Count(&lagging).Error
	if err != nil {
		return false, err
	}
	return lagging == 0, nil
}

func (r *Registry) find(ctx context.Context, userID, deviceID string) (Device, error) {
	var device Device
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, fmt.Errorf("%w: %s/%s", ErrUnknownDevice, userID, deviceID)
	}
	if err != nil {
		return Device{}, err
	}
	return device, nil
}

func normalizePair(userID, deviceID string) (string, string, error) {
	user := strings.TrimSpace(userID)
	device := strings.TrimSpace(deviceID)
	if user == "" || device == "" {
		return "", "", ErrInvalidDevice
	}
	return user, device, nil
}
