package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const (
	dirPermissions    = 0750
	connectionTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id            TEXT PRIMARY KEY,
	owner_user_id TEXT NOT NULL,
	device_type   TEXT NOT NULL,
	hardware_id   TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	capabilities  TEXT NOT NULL DEFAULT '[]',
	push_token    TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_owner_type_hw
	ON devices (owner_user_id, device_type, hardware_id);
CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices (owner_user_id);
`

// SQLiteConfig maps to the registry section of config.yaml.
type SQLiteConfig struct {
	Path        string
	WALMode     bool
	BusyTimeout time.Duration
}

// SQLiteStore is the durable device registry. The unique index on
// (owner_user_id, device_type, hardware_id) makes registration a single
// check-then-insert as observed by concurrent callers.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on", cfg.Path, cfg.BusyTimeout.Milliseconds())
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying registry database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating registry schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_user_id, device_type, hardware_id, name, capabilities, push_token
		 FROM devices WHERE id = ?`, deviceID)
	return scanDevice(row)
}

func (s *SQLiteStore) FindDevice(ctx context.Context, ownerUserID string, deviceType DeviceType, hardwareID string) (Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_user_id, device_type, hardware_id, name, capabilities, push_token
		 FROM devices WHERE owner_user_id = ? AND device_type = ? AND hardware_id = ?`,
		ownerUserID, string(deviceType), hardwareID)
	return scanDevice(row)
}

func (s *SQLiteStore) RegisterDevice(ctx context.Context, ownerUserID string, deviceType DeviceType, hardwareID, name string, capabilities []string) (string, error) {
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return "", fmt.Errorf("encoding capabilities: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO devices (id, owner_user_id, device_type, hardware_id, name, capabilities)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, ownerUserID, string(deviceType), hardwareID, name, string(caps))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return "", ErrAlreadyRegistered
		}
		return "", fmt.Errorf("inserting device: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context, ownerUserID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_user_id, device_type, hardware_id, name, capabilities, push_token
		 FROM devices WHERE owner_user_id = ? ORDER BY id`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) UpdateCapabilities(ctx context.Context, deviceID string, capabilities []string) error {
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	return s.updateColumn(ctx, deviceID, "capabilities", string(caps))
}

func (s *SQLiteStore) UpdatePushToken(ctx context.Context, deviceID, token string) error {
	return s.updateColumn(ctx, deviceID, "push_token", token)
}

func (s *SQLiteStore) RemoveDevice(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) updateColumn(ctx context.Context, deviceID, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE devices SET %s = ? WHERE id = ?`, column), value, deviceID)
	if err != nil {
		return fmt.Errorf("updating device %s: %w", column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (Device, error) {
	var dev Device
	var deviceType, caps string
	err := row.Scan(&dev.ID, &dev.OwnerUserID, &deviceType, &dev.HardwareID, &dev.Name, &caps, &dev.PushToken)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("scanning device: %w", err)
	}
	dev.DeviceType = DeviceType(deviceType)
	if err := json.Unmarshal([]byte(caps), &dev.Capabilities); err != nil {
		return Device{}, fmt.Errorf("decoding capabilities: %w", err)
	}
	return dev, nil
}
