package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/boardmon/internal/model"
)

var ErrNotFound = errors.New("not found")

const prefLatestValidBoardsConfig = "latest_valid_boards_config"

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// PutMonitorSettings replaces the settings stored under key.
func (s *Store) PutMonitorSettings(ctx context.Context, key string, settings model.PluggableMonitorSettings) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("settings key is required")
	}
	body, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal monitor settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO monitor_settings(settings_key, settings_json, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(settings_key) DO UPDATE SET
	settings_json = excluded.settings_json,
	updated_at = excluded.updated_at
`, key, string(body), ts(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert monitor settings: %w", err)
	}
	return nil
}

func (s *Store) GetMonitorSettings(ctx context.Context, key string) (model.PluggableMonitorSettings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT settings_json FROM monitor_settings WHERE settings_key = ?`, key)
	return scanMonitorSettings(row)
}

// FindMonitorSettingsByPrefix returns the lexically first entry whose key
// starts with prefix.
func (s *Store) FindMonitorSettingsByPrefix(ctx context.Context, prefix string) (string, model.PluggableMonitorSettings, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT settings_key, settings_json
FROM monitor_settings
WHERE substr(settings_key, 1, length(?)) = ?
ORDER BY settings_key ASC
LIMIT 1
`, prefix, prefix)
	var key, raw string
	if err := row.Scan(&key, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("find monitor settings: %w", err)
	}
	settings, err := decodeMonitorSettings(raw)
	if err != nil {
		return "", nil, err
	}
	return key, settings, nil
}

func (s *Store) ListMonitorSettingsKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT settings_key FROM monitor_settings ORDER BY settings_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list monitor settings: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan monitor settings key: %w", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter monitor settings: %w", err)
	}
	return out, nil
}

// PutLastSelectedBoard remembers the board the user picked for a port.
func (s *Store) PutLastSelectedBoard(ctx context.Context, port model.Port, board model.Board) error {
	if strings.TrimSpace(port.Address) == "" {
		return fmt.Errorf("port address is required")
	}
	if strings.TrimSpace(board.Name) == "" {
		return fmt.Errorf("board name is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO board_memory(port_key, board_name, fqbn, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(port_key) DO UPDATE SET
	board_name = excluded.board_name,
	fqbn = excluded.fqbn,
	updated_at = excluded.updated_at
`, boardMemoryKey(port), board.Name, board.FQBN, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert board memory: %w", err)
	}
	return nil
}

func (s *Store) GetLastSelectedBoard(ctx context.Context, port model.Port) (model.Board, error) {
	var board model.Board
	err := s.db.QueryRowContext(ctx, `SELECT board_name, fqbn FROM board_memory WHERE port_key = ?`, boardMemoryKey(port)).Scan(&board.Name, &board.FQBN)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Board{}, ErrNotFound
		}
		return model.Board{}, fmt.Errorf("get board memory: %w", err)
	}
	return board, nil
}

func (s *Store) PutLatestValidBoardsConfig(ctx context.Context, cfg model.BoardsConfig) error {
	return s.putPreference(ctx, prefLatestValidBoardsConfig, cfg)
}

func (s *Store) GetLatestValidBoardsConfig(ctx context.Context) (model.BoardsConfig, error) {
	var cfg model.BoardsConfig
	if err := s.getPreference(ctx, prefLatestValidBoardsConfig, &cfg); err != nil {
		return model.BoardsConfig{}, err
	}
	return cfg, nil
}

func (s *Store) putPreference(ctx context.Context, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal preference %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO preferences(pref_key, value_json, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(pref_key) DO UPDATE SET
	value_json = excluded.value_json,
	updated_at = excluded.updated_at
`, key, string(body), ts(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert preference %s: %w", key, err)
	}
	return nil
}

func (s *Store) getPreference(ctx context.Context, key string, dst any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM preferences WHERE pref_key = ?`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get preference %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode preference %s: %w", key, err)
	}
	return nil
}

// Board memory ignores the protocol: a remembered port may come back with
// stale protocol data.
func boardMemoryKey(port model.Port) string {
	return strings.TrimSpace(port.Address)
}

func scanMonitorSettings(row *sql.Row) (model.PluggableMonitorSettings, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan monitor settings: %w", err)
	}
	return decodeMonitorSettings(raw)
}

func decodeMonitorSettings(raw string) (model.PluggableMonitorSettings, error) {
	out := model.PluggableMonitorSettings{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode monitor settings: %w", err)
	}
	return out, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
