package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"firewatch/mission"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// AlertRecord is one dispatched (or suppressed) alert kept for the history
// endpoint.
type AlertRecord struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	Confidence float64   `json:"confidence"`
	Lat        *float64  `json:"lat"`
	Lon        *float64  `json:"lon"`
	Message    string    `json:"message"`
	Delivered  bool      `json:"delivered"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps the SQLite connection
type Store struct {
	conn *sql.DB
}

// Open creates the store, enabling WAL mode via the connection string.
func Open(dbPath string) (*Store, error) {
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	s := &Store{conn: conn}

	if err := s.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return s, nil
}

// initialize creates tables and indexes
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS waypoints (
		mission_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		alt_m REAL NOT NULL,
		PRIMARY KEY (mission_id, seq),
		FOREIGN KEY (mission_id) REFERENCES missions(id)
	);

	CREATE TABLE IF NOT EXISTS home_position (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		alt_m REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		confidence REAL NOT NULL,
		latitude REAL,
		longitude REAL,
		message TEXT NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_kind ON alerts(kind);
	`

	_, err := s.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// InsertMission stores a mission and its waypoints in one transaction.
func (s *Store) InsertMission(m *mission.Mission) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO missions (id, name, created_at) VALUES (?, ?, ?)`,
		m.ID, m.Name, m.CreatedAt)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO waypoints (mission_id, seq, latitude, longitude, alt_m) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, wp := range m.Waypoints {
		if _, err := stmt.Exec(m.ID, wp.Seq, wp.Lat, wp.Lon, wp.AltM); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetMission retrieves a mission with its waypoints in seq order.
func (s *Store) GetMission(id string) (*mission.Mission, error) {
	var m mission.Mission
	err := s.conn.QueryRow(`SELECT id, name, created_at FROM missions WHERE id = ?`, id).
		Scan(&m.ID, &m.Name, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(`SELECT seq, latitude, longitude, alt_m FROM waypoints WHERE mission_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var wp mission.Waypoint
		if err := rows.Scan(&wp.Seq, &wp.Lat, &wp.Lon, &wp.AltM); err != nil {
			return nil, err
		}
		m.Waypoints = append(m.Waypoints, wp)
	}
	return &m, rows.Err()
}

// ListMissions returns all missions without waypoints, newest first.
func (s *Store) ListMissions() ([]mission.Mission, error) {
	rows, err := s.conn.Query(`SELECT id, name, created_at FROM missions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var missions []mission.Mission
	for rows.Next() {
		var m mission.Mission
		if err := rows.Scan(&m.ID, &m.Name, &m.CreatedAt); err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

// SetHome stores the single home position row.
func (s *Store) SetHome(wp mission.Waypoint) error {
	_, err := s.conn.Exec(`
		INSERT INTO home_position (id, latitude, longitude, alt_m) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET latitude = excluded.latitude, longitude = excluded.longitude, alt_m = excluded.alt_m`,
		wp.Lat, wp.Lon, wp.AltM)
	return err
}

// Home returns the stored home position.
func (s *Store) Home() (*mission.Waypoint, error) {
	var wp mission.Waypoint
	err := s.conn.QueryRow(`SELECT latitude, longitude, alt_m FROM home_position WHERE id = 1`).
		Scan(&wp.Lat, &wp.Lon, &wp.AltM)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("home position: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &wp, nil
}

// InsertAlert records one alert outcome.
func (s *Store) InsertAlert(a *AlertRecord) error {
	var lat, lon sql.NullFloat64
	if a.Lat != nil {
		lat = sql.NullFloat64{Float64: *a.Lat, Valid: true}
	}
	if a.Lon != nil {
		lon = sql.NullFloat64{Float64: *a.Lon, Valid: true}
	}

	result, err := s.conn.Exec(`
		INSERT INTO alerts (kind, confidence, latitude, longitude, message, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Kind, a.Confidence, lat, lon, a.Message, a.Delivered, a.CreatedAt)
	if err != nil {
		return err
	}

	id, _ := result.LastInsertId()
	a.ID = id
	return nil
}

// RecentAlerts returns the newest alerts, most recent first.
func (s *Store) RecentAlerts(limit int) ([]AlertRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.conn.Query(`
		SELECT id, kind, confidence, latitude, longitude, message, delivered, created_at
		FROM alerts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []AlertRecord
	for rows.Next() {
		var a AlertRecord
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&a.ID, &a.Kind, &a.Confidence, &lat, &lon, &a.Message, &a.Delivered, &a.CreatedAt); err != nil {
			return nil, err
		}
		if lat.Valid {
			v := lat.Float64
			a.Lat = &v
		}
		if lon.Valid {
			v := lon.Float64
			a.Lon = &v
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Stats returns row counts for the status endpoint.
func (s *Store) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var missionCount int64
	s.conn.QueryRow("SELECT COUNT(*) FROM missions").Scan(&missionCount)
	stats["missions"] = missionCount

	var alertCount int64
	s.conn.QueryRow("SELECT COUNT(*) FROM alerts").Scan(&alertCount)
	stats["alerts"] = alertCount

	var deliveredCount int64
	s.conn.QueryRow("SELECT COUNT(*) FROM alerts WHERE delivered = 1").Scan(&deliveredCount)
	stats["alerts_delivered"] = deliveredCount

	return stats, nil
}
