package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/model"

	_ "modernc.org/sqlite"
)

// Reading query limits.
const (
	DefaultReadingLimit = 100
	MaxReadingLimit     = 1000
)

// ReadingFilter narrows a reading query. Zero values mean "no constraint".
type ReadingFilter struct {
	DroneID string
	Since   time.Time
	Status  model.Status
	Limit   int
	// Ascending keeps the newest Limit matches but returns them oldest first.
	Ascending bool
}

// EffectiveLimit clamps the requested limit into the supported range.
func (f ReadingFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultReadingLimit
	case f.Limit > MaxReadingLimit:
		return MaxReadingLimit
	default:
		return f.Limit
	}
}

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Annotate(err, "create db directory")
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "open sqlite")
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			drone_id TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			battery REAL NOT NULL,
			temperature REAL NOT NULL,
			humidity REAL NOT NULL,
			speed REAL NOT NULL,
			altitude REAL NOT NULL,
			lat REAL NOT NULL,
			lng REAL NOT NULL,
			status TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_readings_drone_time ON readings(drone_id, recorded_at);`,
		`CREATE INDEX IF NOT EXISTS idx_readings_time ON readings(recorded_at);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			last_seen INTEGER NOT NULL,
			lat REAL NOT NULL DEFAULT 0,
			lng REAL NOT NULL DEFAULT 0,
			battery REAL NOT NULL DEFAULT 0,
			temperature REAL NOT NULL DEFAULT 0,
			humidity REAL NOT NULL DEFAULT 0,
			speed REAL NOT NULL DEFAULT 0,
			altitude REAL NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			request_id TEXT PRIMARY KEY,
			drone_id TEXT NOT NULL,
			command TEXT NOT NULL,
			parameters TEXT,
			issued_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			response TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_drone_time ON commands(drone_id, issued_at);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			drone_id TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Annotate(err, "init schema")
		}
	}

	return nil
}

// InsertReading appends a reading to the log.
func (s *Store) InsertReading(ctx context.Context, r model.Reading) error {
	recordedAt := r.Timestamp
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO readings (drone_id, recorded_at, battery, temperature, humidity, speed, altitude, lat, lng, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.DroneID,
		recordedAt.UnixNano(),
		r.Battery,
		r.Temperature,
		r.Humidity,
		r.Speed,
		r.Altitude,
		r.Lat,
		r.Lng,
		string(r.Status),
	)
	if err != nil {
		return errors.Annotate(err, "insert reading")
	}
	return nil
}

// Readings returns the newest readings matching the filter, newest first
// unless the filter asks for ascending order.
func (s *Store) Readings(ctx context.Context, f ReadingFilter) ([]model.Reading, error) {
	var (
		clauses []string
		args    []any
	)
	if f.DroneID != "" {
		clauses = append(clauses, "drone_id = ?")
		args = append(args, f.DroneID)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "recorded_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT drone_id, recorded_at, battery, temperature, humidity, speed, altitude, lat, lng, status FROM readings`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY recorded_at DESC, id DESC LIMIT ?;"
	args = append(args, f.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Annotate(err, "query readings")
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if f.Ascending {
		OldestFirst(readings)
	}
	return readings, nil
}

// OldestFirst reverses a newest-first slice in place.
func OldestFirst(readings []model.Reading) {
	for i, j := 0, len(readings)-1; i < j; i, j = i+1, j-1 {
		readings[i], readings[j] = readings[j], readings[i]
	}
}

// LatestReadings returns the most recent reading of every agent.
func (s *Store) LatestReadings(ctx context.Context) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT r.drone_id, r.recorded_at, r.battery, r.temperature, r.humidity, r.speed, r.altitude, r.lat, r.lng, r.status
		 FROM readings r
		 INNER JOIN (
			SELECT drone_id, MAX(id) AS max_id
			FROM readings
			GROUP BY drone_id
		 ) latest ON r.id = latest.max_id
		 ORDER BY r.drone_id;`)
	if err != nil {
		return nil, errors.Annotate(err, "latest readings query")
	}
	defer rows.Close()

	return scanReadings(rows)
}

func scanReadings(rows *sql.Rows) ([]model.Reading, error) {
	var readings []model.Reading
	for rows.Next() {
		var (
			r          model.Reading
			recordedAt int64
			status     string
		)
		if err := rows.Scan(&r.DroneID, &recordedAt, &r.Battery, &r.Temperature, &r.Humidity, &r.Speed, &r.Altitude, &r.Lat, &r.Lng, &status); err != nil {
			return nil, errors.Annotate(err, "scan reading")
		}
		r.Timestamp = time.Unix(0, recordedAt).UTC()
		r.Status = model.Status(status)
		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Annotate(err, "iterate readings")
	}
	return readings, nil
}

// UpsertAgent stores the current state of an agent. Last write wins.
func (s *Store) UpsertAgent(ctx context.Context, a model.AgentRecord) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agents (id, name, status, last_seen, lat, lng, battery, temperature, humidity, speed, altitude)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id)
		 DO UPDATE SET name = excluded.name,
				 status = excluded.status,
				 last_seen = excluded.last_seen,
				 lat = excluded.lat,
				 lng = excluded.lng,
				 battery = excluded.battery,
				 temperature = excluded.temperature,
				 humidity = excluded.humidity,
				 speed = excluded.speed,
				 altitude = excluded.altitude;`,
		a.ID,
		a.Name,
		string(a.Status),
		a.LastSeen.UnixNano(),
		a.Position.Lat,
		a.Position.Lng,
		a.Metrics.Battery,
		a.Metrics.Temperature,
		a.Metrics.Humidity,
		a.Metrics.Speed,
		a.Metrics.Altitude,
	)
	if err != nil {
		return errors.Annotatef(err, "upsert agent %q", a.ID)
	}
	return nil
}

// Agents returns every persisted agent record ordered by ID.
func (s *Store) Agents(ctx context.Context) ([]model.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, status, last_seen, lat, lng, battery, temperature, humidity, speed, altitude FROM agents ORDER BY id;`)
	if err != nil {
		return nil, errors.Annotate(err, "query agents")
	}
	defer rows.Close()

	var agents []model.AgentRecord
	for rows.Next() {
		var (
			a        model.AgentRecord
			status   string
			lastSeen int64
		)
		if err := rows.Scan(&a.ID, &a.Name, &status, &lastSeen, &a.Position.Lat, &a.Position.Lng,
			&a.Metrics.Battery, &a.Metrics.Temperature, &a.Metrics.Humidity, &a.Metrics.Speed, &a.Metrics.Altitude); err != nil {
			return nil, errors.Annotate(err, "scan agent")
		}
		a.Status = model.Status(status)
		a.LastSeen = time.Unix(0, lastSeen).UTC()
		agents = append(agents, a)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Annotate(err, "iterate agents")
	}
	return agents, nil
}

// InsertCommand records a command forwarded to an agent.
func (s *Store) InsertCommand(ctx context.Context, cmd model.Command) error {
	var params sql.NullString
	if len(cmd.Parameters) > 0 {
		data, err := json.Marshal(cmd.Parameters)
		if err != nil {
			return errors.Annotate(err, "encode command parameters")
		}
		params = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO commands (request_id, drone_id, command, parameters, issued_at, status, response)
		 VALUES (?, ?, ?, ?, ?, ?, ?);`,
		cmd.RequestID,
		cmd.DroneID,
		cmd.Command,
		params,
		cmd.IssuedAt.UnixNano(),
		string(cmd.Status),
		cmd.Response,
	)
	if err != nil {
		return errors.Annotate(err, "insert command")
	}
	return nil
}

// UpdateCommandStatus records the outcome reported for a command.
func (s *Store) UpdateCommandStatus(ctx context.Context, requestID string, status model.CommandStatus, response string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, response = ? WHERE request_id = ?;`,
		string(status), response, requestID)
	if err != nil {
		return errors.Annotate(err, "update command status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Annotate(err, "update command status")
	}
	if n == 0 {
		return errors.NotFoundf("command %q", requestID)
	}
	return nil
}

// Commands returns recent commands, newest first, optionally for one agent.
func (s *Store) Commands(ctx context.Context, droneID string, limit int) ([]model.Command, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT request_id, drone_id, command, parameters, issued_at, status, response FROM commands`
	var args []any
	if droneID != "" {
		query += ` WHERE drone_id = ?`
		args = append(args, droneID)
	}
	query += ` ORDER BY issued_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Annotate(err, "query commands")
	}
	defer rows.Close()

	var commands []model.Command
	for rows.Next() {
		var (
			cmd      model.Command
			params   sql.NullString
			issuedAt int64
			status   string
			response sql.NullString
		)
		if err := rows.Scan(&cmd.RequestID, &cmd.DroneID, &cmd.Command, &params, &issuedAt, &status, &response); err != nil {
			return nil, errors.Annotate(err, "scan command")
		}
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &cmd.Parameters); err != nil {
				return nil, errors.Annotatef(err, "decode parameters of command %q", cmd.RequestID)
			}
		}
		cmd.IssuedAt = time.Unix(0, issuedAt).UTC()
		cmd.Status = model.CommandStatus(status)
		cmd.Response = response.String
		commands = append(commands, cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Annotate(err, "iterate commands")
	}
	return commands, nil
}

// InsertIngestionError records a payload that failed to decode.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (topic, drone_id, payload, error, created_at) VALUES (?, ?, ?, ?, ?);`,
		e.Topic,
		e.DroneID,
		e.Payload,
		e.Error,
		createdAt.UnixNano(),
	)
	if err != nil {
		return errors.Annotate(err, "insert ingestion error")
	}
	return nil
}

// IngestionErrors returns the most recent ingestion failures, newest first.
func (s *Store) IngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT topic, drone_id, payload, error, created_at FROM ingestion_errors ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, errors.Annotate(err, "query ingestion errors")
	}
	defer rows.Close()

	var out []model.IngestionError
	for rows.Next() {
		var (
			e         model.IngestionError
			droneID   sql.NullString
			payload   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.Topic, &droneID, &payload, &e.Error, &createdAt); err != nil {
			return nil, errors.Annotate(err, "scan ingestion error")
		}
		e.DroneID = droneID.String
		e.Payload = payload.String
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Annotate(err, "iterate ingestion errors")
	}
	return out, nil
}

// WipeData removes all telemetry, commands and ingestion errors while keeping agents.
func (s *Store) WipeData(ctx context.Context) error {
	stmts := []string{
		`DELETE FROM readings;`,
		`DELETE FROM commands;`,
		`DELETE FROM ingestion_errors;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Annotate(err, "wipe data")
		}
	}
	return nil
}
