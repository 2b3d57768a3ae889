package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/InfraSecConsult/dpi-core-go/internal/dpi"
	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// flowFilterColumns are the columns GetFlows accepts as filter keys.
var flowFilterColumns = map[string]bool{
	"transport":             true,
	"src_ip":                true,
	"dst_ip":                true,
	"dst_port":              true,
	"detected_protocol":     true,
	"detection_method":      true,
	"category":              true,
	"is_encrypted":          true,
	"communication_pattern": true,
}

type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens or creates the database at path and ensures the schema.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *SQLiteRepository) createTables() error {
	queries := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS inspection_runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			packets INTEGER NOT NULL DEFAULT 0,
			stats TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS flows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			src_ip TEXT NOT NULL,
			dst_ip TEXT NOT NULL,
			src_port INTEGER,
			dst_port INTEGER,
			transport TEXT NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			packets_client_to_server INTEGER NOT NULL DEFAULT 0,
			packets_server_to_client INTEGER NOT NULL DEFAULT 0,
			bytes_client_to_server INTEGER NOT NULL DEFAULT 0,
			bytes_server_to_client INTEGER NOT NULL DEFAULT 0,
			detected_protocol TEXT,
			protocol_confidence REAL,
			service_label TEXT,
			detection_method TEXT,
			is_encrypted BOOLEAN,
			category TEXT,
			communication_pattern TEXT,
			metadata TEXT,
			FOREIGN KEY (run_id) REFERENCES inspection_runs (id)
		);`,
		`CREATE TABLE IF NOT EXISTS services (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			transport TEXT NOT NULL,
			protocol TEXT NOT NULL,
			service_label TEXT,
			is_encrypted BOOLEAN,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			UNIQUE (run_id, ip, port, transport),
			FOREIGN KEY (run_id) REFERENCES inspection_runs (id)
		);`,
		`CREATE TABLE IF NOT EXISTS protocol_breakdown (
			run_id TEXT NOT NULL,
			protocol TEXT NOT NULL,
			packets INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			packet_percent REAL NOT NULL,
			byte_percent REAL NOT NULL,
			PRIMARY KEY (run_id, protocol),
			FOREIGN KEY (run_id) REFERENCES inspection_runs (id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_flows_run ON flows (run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_flows_protocol ON flows (detected_protocol);`,
	}
	for _, q := range queries {
		if _, err := r.db.Exec(q); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (r *SQLiteRepository) CreateRun(run *model.InspectionRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		return errors.New("run start time must not be zero")
	}

	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`INSERT INTO inspection_runs (id, source, started_at, finished_at, packets, stats) VALUES (?, ?, ?, ?, ?, ?);`,
		run.ID, run.Source, formatTime(run.StartedAt), formatTime(run.FinishedAt), run.Packets, string(stats),
	)
	if isConstraintError(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, run.ID)
	}
	return err
}

// FinishRun stores the end time, packet count and final statistics of run.
func (r *SQLiteRepository) FinishRun(run *model.InspectionRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return err
	}
	res, err := r.db.Exec(
		`UPDATE inspection_runs SET finished_at = ?, packets = ?, stats = ? WHERE id = ?;`,
		formatTime(run.FinishedAt), run.Packets, string(stats), run.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

func (r *SQLiteRepository) GetRun(id string) (*model.InspectionRun, error) {
	runs, err := r.queryRuns(`WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return runs[0], nil
}

// GetRuns returns all runs, most recent first.
func (r *SQLiteRepository) GetRuns() ([]*model.InspectionRun, error) {
	return r.queryRuns(`ORDER BY started_at DESC`)
}

func (r *SQLiteRepository) queryRuns(clause string, args ...interface{}) ([]*model.InspectionRun, error) {
	rows, err := r.db.Query(`SELECT id, source, started_at, finished_at, packets, stats FROM inspection_runs `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.InspectionRun
	for rows.Next() {
		var run model.InspectionRun
		var startedAt string
		var finishedAt, stats sql.NullString
		if err := rows.Scan(&run.ID, &run.Source, &startedAt, &finishedAt, &run.Packets, &stats); err != nil {
			return nil, err
		}
		run.StartedAt = parseTime(startedAt)
		if finishedAt.Valid {
			run.FinishedAt = parseTime(finishedAt.String)
		}
		if stats.Valid && stats.String != "" {
			if err := json.Unmarshal([]byte(stats.String), &run.Stats); err != nil {
				log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to decode run statistics")
			}
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (r *SQLiteRepository) AddFlows(runID string, flows []*model.FlowRecord) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO flows (run_id, src_ip, dst_ip, src_port, dst_port, transport, first_seen, last_seen,
	packets_client_to_server, packets_server_to_client, bytes_client_to_server, bytes_server_to_client,
	detected_protocol, protocol_confidence, service_label, detection_method, is_encrypted, category, communication_pattern, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, flow := range flows {
		if err := flow.Validate(); err != nil {
			return fmt.Errorf("flow %s:%d -> %s:%d: %w", flow.SrcIP, flow.SrcPort, flow.DstIP, flow.DstPort, err)
		}
		metadata, err := json.Marshal(flow.Metadata)
		if err != nil {
			return err
		}

		var confidence sql.NullFloat64
		if c, ok := flow.Metadata[dpi.KeyProtocolConfidence].(float64); ok {
			confidence = sql.NullFloat64{Float64: c, Valid: true}
		}
		encrypted, _ := flow.Metadata[dpi.KeyIsEncrypted].(bool)

		res, err := stmt.Exec(
			runID,
			flow.SrcIP,
			flow.DstIP,
			flow.SrcPort,
			flow.DstPort,
			flow.Transport,
			formatTime(flow.FirstSeen),
			formatTime(flow.LastSeen),
			flow.PacketsClientToServer,
			flow.PacketsServerToClient,
			flow.BytesClientToServer,
			flow.BytesServerToClient,
			flow.MetadataString(dpi.KeyDetectedProtocol),
			confidence,
			flow.MetadataString(dpi.KeyServiceLabel),
			flow.MetadataString(dpi.KeyDetectionMethod),
			encrypted,
			flow.MetadataString(dpi.KeyCategory),
			flow.MetadataString(dpi.KeyCommunicationPattern),
			string(metadata),
		)
		if err != nil {
			return err
		}
		if id, err := res.LastInsertId(); err == nil {
			flow.ID = id
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) GetFlows(runID string, filters map[string]interface{}) ([]*model.FlowRecord, error) {
	query := `SELECT id, src_ip, dst_ip, src_port, dst_port, transport, first_seen, last_seen,
	packets_client_to_server, packets_server_to_client, bytes_client_to_server, bytes_server_to_client, metadata
FROM flows WHERE run_id = ?`
	params := []interface{}{runID}

	for key, value := range filters {
		if !flowFilterColumns[key] {
			return nil, fmt.Errorf("unsupported flow filter %q", key)
		}
		query += " AND " + key + " = ?"
		params = append(params, value)
	}
	query += " ORDER BY first_seen, id"

	rows, err := r.db.Query(query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*model.FlowRecord
	for rows.Next() {
		var flow model.FlowRecord
		var firstSeen, lastSeen string
		var metadata sql.NullString
		if err := rows.Scan(&flow.ID, &flow.SrcIP, &flow.DstIP, &flow.SrcPort, &flow.DstPort, &flow.Transport,
			&firstSeen, &lastSeen,
			&flow.PacketsClientToServer, &flow.PacketsServerToClient, &flow.BytesClientToServer, &flow.BytesServerToClient,
			&metadata); err != nil {
			return nil, err
		}
		flow.FirstSeen = parseTime(firstSeen)
		flow.LastSeen = parseTime(lastSeen)
		if metadata.Valid && metadata.String != "null" {
			if err := json.Unmarshal([]byte(metadata.String), &flow.Metadata); err != nil {
				log.Warn().Err(err).Int64("flow_id", flow.ID).Msg("failed to decode flow metadata")
			}
		}
		flows = append(flows, &flow)
	}
	return flows, rows.Err()
}

func (r *SQLiteRepository) AddServices(runID string, services []*model.ServiceRecord) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO services (run_id, ip, port, transport, protocol, service_label, is_encrypted, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, ip, port, transport) DO UPDATE SET
	protocol = excluded.protocol,
	service_label = excluded.service_label,
	is_encrypted = excluded.is_encrypted,
	first_seen = MIN(first_seen, excluded.first_seen),
	last_seen = MAX(last_seen, excluded.last_seen);`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, svc := range services {
		if err := svc.Validate(); err != nil {
			return fmt.Errorf("service %s:%d: %w", svc.IP, svc.Port, err)
		}
		if _, err := stmt.Exec(runID, svc.IP, svc.Port, svc.Transport, svc.Protocol, svc.ServiceLabel, svc.IsEncrypted,
			formatTime(svc.FirstSeen), formatTime(svc.LastSeen)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) GetServices(runID string) ([]*model.ServiceRecord, error) {
	rows, err := r.db.Query(`SELECT id, ip, port, transport, protocol, service_label, is_encrypted, first_seen, last_seen
FROM services WHERE run_id = ? ORDER BY ip, port, transport`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []*model.ServiceRecord
	for rows.Next() {
		var svc model.ServiceRecord
		var label sql.NullString
		var firstSeen, lastSeen string
		if err := rows.Scan(&svc.ID, &svc.IP, &svc.Port, &svc.Transport, &svc.Protocol, &label, &svc.IsEncrypted,
			&firstSeen, &lastSeen); err != nil {
			return nil, err
		}
		svc.ServiceLabel = label.String
		svc.FirstSeen = parseTime(firstSeen)
		svc.LastSeen = parseTime(lastSeen)
		services = append(services, &svc)
	}
	return services, rows.Err()
}

// AddProtocolBreakdown replaces the stored breakdown of runID.
func (r *SQLiteRepository) AddProtocolBreakdown(runID string, shares []model.ProtocolShare) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM protocol_breakdown WHERE run_id = ?;`, runID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO protocol_breakdown (run_id, protocol, packets, bytes, packet_percent, byte_percent)
VALUES (?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range shares {
		if strings.TrimSpace(s.Protocol) == "" {
			return errors.New("protocol must not be empty")
		}
		if _, err := stmt.Exec(runID, s.Protocol, int64(s.Packets), int64(s.Bytes), s.PacketPercent, s.BytePercent); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetProtocolBreakdown returns the stored breakdown sorted by bytes, largest
// first.
func (r *SQLiteRepository) GetProtocolBreakdown(runID string) ([]model.ProtocolShare, error) {
	rows, err := r.db.Query(`SELECT protocol, packets, bytes, packet_percent, byte_percent
FROM protocol_breakdown WHERE run_id = ? ORDER BY bytes DESC, protocol`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shares []model.ProtocolShare
	for rows.Next() {
		var s model.ProtocolShare
		var packets, bytes int64
		if err := rows.Scan(&s.Protocol, &packets, &bytes, &s.PacketPercent, &s.BytePercent); err != nil {
			return nil, err
		}
		s.Packets, s.Bytes = uint64(packets), uint64(bytes)
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
