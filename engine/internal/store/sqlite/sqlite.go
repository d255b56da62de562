// Package sqlite is a single-file persistence adapter for small deployments
// that do not run PostgreSQL. It implements the same write and load surface as
// the PostgreSQL store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pilot-net/topomon/pkg/types"
)

//go:embed schema.sql
var schema string

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists engine state in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// withTx runs fn in a transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpsertDevices writes device records.
func (s *Store) UpsertDevices(ctx context.Context, devices []types.Device) error {
	now := ts(time.Now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, d := range devices {
			data, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("marshaling device %s: %w", d.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO devices (id, data, last_seen, needs_review, absorbed_into, updated_at)
				VALUES (?, ?, ?, ?, NULL, ?)
				ON CONFLICT (id) DO UPDATE SET
					data = excluded.data,
					last_seen = excluded.last_seen,
					needs_review = excluded.needs_review,
					absorbed_into = NULL,
					updated_at = excluded.updated_at
			`, d.ID, string(data), ts(d.LastSeen), d.NeedsReview, now); err != nil {
				return fmt.Errorf("upserting device %s: %w", d.ID, err)
			}
		}
		return nil
	})
}

// InsertMerges records merges and marks absorbed devices.
func (s *Store) InsertMerges(ctx context.Context, merges []types.MergeRecord) error {
	now := ts(time.Now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range merges {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO device_merges (absorbed_id, survivor_id, merged_at, reason)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (absorbed_id) DO NOTHING
			`, m.AbsorbedID, m.SurvivorID, ts(m.At), m.Reason); err != nil {
				return fmt.Errorf("inserting merge %s: %w", m.AbsorbedID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE devices SET absorbed_into = ?, updated_at = ? WHERE id = ?`,
				m.SurvivorID, now, m.AbsorbedID); err != nil {
				return fmt.Errorf("marking %s absorbed: %w", m.AbsorbedID, err)
			}
		}
		return nil
	})
}

// LoadDevices returns every device that has not been absorbed by a merge.
func (s *Store) LoadDevices(ctx context.Context) ([]types.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM devices WHERE absorbed_into IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []types.Device
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var d types.Device
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, fmt.Errorf("decoding device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// LoadMerges returns the merge audit log, oldest first.
func (s *Store) LoadMerges(ctx context.Context) ([]types.MergeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT survivor_id, absorbed_id, merged_at, reason FROM device_merges ORDER BY merged_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var merges []types.MergeRecord
	for rows.Next() {
		var (
			m  types.MergeRecord
			at string
		)
		if err := rows.Scan(&m.SurvivorID, &m.AbsorbedID, &at, &m.Reason); err != nil {
			return nil, err
		}
		m.At, _ = time.Parse(timeLayout, at)
		merges = append(merges, m)
	}
	return merges, rows.Err()
}

func upsertLink(ctx context.Context, tx *sql.Tx, l types.Link, now string) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshaling link %s: %w", l.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO links (id, data, device_a, device_b, last_seen, stale, removed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT (id) DO UPDATE SET
			data = excluded.data,
			device_a = excluded.device_a,
			device_b = excluded.device_b,
			last_seen = excluded.last_seen,
			stale = excluded.stale,
			removed_at = NULL,
			updated_at = excluded.updated_at
		WHERE links.last_seen <= excluded.last_seen
	`, l.ID, string(data), l.DeviceA, l.DeviceB, ts(l.LastSeen), l.Stale, now)
	if err != nil {
		return fmt.Errorf("upserting link %s: %w", l.ID, err)
	}
	return nil
}

// UpsertLinks writes link records. An update never replaces a row observed
// more recently.
func (s *Store) UpsertLinks(ctx context.Context, links []types.Link) error {
	now := ts(time.Now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, l := range links {
			if err := upsertLink(ctx, tx, l, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkLinksRemoved records hard removals.
func (s *Store) MarkLinksRemoved(ctx context.Context, links []types.Link) error {
	now := ts(time.Now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, l := range links {
			if err := upsertLink(ctx, tx, l, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE links SET removed_at = ?, updated_at = ? WHERE id = ? AND last_seen <= ?`,
				now, now, l.ID, ts(l.LastSeen)); err != nil {
				return fmt.Errorf("removing link %s: %w", l.ID, err)
			}
		}
		return nil
	})
}

// LoadLinks returns links that have not been removed.
func (s *Store) LoadLinks(ctx context.Context) ([]types.Link, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM links WHERE removed_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []types.Link
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var l types.Link
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			return nil, fmt.Errorf("decoding link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// InsertAnomalies writes anomaly records; duplicates are ignored.
func (s *Store) InsertAnomalies(ctx context.Context, anomalies []types.Anomaly) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range anomalies {
			data, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("marshaling anomaly %s: %w", a.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO anomalies (id, kind, primary_key, data, detected_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (id) DO NOTHING
			`, a.ID, a.Kind, a.PrimaryKey, string(data), ts(a.DetectedAt)); err != nil {
				return fmt.Errorf("inserting anomaly %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// ListAnomalies returns the most recent anomalies, newest first.
func (s *Store) ListAnomalies(ctx context.Context, limit int) ([]types.Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM anomalies ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []types.Anomaly
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var a types.Anomaly
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("decoding anomaly: %w", err)
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// UpsertIncident writes an incident unless the same or a newer revision is
// already stored.
func (s *Store) UpsertIncident(ctx context.Context, inc types.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshaling incident %s: %w", inc.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, dedup_key, status, data, opened_at, revision, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			revision = excluded.revision,
			updated_at = excluded.updated_at
		WHERE incidents.revision < excluded.revision
	`, inc.ID, inc.DedupKey, inc.Status, string(data), ts(inc.OpenedAt), int64(inc.Revision), ts(time.Now()))
	if err != nil {
		return fmt.Errorf("upserting incident %s: %w", inc.ID, err)
	}
	return nil
}

// GetIncident retrieves an incident by ID. Returns nil, nil when absent.
func (s *Store) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM incidents WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var inc types.Incident
	if err := json.Unmarshal([]byte(data), &inc); err != nil {
		return nil, fmt.Errorf("decoding incident: %w", err)
	}
	return &inc, nil
}

// LoadIncidents returns every incident, oldest first.
func (s *Store) LoadIncidents(ctx context.Context) ([]types.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM incidents ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []types.Incident
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var inc types.Incident
		if err := json.Unmarshal([]byte(data), &inc); err != nil {
			return nil, fmt.Errorf("decoding incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// SaveSnapshot stores a full topology snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO topology_snapshots (version, taken_at, device_count, link_count, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (taken_at, version) DO NOTHING
	`, int64(snap.Version), ts(snap.TakenAt), len(snap.Devices), len(snap.Links), string(data))
	return err
}

// LatestSnapshot returns the most recent snapshot, or nil when none is stored.
func (s *Store) LatestSnapshot(ctx context.Context) (*types.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM topology_snapshots ORDER BY taken_at DESC, version DESC LIMIT 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap types.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// PruneSnapshots deletes snapshots older than the retention window.
func (s *Store) PruneSnapshots(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM topology_snapshots WHERE taken_at < ?`, ts(time.Now().Add(-retention)))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
