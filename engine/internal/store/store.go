// Package store provides PostgreSQL persistence for the engine.
//
// # Design
//
// The store uses raw SQL with pgx. The engine's in-memory state is
// authoritative; the database is an eventually-consistent copy used to warm the
// engine on start-up and to serve history. Writes are idempotent upserts so the
// dispatcher may retry them freely.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/topomon/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool (used by migrations).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return []byte("[]")
	}
	return data
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// =============================================================================
// DEVICES
// =============================================================================

// UpsertDevices writes device records.
func (s *Store) UpsertDevices(ctx context.Context, devices []types.Device) error {
	batch := &pgx.Batch{}
	for _, d := range devices {
		batch.Queue(`
			INSERT INTO devices (id, chassis_ids, display_name, vendor, platform, software_version, role,
				capabilities, first_seen, last_seen, compliance_status, compliance_score, compliance_violations,
				needs_review, review_reason, absorbed_into, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULL, NOW())
			ON CONFLICT (id) DO UPDATE SET
				chassis_ids = EXCLUDED.chassis_ids,
				display_name = EXCLUDED.display_name,
				vendor = EXCLUDED.vendor,
				platform = EXCLUDED.platform,
				software_version = EXCLUDED.software_version,
				role = EXCLUDED.role,
				capabilities = EXCLUDED.capabilities,
				first_seen = LEAST(devices.first_seen, EXCLUDED.first_seen),
				last_seen = GREATEST(devices.last_seen, EXCLUDED.last_seen),
				compliance_status = EXCLUDED.compliance_status,
				compliance_score = EXCLUDED.compliance_score,
				compliance_violations = EXCLUDED.compliance_violations,
				needs_review = EXCLUDED.needs_review,
				review_reason = EXCLUDED.review_reason,
				absorbed_into = NULL,
				updated_at = NOW()
		`,
			d.ID, mustJSON(d.ChassisIDs), d.DisplayName, d.Vendor, d.Platform, d.Software, d.Role,
			mustJSON(d.Capabilities), d.FirstSeen, d.LastSeen, d.ComplianceStatus, d.ComplianceScore,
			mustJSON(d.ComplianceViolations), d.NeedsReview, d.ReviewReason,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// InsertMerges records merges and marks absorbed devices.
func (s *Store) InsertMerges(ctx context.Context, merges []types.MergeRecord) error {
	batch := &pgx.Batch{}
	for _, m := range merges {
		batch.Queue(`
			INSERT INTO device_merges (absorbed_id, survivor_id, merged_at, reason)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (absorbed_id) DO NOTHING
		`, m.AbsorbedID, m.SurvivorID, m.At, m.Reason)
		batch.Queue(`UPDATE devices SET absorbed_into = $2, updated_at = NOW() WHERE id = $1`, m.AbsorbedID, m.SurvivorID)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// LoadDevices returns every device that has not been absorbed by a merge.
func (s *Store) LoadDevices(ctx context.Context) ([]types.Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, chassis_ids, display_name, vendor, platform, software_version, role, capabilities,
			first_seen, last_seen, compliance_status, compliance_score, compliance_violations,
			needs_review, review_reason
		FROM devices
		WHERE absorbed_into IS NULL
		ORDER BY first_seen, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []types.Device
	for rows.Next() {
		var (
			d                            types.Device
			chassis, caps, violationsRaw []byte
		)
		if err := rows.Scan(
			&d.ID, &chassis, &d.DisplayName, &d.Vendor, &d.Platform, &d.Software, &d.Role, &caps,
			&d.FirstSeen, &d.LastSeen, &d.ComplianceStatus, &d.ComplianceScore, &violationsRaw,
			&d.NeedsReview, &d.ReviewReason,
		); err != nil {
			return nil, err
		}
		json.Unmarshal(chassis, &d.ChassisIDs)
		json.Unmarshal(caps, &d.Capabilities)
		json.Unmarshal(violationsRaw, &d.ComplianceViolations)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// LoadMerges returns the merge audit log, oldest first.
func (s *Store) LoadMerges(ctx context.Context) ([]types.MergeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT survivor_id, absorbed_id, merged_at, reason
		FROM device_merges
		ORDER BY merged_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var merges []types.MergeRecord
	for rows.Next() {
		var m types.MergeRecord
		if err := rows.Scan(&m.SurvivorID, &m.AbsorbedID, &m.At, &m.Reason); err != nil {
			return nil, err
		}
		merges = append(merges, m)
	}
	return merges, rows.Err()
}

// =============================================================================
// LINKS
// =============================================================================

const upsertLinkSQL = `
	INSERT INTO links (id, device_a, interface_a, device_b, interface_b, layer, protocols, routed_a, routed_b,
		first_seen, last_seen, expires_at, stale, stale_since, removed_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NULL, NOW())
	ON CONFLICT (id) DO UPDATE SET
		device_a = EXCLUDED.device_a,
		interface_a = EXCLUDED.interface_a,
		device_b = EXCLUDED.device_b,
		interface_b = EXCLUDED.interface_b,
		layer = EXCLUDED.layer,
		protocols = EXCLUDED.protocols,
		routed_a = EXCLUDED.routed_a,
		routed_b = EXCLUDED.routed_b,
		first_seen = EXCLUDED.first_seen,
		last_seen = EXCLUDED.last_seen,
		expires_at = EXCLUDED.expires_at,
		stale = EXCLUDED.stale,
		stale_since = EXCLUDED.stale_since,
		removed_at = NULL,
		updated_at = NOW()
	WHERE links.last_seen <= EXCLUDED.last_seen
`

// UpsertLinks writes link records. An update never replaces a row observed
// more recently.
func (s *Store) UpsertLinks(ctx context.Context, links []types.Link) error {
	batch := &pgx.Batch{}
	for _, l := range links {
		batch.Queue(upsertLinkSQL,
			l.ID, l.DeviceA, l.InterfaceA, l.DeviceB, l.InterfaceB, l.Layer, mustJSON(l.Protocols),
			l.RoutedA, l.RoutedB, l.FirstSeen, l.LastSeen, l.ExpiresAt, l.Stale, l.StaleSince,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// MarkLinksRemoved records hard removals. Rows are kept as the topology change log.
func (s *Store) MarkLinksRemoved(ctx context.Context, links []types.Link) error {
	batch := &pgx.Batch{}
	now := time.Now()
	for _, l := range links {
		batch.Queue(upsertLinkSQL,
			l.ID, l.DeviceA, l.InterfaceA, l.DeviceB, l.InterfaceB, l.Layer, mustJSON(l.Protocols),
			l.RoutedA, l.RoutedB, l.FirstSeen, l.LastSeen, l.ExpiresAt, l.Stale, l.StaleSince,
		)
		batch.Queue(`UPDATE links SET removed_at = $2, updated_at = NOW() WHERE id = $1 AND last_seen <= $3`, l.ID, now, l.LastSeen)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// LoadLinks returns links that have not been removed.
func (s *Store) LoadLinks(ctx context.Context) ([]types.Link, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_a, interface_a, device_b, interface_b, layer, protocols, routed_a, routed_b,
			first_seen, last_seen, expires_at, stale, stale_since
		FROM links
		WHERE removed_at IS NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []types.Link
	for rows.Next() {
		var (
			l         types.Link
			protocols []byte
		)
		if err := rows.Scan(
			&l.ID, &l.DeviceA, &l.InterfaceA, &l.DeviceB, &l.InterfaceB, &l.Layer, &protocols,
			&l.RoutedA, &l.RoutedB, &l.FirstSeen, &l.LastSeen, &l.ExpiresAt, &l.Stale, &l.StaleSince,
		); err != nil {
			return nil, err
		}
		json.Unmarshal(protocols, &l.Protocols)
		links = append(links, l)
	}
	return links, rows.Err()
}

// =============================================================================
// ANOMALIES
// =============================================================================

// InsertAnomalies writes anomaly records. Anomalies are immutable; duplicates are ignored.
func (s *Store) InsertAnomalies(ctx context.Context, anomalies []types.Anomaly) error {
	batch := &pgx.Batch{}
	for _, a := range anomalies {
		evidence, _ := json.Marshal(a.Evidence)
		if a.Evidence == nil {
			evidence = []byte("{}")
		}
		batch.Queue(`
			INSERT INTO anomalies (id, kind, severity, title, primary_key, evidence, related_device_ids,
				related_link_ids, supersedes, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING
		`,
			a.ID, a.Kind, a.Severity, a.Title, a.PrimaryKey, evidence, mustJSON(a.RelatedDeviceIDs),
			mustJSON(a.RelatedLinkIDs), nullable(a.Supersedes), a.DetectedAt,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// ListAnomalies returns the most recent anomalies, newest first.
func (s *Store) ListAnomalies(ctx context.Context, limit int) ([]types.Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, severity, title, primary_key, evidence, related_device_ids, related_link_ids,
			COALESCE(supersedes, ''), detected_at
		FROM anomalies
		ORDER BY detected_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []types.Anomaly
	for rows.Next() {
		var (
			a                        types.Anomaly
			evidence, devices, links []byte
		)
		if err := rows.Scan(
			&a.ID, &a.Kind, &a.Severity, &a.Title, &a.PrimaryKey, &evidence, &devices, &links,
			&a.Supersedes, &a.DetectedAt,
		); err != nil {
			return nil, err
		}
		json.Unmarshal(evidence, &a.Evidence)
		json.Unmarshal(devices, &a.RelatedDeviceIDs)
		json.Unmarshal(links, &a.RelatedLinkIDs)
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// =============================================================================
// INCIDENTS
// =============================================================================

// UpsertIncident writes an incident. Events may arrive out of order, so a row is
// only replaced by a newer revision.
func (s *Store) UpsertIncident(ctx context.Context, inc types.Incident) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO incidents (id, dedup_key, title, kind, status, severity, originating_anomaly_ids, assignee,
			opened_at, resolved_at, closed_at, timeline, notes, timeline_length, revision, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			severity = EXCLUDED.severity,
			originating_anomaly_ids = EXCLUDED.originating_anomaly_ids,
			assignee = EXCLUDED.assignee,
			resolved_at = EXCLUDED.resolved_at,
			closed_at = EXCLUDED.closed_at,
			timeline = EXCLUDED.timeline,
			notes = EXCLUDED.notes,
			timeline_length = EXCLUDED.timeline_length,
			revision = EXCLUDED.revision,
			updated_at = NOW()
		WHERE incidents.revision < EXCLUDED.revision
	`,
		inc.ID, inc.DedupKey, inc.Title, inc.Kind, inc.Status, inc.Severity, mustJSON(inc.OriginatingAnomalyIDs),
		inc.Assignee, inc.OpenedAt, inc.ResolvedAt, inc.ClosedAt, mustJSON(inc.Timeline), mustJSON(inc.Notes),
		len(inc.Timeline), int64(inc.Revision),
	)
	return err
}

// GetIncident retrieves an incident by ID.
func (s *Store) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	row := s.pool.QueryRow(ctx, incidentSelect+` WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// LoadIncidents returns every incident, oldest first.
func (s *Store) LoadIncidents(ctx context.Context) ([]types.Incident, error) {
	rows, err := s.pool.Query(ctx, incidentSelect+` ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []types.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

const incidentSelect = `
	SELECT id, dedup_key, title, kind, status, severity, originating_anomaly_ids, assignee,
		opened_at, resolved_at, closed_at, timeline, notes, revision
	FROM incidents`

func scanIncident(row pgx.Row) (*types.Incident, error) {
	var (
		inc                       types.Incident
		anomalyIDs, timeline, nts []byte
		revision                  int64
	)
	if err := row.Scan(
		&inc.ID, &inc.DedupKey, &inc.Title, &inc.Kind, &inc.Status, &inc.Severity, &anomalyIDs, &inc.Assignee,
		&inc.OpenedAt, &inc.ResolvedAt, &inc.ClosedAt, &timeline, &nts, &revision,
	); err != nil {
		return nil, err
	}
	inc.Revision = uint64(revision)
	json.Unmarshal(anomalyIDs, &inc.OriginatingAnomalyIDs)
	json.Unmarshal(timeline, &inc.Timeline)
	json.Unmarshal(nts, &inc.Notes)
	return &inc, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// SaveSnapshot stores a full topology snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO topology_snapshots (version, taken_at, device_count, link_count, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (taken_at, version) DO NOTHING
	`, int64(snap.Version), snap.TakenAt, len(snap.Devices), len(snap.Links), data)
	return err
}

// PruneSnapshots deletes snapshots older than the retention window.
func (s *Store) PruneSnapshots(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM topology_snapshots WHERE taken_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
