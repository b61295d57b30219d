package storage

import (
	"context"
	"fmt"
)

// InsertHealthSnapshot appends a snapshot and moves the pack's live pointer
// to it. Both writes happen in one transaction; when called on a Tx the
// caller's transaction is used.
func (s *Store) InsertHealthSnapshot(ctx context.Context, snap HealthSnapshot) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertHealthSnapshot(ctx, snap)
	})
}

func (t *Tx) InsertHealthSnapshot(ctx context.Context, snap HealthSnapshot) error {
	if snap.ComputedAt.IsZero() {
		snap.ComputedAt = now()
	}
	if _, err := t.q.ExecContext(ctx, `
		INSERT INTO health_snapshots (id, pack_id, pack_version_id, score, status, source_drift,
			evidence_coverage, qa_pass_rate, delivery_feedback, source_age, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.PackID, snap.PackVersionID, snap.Score, string(snap.Status), snap.SourceDrift,
		snap.EvidenceCoverage, snap.QAPassRate, snap.DeliveryFeedback, snap.SourceAge,
		formatTime(snap.ComputedAt)); err != nil {
		return fmt.Errorf("inserting health snapshot: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE packs SET health_score = ?, health_status = ?, health_at = ? WHERE id = ?`,
		snap.Score, string(snap.Status), formatTime(snap.ComputedAt), snap.PackID)
	if err != nil {
		return fmt.Errorf("updating pack health pointer: %w", err)
	}
	return checkAffected(res)
}

// ListHealthSnapshots returns a pack's snapshot history newest first.
func (q *queries) ListHealthSnapshots(ctx context.Context, packID string, limit int) ([]HealthSnapshot, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, pack_id, pack_version_id, score, status, source_drift, evidence_coverage,
			qa_pass_rate, delivery_feedback, source_age, computed_at
		FROM health_snapshots WHERE pack_id = ? ORDER BY computed_at DESC, id LIMIT ?`, packID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HealthSnapshot
	for rows.Next() {
		var h HealthSnapshot
		var status, computedAt string
		if err := rows.Scan(&h.ID, &h.PackID, &h.PackVersionID, &h.Score, &status, &h.SourceDrift,
			&h.EvidenceCoverage, &h.QAPassRate, &h.DeliveryFeedback, &h.SourceAge, &computedAt); err != nil {
			return nil, err
		}
		h.Status = HealthStatus(status)
		if h.ComputedAt, err = parseTime(computedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
