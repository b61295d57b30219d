package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// --- Chunk diffs ---

func (q *queries) InsertChunkDiffs(ctx context.Context, diffs []ChunkDiff) error {
	for _, d := range diffs {
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now()
		}
		var sim any
		if d.Similarity != nil {
			sim = *d.Similarity
		}
		if _, err := q.q.ExecContext(ctx, `
			INSERT INTO chunk_diffs (id, source_id, old_version_id, new_version_id, diff_type,
				old_chunk_id, new_chunk_id, similarity, old_content, new_content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.SourceID, d.OldVersionID, d.NewVersionID, string(d.Type),
			nullString(d.OldChunkID), nullString(d.NewChunkID), sim, d.OldContent, d.NewContent,
			formatTime(d.CreatedAt)); err != nil {
			return fmt.Errorf("inserting chunk diff %s: %w", d.ID, err)
		}
	}
	return nil
}

// HasChunkDiffs reports whether diffs were already recorded for a version pair.
func (q *queries) HasChunkDiffs(ctx context.Context, sourceID, newVersionID string) (bool, error) {
	var exists bool
	err := q.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM chunk_diffs WHERE source_id = ? AND new_version_id = ?)`,
		sourceID, newVersionID).Scan(&exists)
	return exists, err
}

func (q *queries) ListChunkDiffs(ctx context.Context, sourceID, newVersionID string) ([]ChunkDiff, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, source_id, old_version_id, new_version_id, diff_type, old_chunk_id, new_chunk_id,
			similarity, old_content, new_content, created_at
		FROM chunk_diffs WHERE source_id = ? AND new_version_id = ? ORDER BY created_at, id`,
		sourceID, newVersionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkDiff
	for rows.Next() {
		var d ChunkDiff
		var typ, createdAt string
		var oldID, newID sql.NullString
		var sim sql.NullFloat64
		if err := rows.Scan(&d.ID, &d.SourceID, &d.OldVersionID, &d.NewVersionID, &typ, &oldID, &newID,
			&sim, &d.OldContent, &d.NewContent, &createdAt); err != nil {
			return nil, err
		}
		d.Type = DiffType(typ)
		d.OldChunkID = oldID.String
		d.NewChunkID = newID.String
		if sim.Valid {
			v := sim.Float64
			d.Similarity = &v
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDiffsSince counts diff rows for the given sources created after since.
func (q *queries) CountDiffsSince(ctx context.Context, sourceIDs []string, since time.Time) (int, error) {
	if len(sourceIDs) == 0 {
		return 0, nil
	}
	in, args := inClause(sourceIDs)
	args = append(args, formatTime(since))
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunk_diffs WHERE source_id IN (`+in+`) AND created_at > ?`, args...).Scan(&n)
	return n, err
}

// --- Change impacts ---

const impactColumns = `id, source_id, pack_id, source_version_id, previous_version_id,
	affected_story_ids, affected_criterion_ids, added_count, removed_count, modified_count,
	severity, summary, state, summary_retry_count, acknowledged_by, acknowledged_at, created_at, updated_at`

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	return string(b), err
}

func decodeIDs(s string) ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, fmt.Errorf("decoding id list: %w", err)
	}
	return ids, nil
}

// InsertImpact stores an impact. A second impact for the same
// (source version, pack) yields ErrAlreadyExists.
func (q *queries) InsertImpact(ctx context.Context, ci ChangeImpact) error {
	if ci.CreatedAt.IsZero() {
		ci.CreatedAt = now()
	}
	if ci.UpdatedAt.IsZero() {
		ci.UpdatedAt = ci.CreatedAt
	}
	if ci.State == "" {
		ci.State = ImpactStructuralCreated
	}
	stories, err := encodeIDs(ci.AffectedStoryIDs)
	if err != nil {
		return err
	}
	criteria, err := encodeIDs(ci.AffectedCriterionIDs)
	if err != nil {
		return err
	}
	var summary any
	if ci.Summary != nil {
		summary = *ci.Summary
	}
	res, err := q.q.ExecContext(ctx, `INSERT INTO change_impacts (`+impactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_version_id, pack_id) DO NOTHING`,
		ci.ID, ci.SourceID, ci.PackID, ci.SourceVersionID, ci.PreviousVersionID,
		stories, criteria, ci.AddedCount, ci.RemovedCount, ci.ModifiedCount,
		string(ci.Severity), summary, string(ci.State), ci.SummaryRetryCount,
		ci.AcknowledgedBy, formatNullTime(ci.AcknowledgedAt), formatTime(ci.CreatedAt), formatTime(ci.UpdatedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func scanImpact(sc interface{ Scan(...any) error }) (ChangeImpact, error) {
	var ci ChangeImpact
	var stories, criteria, severity, state, createdAt, updatedAt string
	var summary, ackAt sql.NullString
	if err := sc.Scan(&ci.ID, &ci.SourceID, &ci.PackID, &ci.SourceVersionID, &ci.PreviousVersionID,
		&stories, &criteria, &ci.AddedCount, &ci.RemovedCount, &ci.ModifiedCount,
		&severity, &summary, &state, &ci.SummaryRetryCount, &ci.AcknowledgedBy, &ackAt,
		&createdAt, &updatedAt); err != nil {
		return ChangeImpact{}, err
	}
	var err error
	if ci.AffectedStoryIDs, err = decodeIDs(stories); err != nil {
		return ChangeImpact{}, err
	}
	if ci.AffectedCriterionIDs, err = decodeIDs(criteria); err != nil {
		return ChangeImpact{}, err
	}
	ci.Severity = Severity(severity)
	ci.State = ImpactState(state)
	if summary.Valid {
		s := summary.String
		ci.Summary = &s
	}
	if ci.AcknowledgedAt, err = parseNullTime(ackAt); err != nil {
		return ChangeImpact{}, err
	}
	if ci.CreatedAt, err = parseTime(createdAt); err != nil {
		return ChangeImpact{}, err
	}
	if ci.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ChangeImpact{}, err
	}
	return ci, nil
}

func (q *queries) listImpacts(ctx context.Context, query string, args ...any) ([]ChangeImpact, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChangeImpact
	for rows.Next() {
		ci, err := scanImpact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

func (q *queries) GetImpact(ctx context.Context, id string) (ChangeImpact, error) {
	ci, err := scanImpact(q.q.QueryRowContext(ctx, `SELECT `+impactColumns+` FROM change_impacts WHERE id = ?`, id))
	if err != nil {
		return ChangeImpact{}, notFound(err)
	}
	return ci, nil
}

// ListImpactsForPack returns a pack's impacts newest first.
func (q *queries) ListImpactsForPack(ctx context.Context, packID string, limit int) ([]ChangeImpact, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.listImpacts(ctx, `SELECT `+impactColumns+` FROM change_impacts
		WHERE pack_id = ? ORDER BY created_at DESC, id LIMIT ?`, packID, limit)
}

func (q *queries) ListImpactsForVersion(ctx context.Context, sourceVersionID string) ([]ChangeImpact, error) {
	return q.listImpacts(ctx, `SELECT `+impactColumns+` FROM change_impacts
		WHERE source_version_id = ? ORDER BY pack_id`, sourceVersionID)
}

// SetImpactState moves an impact along its workflow without touching the summary.
func (q *queries) SetImpactState(ctx context.Context, id string, state ImpactState) error {
	res, err := q.q.ExecContext(ctx, `UPDATE change_impacts SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), formatTime(now()), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ResolveImpactSummary writes the summary and marks the impact resolved.
// Already-resolved impacts are left untouched and ErrAlreadyExists is returned.
func (q *queries) ResolveImpactSummary(ctx context.Context, id, summary string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE change_impacts SET summary = ?, state = ?, updated_at = ?
		WHERE id = ? AND state <> ?`,
		summary, string(ImpactSummaryResolved), formatTime(now()), id, string(ImpactSummaryResolved))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := q.GetImpact(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyExists
	}
	return nil
}

// BumpSummaryRetry records a failed summary attempt and returns the new count.
func (q *queries) BumpSummaryRetry(ctx context.Context, id string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		UPDATE change_impacts SET summary_retry_count = summary_retry_count + 1, state = ?, updated_at = ?
		WHERE id = ? RETURNING summary_retry_count`,
		string(ImpactSummaryPending), formatTime(now()), id).Scan(&n)
	if err != nil {
		return 0, notFound(err)
	}
	return n, nil
}

func (q *queries) AcknowledgeImpact(ctx context.Context, id, userID string, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE change_impacts SET acknowledged_by = ?, acknowledged_at = ?, updated_at = ?
		WHERE id = ?`, userID, formatTime(at), formatTime(at), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}
