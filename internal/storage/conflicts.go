package storage

import (
	"context"
	"fmt"
)

// OrderPair returns the two chunk ids in storage order.
func OrderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// ConflictExists reports whether the unordered pair is already recorded.
func (q *queries) ConflictExists(ctx context.Context, chunkA, chunkB string) (bool, error) {
	a, b := OrderPair(chunkA, chunkB)
	var exists bool
	err := q.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM evidence_conflicts WHERE chunk_a_id = ? AND chunk_b_id = ?)`, a, b).Scan(&exists)
	return exists, err
}

// InsertConflict stores a conflict with its pair normalised. A pair that is
// already present yields ErrAlreadyExists.
func (q *queries) InsertConflict(ctx context.Context, c EvidenceConflict) error {
	if c.ChunkAID == c.ChunkBID {
		return fmt.Errorf("conflict pair must reference two chunks")
	}
	c.ChunkAID, c.ChunkBID = OrderPair(c.ChunkAID, c.ChunkBID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO evidence_conflicts (id, project_id, chunk_a_id, chunk_b_id, summary, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_a_id, chunk_b_id) DO NOTHING`,
		c.ID, c.ProjectID, c.ChunkAID, c.ChunkBID, c.Summary, c.Confidence, formatTime(c.CreatedAt))
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

const conflictColumns = `id, project_id, chunk_a_id, chunk_b_id, summary, confidence, created_at`

func scanConflict(sc interface{ Scan(...any) error }) (EvidenceConflict, error) {
	var c EvidenceConflict
	var createdAt string
	if err := sc.Scan(&c.ID, &c.ProjectID, &c.ChunkAID, &c.ChunkBID, &c.Summary, &c.Confidence, &createdAt); err != nil {
		return EvidenceConflict{}, err
	}
	var err error
	c.CreatedAt, err = parseTime(createdAt)
	return c, err
}

func (q *queries) GetConflict(ctx context.Context, id string) (EvidenceConflict, error) {
	c, err := scanConflict(q.q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM evidence_conflicts WHERE id = ?`, id))
	if err != nil {
		return EvidenceConflict{}, notFound(err)
	}
	return c, nil
}

func (q *queries) ListConflicts(ctx context.Context, projectID string) ([]EvidenceConflict, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+conflictColumns+`
		FROM evidence_conflicts WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvidenceConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConflictsForChunks drops conflicts referencing any of the chunks.
func (q *queries) DeleteConflictsForChunks(ctx context.Context, chunkIDs []string) (int64, error) {
	if len(chunkIDs) == 0 {
		return 0, nil
	}
	in, args := inClause(chunkIDs)
	res, err := q.q.ExecContext(ctx, `
		DELETE FROM evidence_conflicts WHERE chunk_a_id IN (`+in+`) OR chunk_b_id IN (`+in+`)`,
		append(args, args...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
