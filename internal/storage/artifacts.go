package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// --- Packs ---

func (q *queries) CreatePack(ctx context.Context, p Pack) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO packs (id, project_id, name, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.ProjectID, p.Name, formatTime(p.CreatedAt))
	return err
}

const packColumns = `id, project_id, name, health_score, health_status, health_at, created_at`

func scanPack(sc interface{ Scan(...any) error }) (Pack, error) {
	var p Pack
	var score sql.NullInt64
	var healthAt sql.NullString
	var createdAt string
	if err := sc.Scan(&p.ID, &p.ProjectID, &p.Name, &score, &p.HealthStatus, &healthAt, &createdAt); err != nil {
		return Pack{}, err
	}
	if score.Valid {
		v := int(score.Int64)
		p.HealthScore = &v
	}
	var err error
	if p.HealthAt, err = parseNullTime(healthAt); err != nil {
		return Pack{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return Pack{}, err
	}
	return p, nil
}

func (q *queries) GetPack(ctx context.Context, id string) (Pack, error) {
	p, err := scanPack(q.q.QueryRowContext(ctx, `SELECT `+packColumns+` FROM packs WHERE id = ?`, id))
	if err != nil {
		return Pack{}, notFound(err)
	}
	return p, nil
}

// PacksCitingSource returns every pack that currently lists the source.
func (q *queries) PacksCitingSource(ctx context.Context, sourceID string) ([]Pack, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT p.id, p.project_id, p.name, p.health_score, p.health_status, p.health_at, p.created_at
		FROM packs p JOIN pack_sources ps ON ps.pack_id = p.id
		WHERE ps.source_id = ? ORDER BY p.id`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Pack
	for rows.Next() {
		p, err := scanPack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *queries) AttachSource(ctx context.Context, packID, sourceID string) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO pack_sources (pack_id, source_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, packID, sourceID)
	return err
}

func (q *queries) PackSourceIDs(ctx context.Context, packID string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT source_id FROM pack_sources WHERE pack_id = ? ORDER BY source_id`, packID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LatestSourceUpdate returns the newest updated_at across a pack's sources,
// or nil when the pack cites none.
func (q *queries) LatestSourceUpdate(ctx context.Context, packID string) (*time.Time, error) {
	var ts sql.NullString
	err := q.q.QueryRowContext(ctx, `
		SELECT MAX(s.updated_at) FROM evidence_sources s
		JOIN pack_sources ps ON ps.source_id = s.id WHERE ps.pack_id = ?`, packID).Scan(&ts)
	if err != nil {
		return nil, err
	}
	return parseNullTime(ts)
}

// --- Pack versions and artifacts ---

func (q *queries) CreatePackVersion(ctx context.Context, v PackVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO pack_versions (id, pack_id, seq, created_at) VALUES (?, ?, ?, ?)`,
		v.ID, v.PackID, v.Seq, formatTime(v.CreatedAt))
	return err
}

// LatestPackVersion returns the highest-seq version of a pack.
func (q *queries) LatestPackVersion(ctx context.Context, packID string) (PackVersion, error) {
	var v PackVersion
	var createdAt string
	err := q.q.QueryRowContext(ctx, `
		SELECT id, pack_id, seq, created_at FROM pack_versions
		WHERE pack_id = ? ORDER BY seq DESC LIMIT 1`, packID,
	).Scan(&v.ID, &v.PackID, &v.Seq, &createdAt)
	if err != nil {
		return PackVersion{}, notFound(err)
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return PackVersion{}, err
	}
	return v, nil
}

func (q *queries) CreateStory(ctx context.Context, s Story) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO stories (id, pack_version_id, title, created_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.PackVersionID, s.Title, formatTime(s.CreatedAt))
	return err
}

func (q *queries) CreateCriterion(ctx context.Context, c AcceptanceCriterion) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO acceptance_criteria (id, story_id, text, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.StoryID, c.Text, formatTime(c.CreatedAt))
	return err
}

// EntityProject returns the project owning the pack an artifact belongs to.
func (q *queries) EntityProject(ctx context.Context, ref EntityRef) (string, error) {
	query := MatchEntity(ref,
		func(StoryRef) string {
			return `SELECT p.project_id FROM stories s
				JOIN pack_versions pv ON pv.id = s.pack_version_id
				JOIN packs p ON p.id = pv.pack_id WHERE s.id = ?`
		},
		func(CriterionRef) string {
			return `SELECT p.project_id FROM acceptance_criteria ac
				JOIN stories s ON s.id = ac.story_id
				JOIN pack_versions pv ON pv.id = s.pack_version_id
				JOIN packs p ON p.id = pv.pack_id WHERE ac.id = ?`
		})
	var projectID string
	if err := q.q.QueryRowContext(ctx, query, ref.ID()).Scan(&projectID); err != nil {
		return "", notFound(err)
	}
	return projectID, nil
}

// ArtifactCounts are the per-version tallies the health scorer needs.
type ArtifactCounts struct {
	Criteria             int
	CriteriaWithHighLink int
	Stories              int
	StoriesWithoutFlags  int
}

func (q *queries) CountArtifacts(ctx context.Context, packVersionID string) (ArtifactCounts, error) {
	var c ArtifactCounts
	err := q.q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM acceptance_criteria ac JOIN stories s ON s.id = ac.story_id
				WHERE s.pack_version_id = ?1),
			(SELECT COUNT(*) FROM acceptance_criteria ac JOIN stories s ON s.id = ac.story_id
				WHERE s.pack_version_id = ?1 AND EXISTS (
					SELECT 1 FROM evidence_links l
					WHERE l.entity_type = 'acceptance_criterion' AND l.entity_id = ac.id AND l.confidence = 'high')),
			(SELECT COUNT(*) FROM stories s WHERE s.pack_version_id = ?1),
			(SELECT COUNT(*) FROM stories s WHERE s.pack_version_id = ?1
				AND NOT EXISTS (SELECT 1 FROM quality_flags f
					WHERE f.resolved = 0 AND f.entity_type = 'story' AND f.entity_id = s.id)
				AND NOT EXISTS (SELECT 1 FROM quality_flags f JOIN acceptance_criteria ac ON ac.id = f.entity_id
					WHERE f.resolved = 0 AND f.entity_type = 'acceptance_criterion' AND ac.story_id = s.id))`,
		packVersionID,
	).Scan(&c.Criteria, &c.CriteriaWithHighLink, &c.Stories, &c.StoriesWithoutFlags)
	return c, err
}

const latestPackVersion = `(SELECT id FROM pack_versions WHERE pack_id = pv.pack_id ORDER BY seq DESC LIMIT 1)`

// AffectedArtifact is one story, or one criterion and its owning story, that
// cites a changed chunk, tagged with the pack it belongs to.
type AffectedArtifact struct {
	PackID      string
	StoryID     string
	CriterionID string // empty when the link is on the story itself
}

// AffectedArtifacts resolves chunk ids through evidence links to the
// criteria and stories that cite them. Only artifacts of each pack's latest
// version count; superseded versions are history.
func (q *queries) AffectedArtifacts(ctx context.Context, chunkIDs []string) ([]AffectedArtifact, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(chunkIDs)
	query := `
		SELECT DISTINCT pv.pack_id, s.id, ac.id FROM evidence_links l
		JOIN acceptance_criteria ac ON l.entity_type = 'acceptance_criterion' AND ac.id = l.entity_id
		JOIN stories s ON s.id = ac.story_id
		JOIN pack_versions pv ON pv.id = s.pack_version_id
		WHERE l.chunk_id IN (` + in + `) AND pv.id = ` + latestPackVersion + `
		UNION
		SELECT DISTINCT pv.pack_id, s.id, '' FROM evidence_links l
		JOIN stories s ON l.entity_type = 'story' AND s.id = l.entity_id
		JOIN pack_versions pv ON pv.id = s.pack_version_id
		WHERE l.chunk_id IN (` + in + `) AND pv.id = ` + latestPackVersion + `
		ORDER BY 1, 2, 3`
	rows, err := q.q.QueryContext(ctx, query, append(args, args...)...)
	if err != nil {
		return nil, fmt.Errorf("resolving affected artifacts: %w", err)
	}
	defer rows.Close()
	var out []AffectedArtifact
	for rows.Next() {
		var a AffectedArtifact
		if err := rows.Scan(&a.PackID, &a.StoryID, &a.CriterionID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Evidence links ---

const linkColumns = `id, entity_type, entity_id, chunk_id, confidence, evolution, created_at, updated_at`

func (q *queries) CreateLink(ctx context.Context, l EvidenceLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now()
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	if l.Evolution == "" {
		l.Evolution = EvolutionCurrent
	}
	_, err := q.q.ExecContext(ctx, `INSERT INTO evidence_links (`+linkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, string(l.Entity.Type()), l.Entity.ID(), l.ChunkID, string(l.Confidence), string(l.Evolution),
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt))
	return err
}

func scanLink(sc interface{ Scan(...any) error }) (EvidenceLink, error) {
	var l EvidenceLink
	var typ, id, conf, evo, createdAt, updatedAt string
	if err := sc.Scan(&l.ID, &typ, &id, &l.ChunkID, &conf, &evo, &createdAt, &updatedAt); err != nil {
		return EvidenceLink{}, err
	}
	var err error
	if l.Entity, err = ParseEntityRef(typ, id); err != nil {
		return EvidenceLink{}, fmt.Errorf("link %s: %w", l.ID, err)
	}
	l.Confidence = Confidence(conf)
	l.Evolution = Evolution(evo)
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return EvidenceLink{}, err
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return EvidenceLink{}, err
	}
	return l, nil
}

func (q *queries) listLinks(ctx context.Context, query string, args ...any) ([]EvidenceLink, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvidenceLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q *queries) GetLink(ctx context.Context, id string) (EvidenceLink, error) {
	l, err := scanLink(q.q.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM evidence_links WHERE id = ?`, id))
	if err != nil {
		return EvidenceLink{}, notFound(err)
	}
	return l, nil
}

func (q *queries) ListLinksForEntity(ctx context.Context, ref EntityRef) ([]EvidenceLink, error) {
	return q.listLinks(ctx, `SELECT `+linkColumns+` FROM evidence_links
		WHERE entity_type = ? AND entity_id = ? ORDER BY created_at, id`, string(ref.Type()), ref.ID())
}

func (q *queries) ListLinksForChunks(ctx context.Context, chunkIDs []string) ([]EvidenceLink, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(chunkIDs)
	return q.listLinks(ctx, `SELECT `+linkColumns+` FROM evidence_links
		WHERE chunk_id IN (`+in+`) ORDER BY chunk_id, id`, args...)
}

func (q *queries) SetLinkConfidence(ctx context.Context, id string, c Confidence) error {
	res, err := q.q.ExecContext(ctx, `UPDATE evidence_links SET confidence = ?, updated_at = ? WHERE id = ?`,
		string(c), formatTime(now()), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// RepointLinks moves every link on oldChunkID to newChunkID and records how
// the link evolved. It returns the number of links moved.
func (q *queries) RepointLinks(ctx context.Context, oldChunkID, newChunkID string, evo Evolution) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE evidence_links SET chunk_id = ?, evolution = ?, updated_at = ? WHERE chunk_id = ?`,
		newChunkID, string(evo), formatTime(now()), oldChunkID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *queries) DeleteLinksForChunks(ctx context.Context, chunkIDs []string) (int64, error) {
	if len(chunkIDs) == 0 {
		return 0, nil
	}
	in, args := inClause(chunkIDs)
	res, err := q.q.ExecContext(ctx, `DELETE FROM evidence_links WHERE chunk_id IN (`+in+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Quality flags & delivery feedback ---

func (q *queries) CreateQualityFlag(ctx context.Context, f QualityFlag) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO quality_flags (id, entity_type, entity_id, message, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, string(f.Entity.Type()), f.Entity.ID(), f.Message, f.Resolved, formatTime(f.CreatedAt))
	return err
}

func (q *queries) ResolveQualityFlag(ctx context.Context, id string) error {
	res, err := q.q.ExecContext(ctx, `UPDATE quality_flags SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (q *queries) CreateDeliveryFeedback(ctx context.Context, f DeliveryFeedback) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO delivery_feedback (id, pack_id, message, resolved, created_at) VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.PackID, f.Message, f.Resolved, formatTime(f.CreatedAt))
	return err
}

func (q *queries) ResolveDeliveryFeedback(ctx context.Context, id string) error {
	res, err := q.q.ExecContext(ctx, `UPDATE delivery_feedback SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (q *queries) CountUnresolvedFeedback(ctx context.Context, packID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_feedback WHERE pack_id = ? AND resolved = 0`,
		packID).Scan(&n)
	return n, err
}
