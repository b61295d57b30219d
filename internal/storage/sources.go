package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// --- Projects & workspace ---

func (q *queries) CreateProject(ctx context.Context, p Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO projects (id, workspace_id, name, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.WorkspaceID, p.Name, formatTime(p.CreatedAt))
	return err
}

func (q *queries) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	var createdAt string
	err := q.q.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.WorkspaceID, &p.Name, &createdAt)
	if err != nil {
		return Project{}, notFound(err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return Project{}, err
	}
	return p, nil
}

func (q *queries) AddMember(ctx context.Context, m Member) error {
	role := m.Role
	if role == "" {
		role = "member"
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, email, role) VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id, user_id) DO UPDATE SET email = excluded.email, role = excluded.role`,
		m.WorkspaceID, m.UserID, m.Email, role)
	return err
}

func (q *queries) ListMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT workspace_id, user_id, email, role FROM workspace_members
		WHERE workspace_id = ? ORDER BY user_id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Email, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *queries) SetPreference(ctx context.Context, userID, key string, mode PreferenceMode) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, pref_key, mode) VALUES (?, ?, ?)
		ON CONFLICT(user_id, pref_key) DO UPDATE SET mode = excluded.mode`,
		userID, key, string(mode))
	return err
}

// Preferences returns the stored mode for key per user. Users without a row
// are absent from the map.
func (q *queries) Preferences(ctx context.Context, userIDs []string, key string) (map[string]PreferenceMode, error) {
	out := make(map[string]PreferenceMode, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	in, args := inClause(userIDs)
	args = append(args, key)
	rows, err := q.q.QueryContext(ctx, `
		SELECT user_id, mode FROM notification_preferences
		WHERE user_id IN (`+in+`) AND pref_key = ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var uid, mode string
		if err := rows.Scan(&uid, &mode); err != nil {
			return nil, err
		}
		out[uid] = PreferenceMode(mode)
	}
	return out, rows.Err()
}

func (q *queries) SetHealthWeights(ctx context.Context, workspaceID, weightsJSON string) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO workspace_settings (workspace_id, health_weights) VALUES (?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET health_weights = excluded.health_weights`,
		workspaceID, weightsJSON)
	return err
}

// HealthWeights returns the raw weight JSON for a workspace, or "" when unset.
func (q *queries) HealthWeights(ctx context.Context, workspaceID string) (string, error) {
	var w string
	err := q.q.QueryRowContext(ctx, `SELECT health_weights FROM workspace_settings WHERE workspace_id = ?`, workspaceID).Scan(&w)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return w, err
}

// --- Evidence sources ---

const sourceColumns = `id, project_id, kind, title, content, content_hash, status, current_version_id, created_at, updated_at`

func (q *queries) CreateSource(ctx context.Context, s EvidenceSource) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.Status == "" {
		s.Status = SourcePending
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO evidence_sources (`+sourceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ProjectID, s.Kind, s.Title, s.Content, s.ContentHash, string(s.Status),
		s.CurrentVersionID, formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	return err
}

func scanSource(sc interface{ Scan(...any) error }) (EvidenceSource, error) {
	var s EvidenceSource
	var status, createdAt, updatedAt string
	if err := sc.Scan(&s.ID, &s.ProjectID, &s.Kind, &s.Title, &s.Content, &s.ContentHash,
		&status, &s.CurrentVersionID, &createdAt, &updatedAt); err != nil {
		return EvidenceSource{}, err
	}
	s.Status = SourceStatus(status)
	var err error
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return EvidenceSource{}, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return EvidenceSource{}, err
	}
	return s, nil
}

func (q *queries) GetSource(ctx context.Context, id string) (EvidenceSource, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM evidence_sources WHERE id = ?`, id)
	s, err := scanSource(row)
	if err != nil {
		return EvidenceSource{}, notFound(err)
	}
	return s, nil
}

func (q *queries) ListSources(ctx context.Context, projectID string) ([]EvidenceSource, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+sourceColumns+` FROM evidence_sources WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvidenceSource
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSourceContent replaces the current content and version pointer.
func (q *queries) UpdateSourceContent(ctx context.Context, id, content, hash, versionID string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE evidence_sources SET content = ?, content_hash = ?, current_version_id = ?, updated_at = ?
		WHERE id = ?`, content, hash, versionID, formatTime(now()), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (q *queries) SetSourceStatus(ctx context.Context, id string, status SourceStatus) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE evidence_sources SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(now()), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// --- Source versions ---

func (q *queries) CreateVersion(ctx context.Context, v SourceVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO source_versions (id, source_id, seq, content, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.SourceID, v.Seq, v.Content, v.ContentHash, formatTime(v.CreatedAt))
	return err
}

func scanVersion(sc interface{ Scan(...any) error }) (SourceVersion, error) {
	var v SourceVersion
	var createdAt string
	if err := sc.Scan(&v.ID, &v.SourceID, &v.Seq, &v.Content, &v.ContentHash, &createdAt); err != nil {
		return SourceVersion{}, err
	}
	var err error
	v.CreatedAt, err = parseTime(createdAt)
	return v, err
}

func (q *queries) GetVersion(ctx context.Context, id string) (SourceVersion, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT id, source_id, seq, content, content_hash, created_at FROM source_versions WHERE id = ?`, id)
	v, err := scanVersion(row)
	if err != nil {
		return SourceVersion{}, notFound(err)
	}
	return v, nil
}

// LatestVersion returns the highest-seq version of a source.
func (q *queries) LatestVersion(ctx context.Context, sourceID string) (SourceVersion, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT id, source_id, seq, content, content_hash, created_at FROM source_versions
		WHERE source_id = ? ORDER BY seq DESC LIMIT 1`, sourceID)
	v, err := scanVersion(row)
	if err != nil {
		return SourceVersion{}, notFound(err)
	}
	return v, nil
}

func (q *queries) ListVersions(ctx context.Context, sourceID string) ([]SourceVersion, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, source_id, seq, content, content_hash, created_at FROM source_versions
		WHERE source_id = ? ORDER BY seq`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SourceVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Chunks ---

const chunkColumns = `id, source_id, version_id, idx, content, token_count, metadata, embedding, created_at`

func (q *queries) InsertChunks(ctx context.Context, chunks []Chunk) error {
	for _, c := range chunks {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now()
		}
		meta := c.Metadata
		if meta == "" {
			meta = "{}"
		}
		var blob any
		if c.Embedding != nil {
			blob = EncodeVector(c.Embedding)
		}
		if _, err := q.q.ExecContext(ctx, `
			INSERT INTO chunks (`+chunkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.SourceID, c.VersionID, c.Index, c.Content, c.TokenCount, meta, blob,
			formatTime(c.CreatedAt)); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

func scanChunk(sc interface{ Scan(...any) error }) (Chunk, error) {
	var c Chunk
	var blob []byte
	var createdAt string
	if err := sc.Scan(&c.ID, &c.SourceID, &c.VersionID, &c.Index, &c.Content, &c.TokenCount,
		&c.Metadata, &blob, &createdAt); err != nil {
		return Chunk{}, err
	}
	var err error
	if c.Embedding, err = DecodeVector(blob); err != nil {
		return Chunk{}, fmt.Errorf("chunk %s: %w", c.ID, err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Chunk{}, err
	}
	return c, nil
}

func (q *queries) listChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListChunks returns one generation of a source's chunks ordered by index.
func (q *queries) ListChunks(ctx context.Context, sourceID, versionID string) ([]Chunk, error) {
	return q.listChunks(ctx, `SELECT `+chunkColumns+` FROM chunks
		WHERE source_id = ? AND version_id = ? ORDER BY idx`, sourceID, versionID)
}

// ListSourceChunks returns every live chunk of a source across generations.
func (q *queries) ListSourceChunks(ctx context.Context, sourceID string) ([]Chunk, error) {
	return q.listChunks(ctx, `SELECT `+chunkColumns+` FROM chunks
		WHERE source_id = ? ORDER BY version_id, idx`, sourceID)
}

func (q *queries) GetChunk(ctx context.Context, id string) (Chunk, error) {
	c, err := scanChunk(q.q.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id))
	if err != nil {
		return Chunk{}, notFound(err)
	}
	return c, nil
}

// ListProjectEmbeddedChunks returns the current-generation chunks of every
// source in a project that already have an embedding.
func (q *queries) ListProjectEmbeddedChunks(ctx context.Context, projectID string) ([]Chunk, error) {
	return q.listChunks(ctx, `SELECT c.id, c.source_id, c.version_id, c.idx, c.content, c.token_count,
			c.metadata, c.embedding, c.created_at
		FROM chunks c JOIN evidence_sources s ON s.id = c.source_id
		WHERE s.project_id = ? AND c.version_id = s.current_version_id AND c.embedding IS NOT NULL
		ORDER BY c.source_id, c.idx`, projectID)
}

// ListUnembeddedChunks returns chunks of a generation still missing a vector.
func (q *queries) ListUnembeddedChunks(ctx context.Context, sourceID, versionID string) ([]Chunk, error) {
	return q.listChunks(ctx, `SELECT `+chunkColumns+` FROM chunks
		WHERE source_id = ? AND version_id = ? AND embedding IS NULL ORDER BY idx`, sourceID, versionID)
}

func (q *queries) SetChunkEmbedding(ctx context.Context, id string, vec []float32) error {
	res, err := q.q.ExecContext(ctx, `UPDATE chunks SET embedding = ? WHERE id = ?`, EncodeVector(vec), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (q *queries) CountChunks(ctx context.Context, sourceID, versionID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE source_id = ? AND version_id = ?`,
		sourceID, versionID).Scan(&n)
	return n, err
}

// ChunkGenerations returns the version ids that still own chunks of the
// source, oldest version first.
func (q *queries) ChunkGenerations(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT c.version_id FROM chunks c
		LEFT JOIN source_versions v ON v.id = c.version_id
		WHERE c.source_id = ?
		GROUP BY c.version_id ORDER BY MIN(COALESCE(v.seq, 0)), c.version_id`, sourceID)
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

// DeleteChunkGeneration removes the chunks cut from one version of the
// source and returns the deleted ids.
func (q *queries) DeleteChunkGeneration(ctx context.Context, sourceID, versionID string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id FROM chunks WHERE source_id = ? AND version_id = ? ORDER BY idx`,
		sourceID, versionID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ? AND version_id = ?`,
		sourceID, versionID); err != nil {
		return nil, fmt.Errorf("deleting chunk generation: %w", err)
	}
	return ids, nil
}
