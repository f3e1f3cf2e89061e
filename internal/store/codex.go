package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/validation"
)

// =============================================================================
// Codex Types
// =============================================================================

// Codex is a collaborative knowledge document.
type Codex struct {
	ID             string
	OrganizationID string
	Title          string
	Description    string
	AuthorID       string
	Status         string
	Forks          int64
	ForkedFrom     *string
	Tags           []string
	Collaborators  []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int

	// Populated by GetCodexFull only.
	Symbols      []*Symbol
	Rituals      []*Ritual
	Reflections  []*Reflection
	Commandments []*Commandment
}

// Symbol is a named concept of a codex.
type Symbol struct {
	ID         string
	CodexID    string
	Name       string
	Meaning    string
	Visual     string
	Category   string
	UsageCount int64
	CreatedAt  time.Time
}

// Ritual is an ordered practice of a codex.
type Ritual struct {
	ID          string
	CodexID     string
	Name        string
	Description string
	Frequency   string
	Steps       []RitualStep
	CreatedAt   time.Time
}

// RitualStep is one step of a ritual. Positions start at 1.
type RitualStep struct {
	Position    int
	Instruction string
	DurationSec *int
	Required    bool
}

// Reflection is a markdown essay attached to a codex.
type Reflection struct {
	ID          string
	CodexID     string
	AuthorID    string
	Title       string
	Content     string
	ContentHTML string
	Tags        []string
	CreatedAt   time.Time
}

// Commandment is a rule proposed for a codex and voted on.
type Commandment struct {
	ID         string
	CodexID    string
	Text       string
	Category   string
	Status     string
	ProposedBy string
	Votes      []*Vote
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Vote is one user's position on a commandment.
type Vote struct {
	UserID    string
	Vote      string
	Reasoning string
	CreatedAt time.Time
}

// CodexFilter selects codices.
type CodexFilter struct {
	OrganizationID string
	Status         string
	Query          string
	SortBy         string
	Limit          int
	Offset         int
}

func (f CodexFilter) where() (string, []any) {
	clauses := []string{"organization_id = ?"}
	args := []any{f.OrganizationID}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Query != "" {
		pattern := validation.SafeLikeContains(f.Query)
		clauses = append(clauses, `(title ILIKE ? ESCAPE '\' OR description ILIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (f CodexFilter) orderBy() string {
	switch f.SortBy {
	case constants.CodexSortForks:
		return " ORDER BY forks DESC, updated_at DESC, id"
	case constants.CodexSortTitle:
		return " ORDER BY title, id"
	default:
		return " ORDER BY updated_at DESC, id"
	}
}

const codexColumns = `id, organization_id, title, description, author_id, status, forks, forked_from,
	tags, collaborators, created_at, updated_at, version`

// =============================================================================
// Codex CRUD
// =============================================================================

// CreateCodex inserts a codex.
func (s *Store) CreateCodex(ctx context.Context, c *Codex) error {
	return s.createCodex(ctx, s.db, c)
}

func (s *Store) createCodex(ctx context.Context, q queryer, c *Codex) error {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.Status == "" {
		c.Status = constants.CodexStatusDraft
	}
	tagsJSON, err := marshalJSON(c.Tags)
	if err != nil {
		return err
	}
	collabJSON, err := marshalJSON(c.Collaborators)
	if err != nil {
		return err
	}

	now := s.now()
	_, err = q.ExecContext(ctx, `
		INSERT INTO codices (`+codexColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, 1)
	`, c.ID, c.OrganizationID, c.Title, c.Description, c.AuthorID, c.Status, c.ForkedFrom,
		tagsJSON, collabJSON, now, now)
	if err != nil {
		return fmt.Errorf("insert codex: %w", err)
	}

	c.Forks = 0
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Version = 1
	return nil
}

// GetCodex retrieves a codex without its children.
func (s *Store) GetCodex(ctx context.Context, orgID, id string) (*Codex, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+codexColumns+` FROM codices WHERE organization_id = ? AND id = ?`, orgID, id)
	if err != nil {
		return nil, fmt.Errorf("query codex: %w", err)
	}
	codices, err := scanCodices(rows)
	if err != nil {
		return nil, err
	}
	if len(codices) == 0 {
		return nil, ErrCodexNotFound
	}
	return codices[0], nil
}

// GetCodexFull retrieves a codex with symbols, rituals, reflections and
// commandments including votes.
func (s *Store) GetCodexFull(ctx context.Context, orgID, id string) (*Codex, error) {
	c, err := s.GetCodex(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if c.Symbols, err = s.listSymbols(ctx, s.db, id); err != nil {
		return nil, err
	}
	if c.Rituals, err = s.listRituals(ctx, s.db, id); err != nil {
		return nil, err
	}
	if c.Reflections, err = s.listReflections(ctx, id); err != nil {
		return nil, err
	}
	if c.Commandments, err = s.listCommandments(ctx, s.db, id); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCodices returns codices matching the filter.
func (s *Store) ListCodices(ctx context.Context, f CodexFilter) ([]*Codex, error) {
	where, args := f.where()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+codexColumns+` FROM codices`+where+f.orderBy()+pageClause(f.Limit, f.Offset), args...)
	if err != nil {
		return nil, fmt.Errorf("query codices: %w", err)
	}
	return scanCodices(rows)
}

// CountCodices returns the number of codices matching the filter.
func (s *Store) CountCodices(ctx context.Context, f CodexFilter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM codices`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count codices: %w", err)
	}
	return n, nil
}

func scanCodices(rows *sql.Rows) ([]*Codex, error) {
	defer rows.Close()

	var codices []*Codex
	for rows.Next() {
		c := &Codex{}
		var description, forkedFrom, tagsJSON, collabJSON sql.NullString
		if err := rows.Scan(
			&c.ID, &c.OrganizationID, &c.Title, &description, &c.AuthorID, &c.Status, &c.Forks,
			&forkedFrom, &tagsJSON, &collabJSON, &c.CreatedAt, &c.UpdatedAt, &c.Version,
		); err != nil {
			return nil, fmt.Errorf("scan codex: %w", err)
		}
		c.Description = description.String
		c.ForkedFrom = nullString(forkedFrom)
		if err := unmarshalJSON(tagsJSON, &c.Tags); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(collabJSON, &c.Collaborators); err != nil {
			return nil, err
		}
		codices = append(codices, c)
	}
	return codices, rows.Err()
}

// UpdateCodex writes title, description, status, tags and collaborators
// with an optimistic version check.
func (s *Store) UpdateCodex(ctx context.Context, c *Codex) error {
	tagsJSON, err := marshalJSON(c.Tags)
	if err != nil {
		return err
	}
	collabJSON, err := marshalJSON(c.Collaborators)
	if err != nil {
		return err
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE codices
		SET title = ?, description = ?, status = ?, tags = ?, collaborators = ?,
		    updated_at = ?, version = version + 1
		WHERE organization_id = ? AND id = ? AND version = ?
	`, c.Title, c.Description, c.Status, tagsJSON, collabJSON, now, c.OrganizationID, c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("update codex: %w", err)
	}

	if err := checkAffected(res, ErrCodexNotFound, func() (bool, error) {
		return s.exists(ctx, `SELECT 1 FROM codices WHERE organization_id = ? AND id = ?`, c.OrganizationID, c.ID)
	}); err != nil {
		return err
	}

	c.UpdatedAt = now
	c.Version++
	return nil
}

// DeleteCodex removes a codex and all of its children.
func (s *Store) DeleteCodex(ctx context.Context, orgID, id string) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM codices WHERE organization_id = ? AND id = ?`, orgID, id)
		if err != nil {
			return fmt.Errorf("delete codex: %w", err)
		}
		if err := checkAffected(res, ErrCodexNotFound, nil); err != nil {
			return err
		}

		stmts := []string{
			`DELETE FROM commandment_votes WHERE commandment_id IN (SELECT id FROM codex_commandments WHERE codex_id = ?)`,
			`DELETE FROM codex_commandments WHERE codex_id = ?`,
			`DELETE FROM ritual_steps WHERE ritual_id IN (SELECT id FROM codex_rituals WHERE codex_id = ?)`,
			`DELETE FROM codex_rituals WHERE codex_id = ?`,
			`DELETE FROM codex_symbols WHERE codex_id = ?`,
			`DELETE FROM codex_reflections WHERE codex_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("delete codex children: %w", err)
			}
		}
		return nil
	})
}

// ForkCodex copies a codex with its symbols, rituals and commandments into
// a new draft owned by authorID, and increments the source's fork counter.
// Reflections and votes are not copied; commandments restart as proposed.
func (s *Store) ForkCodex(ctx context.Context, orgID, sourceID, authorID string) (*Codex, error) {
	var fork *Codex

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+codexColumns+` FROM codices WHERE organization_id = ? AND id = ?`, orgID, sourceID)
		if err != nil {
			return fmt.Errorf("query codex: %w", err)
		}
		found, err := scanCodices(rows)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return ErrCodexNotFound
		}
		src := found[0]

		srcID := src.ID
		fork = &Codex{
			OrganizationID: orgID,
			Title:          src.Title,
			Description:    src.Description,
			AuthorID:       authorID,
			Status:         constants.CodexStatusDraft,
			ForkedFrom:     &srcID,
			Tags:           src.Tags,
		}
		if err := s.createCodex(ctx, tx, fork); err != nil {
			return err
		}

		symbols, err := s.listSymbols(ctx, tx, src.ID)
		if err != nil {
			return err
		}
		for _, sym := range symbols {
			cp := *sym
			cp.ID = ""
			cp.CodexID = fork.ID
			cp.UsageCount = 0
			if err := s.addSymbol(ctx, tx, &cp); err != nil {
				return err
			}
		}

		rituals, err := s.listRituals(ctx, tx, src.ID)
		if err != nil {
			return err
		}
		for _, r := range rituals {
			cp := *r
			cp.ID = ""
			cp.CodexID = fork.ID
			if err := s.addRitual(ctx, tx, &cp); err != nil {
				return err
			}
		}

		commandments, err := s.listCommandments(ctx, tx, src.ID)
		if err != nil {
			return err
		}
		for _, cm := range commandments {
			cp := *cm
			cp.ID = ""
			cp.CodexID = fork.ID
			cp.Status = constants.CommandmentStatusProposed
			cp.Votes = nil
			if err := s.addCommandment(ctx, tx, &cp); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE codices SET forks = forks + 1, version = version + 1 WHERE id = ?
		`, src.ID); err != nil {
			return fmt.Errorf("increment forks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fork, nil
}

// touchCodex bumps updated_at after a child changed.
func (s *Store) touchCodex(ctx context.Context, q queryer, codexID string) error {
	if _, err := q.ExecContext(ctx, `UPDATE codices SET updated_at = ? WHERE id = ?`, s.now(), codexID); err != nil {
		return fmt.Errorf("touch codex: %w", err)
	}
	return nil
}

// =============================================================================
// Symbols
// =============================================================================

// AddSymbol inserts a symbol.
func (s *Store) AddSymbol(ctx context.Context, sym *Symbol) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if err := s.addSymbol(ctx, tx, sym); err != nil {
			return err
		}
		return s.touchCodex(ctx, tx, sym.CodexID)
	})
}

func (s *Store) addSymbol(ctx context.Context, q queryer, sym *Symbol) error {
	if sym.ID == "" {
		sym.ID = newID()
	}
	sym.CreatedAt = s.now()
	_, err := q.ExecContext(ctx, `
		INSERT INTO codex_symbols (id, codex_id, name, meaning, visual, category, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sym.ID, sym.CodexID, sym.Name, sym.Meaning, sym.Visual, sym.Category, sym.UsageCount, sym.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert symbol: %w", err)
	}
	return nil
}

func (s *Store) listSymbols(ctx context.Context, q queryer, codexID string) ([]*Symbol, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, codex_id, name, meaning, visual, category, usage_count, created_at
		FROM codex_symbols WHERE codex_id = ? ORDER BY created_at, id
	`, codexID)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()

	var out []*Symbol
	for rows.Next() {
		sym := &Symbol{}
		var visual sql.NullString
		if err := rows.Scan(&sym.ID, &sym.CodexID, &sym.Name, &sym.Meaning, &visual, &sym.Category, &sym.UsageCount, &sym.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		sym.Visual = visual.String
		out = append(out, sym)
	}
	return out, rows.Err()
}

// =============================================================================
// Rituals
// =============================================================================

// AddRitual inserts a ritual with its steps. Steps are renumbered from 1 in
// slice order.
func (s *Store) AddRitual(ctx context.Context, r *Ritual) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if err := s.addRitual(ctx, tx, r); err != nil {
			return err
		}
		return s.touchCodex(ctx, tx, r.CodexID)
	})
}

func (s *Store) addRitual(ctx context.Context, q queryer, r *Ritual) error {
	if r.ID == "" {
		r.ID = newID()
	}
	r.CreatedAt = s.now()
	if _, err := q.ExecContext(ctx, `
		INSERT INTO codex_rituals (id, codex_id, name, description, frequency, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.CodexID, r.Name, r.Description, r.Frequency, r.CreatedAt); err != nil {
		return fmt.Errorf("insert ritual: %w", err)
	}

	steps := make([]RitualStep, len(r.Steps))
	for i, step := range r.Steps {
		step.Position = i + 1
		if _, err := q.ExecContext(ctx, `
			INSERT INTO ritual_steps (ritual_id, position, instruction, duration_sec, required)
			VALUES (?, ?, ?, ?, ?)
		`, r.ID, step.Position, step.Instruction, step.DurationSec, step.Required); err != nil {
			return fmt.Errorf("insert ritual step: %w", err)
		}
		steps[i] = step
	}
	r.Steps = steps
	return nil
}

func (s *Store) listRituals(ctx context.Context, q queryer, codexID string) ([]*Ritual, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT r.id, r.codex_id, r.name, r.description, r.frequency, r.created_at,
		       st.position, st.instruction, st.duration_sec, st.required
		FROM codex_rituals r
		LEFT JOIN ritual_steps st ON st.ritual_id = r.id
		WHERE r.codex_id = ?
		ORDER BY r.created_at, r.id, st.position
	`, codexID)
	if err != nil {
		return nil, fmt.Errorf("query rituals: %w", err)
	}
	defer rows.Close()

	var out []*Ritual
	var cur *Ritual
	for rows.Next() {
		var id, cid, name, frequency string
		var description, instruction sql.NullString
		var createdAt time.Time
		var position, duration sql.NullInt64
		var required sql.NullBool

		if err := rows.Scan(&id, &cid, &name, &description, &frequency, &createdAt,
			&position, &instruction, &duration, &required); err != nil {
			return nil, fmt.Errorf("scan ritual: %w", err)
		}

		if cur == nil || cur.ID != id {
			cur = &Ritual{ID: id, CodexID: cid, Name: name, Description: description.String, Frequency: frequency, CreatedAt: createdAt}
			out = append(out, cur)
		}
		if position.Valid {
			step := RitualStep{Position: int(position.Int64), Instruction: instruction.String, Required: required.Bool}
			if duration.Valid {
				d := int(duration.Int64)
				step.DurationSec = &d
			}
			cur.Steps = append(cur.Steps, step)
		}
	}
	return out, rows.Err()
}

// =============================================================================
// Reflections
// =============================================================================

// AddReflection inserts a reflection. ContentHTML must already be rendered.
func (s *Store) AddReflection(ctx context.Context, r *Reflection) error {
	if r.ID == "" {
		r.ID = newID()
	}
	r.CreatedAt = s.now()
	tagsJSON, err := marshalJSON(r.Tags)
	if err != nil {
		return err
	}

	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO codex_reflections (id, codex_id, author_id, title, content, content_html, tags, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.CodexID, r.AuthorID, r.Title, r.Content, r.ContentHTML, tagsJSON, r.CreatedAt); err != nil {
			return fmt.Errorf("insert reflection: %w", err)
		}
		return s.touchCodex(ctx, tx, r.CodexID)
	})
}

func (s *Store) listReflections(ctx context.Context, codexID string) ([]*Reflection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, codex_id, author_id, title, content, content_html, tags, created_at
		FROM codex_reflections WHERE codex_id = ? ORDER BY created_at DESC, id
	`, codexID)
	if err != nil {
		return nil, fmt.Errorf("query reflections: %w", err)
	}
	defer rows.Close()

	var out []*Reflection
	for rows.Next() {
		r := &Reflection{}
		var tagsJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.CodexID, &r.AuthorID, &r.Title, &r.Content, &r.ContentHTML, &tagsJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reflection: %w", err)
		}
		if err := unmarshalJSON(tagsJSON, &r.Tags); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// Commandments
// =============================================================================

// AddCommandment inserts a proposed commandment.
func (s *Store) AddCommandment(ctx context.Context, cm *Commandment) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if err := s.addCommandment(ctx, tx, cm); err != nil {
			return err
		}
		return s.touchCodex(ctx, tx, cm.CodexID)
	})
}

func (s *Store) addCommandment(ctx context.Context, q queryer, cm *Commandment) error {
	if cm.ID == "" {
		cm.ID = newID()
	}
	if cm.Status == "" {
		cm.Status = constants.CommandmentStatusProposed
	}
	now := s.now()
	cm.CreatedAt = now
	cm.UpdatedAt = now
	if _, err := q.ExecContext(ctx, `
		INSERT INTO codex_commandments (id, codex_id, text, category, status, proposed_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cm.ID, cm.CodexID, cm.Text, cm.Category, cm.Status, cm.ProposedBy, now, now); err != nil {
		return fmt.Errorf("insert commandment: %w", err)
	}
	return nil
}

func (s *Store) listCommandments(ctx context.Context, q queryer, codexID string) ([]*Commandment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.id, c.codex_id, c.text, c.category, c.status, c.proposed_by, c.created_at, c.updated_at,
		       v.user_id, v.vote, v.reasoning, v.created_at
		FROM codex_commandments c
		LEFT JOIN commandment_votes v ON v.commandment_id = c.id
		WHERE c.codex_id = ?
		ORDER BY c.created_at, c.id, v.created_at, v.user_id
	`, codexID)
	if err != nil {
		return nil, fmt.Errorf("query commandments: %w", err)
	}
	defer rows.Close()

	var out []*Commandment
	var cur *Commandment
	for rows.Next() {
		cm := Commandment{}
		var proposedBy, userID, vote, reasoning sql.NullString
		var votedAt sql.NullTime

		if err := rows.Scan(&cm.ID, &cm.CodexID, &cm.Text, &cm.Category, &cm.Status, &proposedBy,
			&cm.CreatedAt, &cm.UpdatedAt, &userID, &vote, &reasoning, &votedAt); err != nil {
			return nil, fmt.Errorf("scan commandment: %w", err)
		}

		if cur == nil || cur.ID != cm.ID {
			cm.ProposedBy = proposedBy.String
			cur = &cm
			out = append(out, cur)
		}
		if userID.Valid {
			cur.Votes = append(cur.Votes, &Vote{
				UserID:    userID.String,
				Vote:      vote.String,
				Reasoning: reasoning.String,
				CreatedAt: votedAt.Time,
			})
		}
	}
	return out, rows.Err()
}

// GetCommandment retrieves one commandment with votes.
func (s *Store) GetCommandment(ctx context.Context, codexID, id string) (*Commandment, error) {
	all, err := s.listCommandments(ctx, s.db, codexID)
	if err != nil {
		return nil, err
	}
	for _, cm := range all {
		if cm.ID == id {
			return cm, nil
		}
	}
	return nil, ErrCommandmentNotFound
}

// CastVote records or replaces userID's vote. A proposed commandment moves
// to debated on its first vote.
func (s *Store) CastVote(ctx context.Context, codexID, commandmentID string, v *Vote) (*Commandment, error) {
	v.CreatedAt = s.now()

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM codex_commandments WHERE codex_id = ? AND id = ?
		`, codexID, commandmentID).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrCommandmentNotFound
		}
		if err != nil {
			return fmt.Errorf("query commandment: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commandment_votes (commandment_id, user_id, vote, reasoning, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (commandment_id, user_id)
			DO UPDATE SET vote = excluded.vote, reasoning = excluded.reasoning, created_at = excluded.created_at
		`, commandmentID, v.UserID, v.Vote, v.Reasoning, v.CreatedAt); err != nil {
			return fmt.Errorf("upsert vote: %w", err)
		}

		if status == constants.CommandmentStatusProposed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE codex_commandments SET status = ?, updated_at = ? WHERE id = ?
			`, constants.CommandmentStatusDebated, v.CreatedAt, commandmentID); err != nil {
				return fmt.Errorf("update commandment: %w", err)
			}
		}
		return s.touchCodex(ctx, tx, codexID)
	})
	if err != nil {
		return nil, err
	}

	return s.GetCommandment(ctx, codexID, commandmentID)
}

// CountCodicesByStatus returns codex counts keyed by status.
func (s *Store) CountCodicesByStatus(ctx context.Context, orgID string) (map[string]int64, error) {
	return s.countBy(ctx, `SELECT status, COUNT(*) FROM codices WHERE organization_id = ? GROUP BY status`, orgID)
}
