package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opertools/maskwatch/internal/maskwatch/mask"
)

// ErrNotFound is returned when a mask id is not in the catalog.
var ErrNotFound = errors.New("mask not found")

// Actor identifies who performed a catalog mutation: the full
// nick!ident@host source and, when known, the oper name.
type Actor struct {
	Source string
	Oper   string
}

// Mask is one catalog row.
type Mask struct {
	ID      int64
	Mask    string
	Type    mask.Type
	Enabled bool
	Reason  string
	Hits    int64
	// LastHit is the wall-clock time (seconds) of the most recent hit.
	LastHit sql.NullInt64
	// Expire is an absolute deadline when positive, an offset from
	// LastHit when negative, and never-expires when NULL.
	Expire sql.NullInt64
}

// Change is one row of a mask's change log.
type Change struct {
	MaskID   int64
	BySource string
	ByOper   string
	Time     int64
	Change   string
}

// EnabledMask pairs a mask id with its raw source text.
type EnabledMask struct {
	ID   int64
	Mask string
}

func addChange(tx *sql.Tx, maskID int64, by Actor, change string) error {
	_, err := tx.Exec(`
		INSERT INTO changes (mask_id, by_source, by_oper, time, change)
		VALUES (?, ?, ?, ?, ?)
	`, maskID, by.Source, by.Oper, time.Now().Unix(), change)
	if err != nil {
		return fmt.Errorf("failed to record change: %w", err)
	}
	return nil
}

// AddMask inserts a new enabled mask with the default WARN type and
// records the "add" change. The returned id is never reused.
func (s *Store) AddMask(ctx context.Context, raw, reason string, by Actor) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO masks (mask, type, enabled, reason, hits)
		VALUES (?, ?, 1, ?, 0)
	`, raw, int(mask.Warn), reason)
	if err != nil {
		return 0, fmt.Errorf("failed to insert mask: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get mask id: %w", err)
	}

	if err := addChange(tx, id, by, "add"); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return id, nil
}

// GetMask retrieves a mask by id.
func (s *Store) GetMask(ctx context.Context, id int64) (*Mask, error) {
	m := &Mask{ID: id}
	var mtype int
	err := s.db.QueryRowContext(ctx, `
		SELECT mask, type, enabled, COALESCE(reason, ''), hits, last_hit, expire
		FROM masks
		WHERE id = ?
	`, id).Scan(&m.Mask, &mtype, &m.Enabled, &m.Reason, &m.Hits, &m.LastHit, &m.Expire)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mask %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mask %d: %w", id, err)
	}
	m.Type = mask.Type(mtype)
	return m, nil
}

// HasMask reports whether a mask id exists.
func (s *Store) HasMask(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM masks WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check mask %d: %w", id, err)
	}
	return true, nil
}

// ListEnabled returns the enabled masks in ascending id order.
func (s *Store) ListEnabled(ctx context.Context) ([]EnabledMask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mask
		FROM masks
		WHERE enabled = 1
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled masks: %w", err)
	}
	defer rows.Close()

	var masks []EnabledMask
	for rows.Next() {
		var m EnabledMask
		if err := rows.Scan(&m.ID, &m.Mask); err != nil {
			return nil, fmt.Errorf("failed to scan mask: %w", err)
		}
		masks = append(masks, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating masks: %w", err)
	}
	return masks, nil
}

// ToggleMask flips a mask's enabled state, records the change, and
// returns the new state.
func (s *Store) ToggleMask(ctx context.Context, id int64, by Actor) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var enabled bool
	err = tx.QueryRow("SELECT enabled FROM masks WHERE id = ?", id).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("mask %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to get mask %d: %w", id, err)
	}

	enabled = !enabled
	if _, err := tx.Exec("UPDATE masks SET enabled = ? WHERE id = ?", enabled, id); err != nil {
		return false, fmt.Errorf("failed to toggle mask %d: %w", id, err)
	}

	change := "disabled"
	if enabled {
		change = "enabled"
	}
	if err := addChange(tx, id, by, change); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return enabled, nil
}

// SetMaskType updates a mask's type. The change text is supplied by the
// caller: "type LETHAL" for an operator retype, "expire to WARN" for the
// expiry downgrade.
func (s *Store) SetMaskType(ctx context.Context, id int64, t mask.Type, by Actor, change string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("UPDATE masks SET type = ? WHERE id = ?", int(t), id)
	if err != nil {
		return fmt.Errorf("failed to set type of mask %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("mask %d: %w", id, ErrNotFound)
	}

	if err := addChange(tx, id, by, change); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// SetMaskExpire updates a mask's expiry. A NULL expire clears it; spec
// is the operator-facing timespec recorded in the change log ("+1w2d",
// "~1d", or empty when clearing).
func (s *Store) SetMaskExpire(ctx context.Context, id int64, expire sql.NullInt64, by Actor, spec string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("UPDATE masks SET expire = ? WHERE id = ?", expire, id)
	if err != nil {
		return fmt.Errorf("failed to set expiry of mask %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("mask %d: %w", id, ErrNotFound)
	}

	change := "expire"
	if spec != "" {
		change = "expire " + spec
	}
	if err := addChange(tx, id, by, change); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// HitMask increments a mask's hit counter and stamps last_hit. The
// single-statement UPDATE makes concurrent hits safe.
func (s *Store) HitMask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE masks
		SET hits = hits + 1, last_hit = ?
		WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to hit mask %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("mask %d: %w", id, ErrNotFound)
	}
	return nil
}

// Changes returns a mask's change log, oldest first.
func (s *Store) Changes(ctx context.Context, id int64) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mask_id, by_source, COALESCE(by_oper, ''), time, change
		FROM changes
		WHERE mask_id = ?
		ORDER BY time ASC, rowid ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes for mask %d: %w", id, err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.MaskID, &c.BySource, &c.ByOper, &c.Time, &c.Change); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}
	return changes, nil
}
