// Package actionlog is the append-only record of completed and attempted skill
// invocations. The pattern detector reads it; nothing in autoskill edits or
// deletes rows except retention pruning.
package actionlog

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"

	"github.com/jingkaihe/autoskill/pkg/clock"
	"github.com/jingkaihe/autoskill/pkg/db"
	"github.com/jingkaihe/autoskill/pkg/db/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Action is one logged invocation.
type Action struct {
	ID               int64     `json:"id"`
	Fingerprint      string    `json:"fingerprint"`
	ShortFingerprint string    `json:"short_fingerprint"`
	Pillar           string    `json:"pillar,omitempty"`
	Tools            []string  `json:"tools"`
	Text             string    `json:"text"`
	Skill            string    `json:"skill,omitempty"`
	Status           string    `json:"status,omitempty"`
	UserConfirmed    *bool     `json:"user_confirmed,omitempty"`
	UserAdjusted     *bool     `json:"user_adjusted,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Query filters actions. Zero values disable a filter.
type Query struct {
	Since              time.Time
	Until              time.Time
	RequireFingerprint bool
	Fingerprint        string
	Pillar             string
	Limit              int
}

// Source is the read side consumed by the pattern detector.
type Source interface {
	Query(ctx context.Context, q Query) ([]Action, error)
}

// Sink is the write side used after each invocation.
type Sink interface {
	Append(ctx context.Context, a Action) (int64, error)
}

type stringList []string

func (l *stringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.Errorf("cannot scan %T into tool list", value)
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

func (l stringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	return string(b), err
}

type dbAction struct {
	ID               int64      `db:"id"`
	Fingerprint      string     `db:"fingerprint"`
	ShortFingerprint string     `db:"short_fingerprint"`
	Pillar           string     `db:"pillar"`
	Tools            stringList `db:"tools"`
	Text             string     `db:"text"`
	Skill            string     `db:"skill"`
	Status           string     `db:"status"`
	UserConfirmed    *bool      `db:"user_confirmed"`
	UserAdjusted     *bool      `db:"user_adjusted"`
	CreatedAt        int64      `db:"created_at"`
}

func fromAction(a Action) dbAction {
	return dbAction{
		Fingerprint:      a.Fingerprint,
		ShortFingerprint: a.ShortFingerprint,
		Pillar:           a.Pillar,
		Tools:            stringList(a.Tools),
		Text:             a.Text,
		Skill:            a.Skill,
		Status:           a.Status,
		UserConfirmed:    a.UserConfirmed,
		UserAdjusted:     a.UserAdjusted,
		CreatedAt:        a.CreatedAt.UnixNano(),
	}
}

func (r dbAction) toAction() Action {
	return Action{
		ID:               r.ID,
		Fingerprint:      r.Fingerprint,
		ShortFingerprint: r.ShortFingerprint,
		Pillar:           r.Pillar,
		Tools:            []string(r.Tools),
		Text:             r.Text,
		Skill:            r.Skill,
		Status:           r.Status,
		UserConfirmed:    r.UserConfirmed,
		UserAdjusted:     r.UserAdjusted,
		CreatedAt:        time.Unix(0, r.CreatedAt).UTC(),
	}
}

// Store is the SQLite-backed action log.
type Store struct {
	db    *sqlx.DB
	clock clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp actions.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

var (
	_ Source = &Store{}
	_ Sink   = &Store{}
)

// Open opens the action log at path and applies pending migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	sqlDB, err := db.OpenMigrated(ctx, path, migrations.All())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open action log")
	}
	s := &Store{db: sqlDB, clock: clock.Real()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records an action. A zero CreatedAt is stamped with the current time.
func (s *Store) Append(ctx context.Context, a Action) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.Now()
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO actions (fingerprint, short_fingerprint, pillar, tools, text, skill, status,
			user_confirmed, user_adjusted, created_at)
		VALUES (:fingerprint, :short_fingerprint, :pillar, :tools, :text, :skill, :status,
			:user_confirmed, :user_adjusted, :created_at)
	`, fromAction(a))
	if err != nil {
		return 0, errors.Wrap(err, "failed to append action")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read action id")
	}
	return id, nil
}

// Query returns matching actions, oldest first.
func (s *Store) Query(ctx context.Context, q Query) ([]Action, error) {
	conditions := []string{}
	args := map[string]any{}

	if !q.Since.IsZero() {
		conditions = append(conditions, "created_at >= :since")
		args["since"] = q.Since.UnixNano()
	}
	if !q.Until.IsZero() {
		conditions = append(conditions, "created_at <= :until")
		args["until"] = q.Until.UnixNano()
	}
	if q.RequireFingerprint {
		conditions = append(conditions, "fingerprint != ''")
	}
	if q.Fingerprint != "" {
		conditions = append(conditions, "fingerprint = :fingerprint")
		args["fingerprint"] = q.Fingerprint
	}
	if q.Pillar != "" {
		conditions = append(conditions, "pillar = :pillar")
		args["pillar"] = q.Pillar
	}

	query := `SELECT id, fingerprint, short_fingerprint, pillar, tools, text, skill, status,
		user_confirmed, user_adjusted, created_at FROM actions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if q.Limit > 0 {
		// Limited queries keep the most recent rows.
		query = "SELECT * FROM (" + query + " ORDER BY created_at DESC, id DESC LIMIT :limit)"
		args["limit"] = q.Limit
	}
	query += " ORDER BY created_at ASC, id ASC"

	named, argv, err := sqlx.Named(query, args)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build named query")
	}

	var rows []dbAction
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(named), argv...); err != nil {
		return nil, errors.Wrap(err, "failed to query actions")
	}

	out := make([]Action, len(rows))
	for i, r := range rows {
		out[i] = r.toAction()
	}
	return out, nil
}

// Prune deletes actions older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM actions WHERE created_at < ?", before.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune actions")
	}
	return res.RowsAffected()
}
