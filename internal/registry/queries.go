package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"shopwatch/internal/shop"
	logx "shopwatch/pkg/logx"
)

var ErrInvalidSubscription = errors.New("invalid subscription")

type recipientRow struct {
	ID         string        `db:"id"`
	Token      string        `db:"token"`
	Platform   string        `db:"platform"`
	Active     bool          `db:"active"`
	Weather    bool          `db:"weather"`
	Vendor     bool          `db:"vendor"`
	CreatedAt  int64         `db:"created_at"`
	LastUsedAt sql.NullInt64 `db:"last_used_at"`
}

type subscriptionRow struct {
	Kind  string `db:"kind"`
	Value string `db:"value"`
}

// normalizeSubscriptions slugs item names, validates categories and removes duplicates.
func normalizeSubscriptions(in Subscriptions) (Subscriptions, error) {
	out := Subscriptions{Weather: in.Weather, Vendor: in.Vendor}
	seen := map[string]bool{}
	for _, it := range in.Items {
		id := shop.Slug(it)
		if id == "" {
			return Subscriptions{}, fmt.Errorf("%w: empty item %q", ErrInvalidSubscription, it)
		}
		if !seen["i:"+id] {
			seen["i:"+id] = true
			out.Items = append(out.Items, id)
		}
	}
	for _, c := range in.Categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if !shop.IsCategory(c) {
			return Subscriptions{}, fmt.Errorf("%w: unknown category %q", ErrInvalidSubscription, c)
		}
		if !seen["c:"+c] {
			seen["c:"+c] = true
			out.Categories = append(out.Categories, c)
		}
	}
	sort.Strings(out.Items)
	sort.Strings(out.Categories)
	return out, nil
}

// Register creates a recipient or re-activates the one holding token, replacing its
// subscriptions.
func (s *Store) Register(ctx context.Context, token, platform string, subs Subscriptions) (Record, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Record{}, ErrInvalidToken
	}
	subs, err := normalizeSubscriptions(subs)
	if err != nil {
		return Record{}, err
	}

	var id string
	register := func(ctx context.Context) error {
		now := unix(s.now())
		ex := s.exec(ctx)
		err := ex.GetContext(ctx, &id, s.q(`SELECT id FROM recipients WHERE token = ?`), token)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id = uuid.NewString()
			_, err = ex.ExecContext(ctx, s.q(`INSERT INTO recipients
				(id, token, platform, active, weather, vendor, created_at, updated_at)
				VALUES (?, ?, ?, 1, ?, ?, ?, ?)`),
				id, token, platform, boolInt(subs.Weather), boolInt(subs.Vendor), now, now)
		case err == nil:
			_, err = ex.ExecContext(ctx, s.q(`UPDATE recipients
				SET platform = ?, active = 1, weather = ?, vendor = ?, updated_at = ?, deactivated_at = NULL
				WHERE id = ?`),
				platform, boolInt(subs.Weather), boolInt(subs.Vendor), now, id)
		}
		if err != nil {
			return err
		}
		return s.replaceSubscriptions(ctx, id, subs)
	}

	err = s.withTransaction(ctx, register)
	if isUniqueViolation(err) {
		// Lost an insert race for the same token; the second pass updates.
		err = s.withTransaction(ctx, register)
	}
	if err != nil {
		return Record{}, fmt.Errorf("register recipient: %w", err)
	}
	s.log.Debug("recipient registered", logx.String("id", id), logx.Int("items", len(subs.Items)), logx.Int("categories", len(subs.Categories)))
	return s.Get(ctx, id)
}

// SetSubscriptions replaces a recipient's subscriptions.
func (s *Store) SetSubscriptions(ctx context.Context, id string, subs Subscriptions) error {
	subs, err := normalizeSubscriptions(subs)
	if err != nil {
		return err
	}
	return s.withTransaction(ctx, func(ctx context.Context) error {
		res, err := s.exec(ctx).ExecContext(ctx, s.q(`UPDATE recipients SET weather = ?, vendor = ?, updated_at = ? WHERE id = ?`),
			boolInt(subs.Weather), boolInt(subs.Vendor), unix(s.now()), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return s.replaceSubscriptions(ctx, id, subs)
	})
}

func (s *Store) replaceSubscriptions(ctx context.Context, id string, subs Subscriptions) error {
	ex := s.exec(ctx)
	if _, err := ex.ExecContext(ctx, s.q(`DELETE FROM subscriptions WHERE recipient_id = ?`), id); err != nil {
		return err
	}
	ins := s.q(`INSERT INTO subscriptions (kind, value, recipient_id) VALUES (?, ?, ?)`)
	for _, it := range subs.Items {
		if _, err := ex.ExecContext(ctx, ins, kindItem, it, id); err != nil {
			return err
		}
	}
	for _, c := range subs.Categories {
		if _, err := ex.ExecContext(ctx, ins, kindCategory, c, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	var row recipientRow
	err := s.exec(ctx).GetContext(ctx, &row, s.q(`SELECT id, token, platform, active, weather, vendor, created_at, last_used_at
		FROM recipients WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	var subs []subscriptionRow
	if err := s.exec(ctx).SelectContext(ctx, &subs, s.q(`SELECT kind, value FROM subscriptions WHERE recipient_id = ? ORDER BY kind, value`), id); err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:        row.ID,
		Token:     row.Token,
		Platform:  row.Platform,
		Active:    row.Active,
		CreatedAt: time.Unix(row.CreatedAt, 0).UTC(),
		Subscriptions: Subscriptions{
			Items:      []string{},
			Categories: []string{},
			Weather:    row.Weather,
			Vendor:     row.Vendor,
		},
	}
	if row.LastUsedAt.Valid {
		t := time.Unix(row.LastUsedAt.Int64, 0).UTC()
		rec.LastUsedAt = &t
	}
	for _, sr := range subs {
		switch sr.Kind {
		case kindItem:
			rec.Subscriptions.Items = append(rec.Subscriptions.Items, sr.Value)
		case kindCategory:
			rec.Subscriptions.Categories = append(rec.Subscriptions.Categories, sr.Value)
		}
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withTransaction(ctx, func(ctx context.Context) error {
		ex := s.exec(ctx)
		if _, err := ex.ExecContext(ctx, s.q(`DELETE FROM subscriptions WHERE recipient_id = ?`), id); err != nil {
			return err
		}
		res, err := ex.ExecContext(ctx, s.q(`DELETE FROM recipients WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ByItem returns active recipients subscribed to the item id.
func (s *Store) ByItem(ctx context.Context, itemID string) ([]Recipient, error) {
	return s.bySubscription(ctx, kindItem, itemID)
}

// ByCategory returns active recipients subscribed to a whole category.
func (s *Store) ByCategory(ctx context.Context, category string) ([]Recipient, error) {
	return s.bySubscription(ctx, kindCategory, category)
}

func (s *Store) bySubscription(ctx context.Context, kind, value string) ([]Recipient, error) {
	var out []Recipient
	err := s.exec(ctx).SelectContext(ctx, &out, s.q(`SELECT r.id, r.token
		FROM recipients r
		INNER JOIN subscriptions sub ON sub.recipient_id = r.id
		WHERE sub.kind = ? AND sub.value = ? AND r.active = 1
		ORDER BY r.id`), kind, value)
	return out, err
}

func (s *Store) ForWeather(ctx context.Context) ([]Recipient, error) {
	var out []Recipient
	err := s.exec(ctx).SelectContext(ctx, &out, s.q(`SELECT id, token FROM recipients WHERE active = 1 AND weather = 1 ORDER BY id`))
	return out, err
}

func (s *Store) ForVendor(ctx context.Context) ([]Recipient, error) {
	var out []Recipient
	err := s.exec(ctx).SelectContext(ctx, &out, s.q(`SELECT id, token FROM recipients WHERE active = 1 AND vendor = 1 ORDER BY id`))
	return out, err
}

// MarkInactive deactivates recipients; they stop receiving notifications until they
// register again.
func (s *Store) MarkInactive(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := unix(s.now())
	query, args, err := s.in(`UPDATE recipients SET active = 0, deactivated_at = ?, updated_at = ? WHERE active = 1 AND id IN (?)`, now, now, ids)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark inactive: %w", err)
	}
	n, _ := res.RowsAffected()
	s.log.Info("recipients deactivated", logx.Int64("count", n))
	return nil
}

func (s *Store) TouchLastUsed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := s.in(`UPDATE recipients SET last_used_at = ? WHERE id IN (?)`, unix(at), ids)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx).ExecContext(ctx, query, args...)
	return err
}

// PruneInactive deletes recipients deactivated before cutoff.
func (s *Store) PruneInactive(ctx context.Context, cutoff time.Time) (int, error) {
	var ids []string
	err := s.withTransaction(ctx, func(ctx context.Context) error {
		ex := s.exec(ctx)
		if err := ex.SelectContext(ctx, &ids, s.q(`SELECT id FROM recipients WHERE active = 0 AND deactivated_at IS NOT NULL AND deactivated_at < ?`), unix(cutoff)); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		query, args, err := s.in(`DELETE FROM subscriptions WHERE recipient_id IN (?)`, ids)
		if err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		query, args, err = s.in(`DELETE FROM recipients WHERE id IN (?)`, ids)
		if err != nil {
			return err
		}
		_, err = ex.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune inactive recipients: %w", err)
	}
	return len(ids), nil
}

type Counts struct {
	Active   int `json:"active" db:"active"`
	Inactive int `json:"inactive" db:"inactive"`
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.exec(ctx).GetContext(ctx, &c, `SELECT
		COALESCE(SUM(CASE WHEN active = 1 THEN 1 ELSE 0 END), 0) AS active,
		COALESCE(SUM(CASE WHEN active = 0 THEN 1 ELSE 0 END), 0) AS inactive
		FROM recipients`)
	return c, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
