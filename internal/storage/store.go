package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/stockq/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// NewPool opens a pgx pool and checks connectivity.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return pool, nil
}

type Item struct {
	Code     string
	Name     string
	MSRP     *float64
	ImageURL string
	URL      string
}

type StoreInfo struct {
	ID      int64
	Address string
	City    string
	State   string
	Zip     string
	URL     string
}

type StoreItem struct {
	StoreID    int64
	ItemID     int64
	Price      float64
	SalesFloor int
	BackRoom   int
	Aisles     string
}

// TouchLookup records that (code, zone) was requested at.
func (s *Store) TouchLookup(ctx context.Context, e domain.Entry, at time.Time) error {
	_, err := s.db.Exec(ctx, `insert into lookups(code, zone, seen_at) values ($1,$2,$3)
on conflict (code, zone) do update set seen_at = excluded.seen_at`, e.Code, e.Zone, at)
	return errors.Wrapf(err, "touch lookup %s", e)
}

// UpsertItem writes item metadata, last write wins, and returns the item id.
func (s *Store) UpsertItem(ctx context.Context, it Item) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `insert into items(code, name, msrp, image_url, item_url)
values ($1,$2,$3,$4,$5)
on conflict (code) do update set
  name = excluded.name, msrp = excluded.msrp,
  image_url = excluded.image_url, item_url = excluded.item_url, updated_at = now()
returning id`, it.Code, it.Name, it.MSRP, it.ImageURL, it.URL).Scan(&id)
	return id, errors.Wrapf(err, "upsert item %s", it.Code)
}

// UpsertStore inserts the store once; later calls only move mother_zone.
func (s *Store) UpsertStore(ctx context.Context, st StoreInfo, motherZone string) error {
	_, err := s.db.Exec(ctx, `insert into stores(id, address, city, state, zipcode, mother_zone, store_url)
values ($1,$2,$3,$4,$5,$6,$7)
on conflict (id) do update set mother_zone = excluded.mother_zone`,
		st.ID, st.Address, st.City, st.State, st.Zip, motherZone, st.URL)
	return errors.Wrapf(err, "upsert store %d", st.ID)
}

// UpsertStoreItem writes the association and, when a previous price exists
// and differs, appends the previous price to price_history. It reports
// whether history was appended.
func (s *Store) UpsertStoreItem(ctx context.Context, si StoreItem) (bool, error) {
	var appended bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var prev float64
		err := tx.QueryRow(ctx, `select price from store_items where store_id = $1 and item_id = $2 for update`,
			si.StoreID, si.ItemID).Scan(&prev)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		case prev != si.Price:
			if _, err := tx.Exec(ctx, `insert into price_history(store_id, item_id, price) values ($1,$2,$3)`,
				si.StoreID, si.ItemID, prev); err != nil {
				return err
			}
			appended = true
		}

		_, err = tx.Exec(ctx, `insert into store_items(store_id, item_id, price, sales_floor, back_room, aisles)
values ($1,$2,$3,$4,$5,$6)
on conflict (store_id, item_id) do update set
  price = excluded.price, sales_floor = excluded.sales_floor,
  back_room = excluded.back_room, aisles = excluded.aisles, updated_at = now()`,
			si.StoreID, si.ItemID, si.Price, si.SalesFloor, si.BackRoom, si.Aisles)
		return err
	})
	return appended, errors.Wrapf(err, "upsert store item %d/%d", si.StoreID, si.ItemID)
}

// PriceHistory returns the recorded previous prices, oldest first.
func (s *Store) PriceHistory(ctx context.Context, storeID, itemID int64) ([]float64, error) {
	rows, err := s.db.Query(ctx, `select price from price_history
where store_id = $1 and item_id = $2 order by recorded_at, id`, storeID, itemID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[float64])
}

// StaleLookups returns up to limit pairs last seen before cutoff, oldest first.
func (s *Store) StaleLookups(ctx context.Context, cutoff time.Time, limit int) ([]domain.Entry, error) {
	rows, err := s.db.Query(ctx, `select code, zone from lookups
where seen_at < $1 order by seen_at asc limit $2`, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query stale lookups")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Entry, error) {
		var e domain.Entry
		err := row.Scan(&e.Code, &e.Zone)
		return e, err
	})
}

type SweepResult struct {
	Lookups int64
	Items   int64
}

// SweepOlderThan deletes lookups last seen before cutoff and the items no
// remaining lookup refers to. Store items and price history of deleted items
// go with them.
func (s *Store) SweepOlderThan(ctx context.Context, cutoff time.Time) (SweepResult, error) {
	var res SweepResult
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `delete from lookups where seen_at < $1`, cutoff)
		if err != nil {
			return err
		}
		res.Lookups = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `delete from items i
where not exists (select 1 from lookups l where l.code = i.code)`)
		if err != nil {
			return err
		}
		res.Items = tag.RowsAffected()
		return nil
	})
	return res, errors.Wrap(err, "sweep")
}
