// Package processor enriches one (code, zone) entry and persists the result.
package processor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/stockq/internal/domain"
	"github.com/SirClappington/stockq/internal/enrich"
	"github.com/SirClappington/stockq/internal/storage"
)

var ErrInvalidEntry = errors.New("entry needs both code and zone")

// Repository is the subset of storage.Store the processor writes to.
type Repository interface {
	TouchLookup(ctx context.Context, e domain.Entry, at time.Time) error
	UpsertItem(ctx context.Context, it storage.Item) (int64, error)
	UpsertStore(ctx context.Context, st storage.StoreInfo, motherZone string) error
	UpsertStoreItem(ctx context.Context, si storage.StoreItem) (bool, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, e domain.Entry) (*enrich.Result, error)
}

type Processor struct {
	repo  Repository
	fetch Fetcher
	log   *zap.Logger
	now   func() time.Time
}

func New(repo Repository, fetch Fetcher, log *zap.Logger) *Processor {
	return &Processor{repo: repo, fetch: fetch, log: log, now: time.Now}
}

// Process runs one entry end to end. A nil error means the entry succeeded;
// every failure is logged here and returned, none is fatal to the caller.
func (p *Processor) Process(ctx context.Context, e domain.Entry) error {
	if !e.Valid() {
		p.log.Info("skipping entry with missing code or zone", zap.String("code", e.Code), zap.String("zone", e.Zone))
		return ErrInvalidEntry
	}
	err := p.process(ctx, e)
	if err != nil {
		p.log.Warn("entry failed", zap.String("code", e.Code), zap.String("zone", e.Zone), zap.Error(err))
		return err
	}
	p.log.Debug("entry processed", zap.String("code", e.Code), zap.String("zone", e.Zone))
	return nil
}

func (p *Processor) process(ctx context.Context, e domain.Entry) error {
	if err := p.repo.TouchLookup(ctx, e, p.now().UTC()); err != nil {
		return err
	}

	res, err := p.fetch.Fetch(ctx, e)
	if err != nil {
		return err
	}

	d := res.ItemDetails
	itemID, err := p.repo.UpsertItem(ctx, storage.Item{
		Code:     e.Code,
		Name:     d.Name,
		MSRP:     d.MSRP,
		ImageURL: d.ImageURL,
		URL:      d.URL,
	})
	if err != nil {
		return err
	}

	for _, st := range res.Stores {
		id := int64(st.ID)
		if err := p.repo.UpsertStore(ctx, storage.StoreInfo{
			ID:      id,
			Address: st.Address,
			City:    st.City,
			State:   st.State,
			Zip:     st.Zip,
			URL:     st.StoreURL,
		}, e.Zone); err != nil {
			return err
		}
		appended, err := p.repo.UpsertStoreItem(ctx, storage.StoreItem{
			StoreID:    id,
			ItemID:     itemID,
			Price:      st.Price,
			SalesFloor: st.SalesFloor,
			BackRoom:   st.BackRoom,
			Aisles:     st.AislesText(),
		})
		if err != nil {
			return err
		}
		if appended {
			p.log.Info("price changed", zap.String("code", e.Code), zap.Int64("store", id), zap.Float64("price", st.Price))
		}
	}
	return nil
}
