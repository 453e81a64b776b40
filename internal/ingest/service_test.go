package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sdexindexer/internal/horizon"
	"sdexindexer/internal/model"
	"sdexindexer/internal/storage"
)

type fakeSource struct {
	pages      [][]model.RawOffer
	cursors    []string
	fetchErr   error
	closeTimes map[uint64]time.Time
	closeErr   error
	lookups    int
}

func (f *fakeSource) FetchOffers(_ context.Context, cursor string, limit int) (horizon.Page, error) {
	f.cursors = append(f.cursors, cursor)
	if f.fetchErr != nil {
		return horizon.Page{}, f.fetchErr
	}
	idx := len(f.cursors) - 1
	if idx >= len(f.pages) {
		return horizon.Page{NextCursor: cursor}, nil
	}
	records := f.pages[idx]
	next := cursor
	if len(records) > 0 {
		next = records[len(records)-1].PagingToken
	}
	return horizon.Page{Records: records, NextCursor: next}, nil
}

func (f *fakeSource) LedgerCloseTime(_ context.Context, seq uint64) (time.Time, error) {
	f.lookups++
	if f.closeErr != nil {
		return time.Time{}, f.closeErr
	}
	at, ok := f.closeTimes[seq]
	if !ok {
		return time.Time{}, fmt.Errorf("ledger %d not found", seq)
	}
	return at, nil
}

type fakeStore struct {
	mu        sync.Mutex
	upserted  []model.Offer
	upsertErr error
	reject    map[uint64]bool
	calls     int
	cursor    string
	saved     []string
	missing   []model.Offer
	times     map[uint64]time.Time
	locked    bool
	lockCalls int
}

func (f *fakeStore) UpsertOffers(_ context.Context, offers []model.Offer) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	// one refused row fails the whole batch, as a transaction would
	for _, o := range offers {
		if f.reject[o.ID] {
			return 0, fmt.Errorf("upsert offer %d: %w", o.ID, storage.ErrRejectedOffer)
		}
	}
	f.upserted = append(f.upserted, offers...)
	return int64(len(offers)), nil
}

func (f *fakeStore) ListOffersMissingTime(_ context.Context, limit int) ([]model.Offer, error) {
	if len(f.missing) > limit {
		return f.missing[:limit], nil
	}
	return f.missing, nil
}

func (f *fakeStore) SetLastModifiedTime(_ context.Context, offer model.Offer, at time.Time) error {
	if f.times == nil {
		f.times = map[uint64]time.Time{}
	}
	f.times[offer.ID] = at
	return nil
}

func (f *fakeStore) LoadCursor(context.Context, string) (string, error) {
	return f.cursor, nil
}

func (f *fakeStore) SaveCursor(_ context.Context, _ string, cursor string) error {
	f.cursor = cursor
	f.saved = append(f.saved, cursor)
	return nil
}

func (f *fakeStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	f.lockCalls++
	if f.locked {
		return nil, false, nil
	}
	return func() {}, true, nil
}

func rawOffer(id int, ledger uint64) model.RawOffer {
	token := strconv.Itoa(id)
	return model.RawOffer{
		ID:                 token,
		PagingToken:        token,
		Seller:             "GSELLER",
		Selling:            map[string]any{"asset_type": "native"},
		Buying:             map[string]any{"asset_type": "credit_alphanum4", "asset_code": "USD", "asset_issuer": "GISSUER"},
		Amount:             "1.0000000",
		PriceR:             &model.PriceRatio{N: 1, D: 2},
		Price:              "0.5000000",
		LastModifiedLedger: ledger,
	}
}

func fullPage(start, n int, ledger uint64) []model.RawOffer {
	out := make([]model.RawOffer, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, rawOffer(start+i, ledger))
	}
	return out
}

func newTestService(opts Options, src *fakeSource, store *fakeStore) *Service {
	return New(opts, nil, src, store, store, zerolog.Nop())
}

func TestProcessTickPagesAndSavesCursor(t *testing.T) {
	src := &fakeSource{pages: [][]model.RawOffer{fullPage(1, 3, 10), fullPage(4, 3, 11)}}
	store := &fakeStore{cursor: "0"}
	svc := newTestService(Options{PageLimit: 3, MaxPages: 2}, src, store)

	stats, err := svc.ProcessTick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if stats.Pages != 2 || stats.Fetched != 6 || stats.Upserted != 6 || stats.Wrapped {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if store.cursor != "6" {
		t.Fatalf("expected cursor 6, got %q", store.cursor)
	}
	if src.cursors[0] != "0" || src.cursors[1] != "3" {
		t.Fatalf("unexpected request cursors: %v", src.cursors)
	}
}

func TestProcessTickQuarantinesInvalidRecords(t *testing.T) {
	bad := rawOffer(2, 10)
	bad.Selling = map[string]any{"asset_type": "liquidity_pool_shares"}
	noID := rawOffer(3, 10)
	noID.ID = "abc"

	src := &fakeSource{pages: [][]model.RawOffer{{rawOffer(1, 10), bad, noID, rawOffer(4, 10)}}}
	store := &fakeStore{}
	svc := newTestService(Options{PageLimit: 10, MaxPages: 1}, src, store)

	stats, err := svc.ProcessTick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if stats.Normalized != 2 || stats.Quarantined != 2 || stats.Upserted != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if store.upserted[0].ID != 1 || store.upserted[1].ID != 4 {
		t.Fatalf("unexpected upserted ids: %+v", store.upserted)
	}
}

func TestProcessTickSurvivesOddRecordsFromHorizon(t *testing.T) {
	page := `{"_embedded":{"records":[
		{"id":"1","paging_token":"1","seller":"G","selling":{"asset_type":"native"},"buying":{"asset_type":"native"},"amount":"1","price_r":{"n":1,"d":1},"price":"1","last_modified_ledger":10},
		{"id":"2","paging_token":"2","seller":"G","selling":"native","buying":{"asset_type":"native"},"amount":"1","price":"1","last_modified_ledger":10},
		{"id":"3","paging_token":"3","seller":"G","selling":{"asset_type":"native"},"buying":{"asset_type":"native"},"amount":"1","price_r":{"n":1.5,"d":1},"price":"1.5","last_modified_ledger":10}
	]}}`
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.Query().Get("cursor"))
		if len(requested) > 1 {
			_, _ = w.Write([]byte(`{"_embedded":{"records":[]}}`))
			return
		}
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	client := horizon.NewClient(horizon.Options{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	store := &fakeStore{cursor: "0"}
	svc := New(Options{PageLimit: 3, MaxPages: 2}, nil, client, store, store, zerolog.Nop())

	stats, err := svc.ProcessTick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if stats.Fetched != 3 || stats.Normalized != 1 || stats.Quarantined != 2 || stats.Upserted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(store.upserted) != 1 || store.upserted[0].ID != 1 {
		t.Fatalf("expected offer 1 persisted, got %+v", store.upserted)
	}
	if len(store.saved) == 0 || store.saved[0] != "3" {
		t.Fatalf("cursor should move past the page, saved=%v", store.saved)
	}
	if len(requested) != 2 || requested[1] != "3" {
		t.Fatalf("second request should start after the page, got %v", requested)
	}
}

func TestProcessTickQuarantinesRowsRefusedByStore(t *testing.T) {
	src := &fakeSource{pages: [][]model.RawOffer{fullPage(1, 3, 10)}}
	store := &fakeStore{cursor: "0", reject: map[uint64]bool{2: true}}
	svc := newTestService(Options{PageLimit: 3, MaxPages: 1}, src, store)

	stats, err := svc.ProcessTick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if stats.Normalized != 2 || stats.Quarantined != 1 || stats.Upserted != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(store.upserted) != 2 || store.upserted[0].ID != 1 || store.upserted[1].ID != 3 {
		t.Fatalf("unexpected upserted offers: %+v", store.upserted)
	}
	if store.calls != 4 {
		t.Fatalf("expected one batch then three single-row writes, got %d calls", store.calls)
	}
	if store.cursor != "3" {
		t.Fatalf("cursor should advance past the page, got %q", store.cursor)
	}
}

func TestProcessTickWrapsCursorOnShortPage(t *testing.T) {
	src := &fakeSource{pages: [][]model.RawOffer{fullPage(1, 2, 10)}}
	store := &fakeStore{cursor: "100"}
	svc := newTestService(Options{PageLimit: 5, MaxPages: 3}, src, store)

	stats, err := svc.ProcessTick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if !stats.Wrapped || stats.Pages != 1 {
		t.Fatalf("expected wrap after one short page, got %+v", stats)
	}
	if store.cursor != "" {
		t.Fatalf("expected cursor reset, got %q", store.cursor)
	}
}

func TestProcessTickUpsertFailureKeepsCursor(t *testing.T) {
	src := &fakeSource{pages: [][]model.RawOffer{fullPage(1, 3, 10)}}
	store := &fakeStore{cursor: "0", upsertErr: errors.New("db down")}
	svc := newTestService(Options{PageLimit: 3, MaxPages: 1}, src, store)

	if _, err := svc.ProcessTick(context.Background(), time.Now()); err == nil {
		t.Fatal("expected upsert error")
	}
	if len(store.saved) != 0 || store.cursor != "0" {
		t.Fatalf("cursor must not advance on failure, saved=%v", store.saved)
	}
}

func TestProcessTickFetchError(t *testing.T) {
	src := &fakeSource{fetchErr: errors.New("timeout")}
	store := &fakeStore{}
	svc := newTestService(Options{PageLimit: 3, MaxPages: 1}, src, store)

	if _, err := svc.ProcessTick(context.Background(), time.Now()); err == nil {
		t.Fatal("expected fetch error")
	}
}

func TestProcessTickSkipsWhenLocked(t *testing.T) {
	src := &fakeSource{pages: [][]model.RawOffer{fullPage(1, 3, 10)}}
	store := &fakeStore{locked: true}
	svc := newTestService(Options{PageLimit: 3, MaxPages: 1, LockKey: 7}, src, store)

	stats, err := svc.ProcessTick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if store.lockCalls != 1 || len(src.cursors) != 0 || stats.Pages != 0 {
		t.Fatalf("expected skipped tick, lockCalls=%d fetches=%d", store.lockCalls, len(src.cursors))
	}
}

func TestProcessTickResolvesLedgerTimesWithCache(t *testing.T) {
	closed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	page := append(fullPage(1, 3, 10), rawOffer(4, 99))
	src := &fakeSource{
		pages:      [][]model.RawOffer{page},
		closeTimes: map[uint64]time.Time{10: closed},
	}
	store := &fakeStore{}
	svc := newTestService(Options{PageLimit: 10, MaxPages: 1, ResolveLedgerTimes: true}, src, store)

	if _, err := svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if src.lookups != 2 {
		t.Fatalf("expected 2 lookups (one cached ledger, one failure), got %d", src.lookups)
	}
	for _, o := range store.upserted {
		switch o.LastModifiedLedger {
		case 10:
			if o.LastModifiedTime == nil || !o.LastModifiedTime.Equal(closed) {
				t.Fatalf("expected close time on offer %d", o.ID)
			}
		case 99:
			if o.LastModifiedTime != nil {
				t.Fatalf("expected unresolved time on offer %d", o.ID)
			}
		}
	}
}

func TestBackfillTimes(t *testing.T) {
	closed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{closeTimes: map[uint64]time.Time{10: closed}}
	store := &fakeStore{missing: []model.Offer{
		{ID: 1, LastModifiedLedger: 10},
		{ID: 2, LastModifiedLedger: 10},
		{ID: 3, LastModifiedLedger: 11},
	}}
	svc := newTestService(Options{}, src, store)

	filled, err := svc.BackfillTimes(context.Background(), 10)
	if err != nil {
		t.Fatalf("BackfillTimes: %v", err)
	}
	if filled != 2 || len(store.times) != 2 {
		t.Fatalf("expected 2 filled, got %d", filled)
	}
	if src.lookups != 2 {
		t.Fatalf("expected cached lookup per ledger, got %d", src.lookups)
	}
}

func TestBackfillTimesAllLookupsFail(t *testing.T) {
	src := &fakeSource{closeErr: errors.New("horizon down")}
	store := &fakeStore{missing: []model.Offer{{ID: 1, LastModifiedLedger: 10}}}
	svc := newTestService(Options{}, src, store)

	if _, err := svc.BackfillTimes(context.Background(), 10); err == nil {
		t.Fatal("expected error when every lookup fails")
	}
	if _, err := svc.BackfillTimes(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestRunWithoutScheduler(t *testing.T) {
	svc := newTestService(Options{}, &fakeSource{}, &fakeStore{})
	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected error without scheduler")
	}
}
