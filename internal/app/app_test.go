package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sdexindexer/internal/alerting"
	"sdexindexer/internal/archival"
	"sdexindexer/internal/config"
	"sdexindexer/internal/health"
	"sdexindexer/internal/model"
)

func newTestApp() *App {
	cfg := &config.Config{
		Archival: config.ArchivalConfig{Mode: "delete", BatchSize: 100, KeepLedgers: 1000},
	}
	a := NewApp(cfg, "", zerolog.Nop())
	a.Out = &bytes.Buffer{}
	return a
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.notes = append(r.notes, n)
	return nil
}

func TestArchivalPolicyFollowsPublishedConfig(t *testing.T) {
	a := newTestApp()
	if p := a.archivalPolicy(); p.BatchSize != 100 || p.KeepLedgers != 1000 || p.Mode != archival.ModeDelete {
		t.Fatalf("unexpected initial policy: %+v", p)
	}

	a.publishArchivalConfig(config.ArchivalConfig{Mode: "table", BatchSize: 50, KeepLedgers: 10, MinLedger: 7})
	p := a.archivalPolicy()
	if p.Mode != archival.ModeTable || p.BatchSize != 50 || p.KeepLedgers != 10 || p.MinLedger != 7 {
		t.Fatalf("expected reloaded policy, got %+v", p)
	}
}

func TestNotifyArchivalFailureUsesPartialProgress(t *testing.T) {
	a := newTestApp()
	rec := &recordingNotifier{}
	err := &archival.Error{CompletedBatches: 2, RowsArchived: 200, Err: errors.New("boom")}

	a.notifyArchivalFailure(context.Background(), rec, archival.Report{RunID: "r1", Horizon: 55}, err)
	if len(rec.notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(rec.notes))
	}
	fields := rec.notes[0].Fields
	if fields["completed_batches"] != "2" || fields["rows_archived"] != "200" || fields["horizon"] != "55" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestNotifyHealthChange(t *testing.T) {
	a := newTestApp()
	rec := &recordingNotifier{}
	now := time.Now().UTC()
	next := health.Report{
		Status:    health.StatusUnhealthy,
		Timestamp: now,
		Metrics: []health.HealthMetric{
			{Component: health.ComponentDatabase, Status: health.StatusUnhealthy, Timestamp: now},
			{Component: health.ComponentCache, Status: health.StatusNotConfigured, Timestamp: now},
		},
	}

	a.notifyHealthChange(rec)(health.Report{Status: health.StatusHealthy}, next)
	if len(rec.notes) != 1 || rec.notes[0].Kind != alerting.KindHealthDegraded {
		t.Fatalf("unexpected notifications: %+v", rec.notes)
	}
	if rec.notes[0].Fields["component.database"] != "unhealthy" {
		t.Fatalf("missing component status: %v", rec.notes[0].Fields)
	}
}

func TestIgnoreCanceled(t *testing.T) {
	if ignoreCanceled(context.Canceled) != nil {
		t.Fatal("context.Canceled should be swallowed")
	}
	if ignoreCanceled(fmt.Errorf("wrapped: %w", context.Canceled)) != nil {
		t.Fatal("wrapped context.Canceled should be swallowed")
	}
	if ignoreCanceled(errors.New("x")) == nil {
		t.Fatal("other errors must pass through")
	}
}

func TestSimulateAlertRequiresAlerting(t *testing.T) {
	a := newTestApp()
	if err := a.SimulateAlert(context.Background(), string(alerting.KindArchivalFailure)); err == nil {
		t.Fatal("expected error when alerting disabled")
	}

	a.Config.Alerting.Enabled = true
	if err := a.SimulateAlert(context.Background(), "nonsense"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if err := a.SimulateAlert(context.Background(), string(alerting.KindHealthDegraded)); err != nil {
		t.Fatalf("log notifier should accept simulated alert: %v", err)
	}
}

func sampleOffers(n int) []model.Offer {
	out := make([]model.Offer, 0, n)
	for i := n; i >= 1; i-- {
		out = append(out, model.Offer{
			ID:                 uint64(i),
			Seller:             "GSELLER",
			Selling:            model.NativeAsset(),
			Buying:             model.CreditAsset(model.AssetCreditAlphanum4, "USD", "GABCDEFGHIJKLMNOP"),
			Amount:             "1.0000000",
			Price:              "0.5",
			PriceN:             int32(i),
			PriceD:             2,
			LastModifiedLedger: uint64(100 + i),
		})
	}
	return out
}

func TestDownsampleOffers(t *testing.T) {
	offers := sampleOffers(10)
	sortByLedger(offers)
	if offers[0].LastModifiedLedger != 101 {
		t.Fatalf("expected ascending ledgers, got %d first", offers[0].LastModifiedLedger)
	}

	got := downsampleOffers(offers, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 points, got %d", len(got))
	}
	if got[0].ID != offers[0].ID || got[3].ID != offers[9].ID {
		t.Fatal("downsampling must keep both endpoints")
	}
	if len(downsampleOffers(offers, 0)) != 10 || len(downsampleOffers(offers, 20)) != 10 {
		t.Fatal("no downsampling expected")
	}
	if one := downsampleOffers(offers, 1); len(one) != 1 || one[0].ID != offers[9].ID {
		t.Fatalf("single point should be the newest offer, got %+v", one)
	}
}

func TestWriteOffersCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "offers.csv")
	if err := writeOffersCSV(path, sampleOffers(3)); err != nil {
		t.Fatalf("writeOffersCSV: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 || rows[0][0] != "id" {
		t.Fatalf("unexpected csv: %v", rows)
	}
	if rows[1][3] != "USD:GABCDEFGHIJKLMNOP" || rows[1][5] != "1.5" {
		t.Fatalf("unexpected first record: %v", rows[1])
	}
}

func TestWriteOffersPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offers.png")
	offers := sampleOffers(5)
	sortByLedger(offers)
	if err := writeOffersPNG(path, "XLM / USD", offers); err != nil {
		t.Fatalf("writeOffersPNG: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected non-empty png, err=%v", err)
	}
	if err := writeOffersPNG(path, "x", offers[:1]); err == nil {
		t.Fatal("expected error for a single point")
	}
}

func TestWriteOffersTable(t *testing.T) {
	var buf bytes.Buffer
	offers := sampleOffers(1)
	at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	offers[0] = offers[0].WithLastModifiedTime(at)

	writeOffersTable(&buf, offers)
	out := buf.String()
	for _, want := range []string{"ID", "XLM", "USD:GABC…MNOP", "0.5000000", "2024-02-03T04:05:06Z"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}
