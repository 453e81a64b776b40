package storage

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"sdexindexer/internal/config"
	"sdexindexer/internal/model"
)

func TestMigrationFilesOrdered(t *testing.T) {
	names, err := migrationFiles()
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(names) < 2 {
		t.Fatalf("expected embedded migrations, got %v", names)
	}
	if names[0] != "0001_offers.sql" {
		t.Fatalf("unexpected first migration %q", names[0])
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations not sorted: %v", names)
		}
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	names, err := migrationFiles()
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	for _, name := range names {
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			upper := strings.ToUpper(strings.TrimSpace(line))
			if strings.HasPrefix(upper, "CREATE TABLE") || strings.HasPrefix(upper, "CREATE INDEX") {
				if !strings.Contains(upper, "IF NOT EXISTS") {
					t.Fatalf("%s: DDL must be conditional: %s", name, line)
				}
			}
		}
	}
}

func TestOfferAmountsStoredAsText(t *testing.T) {
	for _, name := range []string{"0001_offers.sql", "0002_offers_archive.sql"} {
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 || (fields[0] != "amount" && fields[0] != "price") {
				continue
			}
			if fields[1] != "TEXT" {
				t.Fatalf("%s: %s must be TEXT to keep upstream strings verbatim, got %s", name, fields[0], fields[1])
			}
		}
	}
	if strings.Contains(offerColumns, "::") {
		t.Fatalf("offer columns must be read back without casts: %s", offerColumns)
	}
}

func TestClassifyWriteError(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		rejected bool
	}{
		{"invalid text representation", &pgconn.PgError{Code: "22P02"}, true},
		{"numeric out of range", &pgconn.PgError{Code: "22003"}, true},
		{"not null violation", &pgconn.PgError{Code: "23502"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, false},
		{"plain error", errors.New("conn closed"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyWriteError(tc.err)
			if errors.Is(err, ErrRejectedOffer) != tc.rejected {
				t.Fatalf("rejected=%v, got %v", tc.rejected, err)
			}
			if !errors.Is(err, tc.err) {
				t.Fatal("original error must stay in the chain")
			}
		})
	}
}

func TestStoreWithoutPool(t *testing.T) {
	var store *Store
	if _, err := store.CountOffers(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	var db *Database
	err := db.HealthCheck(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if err := db.Migrate(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected migration error wrapping ErrNotConfigured, got %v", err)
	}
}

func TestConnectRequiresDSN(t *testing.T) {
	_, err := Connect(context.Background(), config.DatabaseConfig{})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestOfferArgs(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	offer := model.Offer{
		ID:                 42,
		Seller:             "GSELL",
		Selling:            model.NativeAsset(),
		Buying:             model.CreditAsset(model.AssetCreditAlphanum4, "USD", "GISS"),
		Amount:             "10.5",
		Price:              "0.5",
		PriceN:             1,
		PriceD:             2,
		LastModifiedLedger: 99,
	}.WithLastModifiedTime(ts)

	args, err := offerArgs(offer)
	if err != nil {
		t.Fatalf("offer args: %v", err)
	}
	if len(args) != 14 {
		t.Fatalf("expected 14 args, got %d", len(args))
	}
	if args[0].(int64) != 42 || args[2].(string) != "native" || args[6].(string) != "USD" {
		t.Fatalf("unexpected args %v", args)
	}
	if got := args[13].(time.Time); !got.Equal(ts) {
		t.Fatalf("unexpected time arg %v", got)
	}

	offer.ID = math.MaxUint64
	if _, err := offerArgs(offer); err == nil {
		t.Fatal("ids beyond BIGINT must be rejected")
	}
}

func TestStoredAsset(t *testing.T) {
	if a := storedAsset("native", "", ""); !a.IsNative() {
		t.Fatalf("expected native, got %+v", a)
	}
	a := storedAsset("credit_alphanum12", "LONGTOKEN", "GISS")
	if a.Type != model.AssetCreditAlphanum12 || a.Code != "LONGTOKEN" || a.Issuer != "GISS" {
		t.Fatalf("unexpected asset %+v", a)
	}
}
