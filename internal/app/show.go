package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"sdexindexer/internal/model"
	"sdexindexer/internal/storage"
)

// Show prints the most recently modified offers.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	db, err := a.connectDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	offers, err := storage.NewStore(db.Pool()).ListRecentOffers(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(offers) == 0 {
		a.printf("no offers found\n")
		return nil
	}

	writeOffersTable(a.Out, offers)
	return nil
}

func writeOffersTable(out io.Writer, offers []model.Offer) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSelling\tBuying\tAmount\tPrice\tLedger\tModified (UTC)")

	for _, o := range offers {
		modified := "-"
		if o.LastModifiedTime != nil {
			modified = o.LastModifiedTime.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			o.ID,
			shortAsset(o.Selling),
			shortAsset(o.Buying),
			o.Amount,
			o.PriceDecimal().StringFixed(7),
			o.LastModifiedLedger,
			modified,
		)
	}

	writer.Flush()
}

// shortAsset abbreviates the issuer so the table stays readable.
func shortAsset(asset model.Asset) string {
	if asset.IsNative() {
		return "XLM"
	}
	issuer := asset.Issuer
	if len(issuer) > 8 {
		issuer = issuer[:4] + "…" + issuer[len(issuer)-4:]
	}
	return strings.Join([]string{asset.Code, issuer}, ":")
}
