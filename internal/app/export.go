package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"sdexindexer/internal/model"
	"sdexindexer/internal/storage"
)

// Export writes a trading pair's stored offers as CSV and/or a PNG chart of
// price against ledger.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	selling, err := model.ParseAssetString(opts.Selling)
	if err != nil {
		return err
	}
	buying, err := model.ParseAssetString(opts.Buying)
	if err != nil {
		return err
	}

	maxPoints := a.Config.ResolveMaxPoints(opts.MaxPoints)

	db, err := a.connectDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	offers, err := storage.NewStore(db.Pool()).ListOffersForPair(ctx, selling, buying, maxPoints)
	if err != nil {
		return err
	}
	if len(offers) == 0 {
		a.Logger.Info().Str("selling", selling.String()).Str("buying", buying.String()).Msg("no offers found for pair")
		return nil
	}

	sortByLedger(offers)
	downsampled := downsampleOffers(offers, maxPoints)
	a.Logger.Info().Int("total", len(offers)).Int("exported", len(downsampled)).Msg("exporting offers")

	if opts.CSVPath != "" {
		if err := writeOffersCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		title := selling.String() + " / " + buying.String()
		if err := writeOffersPNG(opts.PNGPath, title, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func sortByLedger(offers []model.Offer) {
	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].LastModifiedLedger != offers[j].LastModifiedLedger {
			return offers[i].LastModifiedLedger < offers[j].LastModifiedLedger
		}
		return offers[i].ID < offers[j].ID
	})
}

func downsampleOffers(offers []model.Offer, max int) []model.Offer {
	if max <= 0 || len(offers) <= max {
		return offers
	}
	if max == 1 {
		return offers[len(offers)-1:]
	}

	result := make([]model.Offer, 0, max)
	step := float64(len(offers)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(offers) {
			idx = len(offers) - 1
		}
		result = append(result, offers[idx])
	}
	return result
}

func writeOffersCSV(path string, offers []model.Offer) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"id", "seller", "selling", "buying", "amount", "price", "price_n", "price_d", "last_modified_ledger", "last_modified_time"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, o := range offers {
		modified := ""
		if o.LastModifiedTime != nil {
			modified = o.LastModifiedTime.UTC().Format(time.RFC3339)
		}
		record := []string{
			strconv.FormatUint(o.ID, 10),
			o.Seller,
			o.Selling.String(),
			o.Buying.String(),
			o.Amount,
			o.PriceDecimal().String(),
			strconv.FormatInt(int64(o.PriceN), 10),
			strconv.FormatInt(int64(o.PriceD), 10),
			strconv.FormatUint(o.LastModifiedLedger, 10),
			modified,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeOffersPNG(path, title string, offers []model.Offer) error {
	if len(offers) < 2 {
		return errors.New("at least two offers are required to render a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	ledgers := make([]float64, len(offers))
	prices := make([]float64, len(offers))
	for i, o := range offers {
		ledgers[i] = float64(o.LastModifiedLedger)
		prices[i] = o.PriceDecimal().InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.7f")
	}
	ledgerFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			Name:           "Ledger",
			ValueFormatter: ledgerFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name: "Offer price",
				Style: chart.Style{
					StrokeWidth: chart.Disabled,
					DotWidth:    3,
				},
				XValues: ledgers,
				YValues: prices,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
