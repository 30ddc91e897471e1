package pricebot

import (
	"fmt"
	"strings"
	"time"

	"firechat/models"
)

func formatPrice(price float64) string {
	switch {
	case price >= 1000:
		return fmt.Sprintf("$%.0f", price)
	case price >= 1:
		return fmt.Sprintf("$%.2f", price)
	default:
		return fmt.Sprintf("$%.4f", price)
	}
}

func formatChange(change float64) string {
	if change >= 0 {
		return fmt.Sprintf("+%.2f%%", change)
	}
	return fmt.Sprintf("%.2f%%", change)
}

func changeMarker(quote models.Quote) string {
	switch {
	case !quote.HasChange:
		return "•"
	case quote.Change > 0:
		return "▲"
	case quote.Change < 0:
		return "▼"
	default:
		return "•"
	}
}

func symbolOf(pair string) string {
	if idx := strings.Index(pair, "/"); idx > 0 {
		return pair[:idx]
	}
	return pair
}

func formatQuoteLine(quote models.Quote) string {
	line := fmt.Sprintf("%s %s: %s", changeMarker(quote), symbolOf(quote.Pair), formatPrice(quote.Price))
	if quote.HasChange {
		line += fmt.Sprintf(" (%s)", formatChange(quote.Change))
	}
	if quote.Stale {
		line += " [stale]"
	}
	return line
}

func formatPriceList(quotes []models.Quote) string {
	var sb strings.Builder
	sb.WriteString("Current crypto prices:\n")
	for _, quote := range quotes {
		sb.WriteString(formatQuoteLine(quote))
		sb.WriteByte('\n')
	}
	sb.WriteString("Data from the configured oracle feed")
	return sb.String()
}

func formatUnknownSymbol(symbol string, pairs []string) string {
	symbols := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		symbols = append(symbols, symbolOf(pair))
	}
	return fmt.Sprintf("Price not found for %s. Available: %s", symbol, strings.Join(symbols, ", "))
}

func formatMovers(gainers, losers []models.Quote) string {
	if len(gainers) == 0 && len(losers) == 0 {
		return "Top market movers:\nNo significant price movements detected."
	}

	var sb strings.Builder
	sb.WriteString("Top market movers:\n")
	if len(gainers) > 0 {
		sb.WriteString("Gainers:\n")
		for _, quote := range gainers {
			sb.WriteString(formatQuoteLine(quote))
			sb.WriteByte('\n')
		}
	}
	if len(losers) > 0 {
		sb.WriteString("Losers:\n")
		for _, quote := range losers {
			sb.WriteString(formatQuoteLine(quote))
			sb.WriteByte('\n')
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatBroadcast(quotes, gainers, losers []models.Quote, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("Crypto price update - ")
	sb.WriteString(now.Format("2006-01-02 15:04 MST"))
	sb.WriteString("\n\n")

	limit := len(quotes)
	if limit > 6 {
		limit = 6
	}
	for _, quote := range quotes[:limit] {
		sb.WriteString(formatQuoteLine(quote))
		sb.WriteByte('\n')
	}

	if len(gainers) > 0 || len(losers) > 0 {
		sb.WriteString("\n")
		sb.WriteString(formatMovers(gainers, losers))
		sb.WriteString("\n")
	}

	sb.WriteString("\nNext update in 6 hours")
	return sb.String()
}
