package fetcher

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"

	"cambiowatch/internal/config"
	"cambiowatch/internal/market"
)

// scrapedConfidence discounts quotes lifted from an HTML rate table; the
// markup can silently change under us in ways an API contract would not.
const scrapedConfidence = 0.9

var moneyPattern = regexp.MustCompile(`[-+]?\d[\d.,]*`)

// parseRateTable scrapes a published bank rate table into one quote per row.
// Header rows and rows without two parseable money cells are skipped.
func parseRateTable(p config.ProviderConfig, body []byte, now time.Time) ([]market.Quote, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider %s: parse html: %w", p.Name, err)
	}

	table := findRateTable(doc)
	if table == nil {
		return nil, fmt.Errorf("provider %s: no rate table in document", p.Name)
	}

	var quotes []market.Quote
	for _, row := range descendants(table, "tr") {
		cells := rowText(row)
		if len(cells) < 3 {
			continue
		}
		bank := normalizeBankName(cells[0])
		if bank == "" {
			continue
		}
		buy, okBuy := parseMoney(cells[1])
		sell, okSell := parseMoney(cells[2])
		if !okBuy || !okSell || buy <= 0 || sell <= 0 {
			continue
		}
		if sell < buy {
			buy, sell = sell, buy
		}
		quotes = append(quotes, market.Quote{
			Timestamp:  now,
			BuyRate:    buy,
			SellRate:   sell,
			Provider:   bank,
			Confidence: scrapedConfidence,
		})
	}

	if len(quotes) == 0 {
		return nil, fmt.Errorf("provider %s: rate table had no parseable rows", p.Name)
	}
	return quotes, nil
}

// findRateTable tries the selectors the known sites use, most specific first:
// table#Dolar, table#dolar, any table carrying a data-name attribute, and
// finally the first table in the document.
func findRateTable(doc *html.Node) *html.Node {
	tables := descendants(doc, "table")
	if len(tables) == 0 {
		return nil
	}
	for _, id := range []string{"Dolar", "dolar"} {
		for _, table := range tables {
			if attrValue(table, "id") == id {
				return table
			}
		}
	}
	for _, table := range tables {
		if _, ok := findAttr(table, "data-name"); ok {
			return table
		}
	}
	return tables[0]
}

func descendants(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == tag {
			out = append(out, node)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return out
}

// rowText returns the trimmed text of each td/th cell in a row.
func rowText(row *html.Node) []string {
	var cells []string
	for child := row.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode {
			continue
		}
		if child.Data == "td" || child.Data == "th" {
			cells = append(cells, strings.TrimSpace(nodeText(child)))
		}
	}
	return cells
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}

func attrValue(n *html.Node, name string) string {
	value, _ := findAttr(n, name)
	return value
}

func findAttr(n *html.Node, name string) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Key == name {
			return attr.Val, true
		}
	}
	return "", false
}

// normalizeBankName collapses whitespace and drops footnote markers. Rows
// whose first cell starts with a digit are rate cells, not names.
func normalizeBankName(raw string) string {
	name := strings.Join(strings.Fields(raw), " ")
	name = strings.TrimRight(name, "*† ")
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		return ""
	}
	return name
}

// parseMoney extracts a decimal rate from scraped cell text. Currency markers
// are stripped, a "rate = daily variation" cell like "$62.90 = $0.00" keeps
// the rate on the left of the "=", and a lone comma is treated as the decimal
// separator.
func parseMoney(raw string) (float64, bool) {
	text := strings.NewReplacer("RD$", "", "US$", "", "$", "", "\u00a0", " ").Replace(raw)
	if idx := strings.Index(text, "="); idx >= 0 {
		text = text[:idx]
	}
	match := moneyPattern.FindString(text)
	if match == "" {
		return 0, false
	}
	if strings.Contains(match, ",") {
		if strings.Contains(match, ".") {
			match = strings.ReplaceAll(match, ",", "")
		} else {
			match = strings.ReplaceAll(match, ",", ".")
		}
	}
	value, err := decimal.NewFromString(match)
	if err != nil {
		return 0, false
	}
	return value.InexactFloat64(), true
}
