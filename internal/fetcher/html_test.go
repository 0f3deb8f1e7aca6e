package fetcher

import (
	"math"
	"testing"

	"cambiowatch/internal/config"
)

const rateTableDoc = `<!DOCTYPE html>
<html><body>
<table id="promos"><tr><td>ad</td></tr></table>
<table id="Dolar">
  <tr><th>Banco</th><th>Compra</th><th>Venta</th></tr>
  <tr><td>Banco Popular*</td><td>RD$ 60,50</td><td>RD$ 61,75</td></tr>
  <tr><td>Banreservas</td><td>60.40</td><td>61.60</td></tr>
  <tr><td>Scotiabank</td><td>n/a</td><td>n/a</td></tr>
</table>
</body></html>`

func htmlProvider() config.ProviderConfig {
	return config.ProviderConfig{Name: "infodolar", Format: "html"}
}

func TestParseRateTableSelectsDolarTable(t *testing.T) {
	quotes, err := parseRateTable(htmlProvider(), []byte(rateTableDoc), captureTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected two parseable rows, got %d: %+v", len(quotes), quotes)
	}

	popular := quotes[0]
	if popular.Provider != "Banco Popular" {
		t.Fatalf("footnote marker should be stripped, got %q", popular.Provider)
	}
	if math.Abs(popular.BuyRate-60.50) > 1e-9 || math.Abs(popular.SellRate-61.75) > 1e-9 {
		t.Fatalf("comma-decimal parse wrong: %+v", popular)
	}
	if popular.Confidence != 0.9 {
		t.Fatalf("scraped quotes must be discounted, got %v", popular.Confidence)
	}

	if quotes[1].Provider != "Banreservas" || quotes[1].BuyRate != 60.40 {
		t.Fatalf("dot-decimal row wrong: %+v", quotes[1])
	}
}

func TestParseRateTableFallsBackToFirstTable(t *testing.T) {
	doc := `<html><body><table>
	  <tr><td>Banco BHD</td><td>60,90</td><td>62,05</td></tr>
	</table></body></html>`

	quotes, err := parseRateTable(htmlProvider(), []byte(doc), captureTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 1 || quotes[0].Provider != "Banco BHD" {
		t.Fatalf("fallback table not used: %+v", quotes)
	}
}

func TestParseRateTablePrefersDataNameTable(t *testing.T) {
	doc := `<html><body>
	<table><tr><td>nav</td><td>x</td><td>y</td></tr></table>
	<table data-name="cotizaciones">
	  <tr><td>Banco Santa Cruz</td><td>60,70</td><td>61,95</td></tr>
	</table>
	</body></html>`

	quotes, err := parseRateTable(htmlProvider(), []byte(doc), captureTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 1 || quotes[0].Provider != "Banco Santa Cruz" {
		t.Fatalf("data-name table not preferred: %+v", quotes)
	}
}

func TestParseRateTableEmptyDocument(t *testing.T) {
	if _, err := parseRateTable(htmlProvider(), []byte("<html><body><p>mantenimiento</p></body></html>"), captureTime); err == nil {
		t.Fatal("document without a table must error")
	}
}

func TestParseRateTableSwapsInvertedSides(t *testing.T) {
	doc := `<html><body><table id="Dolar">
	  <tr><td>Banco Caribe</td><td>62,00</td><td>60,80</td></tr>
	</table></body></html>`

	quotes, err := parseRateTable(htmlProvider(), []byte(doc), captureTime)
	if err != nil {
		t.Fatal(err)
	}
	if quotes[0].BuyRate != 60.80 || quotes[0].SellRate != 62.00 {
		t.Fatalf("inverted sides should be swapped: %+v", quotes[0])
	}
}

func TestParseRateTableVariationCells(t *testing.T) {
	doc := `<html><body><table id="Dolar">
	  <tr><td>Banco Vimenca</td><td>$62.90 = $0.00</td><td>$63.10 = $0.10</td></tr>
	</table></body></html>`

	quotes, err := parseRateTable(htmlProvider(), []byte(doc), captureTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 1 {
		t.Fatalf("variation cells should still parse the row, got %+v", quotes)
	}
	if math.Abs(quotes[0].BuyRate-62.90) > 1e-9 || math.Abs(quotes[0].SellRate-63.10) > 1e-9 {
		t.Fatalf("rate must come from the left of the =, not the daily variation: %+v", quotes[0])
	}
}

func TestParseMoney(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"RD$61.50", 61.50, true},
		{"61,50", 61.50, true},
		{"1,234.56", 1234.56, true},
		{"$62.90 = $0.00", 62.90, true},
		{"$63.10 = $0.10", 63.10, true},
		{"62,90 = 0,00", 62.90, true},
		{"n/a", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseMoney(tc.in)
		if ok != tc.ok || (ok && math.Abs(got-tc.want) > 1e-9) {
			t.Errorf("parseMoney(%q) = %v,%v want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
