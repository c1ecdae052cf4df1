// Package products reads product catalog CSV exports and builds the narration
// script of a product video.
package products

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode"
)

const (
	colTitle         = "Product Title"
	colBrand         = "Brand"
	colPrice         = "Current Price"
	colOriginalPrice = "Original Price"
	colCurrency      = "Currency"
	colDiscount      = "Discount Percentage"
	colDescription   = "Product Description"
	colMainImage     = "Main Image URL"
)

// notAvailable marks an empty scraped field.
const notAvailable = "Not Available"

// headerlessColumns maps column positions of a header-less catalog export.
var headerlessColumns = map[int]string{
	2:  colTitle,
	3:  colBrand,
	4:  colPrice,
	5:  colOriginalPrice,
	6:  colCurrency,
	7:  colDiscount,
	20: colDescription,
	21: colMainImage,
	22: "Additional Image 1",
	23: "Additional Image 2",
	24: "Additional Image 3",
	25: "Additional Image 4",
	26: "Additional Image 5",
}

// Product is one catalog row.
type Product struct {
	Row           int
	Title         string
	Brand         string
	Price         string
	OriginalPrice string
	Currency      string
	Discount      string
	Description   string
	Images        []string
}

// Qualifies reports whether the row can become a video at all.
func (p Product) Qualifies() bool {
	return strings.TrimSpace(p.Title) != "" || len(p.ImageURLs()) > 0
}

// ImageURLs returns the http(s) image links in column order.
func (p Product) ImageURLs() []string {
	var out []string
	for _, u := range p.Images {
		u = strings.TrimSpace(u)
		if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
			out = append(out, u)
		}
	}
	return out
}

// DisplayTitle is the title used for artifacts and outcomes.
func (p Product) DisplayTitle() string {
	if t := strings.TrimSpace(p.Title); t != "" {
		return t
	}
	return fmt.Sprintf("Product %d", p.Row)
}

// SafeName turns the title into a file name stem.
func (p Product) SafeName() string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(p.Title) {
		switch {
		case r == ' ':
			b.WriteRune('_')
		case r == '-' || r == '_' || isAlnum(r):
			b.WriteRune(r)
		}
	}
	name := strings.TrimRight(b.String(), "_")
	if name == "" {
		return fmt.Sprintf("product_%d", p.Row)
	}
	if len(name) > 80 {
		name = name[:80]
	}
	return name
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Parse reads a catalog CSV. The delimiter is sniffed from the first line and
// a header row is recognized by its "Product Title" or "Main Image URL" cell;
// without one, the fixed column layout of the catalog export is assumed.
func Parse(r io.Reader) ([]Product, error) {
	br := bufio.NewReader(r)
	sample, _ := br.Peek(4096)

	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(sample)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv is empty")
	}
	if len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")
	}

	columns := headerlessColumns
	rows := records
	if header, ok := headerColumns(records[0]); ok {
		columns = header
		rows = records[1:]
	}

	out := make([]Product, 0, len(rows))
	for i, rec := range rows {
		fields := make(map[string]string, len(columns))
		for idx, name := range columns {
			if idx < len(rec) {
				fields[name] = strings.TrimSpace(rec[idx])
			}
		}
		p := Product{
			Row:           i,
			Title:         fields[colTitle],
			Brand:         fields[colBrand],
			Price:         fields[colPrice],
			OriginalPrice: fields[colOriginalPrice],
			Currency:      fields[colCurrency],
			Discount:      fields[colDiscount],
			Description:   fields[colDescription],
		}
		if v := fields[colMainImage]; v != "" {
			p.Images = append(p.Images, v)
		}
		for n := 1; n <= 5; n++ {
			if v := fields[fmt.Sprintf("Additional Image %d", n)]; v != "" {
				p.Images = append(p.Images, v)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func headerColumns(first []string) (map[int]string, bool) {
	cols := make(map[int]string, len(first))
	found := false
	for i, cell := range first {
		name := strings.TrimSpace(cell)
		cols[i] = name
		if strings.EqualFold(name, colTitle) || strings.EqualFold(name, colMainImage) {
			found = true
		}
	}
	if !found {
		return nil, false
	}
	// Normalize case so lookups by canonical name work.
	for i, name := range cols {
		for _, canon := range []string{colTitle, colBrand, colPrice, colOriginalPrice, colCurrency, colDiscount, colDescription, colMainImage,
			"Additional Image 1", "Additional Image 2", "Additional Image 3", "Additional Image 4", "Additional Image 5"} {
			if strings.EqualFold(name, canon) {
				cols[i] = canon
			}
		}
	}
	return cols, true
}

// sniffDelimiter picks the candidate that appears most often on the first line.
func sniffDelimiter(sample []byte) rune {
	line := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		line = sample[:i]
	}
	best, bestCount := ',', 0
	for _, d := range []rune{',', ';', '\t', '|'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}
