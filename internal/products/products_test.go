package products

import (
	"strings"
	"testing"
)

func TestParseWithHeader(t *testing.T) {
	csv := "\ufeffProduct Title,Brand,Current Price,Original Price,Currency,Discount Percentage,Product Description,Main Image URL,Additional Image 1\n" +
		"TARA Pants,TARA.CLOSET,330.00,Not Available,THB,Not Available,Soft fabric. Wide leg.,https://cdn.example.com/a.jpg,ftp://skip\n" +
		",,,,,,,,\n"
	got, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	p := got[0]
	if p.Title != "TARA Pants" || p.Brand != "TARA.CLOSET" || p.Currency != "THB" {
		t.Fatalf("unexpected product %+v", p)
	}
	if urls := p.ImageURLs(); len(urls) != 1 || urls[0] != "https://cdn.example.com/a.jpg" {
		t.Fatalf("unexpected image urls %v", urls)
	}
	if !p.Qualifies() || got[1].Qualifies() {
		t.Fatalf("qualification mismatch")
	}
}

func TestParseHeaderlessUsesFixedColumns(t *testing.T) {
	row := make([]string, 27)
	row[2] = "Lamp"
	row[3] = "Lumo"
	row[4] = "19.99"
	row[6] = "USD"
	row[7] = "10"
	row[20] = "Bright light"
	row[21] = "https://img/main.png"
	row[23] = "https://img/extra2.png"
	got, err := Parse(strings.NewReader(strings.Join(row, ";") + "\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("header-less row must not be consumed as header")
	}
	p := got[0]
	if p.Title != "Lamp" || p.Price != "19.99" || p.Description != "Bright light" {
		t.Fatalf("unexpected mapping %+v", p)
	}
	if len(p.Images) != 2 || p.Images[1] != "https://img/extra2.png" {
		t.Fatalf("unexpected images %v", p.Images)
	}
}

func TestScript(t *testing.T) {
	p := Product{
		Title:         "TARA Pants",
		Brand:         "TARA.CLOSET",
		Price:         "330.00",
		OriginalPrice: "Not Available",
		Currency:      "THB",
		Discount:      "15",
		Description:   "Soft fabric. Not Available. Wide leg",
	}
	got := Script(p, "Link in bio")
	want := []string{
		"Check out this amazing product: TARA Pants",
		"Brand: TARA.CLOSET",
		"Current price: 330.00 THB. Discount: 15% off",
		"Soft fabric",
		"Wide leg",
		"Link in bio",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d parts: %q", len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("part %d: got %q want %q", i, got[i], want[i])
		}
	}
	if !strings.Contains(Narration(got), " \n\n ") {
		t.Fatalf("parts must be separated by paragraph breaks")
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"COM505 TARA Pants!": "COM505_TARA_Pants",
		"../../etc/passwd":   "etcpasswd",
		"":                   "product_4",
	}
	for title, want := range cases {
		if got := (Product{Row: 4, Title: title}).SafeName(); got != want {
			t.Fatalf("SafeName(%q) = %q, want %q", title, got, want)
		}
	}
}

func TestSniffDelimiter(t *testing.T) {
	if d := sniffDelimiter([]byte("a\tb\tc\n1,2")); d != '\t' {
		t.Fatalf("expected tab, got %q", d)
	}
	if d := sniffDelimiter([]byte("single")); d != ',' {
		t.Fatalf("expected comma default, got %q", d)
	}
}
