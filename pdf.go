// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package cistem

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nickjwhite/gofpdf"
)

const (
	pageMargin = 40 // pageMargin in pt
	lineHeight = 14 // lineHeight in pt
)

// Report is a PDF summary of a protocol run, made of text pages and
// image pages such as graphs and thumbnails.
type Report struct {
	fpdf *gofpdf.Fpdf
	tr   func(string) string
}

// Setup creates a new PDF with appropriate settings and fonts, and a
// title page
func (p *Report) Setup(title string) error {
	p.fpdf = gofpdf.New("P", "pt", "A4", "")
	p.fpdf.SetMargins(pageMargin, pageMargin, pageMargin)
	p.fpdf.SetAutoPageBreak(true, pageMargin)
	p.fpdf.SetTitle(title, true)
	p.fpdf.SetCreator("cistem", true)
	// the core fonts are cp1252, so translate so that Å and ° render
	p.tr = p.fpdf.UnicodeTranslatorFromDescriptor("")
	p.fpdf.AddPage()
	p.fpdf.SetFont("Helvetica", "B", 18)
	p.fpdf.CellFormat(0, 2*lineHeight, p.tr(title), "", 1, "L", false, 0, "")
	p.fpdf.Ln(lineHeight)
	return p.fpdf.Error()
}

// AddText adds a section with a heading and one paragraph per line
func (p *Report) AddText(heading string, lines []string) error {
	p.fpdf.SetFont("Helvetica", "B", 13)
	p.fpdf.CellFormat(0, 1.5*lineHeight, p.tr(heading), "", 1, "L", false, 0, "")
	p.fpdf.SetFont("Helvetica", "", 10)
	for _, l := range lines {
		p.fpdf.MultiCell(0, lineHeight, p.tr(l), "", "L", false)
	}
	p.fpdf.Ln(lineHeight)
	return p.fpdf.Error()
}

// AddImage adds a page with an image scaled to the page width, and a
// caption
func (p *Report) AddImage(imgpath, caption string) error {
	f, err := os.Open(imgpath)
	if err != nil {
		return fmt.Errorf("Could not open file %s: %v", imgpath, err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("Could not decode image %s: %v", imgpath, err)
	}

	p.fpdf.AddPage()
	pw, ph := p.fpdf.GetPageSize()
	w := pw - 2*pageMargin
	h := w * float64(cfg.Height) / float64(cfg.Width)
	if limit := ph - 2*pageMargin - 3*lineHeight; h > limit {
		h = limit
		w = h * float64(cfg.Width) / float64(cfg.Height)
	}

	p.fpdf.SetFont("Helvetica", "", 10)
	p.fpdf.CellFormat(0, 2*lineHeight, p.tr(caption), "", 1, "L", false, 0, "")
	p.fpdf.ImageOptions(imgpath, pageMargin, p.fpdf.GetY(), w, h, false, gofpdf.ImageOptions{ReadDpi: false}, 0, "")
	return p.fpdf.Error()
}

// Save saves the PDF to the file at path
func (p *Report) Save(path string) error {
	return p.fpdf.OutputFileAndClose(path)
}
