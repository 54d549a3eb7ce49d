// Package report renders ledger history as a printable document.
package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/Thegeektechie/EHR-System/internal/ledger"
)

type Config struct {
	ChromiumPath string
	Timeout      time.Duration
	TimeZone     string
}

func LoadConfig() Config {
	timeout := 15 * time.Second
	if v := os.Getenv("REPORT_PDF_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}
	return Config{
		ChromiumPath: os.Getenv("REPORT_CHROMIUM_PATH"),
		Timeout:      timeout,
		TimeZone:     os.Getenv("REPORT_TIMEZONE"),
	}
}

// Ledger is the content of one report.
type Ledger struct {
	Title    string
	Scope    string
	Subject  string
	Verified bool
	Problem  string
	Entries  []ledger.Entry
}

// PDFRenderer prints ledger reports via headless Chromium.
type PDFRenderer struct {
	cfg Config
	now func() time.Time
}

func NewPDFRenderer(cfg Config) PDFRenderer {
	return PDFRenderer{cfg: cfg, now: time.Now}
}

// Render prints the report to PDF. If Chromium is unavailable it returns an
// error so the caller can fall back or retry.
func (r PDFRenderer) Render(ctx context.Context, rep Ledger) ([]byte, error) {
	html, err := r.RenderHTML(rep)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	if r.cfg.ChromiumPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(r.cfg.ChromiumPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	runCtx, cancelRun := chromedp.NewContext(allocCtx)
	defer cancelRun()
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()

	var pdfBuf []byte
	err = chromedp.Run(runCtx,
		chromedp.Navigate("data:text/html,"+url.PathEscape(html)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, perr := page.PrintToPDF().WithPrintBackground(true).WithLandscape(true).Do(ctx)
			if perr == nil {
				pdfBuf = buf
			}
			return perr
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp run failed: %w", err)
	}
	return pdfBuf, nil
}

// RenderHTML builds the HTML that Render prints.
func (r PDFRenderer) RenderHTML(rep Ledger) (string, error) {
	tz := time.UTC
	if r.cfg.TimeZone != "" {
		if loc, err := time.LoadLocation(r.cfg.TimeZone); err == nil {
			tz = loc
		}
	}
	tmpl, err := template.New("ledger").Funcs(template.FuncMap{
		"ts":    func(t time.Time) string { return t.In(tz).Format("2006-01-02 15:04:05") },
		"short": shortHash,
	}).Parse(htmlTemplate)
	if err != nil {
		return "", err
	}

	now := time.Now
	if r.now != nil {
		now = r.now
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		Report Ledger
		Newest []ledger.Entry
		Now    string
	}{
		Report: rep,
		Newest: ledger.Newest(rep.Entries),
		Now:    now().In(tz).Format("2006-01-02 15:04"),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12] + "…"
}

var htmlTemplate = `
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <style>
    body { font-family: 'Helvetica Neue', Arial, sans-serif; margin: 24px; color: #0f172a; }
    h1 { margin: 0 0 8px; }
    .meta { display: flex; justify-content: space-between; margin-bottom: 16px; }
    .label { font-size: 12px; color: #475569; }
    .ok { color: #059669; font-weight: 700; }
    .bad { color: #dc2626; font-weight: 700; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; font-size: 12px; }
    th, td { padding: 6px; border-bottom: 1px solid #e2e8f0; text-align: left; vertical-align: top; }
    th { background: #f8fafc; }
    code { font-size: 11px; }
  </style>
</head>
<body>
  <div class="meta">
    <div>
      <h1>{{.Report.Title}}</h1>
      <div class="label">Chain: {{.Report.Scope}}{{if .Report.Subject}} / subject {{.Report.Subject}}{{end}}</div>
    </div>
    <div style="text-align:right">
      <div class="label">Generated</div>
      <div>{{.Now}}</div>
      <div class="label">Integrity</div>
      {{if .Report.Verified}}<div class="ok">verified</div>{{else}}<div class="bad">broken: {{.Report.Problem}}</div>{{end}}
    </div>
  </div>

  <table>
    <thead>
      <tr><th>Time</th><th>Subject</th><th>Action</th><th>Details</th><th>Hash</th><th>Previous</th></tr>
    </thead>
    <tbody>
    {{range .Newest}}
      <tr>
        <td>{{ts .Timestamp}}</td>
        <td>{{.SubjectID}}</td>
        <td>{{.Action}}</td>
        <td>{{range $k, $v := .Metadata}}{{$k}}={{$v}}<br/>{{end}}</td>
        <td><code>{{short .SequenceHash}}</code></td>
        <td><code>{{short .PreviousHash}}</code></td>
      </tr>
    {{else}}
      <tr><td colspan="6">No entries recorded.</td></tr>
    {{end}}
    </tbody>
  </table>
</body>
</html>
`
