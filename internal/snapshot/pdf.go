package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/dustin/go-humanize"
)

// ChromePDFRenderer prints the manifest via headless Chromium.
type ChromePDFRenderer struct {
	ExecPath string
	Timeout  time.Duration
}

// RenderManifest returns an error when Chromium is unavailable so the
// builder can record a warning and continue.
func (r ChromePDFRenderer) RenderManifest(ctx context.Context, m Manifest, bundleFilename string) ([]byte, error) {
	html, err := manifestHTML(m, bundleFilename)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	if r.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(r.ExecPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	runCtx, cancelRun := chromedp.NewContext(allocCtx)
	defer cancelRun()
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()

	var pdf []byte
	err = chromedp.Run(runCtx,
		chromedp.Navigate("data:text/html,"+url.PathEscape(html)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, perr := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if perr == nil {
				pdf = buf
			}
			return perr
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp run failed: %w", err)
	}
	return pdf, nil
}

type manifestRow struct {
	Name   string
	SHA256 string
	Size   string
}

func manifestHTML(m Manifest, bundleFilename string) (string, error) {
	rows := make([]manifestRow, 0, len(m.Files))
	for _, name := range m.Names() {
		f := m.Files[name]
		rows = append(rows, manifestRow{Name: name, SHA256: f.SHA256, Size: humanize.Comma(int64(f.SizeBytes))})
	}
	var buf bytes.Buffer
	err := manifestTemplate.Execute(&buf, struct {
		Bundle         string
		GeneratedAt    string
		ManifestSHA256 string
		Rows           []manifestRow
	}{
		Bundle:         bundleFilename,
		GeneratedAt:    m.GeneratedAt,
		ManifestSHA256: m.ManifestSHA256,
		Rows:           rows,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

var manifestTemplate = template.Must(template.New("manifest").Parse(`
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <style>
    body { font-family: 'Helvetica Neue', Arial, sans-serif; margin: 24px; color: #0f172a; font-size: 11px; }
    h1 { margin: 0 0 8px; font-size: 16px; }
    .label { color: #475569; }
    table { width: 100%; border-collapse: collapse; margin-top: 12px; }
    th, td { padding: 6px; border-bottom: 1px solid #e2e8f0; text-align: left; }
    th { background: #f8fafc; }
    code { font-family: 'SFMono-Regular', Menlo, monospace; font-size: 10px; }
  </style>
</head>
<body>
  <h1>Audit Snapshot Manifest</h1>
  <div><span class="label">Bundle:</span> {{.Bundle}}</div>
  <div><span class="label">Generated:</span> {{.GeneratedAt}}</div>
  <div><span class="label">manifest.json sha256:</span> <code>{{.ManifestSHA256}}</code></div>
  <table>
    <thead><tr><th>file</th><th>sha256</th><th>size_bytes</th></tr></thead>
    <tbody>
    {{range .Rows}}
      <tr><td>{{.Name}}</td><td><code>{{.SHA256}}</code></td><td>{{.Size}}</td></tr>
    {{end}}
    </tbody>
  </table>
</body>
</html>
`))
