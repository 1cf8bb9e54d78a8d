package snapshot

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/yourorg/assetledger/internal/hashchain"
	"github.com/yourorg/assetledger/internal/inventory"
)

type fakeSource struct {
	tables map[string]inventory.Table
	err    error
}

func (f fakeSource) Extract(_ context.Context, name string) (inventory.Table, error) {
	if f.err != nil && name == inventory.ExtractRepairs {
		return inventory.Table{}, f.err
	}
	if t, ok := f.tables[name]; ok {
		return t, nil
	}
	return inventory.Table{Columns: []string{"id"}, Rows: [][]string{}}, nil
}

func sampleSource() fakeSource {
	return fakeSource{tables: map[string]inventory.Table{
		inventory.ExtractAssets: {
			Columns: []string{"id", "asset_tag", "name"},
			Rows:    [][]string{{"1", "LT-001", "Laptop, 14\""}, {"2", "LT-002", "Tablet"}},
		},
		inventory.ExtractUsers: {
			Columns: []string{"id", "email", "name"},
			Rows:    [][]string{{"1", "ops@example.org", "Ops Desk"}},
		},
	}}
}

func newBuilder(src Source, pdf PDFRenderer) (*Builder, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC))
	return NewBuilder(src, pdf, clk, nil), clk
}

func unzip(t *testing.T, archive []byte) ([]string, map[string][]byte) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	var names []string
	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		names = append(names, f.Name)
		files[f.Name] = data
	}
	return names, files
}

func TestBuildLayoutAndManifestRoundTrip(t *testing.T) {
	b, _ := newBuilder(sampleSource(), nil)
	bundle, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if bundle.Filename != "audit_snapshot_20260203_040506.zip" {
		t.Fatalf("filename = %s", bundle.Filename)
	}

	names, files := unzip(t, bundle.Archive)
	want := []string{"manifest.json", "manifest.sha256", "current_assignments.csv", "assets.csv", "repairs.csv", "assignment_events.csv", "users.csv", "README.txt"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("entries = %v", names)
	}

	for name, digest := range bundle.Manifest.Files {
		data := files[name]
		if hashchain.SHA256Hex(data) != digest.SHA256 || len(data) != digest.SizeBytes {
			t.Fatalf("digest mismatch for %s", name)
		}
	}
	if len(bundle.Manifest.Files) != 6 {
		t.Fatalf("manifest lists %d files", len(bundle.Manifest.Files))
	}
	if hashchain.SHA256Hex(files[ManifestFile]) != bundle.ManifestSHA256 {
		t.Fatalf("manifest digest does not cover manifest.json")
	}
	if string(files[ManifestChecksumFile]) != bundle.ManifestSHA256+"  manifest.json\n" {
		t.Fatalf("checksum line = %q", files[ManifestChecksumFile])
	}
	if !strings.HasPrefix(string(files[ManifestFile]), "{\n  \"files\": {\n    \"README.txt\": {\n      \"sha256\"") {
		t.Fatalf("manifest not in canonical form:\n%s", files[ManifestFile])
	}
	if strings.Contains(string(files[ManifestFile]), "manifest_sha256") {
		t.Fatalf("manifest.json must not embed its own digest")
	}
	if !strings.Contains(string(files[ReadmeFile]), "Recompute each file hash and compare to manifest.json.") {
		t.Fatalf("readme missing verification instruction")
	}
	if got := string(files["assets.csv"]); got != "id,asset_tag,name\r\n1,LT-001,\"Laptop, 14\"\"\"\r\n2,LT-002,Tablet\r\n" {
		t.Fatalf("assets.csv = %q", got)
	}

	report, err := VerifyBundle(bundle.Archive)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK || report.Files != 6 || report.ManifestSHA256 != bundle.ManifestSHA256 {
		t.Fatalf("unexpected report: %+v", report)
	}

	csv := string(bundle.ManifestCSV)
	if !strings.HasPrefix(csv, "file,sha256,size_bytes\r\nREADME.txt,") {
		t.Fatalf("manifest csv = %q", csv)
	}
}

func rewrite(t *testing.T, archive []byte, name string, mutate func([]byte) []byte) []byte {
	t.Helper()
	names, files := unzip(t, archive)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range names {
		data := files[n]
		if n == name {
			data = mutate(append([]byte(nil), data...))
		}
		w, err := zw.Create(n)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		w.Write(data)
	}
	zw.Close()
	return buf.Bytes()
}

func TestVerifyBundleDetectsSingleByteTamper(t *testing.T) {
	b, _ := newBuilder(sampleSource(), nil)
	bundle, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	for _, name := range []string{"assets.csv", "users.csv", "README.txt"} {
		tampered := rewrite(t, bundle.Archive, name, func(b []byte) []byte {
			b[len(b)-3] ^= 0x01
			return b
		})
		report, err := VerifyBundle(tampered)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if report.OK || report.Errors[0] != "digest mismatch for "+name {
			t.Fatalf("tamper in %s not detected: %+v", name, report)
		}
	}

	tampered := rewrite(t, bundle.Archive, ManifestFile, func(b []byte) []byte {
		return bytes.Replace(b, []byte(`"size_bytes": `), []byte(`"size_bytes": 1`), 1)
	})
	report, err := VerifyBundle(tampered)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK {
		t.Fatalf("tampered manifest verified")
	}
}

func TestExtractsAreDeterministicAcrossBuilds(t *testing.T) {
	b, clk := newBuilder(sampleSource(), nil)
	first, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	clk.Add(90 * time.Minute)
	second, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, name := range inventory.ExtractNames {
		if first.Manifest.Files[name] != second.Manifest.Files[name] {
			t.Fatalf("%s changed between builds on unchanged data", name)
		}
	}
	if first.ManifestSHA256 == second.ManifestSHA256 {
		t.Fatalf("generated time should change the manifest digest")
	}
}

func TestBuildFailureProducesNoBundle(t *testing.T) {
	src := sampleSource()
	src.err = errors.New("connection reset")
	b, _ := newBuilder(src, nil)
	bundle, err := b.Build(context.Background())
	if !errors.Is(err, ErrBuildFailure) {
		t.Fatalf("expected ErrBuildFailure, got %v", err)
	}
	if bundle != nil {
		t.Fatalf("failed build returned a bundle")
	}
	if !strings.Contains(err.Error(), "repairs.csv") {
		t.Fatalf("error should name the extract: %v", err)
	}
}

type failingPDF struct{}

func (failingPDF) RenderManifest(context.Context, Manifest, string) ([]byte, error) {
	return nil, errors.New("chromium not found")
}

func TestPDFFailureIsAWarning(t *testing.T) {
	b, _ := newBuilder(sampleSource(), failingPDF{})
	bundle, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if bundle.ManifestPDF != nil || len(bundle.Warnings) != 1 {
		t.Fatalf("unexpected pdf result: %v %v", bundle.ManifestPDF, bundle.Warnings)
	}
	if bundle.ArtifactName("_manifest.pdf") != "audit_snapshot_20260203_040506_manifest.pdf" {
		t.Fatalf("artifact name = %s", bundle.ArtifactName("_manifest.pdf"))
	}
}

func TestManifestHTMLListsFiles(t *testing.T) {
	m := Manifest{GeneratedAt: "2026-02-03T04:05:06Z", Files: map[string]FileDigest{
		"assets.csv": {SHA256: strings.Repeat("a", 64), SizeBytes: 1234},
	}}
	html, err := manifestHTML(m, "audit_snapshot_x.zip")
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	if !strings.Contains(html, "assets.csv") || !strings.Contains(html, "1,234") {
		t.Fatalf("html missing rows: %s", html)
	}
}
