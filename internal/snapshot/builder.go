// Package snapshot builds point-in-time audit bundles: deterministic CSV
// extracts, a digest manifest, and a zip archive carrying both.
package snapshot

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/filecoin-project/go-clock"

	"github.com/yourorg/assetledger/internal/hashchain"
	"github.com/yourorg/assetledger/internal/inventory"
)

// ErrBuildFailure means no bundle was produced. Nothing from a failed build
// is delivered.
var ErrBuildFailure = errors.New("snapshot build failed")

// FailedManifestSHA256 is logged for runs whose build failed.
var FailedManifestSHA256 = strings.Repeat("0", 64)

// Source produces the named extracts. *inventory.Store satisfies it.
type Source interface {
	Extract(ctx context.Context, name string) (inventory.Table, error)
}

// PDFRenderer renders a printable copy of the manifest.
type PDFRenderer interface {
	RenderManifest(ctx context.Context, m Manifest, bundleFilename string) ([]byte, error)
}

var extractDescriptions = map[string]string{
	inventory.ExtractCurrentAssignments: "active assignments",
	inventory.ExtractAssets:             "asset records",
	inventory.ExtractRepairs:            "repair records",
	inventory.ExtractAssignmentEvents:   "checkout/checkin history",
	inventory.ExtractUsers:              "user records",
}

// Bundle is an immutable build result.
type Bundle struct {
	Filename       string
	GeneratedAt    time.Time
	Archive        []byte
	ArchiveSHA256  string
	ManifestSHA256 string
	Manifest       Manifest
	ManifestCSV    []byte
	ManifestPDF    []byte // nil when not rendered
	Warnings       []string
}

// ArtifactName derives a sibling artifact name, e.g. "_manifest.csv".
func (b *Bundle) ArtifactName(suffix string) string {
	return strings.TrimSuffix(b.Filename, ".zip") + suffix
}

type Builder struct {
	source Source
	pdf    PDFRenderer
	clock  clock.Clock
	logger *slog.Logger
}

// NewBuilder returns a Builder. pdf may be nil to skip the PDF artifact.
func NewBuilder(source Source, pdf PDFRenderer, clk clock.Clock, logger *slog.Logger) *Builder {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{source: source, pdf: pdf, clock: clk, logger: logger}
}

// Filename returns the bundle name for a build at t.
func Filename(t time.Time) string {
	return "audit_snapshot_" + t.UTC().Format("20060102_150405") + ".zip"
}

type namedFile struct {
	name string
	data []byte
}

func (b *Builder) Build(ctx context.Context) (*Bundle, error) {
	now := b.clock.Now().UTC().Truncate(time.Second)
	generatedAt := now.Format(GeneratedAtLayout)

	files := make([]namedFile, 0, len(inventory.ExtractNames)+1)
	rowCounts := map[string]int{}
	for _, name := range inventory.ExtractNames {
		table, err := b.source.Extract(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBuildFailure, name, err)
		}
		data, err := encodeCSV(append([][]string{table.Columns}, table.Rows...))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBuildFailure, name, err)
		}
		files = append(files, namedFile{name: name, data: data})
		rowCounts[name] = len(table.Rows)
	}
	files = append(files, namedFile{name: ReadmeFile, data: readme(generatedAt, files, rowCounts)})

	manifest := Manifest{GeneratedAt: generatedAt, Files: map[string]FileDigest{}}
	for _, f := range files {
		manifest.Files[f.name] = FileDigest{SHA256: hashchain.SHA256Hex(f.data), SizeBytes: len(f.data)}
	}
	body, err := manifest.Seal()
	if err != nil {
		return nil, fmt.Errorf("%w: manifest: %w", ErrBuildFailure, err)
	}

	entries := append([]namedFile{
		{name: ManifestFile, data: body},
		{name: ManifestChecksumFile, data: ChecksumLine(manifest.ManifestSHA256)},
	}, files...)
	archive, err := writeArchive(entries, now)
	if err != nil {
		return nil, fmt.Errorf("%w: archive: %w", ErrBuildFailure, err)
	}
	manifestCSV, err := ManifestCSV(manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest csv: %w", ErrBuildFailure, err)
	}

	bundle := &Bundle{
		Filename:       Filename(now),
		GeneratedAt:    now,
		Archive:        archive,
		ArchiveSHA256:  hashchain.SHA256Hex(archive),
		ManifestSHA256: manifest.ManifestSHA256,
		Manifest:       manifest,
		ManifestCSV:    manifestCSV,
		Warnings:       []string{},
	}
	if b.pdf != nil {
		pdf, err := b.pdf.RenderManifest(ctx, manifest, bundle.Filename)
		if err != nil {
			b.logger.Warn("manifest pdf skipped", "bundle", bundle.Filename, "error", err)
			bundle.Warnings = append(bundle.Warnings, fmt.Sprintf("Manifest PDF failed: %v", err))
		} else {
			bundle.ManifestPDF = pdf
		}
	}

	b.logger.Info("snapshot built",
		"bundle", bundle.Filename,
		"manifestSha256", bundle.ManifestSHA256,
		"size", humanize.Bytes(uint64(len(archive))),
	)
	return bundle, nil
}

// writeArchive writes entries in order. Entry times are pinned to the build
// time so the container does not pick up the wall clock.
func writeArchive(entries []namedFile, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readme(generatedAt string, extracts []namedFile, rowCounts map[string]int) []byte {
	var b strings.Builder
	b.WriteString("Audit-Ready Snapshot\n")
	b.WriteString("Generated UTC: " + generatedAt + "\n\n")
	b.WriteString("Files:\n")
	b.WriteString("- " + ManifestFile + ": file metadata and hashes\n")
	b.WriteString("- " + ManifestChecksumFile + ": sha256 hash of " + ManifestFile + "\n")
	for _, f := range extracts {
		fmt.Fprintf(&b, "- %s: %s (%s rows, %s)\n",
			f.name, extractDescriptions[f.name], humanize.Comma(int64(rowCounts[f.name])), humanize.Bytes(uint64(len(f.data))))
	}
	b.WriteString("\nIntegrity:\n")
	b.WriteString("Recompute each file hash and compare to " + ManifestFile + ".\n")
	b.WriteString("Check the manifest itself with: sha256sum -c " + ManifestChecksumFile + "\n")
	return []byte(b.String())
}
