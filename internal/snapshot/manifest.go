package snapshot

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/yourorg/assetledger/internal/hashchain"
)

const (
	ManifestFile         = "manifest.json"
	ManifestChecksumFile = "manifest.sha256"
	ReadmeFile           = "README.txt"

	// GeneratedAtLayout is the manifest's snapshot_generated_at_utc format.
	GeneratedAtLayout = "2006-01-02T15:04:05Z"
)

// FileDigest describes one file inside a bundle.
type FileDigest struct {
	SHA256    string `json:"sha256"`
	SizeBytes int    `json:"size_bytes"`
}

// Manifest is the integrity document shipped as manifest.json. Fields are
// declared in key order so the encoding is already sorted.
type Manifest struct {
	Files          map[string]FileDigest `json:"files"`
	ManifestSHA256 string                `json:"manifest_sha256,omitempty"`
	GeneratedAt    string                `json:"snapshot_generated_at_utc"`
}

// Body is the canonical serialization that manifest_sha256 covers: sorted
// keys, two-space indent, without the manifest_sha256 field itself. It is
// also the exact content of manifest.json.
func (m Manifest) Body() ([]byte, error) {
	m.ManifestSHA256 = ""
	return json.MarshalIndent(m, "", "  ")
}

// Seal computes the manifest digest and embeds it.
func (m *Manifest) Seal() ([]byte, error) {
	body, err := m.Body()
	if err != nil {
		return nil, err
	}
	m.ManifestSHA256 = hashchain.SHA256Hex(body)
	return body, nil
}

// ChecksumLine is the manifest.sha256 content, in sha256sum format.
func ChecksumLine(manifestSHA256 string) []byte {
	return []byte(manifestSHA256 + "  " + ManifestFile + "\n")
}

// Names returns the listed file names in sorted order.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ManifestCSV renders the manifest as file,sha256,size_bytes rows.
func ManifestCSV(m Manifest) ([]byte, error) {
	rows := [][]string{{"file", "sha256", "size_bytes"}}
	for _, name := range m.Names() {
		f := m.Files[name]
		rows = append(rows, []string{name, f.SHA256, strconv.Itoa(f.SizeBytes)})
	}
	return encodeCSV(rows)
}

func encodeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = true
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}
