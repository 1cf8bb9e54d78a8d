package snapshot

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/yourorg/assetledger/internal/hashchain"
)

var ErrInvalidBundle = errors.New("invalid snapshot bundle")

// BundleReport is the result of re-checking a bundle against its manifest.
type BundleReport struct {
	OK             bool     `json:"ok"`
	ManifestSHA256 string   `json:"manifestSha256"`
	GeneratedAt    string   `json:"generatedAt"`
	Files          int      `json:"files"`
	Errors         []string `json:"errors"`
}

// VerifyBundle recomputes every digest in archive. A structurally unreadable
// archive returns ErrInvalidBundle; digest mismatches are reported, not
// returned.
func VerifyBundle(archive []byte) (BundleReport, error) {
	report := BundleReport{OK: true, Errors: []string{}}
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	contents := map[string][]byte{}
	for _, f := range zr.File {
		data, err := readZipFile(f)
		if err != nil {
			return report, fmt.Errorf("%w: %s: %w", ErrInvalidBundle, f.Name, err)
		}
		contents[f.Name] = data
	}

	body, ok := contents[ManifestFile]
	if !ok {
		return report, fmt.Errorf("%w: missing %s", ErrInvalidBundle, ManifestFile)
	}
	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return report, fmt.Errorf("%w: %s: %w", ErrInvalidBundle, ManifestFile, err)
	}
	report.GeneratedAt = manifest.GeneratedAt
	report.ManifestSHA256 = hashchain.SHA256Hex(body)

	fail := func(format string, args ...any) {
		report.OK = false
		report.Errors = append(report.Errors, fmt.Sprintf(format, args...))
	}

	if canonical, err := manifest.Body(); err != nil || !bytes.Equal(canonical, body) {
		fail("%s is not in canonical form", ManifestFile)
	}
	if line, ok := contents[ManifestChecksumFile]; !ok {
		fail("missing %s", ManifestChecksumFile)
	} else {
		fields := strings.Fields(string(line))
		if len(fields) != 2 || fields[1] != ManifestFile {
			fail("malformed %s", ManifestChecksumFile)
		} else if fields[0] != report.ManifestSHA256 {
			fail("%s digest mismatch", ManifestFile)
		}
	}

	for _, name := range manifest.Names() {
		want := manifest.Files[name]
		data, ok := contents[name]
		if !ok {
			fail("missing %s", name)
			continue
		}
		report.Files++
		if len(data) != want.SizeBytes {
			fail("size mismatch for %s: %d != %d", name, len(data), want.SizeBytes)
		}
		if got := hashchain.SHA256Hex(data); got != want.SHA256 {
			fail("digest mismatch for %s", name)
		}
	}
	for _, f := range zr.File {
		name := f.Name
		if name == ManifestFile || name == ManifestChecksumFile {
			continue
		}
		if _, listed := manifest.Files[name]; !listed {
			fail("unlisted file %s", name)
		}
	}
	return report, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
