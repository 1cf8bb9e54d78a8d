package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/facebookgo/atomicfile"

	"github.com/yourorg/assetledger/internal/snapshot"
)

// LocalChannel writes the bundle and its manifest artifacts into Dir.
// Files appear atomically: a reader never sees a partial archive.
type LocalChannel struct {
	Dir string
}

func (LocalChannel) Name() string { return ChannelLocal }

func (c LocalChannel) Deliver(ctx context.Context, bundle *snapshot.Bundle) (Receipt, error) {
	if c.Dir == "" {
		return Receipt{}, fmt.Errorf("%w: local output directory is empty", ErrNotConfigured)
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return Receipt{}, fmt.Errorf("local output: %w", err)
	}
	receipt := Receipt{Locations: map[string]string{}}
	for _, a := range artifacts(bundle) {
		if err := ctx.Err(); err != nil {
			return Receipt{}, err
		}
		path := filepath.Join(c.Dir, a.name)
		if err := writeAtomic(path, a.data); err != nil {
			return Receipt{}, fmt.Errorf("local output: %w", err)
		}
		receipt.Locations[a.key] = path
	}
	return receipt, nil
}

func writeAtomic(path string, data []byte) error {
	f, err := atomicfile.New(path, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Abort()
		return err
	}
	return f.Close()
}

type artifact struct {
	key         string
	name        string
	contentType string
	data        []byte
}

// artifacts lists what archive channels store for a bundle: the zip, the
// manifest CSV and, when rendered, the manifest PDF.
func artifacts(bundle *snapshot.Bundle) []artifact {
	out := []artifact{
		{key: ArtifactZip, name: bundle.Filename, contentType: "application/zip", data: bundle.Archive},
		{key: ArtifactManifestCSV, name: bundle.ArtifactName("_manifest.csv"), contentType: "text/csv", data: bundle.ManifestCSV},
	}
	if bundle.ManifestPDF != nil {
		out = append(out, artifact{key: ArtifactManifestPDF, name: bundle.ArtifactName("_manifest.pdf"), contentType: "application/pdf", data: bundle.ManifestPDF})
	}
	return out
}
