package mirror

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yourorg/assetledger/internal/delivery"
)

const (
	ChannelLocalCSV    = "local_csv"
	ChannelObjectStore = "object_store"
)

// FileChannel is a CSV file on local disk.
type FileChannel struct {
	Path string
}

func (FileChannel) ID() string { return ChannelLocalCSV }

func (c FileChannel) Load(_ context.Context) ([][]string, bool, error) {
	data, err := os.ReadFile(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rows, err := decodeCSV(data)
	return rows, true, err
}

func (c FileChannel) Append(_ context.Context, rows [][]string) error {
	if dir := filepath.Dir(c.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(c.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.UseCRLF = true
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ObjectChannel keeps the mirror CSV as a single object. Appends rewrite
// the whole object.
type ObjectChannel struct {
	Store delivery.ObjectStore
	Key   string
}

func (ObjectChannel) ID() string { return ChannelObjectStore }

func (c ObjectChannel) Load(ctx context.Context) ([][]string, bool, error) {
	data, err := c.Store.GetObject(ctx, c.Key)
	if errors.Is(err, delivery.ErrObjectNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rows, err := decodeCSV(data)
	return rows, true, err
}

func (c ObjectChannel) Append(ctx context.Context, rows [][]string) error {
	existing, err := c.Store.GetObject(ctx, c.Key)
	if err != nil && !errors.Is(err, delivery.ErrObjectNotFound) {
		return err
	}
	var buf bytes.Buffer
	buf.Write(existing)
	w := csv.NewWriter(&buf)
	w.UseCRLF = true
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	if _, err := c.Store.PutObject(ctx, c.Key, buf.Bytes(), "text/csv"); err != nil {
		return fmt.Errorf("put %s: %w", c.Key, err)
	}
	return nil
}

func decodeCSV(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	return r.ReadAll()
}
