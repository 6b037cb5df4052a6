package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"xlc-gateway/internal/codec"
)

// importRecord accepts the legacy "coreID" key next to the current fields.
type importRecord struct {
	Attributes
	CoreID string `json:"coreID"`
}

// ImportDir copies every <identity>.json attribute file in dir into s.
// Imported devices start disconnected. Files that cannot be read or decoded
// are skipped and reported together in the returned error.
func ImportDir(s Store, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read import dir: %w", err)
	}

	var errs []error
	imported := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var rec importRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", name, err))
			continue
		}

		attrs := rec.Attributes
		switch {
		case attrs.Identity != "":
		case rec.CoreID != "":
			attrs.Identity = rec.CoreID
		default:
			attrs.Identity, _, _ = strings.Cut(name, ".")
		}
		attrs.Identity = codec.NormalizeIdentity(attrs.Identity)
		attrs.Connected = false

		if err := s.SaveAttributes(&attrs); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", name, err))
			continue
		}
		imported++
	}
	return imported, errors.Join(errs...)
}
