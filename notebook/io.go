package notebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"pkt.systems/notebuf/internal/persist"
	"pkt.systems/pslog"
)

// Read loads a notebook from path. A missing file or a file that is not
// valid JSON yields a fresh empty document; created reports that case.
func Read(ctx context.Context, path string) (doc *Document, created bool, err error) {
	log := pslog.Ctx(ctx)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if log != nil {
				log.Debug("notebook missing, starting empty", "path", path)
			}
			return New(), true, nil
		}
		return nil, false, err
	}
	if !json.Valid(data) {
		if log != nil {
			log.Warn("notebook is not valid json, starting empty", "path", path, "bytes", len(data))
		}
		return New(), true, nil
	}
	doc, err = Unmarshal(data)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	if log != nil {
		log.Debug("notebook read", "path", path, "cells", len(doc.Cells))
	}
	return doc, false, nil
}

// Write saves the notebook to path atomically.
func Write(ctx context.Context, path string, doc *Document) error {
	data, err := Marshal(doc)
	if err != nil {
		return err
	}
	if err := persist.WriteFileAtomic(path, data, 0o644); err != nil {
		if log := pslog.Ctx(ctx); log != nil {
			log.Warn("notebook write failed", "path", path, "err", err)
		}
		return err
	}
	if log := pslog.Ctx(ctx); log != nil {
		log.Debug("notebook written", "path", path, "cells", len(doc.Cells))
	}
	return nil
}
