package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/assetshift/assetshift/internal/asset"
)

// loadManifest reads a JSON asset manifest into an in-memory repository.
// The manifest stands in for the external metadata store in file-based
// deployments; refFields lists the record fields that may embed file
// references.
func loadManifest(path string, refFields []string) (*asset.MemRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset manifest: %w", err)
	}
	var records []asset.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse asset manifest: %w", err)
	}

	repo := asset.NewMemRepository(refFields...)
	for _, rec := range records {
		repo.Put(rec)
	}
	return repo, nil
}

// saveManifest writes the repository state back to the manifest,
// atomically, so an interrupted save never truncates the previous one.
func saveManifest(path string, repo *asset.MemRepository) error {
	records, err := repo.SnapshotAll(context.Background())
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal asset manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write asset manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename asset manifest: %w", err)
	}
	return nil
}
