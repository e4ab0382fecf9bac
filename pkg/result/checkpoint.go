package result

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// Checkpoint holds state for resuming a campaign.
type Checkpoint struct {
	Campaign string // campaign id the records belong to
	Seed     uint64
	Total    int // number of cases in the campaign
	Records  []Record
}

// Checkpoint snapshots the table for campaign id.
func (t *Table) Checkpoint(id string, seed uint64, total int) *Checkpoint {
	return &Checkpoint{Campaign: id, Seed: seed, Total: total, Records: t.Records()}
}

// Restore loads a checkpoint's records into a fresh table.
func (c *Checkpoint) Restore() *Table {
	t := NewTable()
	for _, r := range c.Records {
		t.Add(r)
	}
	return t
}

// SaveCheckpoint writes campaign state to a file. The file is replaced
// atomically so an interrupted save leaves the previous checkpoint intact.
func SaveCheckpoint(path string, ckpt *Checkpoint) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := gob.NewEncoder(f).Encode(ckpt); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint loads campaign state from a file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ckpt Checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return &ckpt, nil
}
