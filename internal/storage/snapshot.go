package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"goquant/internal/inventory"
)

// Snapshot is a point-in-time capture of engine state: the last processed
// event sequence and every symbol's inventory totals. The engine writes
// one on clean shutdown and on panic; paper-mode bootstrap restores from
// the newest one so virtual inventory survives restarts.
type Snapshot struct {
	Seq         uint64            `json:"seq"`
	TsUnix      int64             `json:"ts"`
	Inventories []inventory.Stats `json:"inventories"`
}

// NewSnapshot captures current state. inventory.Set.Stats hands out
// copies, so the snapshot is detached from live state.
func NewSnapshot(seq uint64, inventories []inventory.Stats) *Snapshot {
	return &Snapshot{
		Seq:         seq,
		TsUnix:      time.Now().Unix(),
		Inventories: inventories,
	}
}

// SnapshotManager saves and loads state snapshots as JSON files named
// snapshot_<seq>_<ts>.json.
type SnapshotManager struct {
	dir string
	log *zap.Logger
}

// NewSnapshotManager creates a manager writing under dir.
func NewSnapshotManager(dir string, log *zap.Logger) *SnapshotManager {
	return &SnapshotManager{dir: dir, log: log}
}

// Save writes a snapshot to disk.
func (sm *SnapshotManager) Save(snap *Snapshot) error {
	if err := os.MkdirAll(sm.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	path := filepath.Join(sm.dir, fmt.Sprintf("snapshot_%d_%d.json", snap.Seq, snap.TsUnix))
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	sm.log.Info("snapshot saved",
		zap.Uint64("seq", snap.Seq),
		zap.String("path", path))
	return nil
}

// LoadLatest loads the highest-sequence snapshot, or nil when none exist.
func (sm *SnapshotManager) LoadLatest() (*Snapshot, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var latestPath string
	var latestSeq uint64
	found := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var seq uint64
		var ts int64
		if _, err := fmt.Sscanf(entry.Name(), "snapshot_%d_%d.json", &seq, &ts); err != nil {
			continue
		}
		if !found || seq > latestSeq {
			found = true
			latestSeq = seq
			latestPath = filepath.Join(sm.dir, entry.Name())
		}
	}
	if !found {
		return nil, nil
	}

	data, err := os.ReadFile(latestPath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", latestPath, err)
	}

	sm.log.Info("snapshot loaded",
		zap.Uint64("seq", snap.Seq),
		zap.String("path", latestPath))
	return &snap, nil
}

// Cleanup removes old snapshots, keeping the newest keep by sequence.
func (sm *SnapshotManager) Cleanup(keep int) error {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type snapFile struct {
		path string
		seq  uint64
	}
	var files []snapFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var seq uint64
		var ts int64
		if _, err := fmt.Sscanf(entry.Name(), "snapshot_%d_%d.json", &seq, &ts); err == nil {
			files = append(files, snapFile{path: filepath.Join(sm.dir, entry.Name()), seq: seq})
		}
	}
	if len(files) <= keep {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].seq > files[j].seq })
	for _, f := range files[keep:] {
		if err := os.Remove(f.path); err != nil {
			sm.log.Warn("failed to remove old snapshot", zap.String("path", f.path), zap.Error(err))
			continue
		}
		sm.log.Debug("removed old snapshot", zap.String("path", f.path))
	}
	return nil
}
