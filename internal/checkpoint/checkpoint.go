// Package checkpoint persists and restores a single model's tables on a PS
// node's local disk: one directory per model, one file per table plus a
// JSON model_info sidecar, mirroring the directory-of-files layout a
// parameter server's save/load path uses.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"kraken-go/internal/kerr"
	"kraken-go/internal/optim"
	"kraken-go/internal/rpc"
	"kraken-go/internal/table"
	"kraken-go/internal/tensor"
)

const (
	modelInfoName    = "model_info.json"
	denseTableSuffix = ".dense"
	sparseTableSuffix = ".sparse"
)

// modelInfo is the JSON sidecar describing a model's tables, so Load can
// reconstruct TableMeta/ModelMeta without consulting the scheduler.
type modelInfo struct {
	ModelID     uint64            `json:"model_id"`
	Name        string            `json:"name"`
	OptimKind   optim.Kind        `json:"optim_kind"`
	OptimConfig optim.Config      `json:"optim_config"`
	Tables      []tableInfo       `json:"tables"`
}

type tableInfo struct {
	TableID    uint64                      `json:"table_id"`
	Name       string                      `json:"name"`
	Kind       table.Kind                  `json:"kind"`
	EType      tensor.ElementType          `json:"etype"`
	Shape      []int64                     `json:"shape,omitempty"`
	Dim        int64                       `json:"dim,omitempty"`
	InitKind   tensor.InitializerKind      `json:"init_kind,omitempty"`
	InitConfig map[string]float64          `json:"init_config,omitempty"`
}

func modelDir(rootDir string, modelID uint64) string {
	return filepath.Join(rootDir, fmt.Sprintf("model-%d", modelID))
}

func denseTablePath(dir string, tableID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("table-%d%s", tableID, denseTableSuffix))
}

func sparseTablePath(dir string, tableID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("table-%d%s", tableID, sparseTableSuffix))
}

// Save writes every dense and sparse table this PS shard holds for modelID
// under rootDir, replacing any prior checkpoint for that model.
func Save(rootDir string, store *table.Store, device tensor.Device, modelID uint64) error {
	meta, err := store.ModelMeta(modelID)
	if err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}

	dir := modelDir(rootDir, modelID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("checkpoint: save: clear existing dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: save: create dir: %w", err)
	}

	info := modelInfo{ModelID: meta.ID, Name: meta.Name, OptimKind: meta.OptimKind, OptimConfig: meta.OptimConfig}
	for tableID, tm := range meta.Tables {
		info.Tables = append(info.Tables, tableInfo{
			TableID: tableID, Name: tm.Name, Kind: tm.Kind, EType: tm.EType,
			Shape: tm.Shape.Dims(), Dim: tm.Dim, InitKind: tm.InitKind, InitConfig: tm.InitConfig,
		})

		switch tm.Kind {
		case table.Dense:
			dt, err := store.DenseTableForTransfer(modelID, tableID)
			if err != nil {
				return fmt.Errorf("checkpoint: save dense table %d: %w", tableID, err)
			}
			if err := writeDenseFile(denseTablePath(dir, tableID), dt.Snapshot()); err != nil {
				return err
			}
		case table.Sparse:
			st, err := store.SparseTableForTransfer(modelID, tableID)
			if err != nil {
				return fmt.Errorf("checkpoint: save sparse table %d: %w", tableID, err)
			}
			if err := writeSparseFile(sparseTablePath(dir, tableID), st.Snapshot()); err != nil {
				return err
			}
		}
	}

	infoBytes, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: save: marshal model info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, modelInfoName), infoBytes, 0o644); err != nil {
		return fmt.Errorf("checkpoint: save: write model info: %w", err)
	}
	return nil
}

func writeDenseFile(path string, val tensor.Value) error {
	w := rpc.NewWriter()
	rpc.WriteValue(w, val)
	if err := os.WriteFile(path, w.Bytes(), 0o644); err != nil {
		return fmt.Errorf("checkpoint: write dense table %s: %w", path, err)
	}
	return nil
}

func writeSparseFile(path string, rows map[uint64]tensor.Value) error {
	w := rpc.NewWriter()
	w.WriteU64(uint64(len(rows)))
	for key, val := range rows {
		w.WriteU64(key)
		rpc.WriteValue(w, val)
	}
	if err := os.WriteFile(path, w.Bytes(), 0o644); err != nil {
		return fmt.Errorf("checkpoint: write sparse table %s: %w", path, err)
	}
	return nil
}

// Load reads a prior Save for modelID from rootDir and restores it into
// store, registering tables fresh if they aren't already present.
func Load(rootDir string, store *table.Store, device tensor.Device, modelID uint64) error {
	dir := modelDir(rootDir, modelID)
	infoBytes, err := os.ReadFile(filepath.Join(dir, modelInfoName))
	if err != nil {
		return fmt.Errorf("checkpoint: load: read model info: %w", err)
	}
	var info modelInfo
	if err := json.Unmarshal(infoBytes, &info); err != nil {
		return fmt.Errorf("checkpoint: load: unmarshal model info: %w", err)
	}

	store.EnsureModel(table.ModelMeta{ID: info.ModelID, Name: info.Name, OptimKind: info.OptimKind, OptimConfig: info.OptimConfig, Tables: map[uint64]table.TableMeta{}})

	for _, ti := range info.Tables {
		switch ti.Kind {
		case table.Dense:
			val, err := readDenseFile(denseTablePath(dir, ti.TableID), device)
			if err != nil {
				return err
			}
			if _, err := store.RegisterDenseTable(info.ModelID, ti.TableID, ti.Name, tensor.NewShape(ti.Shape...), ti.EType, val.Param); err != nil && !errors.Is(err, kerr.ErrDuplicateName) {
				return fmt.Errorf("checkpoint: load: register dense table %d: %w", ti.TableID, err)
			}
			dt, err := store.DenseTableForTransfer(info.ModelID, ti.TableID)
			if err != nil {
				return err
			}
			dt.Restore(val)
		case table.Sparse:
			init := tensor.NewInitializer(ti.InitKind, ti.InitConfig, nil)
			if _, err := store.RegisterSparseTable(info.ModelID, ti.TableID, ti.Name, ti.Dim, ti.EType, init); err != nil && !errors.Is(err, kerr.ErrDuplicateName) {
				return fmt.Errorf("checkpoint: load: register sparse table %d: %w", ti.TableID, err)
			}
			st, err := store.SparseTableForTransfer(info.ModelID, ti.TableID)
			if err != nil {
				return err
			}
			rows, err := readSparseFile(sparseTablePath(dir, ti.TableID), device)
			if err != nil {
				return err
			}
			for key, val := range rows {
				st.Restore(key, val)
			}
		}
	}
	return nil
}

func readDenseFile(path string, device tensor.Device) (tensor.Value, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return tensor.Value{}, fmt.Errorf("checkpoint: read dense table %s: %w", path, err)
	}
	r := rpc.NewReader(raw)
	val, err := rpc.ReadValue(r, device)
	if err != nil {
		return tensor.Value{}, fmt.Errorf("checkpoint: decode dense table %s: %w", path, err)
	}
	return val, nil
}

func readSparseFile(path string, device tensor.Device) (map[uint64]tensor.Value, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read sparse table %s: %w", path, err)
	}
	r := rpc.NewReader(raw)
	n, err := r.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decode sparse table %s: %w", path, err)
	}
	out := make(map[uint64]tensor.Value, n)
	for i := uint64(0); i < n; i++ {
		key, err := r.ReadU64()
		if err != nil {
			return nil, fmt.Errorf("checkpoint: decode sparse table %s: %w", path, err)
		}
		val, err := rpc.ReadValue(r, device)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: decode sparse table %s: %w", path, err)
		}
		out[key] = val
	}
	return out, nil
}
