package table

import (
	"kraken-go/internal/optim"
	"kraken-go/internal/tensor"
)

// Kind distinguishes a dense parameter block from a sparse embedding table.
type Kind uint8

const (
	Dense Kind = iota
	Sparse
)

func (k Kind) String() string {
	if k == Dense {
		return "dense"
	}
	return "sparse"
}

// TableMeta describes one table's identity, shape, and initialization.
type TableMeta struct {
	ID      uint64
	Name    string
	Kind    Kind
	EType   tensor.ElementType
	Shape   tensor.Shape // dense only
	Dim     int64        // sparse only: row dimension
	InitKind tensor.InitializerKind
	InitConfig map[string]float64
}

// ModelMeta describes one model's identity, optimizer, and tables.
type ModelMeta struct {
	ID          uint64
	Name        string
	OptimKind   optim.Kind
	OptimConfig optim.Config
	Tables      map[uint64]TableMeta // table_id -> meta
}
