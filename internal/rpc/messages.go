package rpc

import (
	"kraken-go/internal/optim"
	"kraken-go/internal/table"
	"kraken-go/internal/tensor"
)

// ApplyModelIdRequest asks the scheduler to allocate (or return the
// existing) model_id for a named model.
type ApplyModelIdRequest struct {
	Name string
}

func (m ApplyModelIdRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteString(m.Name)
	return w.Bytes()
}

func UnmarshalApplyModelIdRequest(b []byte) (ApplyModelIdRequest, error) {
	r := NewReader(b)
	name, err := r.ReadString()
	return ApplyModelIdRequest{Name: name}, err
}

type ApplyModelIdResponse struct {
	ModelID uint64
}

func (m ApplyModelIdResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	return w.Bytes()
}

func UnmarshalApplyModelIdResponse(b []byte) (ApplyModelIdResponse, error) {
	r := NewReader(b)
	id, err := r.ReadU64()
	return ApplyModelIdResponse{ModelID: id}, err
}

// ApplyDenseTableRequest asks the scheduler to allocate a table_id for a new
// dense table and assign it a PS shard. The scheduler then issues this same
// request to the owning PS with TableID filled in, so the PS's registration
// call confirms/echoes the canonical id rather than minting its own.
type ApplyDenseTableRequest struct {
	ModelID uint64
	TableID uint64 // 0 when asking the scheduler to allocate; set when the scheduler forwards to a PS
	Name    string
	Shape   []int64
	EType   tensor.ElementType
}

func (m ApplyDenseTableRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteU64(m.TableID)
	w.WriteString(m.Name)
	w.WriteU64(uint64(len(m.Shape)))
	for _, d := range m.Shape {
		w.WriteI64(d)
	}
	w.WriteU8(uint8(m.EType))
	return w.Bytes()
}

func UnmarshalApplyDenseTableRequest(b []byte) (ApplyDenseTableRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return ApplyDenseTableRequest{}, err
	}
	tableID, err := r.ReadU64()
	if err != nil {
		return ApplyDenseTableRequest{}, err
	}
	name, err := r.ReadString()
	if err != nil {
		return ApplyDenseTableRequest{}, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return ApplyDenseTableRequest{}, err
	}
	shape := make([]int64, n)
	for i := range shape {
		d, err := r.ReadI64()
		if err != nil {
			return ApplyDenseTableRequest{}, err
		}
		shape[i] = d
	}
	etRaw, err := r.ReadU8()
	if err != nil {
		return ApplyDenseTableRequest{}, err
	}
	return ApplyDenseTableRequest{ModelID: modelID, TableID: tableID, Name: name, Shape: shape, EType: tensor.ElementType(etRaw)}, nil
}

type ApplyDenseTableResponse struct {
	TableID uint64
}

func (m ApplyDenseTableResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.TableID)
	return w.Bytes()
}

func UnmarshalApplyDenseTableResponse(b []byte) (ApplyDenseTableResponse, error) {
	r := NewReader(b)
	id, err := r.ReadU64()
	return ApplyDenseTableResponse{TableID: id}, err
}

// ApplySparseTableRequest asks the scheduler to allocate a table_id for a
// new sparse (embedding) table; the scheduler then sends it with TableID
// filled in to every registered PS, since a sparse table's keys are spread
// across all of them.
type ApplySparseTableRequest struct {
	ModelID    uint64
	TableID    uint64
	Name       string
	Dimension  int64
	EType      tensor.ElementType
	InitKind   tensor.InitializerKind
	InitConfig map[string]float64
}

func (m ApplySparseTableRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteU64(m.TableID)
	w.WriteString(m.Name)
	w.WriteI64(m.Dimension)
	w.WriteU8(uint8(m.EType))
	w.WriteU8(uint8(m.InitKind))
	w.WriteU64(uint64(len(m.InitConfig)))
	for k, v := range m.InitConfig {
		w.WriteString(k)
		w.WriteF64(v)
	}
	return w.Bytes()
}

func UnmarshalApplySparseTableRequest(b []byte) (ApplySparseTableRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return ApplySparseTableRequest{}, err
	}
	tableID, err := r.ReadU64()
	if err != nil {
		return ApplySparseTableRequest{}, err
	}
	name, err := r.ReadString()
	if err != nil {
		return ApplySparseTableRequest{}, err
	}
	dim, err := r.ReadI64()
	if err != nil {
		return ApplySparseTableRequest{}, err
	}
	etRaw, err := r.ReadU8()
	if err != nil {
		return ApplySparseTableRequest{}, err
	}
	initRaw, err := r.ReadU8()
	if err != nil {
		return ApplySparseTableRequest{}, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return ApplySparseTableRequest{}, err
	}
	cfg := make(map[string]float64, n)
	for i := uint64(0); i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return ApplySparseTableRequest{}, err
		}
		v, err := r.ReadF64()
		if err != nil {
			return ApplySparseTableRequest{}, err
		}
		cfg[k] = v
	}
	return ApplySparseTableRequest{
		ModelID: modelID, TableID: tableID, Name: name, Dimension: dim,
		EType: tensor.ElementType(etRaw), InitKind: tensor.InitializerKind(initRaw), InitConfig: cfg,
	}, nil
}

type ApplySparseTableResponse struct {
	TableID uint64
}

func (m ApplySparseTableResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.TableID)
	return w.Bytes()
}

func UnmarshalApplySparseTableResponse(b []byte) (ApplySparseTableResponse, error) {
	r := NewReader(b)
	id, err := r.ReadU64()
	return ApplySparseTableResponse{TableID: id}, err
}

// PullDenseTableRequest pulls one or more dense tables from a single PS in
// one round trip (CombinePullDenseTable collapses to this when len==1).
type PullDenseTableRequest struct {
	ModelID  uint64
	TableIDs []uint64
}

func (m PullDenseTableRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	WriteU64Slice(w, m.TableIDs)
	return w.Bytes()
}

func UnmarshalPullDenseTableRequest(b []byte) (PullDenseTableRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return PullDenseTableRequest{}, err
	}
	ids, err := ReadU64Slice(r)
	return PullDenseTableRequest{ModelID: modelID, TableIDs: ids}, err
}

type PullDenseTableResponse struct {
	Tensors []tensor.Tensor
}

func (m PullDenseTableResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(uint64(len(m.Tensors)))
	for _, t := range m.Tensors {
		WriteTensor(w, t)
	}
	return w.Bytes()
}

func UnmarshalPullDenseTableResponse(b []byte, device tensor.Device) (PullDenseTableResponse, error) {
	r := NewReader(b)
	n, err := r.ReadU64()
	if err != nil {
		return PullDenseTableResponse{}, err
	}
	out := make([]tensor.Tensor, n)
	for i := range out {
		t, err := ReadTensor(r, device)
		if err != nil {
			return PullDenseTableResponse{}, err
		}
		out[i] = t
	}
	return PullDenseTableResponse{Tensors: out}, nil
}

// PushDenseTableRequest applies one gradient to one dense table.
type PushDenseTableRequest struct {
	ModelID uint64
	TableID uint64
	Grad    tensor.Tensor
	LR      float64
}

func (m PushDenseTableRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteU64(m.TableID)
	WriteTensor(w, m.Grad)
	w.WriteF64(m.LR)
	return w.Bytes()
}

func UnmarshalPushDenseTableRequest(b []byte, device tensor.Device) (PushDenseTableRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return PushDenseTableRequest{}, err
	}
	tableID, err := r.ReadU64()
	if err != nil {
		return PushDenseTableRequest{}, err
	}
	grad, err := ReadTensor(r, device)
	if err != nil {
		return PushDenseTableRequest{}, err
	}
	lr, err := r.ReadF64()
	return PushDenseTableRequest{ModelID: modelID, TableID: tableID, Grad: grad, LR: lr}, err
}

// CombinePullSparseTableRequest pulls a batch of sparse keys from one table.
type CombinePullSparseTableRequest struct {
	ModelID uint64
	TableID uint64
	Keys    []uint64
}

func (m CombinePullSparseTableRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteU64(m.TableID)
	WriteU64Slice(w, m.Keys)
	return w.Bytes()
}

func UnmarshalCombinePullSparseTableRequest(b []byte) (CombinePullSparseTableRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return CombinePullSparseTableRequest{}, err
	}
	tableID, err := r.ReadU64()
	if err != nil {
		return CombinePullSparseTableRequest{}, err
	}
	keys, err := ReadU64Slice(r)
	return CombinePullSparseTableRequest{ModelID: modelID, TableID: tableID, Keys: keys}, err
}

type CombinePullSparseTableResponse struct {
	Values []tensor.Value
}

func (m CombinePullSparseTableResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(uint64(len(m.Values)))
	for _, v := range m.Values {
		WriteValue(w, v)
	}
	return w.Bytes()
}

func UnmarshalCombinePullSparseTableResponse(b []byte, device tensor.Device) (CombinePullSparseTableResponse, error) {
	r := NewReader(b)
	n, err := r.ReadU64()
	if err != nil {
		return CombinePullSparseTableResponse{}, err
	}
	out := make([]tensor.Value, n)
	for i := range out {
		v, err := ReadValue(r, device)
		if err != nil {
			return CombinePullSparseTableResponse{}, err
		}
		out[i] = v
	}
	return CombinePullSparseTableResponse{Values: out}, nil
}

// CombinePushSparseTableRequest groups per-table key/gradient batches into a
// single request, mirroring table.SparseItem.
type SparseItemWire struct {
	TableID uint64
	Keys    []uint64
	Grads   []tensor.Tensor
}

type CombinePushSparseTableRequest struct {
	ModelID uint64
	Items   []SparseItemWire
	LR      float64
}

func (m CombinePushSparseTableRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteU64(uint64(len(m.Items)))
	for _, it := range m.Items {
		w.WriteU64(it.TableID)
		WriteU64Slice(w, it.Keys)
		w.WriteU64(uint64(len(it.Grads)))
		for _, g := range it.Grads {
			WriteTensor(w, g)
		}
	}
	w.WriteF64(m.LR)
	return w.Bytes()
}

func UnmarshalCombinePushSparseTableRequest(b []byte, device tensor.Device) (CombinePushSparseTableRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return CombinePushSparseTableRequest{}, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return CombinePushSparseTableRequest{}, err
	}
	items := make([]SparseItemWire, n)
	for i := range items {
		tableID, err := r.ReadU64()
		if err != nil {
			return CombinePushSparseTableRequest{}, err
		}
		keys, err := ReadU64Slice(r)
		if err != nil {
			return CombinePushSparseTableRequest{}, err
		}
		gn, err := r.ReadU64()
		if err != nil {
			return CombinePushSparseTableRequest{}, err
		}
		grads := make([]tensor.Tensor, gn)
		for j := range grads {
			g, err := ReadTensor(r, device)
			if err != nil {
				return CombinePushSparseTableRequest{}, err
			}
			grads[j] = g
		}
		items[i] = SparseItemWire{TableID: tableID, Keys: keys, Grads: grads}
	}
	lr, err := r.ReadF64()
	return CombinePushSparseTableRequest{ModelID: modelID, Items: items, LR: lr}, err
}

// PushResultWire mirrors table.PushResult, carrying an error string instead
// of an error value.
type PushResultWire struct {
	TableID uint64
	ErrMsg  string
}

type CombinePushSparseTableResponse struct {
	Results []PushResultWire
}

func (m CombinePushSparseTableResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(uint64(len(m.Results)))
	for _, res := range m.Results {
		w.WriteU64(res.TableID)
		w.WriteString(res.ErrMsg)
	}
	return w.Bytes()
}

func UnmarshalCombinePushSparseTableResponse(b []byte) (CombinePushSparseTableResponse, error) {
	r := NewReader(b)
	n, err := r.ReadU64()
	if err != nil {
		return CombinePushSparseTableResponse{}, err
	}
	out := make([]PushResultWire, n)
	for i := range out {
		tableID, err := r.ReadU64()
		if err != nil {
			return CombinePushSparseTableResponse{}, err
		}
		msg, err := r.ReadString()
		if err != nil {
			return CombinePushSparseTableResponse{}, err
		}
		out[i] = PushResultWire{TableID: tableID, ErrMsg: msg}
	}
	return CombinePushSparseTableResponse{Results: out}, nil
}

// FromPushResults converts table.PushResult into the wire form.
func FromPushResults(results []table.PushResult) []PushResultWire {
	out := make([]PushResultWire, len(results))
	for i, r := range results {
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		out[i] = PushResultWire{TableID: r.TableID, ErrMsg: msg}
	}
	return out
}

// TryCombineFetchDenseTableRequest is the debug/inspector read path: fetch a
// dense table's full value (parameter + optimizer state) without going
// through the normal Pull semantics.
type TryCombineFetchDenseTableRequest struct {
	ModelID uint64
	TableID uint64
}

func (m TryCombineFetchDenseTableRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteU64(m.TableID)
	return w.Bytes()
}

func UnmarshalTryCombineFetchDenseTableRequest(b []byte) (TryCombineFetchDenseTableRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return TryCombineFetchDenseTableRequest{}, err
	}
	tableID, err := r.ReadU64()
	return TryCombineFetchDenseTableRequest{ModelID: modelID, TableID: tableID}, err
}

type TryCombineFetchDenseTableResponse struct {
	Exists bool
	Value  tensor.Value
}

func (m TryCombineFetchDenseTableResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteBool(m.Exists)
	if m.Exists {
		WriteValue(w, m.Value)
	}
	return w.Bytes()
}

func UnmarshalTryCombineFetchDenseTableResponse(b []byte, device tensor.Device) (TryCombineFetchDenseTableResponse, error) {
	r := NewReader(b)
	exists, err := r.ReadBool()
	if err != nil || !exists {
		return TryCombineFetchDenseTableResponse{Exists: exists}, err
	}
	v, err := ReadValue(r, device)
	return TryCombineFetchDenseTableResponse{Exists: true, Value: v}, err
}

// TryFetchSparseValuesRequest is the inspector read path for sparse tables:
// return only the keys that are currently materialized.
type TryFetchSparseValuesRequest struct {
	ModelID uint64
	TableID uint64
	Keys    []uint64
}

func (m TryFetchSparseValuesRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteU64(m.TableID)
	WriteU64Slice(w, m.Keys)
	return w.Bytes()
}

func UnmarshalTryFetchSparseValuesRequest(b []byte) (TryFetchSparseValuesRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return TryFetchSparseValuesRequest{}, err
	}
	tableID, err := r.ReadU64()
	if err != nil {
		return TryFetchSparseValuesRequest{}, err
	}
	keys, err := ReadU64Slice(r)
	return TryFetchSparseValuesRequest{ModelID: modelID, TableID: tableID, Keys: keys}, err
}

type TryFetchSparseValuesResponse struct {
	ExistingKeys []uint64
	Values       []tensor.Value
}

func (m TryFetchSparseValuesResponse) Marshal() []byte {
	w := NewWriter()
	WriteU64Slice(w, m.ExistingKeys)
	w.WriteU64(uint64(len(m.Values)))
	for _, v := range m.Values {
		WriteValue(w, v)
	}
	return w.Bytes()
}

func UnmarshalTryFetchSparseValuesResponse(b []byte, device tensor.Device) (TryFetchSparseValuesResponse, error) {
	r := NewReader(b)
	keys, err := ReadU64Slice(r)
	if err != nil {
		return TryFetchSparseValuesResponse{}, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return TryFetchSparseValuesResponse{}, err
	}
	values := make([]tensor.Value, n)
	for i := range values {
		v, err := ReadValue(r, device)
		if err != nil {
			return TryFetchSparseValuesResponse{}, err
		}
		values[i] = v
	}
	return TryFetchSparseValuesResponse{ExistingKeys: keys, Values: values}, nil
}

// TryFetchSparseMetaDataRequest asks a PS for a sparse table's shape/count
// metadata without touching any row data.
type TryFetchSparseMetaDataRequest struct {
	ModelID uint64
	TableID uint64
}

func (m TryFetchSparseMetaDataRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteU64(m.TableID)
	return w.Bytes()
}

func UnmarshalTryFetchSparseMetaDataRequest(b []byte) (TryFetchSparseMetaDataRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return TryFetchSparseMetaDataRequest{}, err
	}
	tableID, err := r.ReadU64()
	return TryFetchSparseMetaDataRequest{ModelID: modelID, TableID: tableID}, err
}

type TryFetchSparseMetaDataResponse struct {
	Dimension int64
	EType     tensor.ElementType
	Count     int64
}

func (m TryFetchSparseMetaDataResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteI64(m.Dimension)
	w.WriteU8(uint8(m.EType))
	w.WriteI64(m.Count)
	return w.Bytes()
}

func UnmarshalTryFetchSparseMetaDataResponse(b []byte) (TryFetchSparseMetaDataResponse, error) {
	r := NewReader(b)
	dim, err := r.ReadI64()
	if err != nil {
		return TryFetchSparseMetaDataResponse{}, err
	}
	etRaw, err := r.ReadU8()
	if err != nil {
		return TryFetchSparseMetaDataResponse{}, err
	}
	count, err := r.ReadI64()
	return TryFetchSparseMetaDataResponse{Dimension: dim, EType: tensor.ElementType(etRaw), Count: count}, err
}

// SaveLoadRequest carries the (model_id, directory) pair shared by all four
// save/load operations (notify and try variants).
type SaveLoadRequest struct {
	ModelID uint64
	Dir     string
}

func (m SaveLoadRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteString(m.Dir)
	return w.Bytes()
}

func UnmarshalSaveLoadRequest(b []byte) (SaveLoadRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return SaveLoadRequest{}, err
	}
	dir, err := r.ReadString()
	return SaveLoadRequest{ModelID: modelID, Dir: dir}, err
}

// TrySaveLoadResponse reports success/failure for TrySaveModel/TryLoadModel;
// NotifySaveModel/NotifyLoadModel use an empty Reply body instead and report
// failure through Reply.ErrMsg; the scheduler waits for every owning PS's
// reply and returns the first error.
type TrySaveLoadResponse struct {
	Success bool
}

func (m TrySaveLoadResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteBool(m.Success)
	return w.Bytes()
}

func UnmarshalTrySaveLoadResponse(b []byte) (TrySaveLoadResponse, error) {
	r := NewReader(b)
	ok, err := r.ReadBool()
	return TrySaveLoadResponse{Success: ok}, err
}

// IsAllPsWorkingResponse reports cluster-wide readiness to the worker asking
// whether it is safe to resume sending data-plane requests.
type IsAllPsWorkingResponse struct {
	AllWorking bool
}

func (m IsAllPsWorkingResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteBool(m.AllWorking)
	return w.Bytes()
}

func UnmarshalIsAllPsWorkingResponse(b []byte) (IsAllPsWorkingResponse, error) {
	r := NewReader(b)
	ok, err := r.ReadBool()
	return IsAllPsWorkingResponse{AllWorking: ok}, err
}

// UpdateRouterRequest pushes a fresh cluster membership snapshot from the
// scheduler to a PS (workers fetch theirs through GetClusterView), out of
// band from the request/response pairs
// above: its own Envelope.RouterVersion field carries the new version and
// NodeIDs enumerates the ring's membership at that version.
type UpdateRouterRequest struct {
	NodeIDs  []uint64
	Replicas int32
}

func (m UpdateRouterRequest) Marshal() []byte {
	w := NewWriter()
	WriteU64Slice(w, m.NodeIDs)
	w.WriteU32(uint32(m.Replicas))
	return w.Bytes()
}

func UnmarshalUpdateRouterRequest(b []byte) (UpdateRouterRequest, error) {
	r := NewReader(b)
	ids, err := ReadU64Slice(r)
	if err != nil {
		return UpdateRouterRequest{}, err
	}
	replicas, err := r.ReadU32()
	return UpdateRouterRequest{NodeIDs: ids, Replicas: int32(replicas)}, err
}

// EnsureModelRequest pushes a model's identity and optimizer configuration
// from the scheduler to a PS the first time that model is assigned a shard
// on it, ahead of any ApplyDenseTable/ApplySparseTable for that model.
type EnsureModelRequest struct {
	ModelID     uint64
	Name        string
	OptimKind   optim.Kind
	OptimConfig optim.Config
}

func (m EnsureModelRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteString(m.Name)
	w.WriteU8(uint8(m.OptimKind))
	w.WriteF64(m.OptimConfig.Eps)
	w.WriteF64(m.OptimConfig.Beta1)
	w.WriteF64(m.OptimConfig.Beta2)
	w.WriteF64(m.OptimConfig.WeightDecay)
	w.WriteBool(m.OptimConfig.Centered)
	w.WriteBool(m.OptimConfig.AMSGrad)
	return w.Bytes()
}

func UnmarshalEnsureModelRequest(b []byte) (EnsureModelRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return EnsureModelRequest{}, err
	}
	name, err := r.ReadString()
	if err != nil {
		return EnsureModelRequest{}, err
	}
	kindRaw, err := r.ReadU8()
	if err != nil {
		return EnsureModelRequest{}, err
	}
	cfg := optim.Config{}
	if cfg.Eps, err = r.ReadF64(); err != nil {
		return EnsureModelRequest{}, err
	}
	if cfg.Beta1, err = r.ReadF64(); err != nil {
		return EnsureModelRequest{}, err
	}
	if cfg.Beta2, err = r.ReadF64(); err != nil {
		return EnsureModelRequest{}, err
	}
	if cfg.WeightDecay, err = r.ReadF64(); err != nil {
		return EnsureModelRequest{}, err
	}
	if cfg.Centered, err = r.ReadBool(); err != nil {
		return EnsureModelRequest{}, err
	}
	if cfg.AMSGrad, err = r.ReadBool(); err != nil {
		return EnsureModelRequest{}, err
	}
	return EnsureModelRequest{ModelID: modelID, Name: name, OptimKind: optim.Kind(kindRaw), OptimConfig: cfg}, nil
}

// SparseRowWire is one (key, value) pair within a full sparse table dump or
// restore, used by shard transfer rather than the keyed pull/push surface.
type SparseRowWire struct {
	Key   uint64
	Value tensor.Value
}

func writeSparseRows(w *Writer, rows []SparseRowWire) {
	w.WriteU64(uint64(len(rows)))
	for _, row := range rows {
		w.WriteU64(row.Key)
		WriteValue(w, row.Value)
	}
}

func readSparseRows(r *Reader, device tensor.Device) ([]SparseRowWire, error) {
	n, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	rows := make([]SparseRowWire, n)
	for i := range rows {
		key, err := r.ReadU64()
		if err != nil {
			return nil, err
		}
		val, err := ReadValue(r, device)
		if err != nil {
			return nil, err
		}
		rows[i] = SparseRowWire{Key: key, Value: val}
	}
	return rows, nil
}

// DumpSparseTableRequest asks a PS for every row of one sparse table, for
// shard transfer during a membership change; the scheduler does not track
// individual keys, so this bypasses the keyed pull surface.
type DumpSparseTableRequest struct {
	ModelID uint64
	TableID uint64
}

func (m DumpSparseTableRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteU64(m.TableID)
	return w.Bytes()
}

func UnmarshalDumpSparseTableRequest(b []byte) (DumpSparseTableRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return DumpSparseTableRequest{}, err
	}
	tableID, err := r.ReadU64()
	return DumpSparseTableRequest{ModelID: modelID, TableID: tableID}, err
}

type DumpSparseTableResponse struct {
	Name       string
	Dimension  int64
	EType      tensor.ElementType
	InitKind   tensor.InitializerKind
	InitConfig map[string]float64
	Rows       []SparseRowWire
}

func (m DumpSparseTableResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteString(m.Name)
	w.WriteI64(m.Dimension)
	w.WriteU8(uint8(m.EType))
	w.WriteU8(uint8(m.InitKind))
	w.WriteU64(uint64(len(m.InitConfig)))
	for k, v := range m.InitConfig {
		w.WriteString(k)
		w.WriteF64(v)
	}
	writeSparseRows(w, m.Rows)
	return w.Bytes()
}

func UnmarshalDumpSparseTableResponse(b []byte, device tensor.Device) (DumpSparseTableResponse, error) {
	r := NewReader(b)
	name, err := r.ReadString()
	if err != nil {
		return DumpSparseTableResponse{}, err
	}
	dim, err := r.ReadI64()
	if err != nil {
		return DumpSparseTableResponse{}, err
	}
	etRaw, err := r.ReadU8()
	if err != nil {
		return DumpSparseTableResponse{}, err
	}
	initRaw, err := r.ReadU8()
	if err != nil {
		return DumpSparseTableResponse{}, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return DumpSparseTableResponse{}, err
	}
	cfg := make(map[string]float64, n)
	for i := uint64(0); i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return DumpSparseTableResponse{}, err
		}
		v, err := r.ReadF64()
		if err != nil {
			return DumpSparseTableResponse{}, err
		}
		cfg[k] = v
	}
	rows, err := readSparseRows(r, device)
	if err != nil {
		return DumpSparseTableResponse{}, err
	}
	return DumpSparseTableResponse{
		Name: name, Dimension: dim, EType: tensor.ElementType(etRaw), InitKind: tensor.InitializerKind(initRaw),
		InitConfig: cfg, Rows: rows,
	}, nil
}

// RestoreDenseTableRequest installs a full dense table (value plus optimizer
// state) on the destination PS of a shard transfer.
type RestoreDenseTableRequest struct {
	ModelID uint64
	TableID uint64
	Name    string
	Shape   []int64
	EType   tensor.ElementType
	Value   tensor.Value
}

func (m RestoreDenseTableRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteU64(m.TableID)
	w.WriteString(m.Name)
	w.WriteU64(uint64(len(m.Shape)))
	for _, d := range m.Shape {
		w.WriteI64(d)
	}
	w.WriteU8(uint8(m.EType))
	WriteValue(w, m.Value)
	return w.Bytes()
}

func UnmarshalRestoreDenseTableRequest(b []byte, device tensor.Device) (RestoreDenseTableRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return RestoreDenseTableRequest{}, err
	}
	tableID, err := r.ReadU64()
	if err != nil {
		return RestoreDenseTableRequest{}, err
	}
	name, err := r.ReadString()
	if err != nil {
		return RestoreDenseTableRequest{}, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return RestoreDenseTableRequest{}, err
	}
	shape := make([]int64, n)
	for i := range shape {
		d, err := r.ReadI64()
		if err != nil {
			return RestoreDenseTableRequest{}, err
		}
		shape[i] = d
	}
	etRaw, err := r.ReadU8()
	if err != nil {
		return RestoreDenseTableRequest{}, err
	}
	val, err := ReadValue(r, device)
	if err != nil {
		return RestoreDenseTableRequest{}, err
	}
	return RestoreDenseTableRequest{ModelID: modelID, TableID: tableID, Name: name, Shape: shape, EType: tensor.ElementType(etRaw), Value: val}, nil
}

// RestoreSparseTableRequest installs a full sparse table's rows on the
// destination PS of a shard transfer.
type RestoreSparseTableRequest struct {
	ModelID    uint64
	TableID    uint64
	Name       string
	Dimension  int64
	EType      tensor.ElementType
	InitKind   tensor.InitializerKind
	InitConfig map[string]float64
	Rows       []SparseRowWire
}

func (m RestoreSparseTableRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteU64(m.TableID)
	w.WriteString(m.Name)
	w.WriteI64(m.Dimension)
	w.WriteU8(uint8(m.EType))
	w.WriteU8(uint8(m.InitKind))
	w.WriteU64(uint64(len(m.InitConfig)))
	for k, v := range m.InitConfig {
		w.WriteString(k)
		w.WriteF64(v)
	}
	writeSparseRows(w, m.Rows)
	return w.Bytes()
}

func UnmarshalRestoreSparseTableRequest(b []byte, device tensor.Device) (RestoreSparseTableRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return RestoreSparseTableRequest{}, err
	}
	tableID, err := r.ReadU64()
	if err != nil {
		return RestoreSparseTableRequest{}, err
	}
	name, err := r.ReadString()
	if err != nil {
		return RestoreSparseTableRequest{}, err
	}
	dim, err := r.ReadI64()
	if err != nil {
		return RestoreSparseTableRequest{}, err
	}
	etRaw, err := r.ReadU8()
	if err != nil {
		return RestoreSparseTableRequest{}, err
	}
	initRaw, err := r.ReadU8()
	if err != nil {
		return RestoreSparseTableRequest{}, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return RestoreSparseTableRequest{}, err
	}
	cfg := make(map[string]float64, n)
	for i := uint64(0); i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return RestoreSparseTableRequest{}, err
		}
		v, err := r.ReadF64()
		if err != nil {
			return RestoreSparseTableRequest{}, err
		}
		cfg[k] = v
	}
	rows, err := readSparseRows(r, device)
	if err != nil {
		return RestoreSparseTableRequest{}, err
	}
	return RestoreSparseTableRequest{
		ModelID: modelID, TableID: tableID, Name: name, Dimension: dim, EType: tensor.ElementType(etRaw),
		InitKind: tensor.InitializerKind(initRaw), InitConfig: cfg, Rows: rows,
	}, nil
}

// RegisterPSRequest asks the scheduler to admit a new PS node reachable at
// Addr; the scheduler assigns it a node id.
type RegisterPSRequest struct {
	Addr string
}

func (m RegisterPSRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteString(m.Addr)
	return w.Bytes()
}

func UnmarshalRegisterPSRequest(b []byte) (RegisterPSRequest, error) {
	r := NewReader(b)
	addr, err := r.ReadString()
	return RegisterPSRequest{Addr: addr}, err
}

type RegisterPSResponse struct {
	NodeID uint64
}

func (m RegisterPSResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.NodeID)
	return w.Bytes()
}

func UnmarshalRegisterPSResponse(b []byte) (RegisterPSResponse, error) {
	r := NewReader(b)
	id, err := r.ReadU64()
	return RegisterPSResponse{NodeID: id}, err
}

// NodeAddr is one PS node's id and dial address, as known by the scheduler.
type NodeAddr struct {
	NodeID uint64
	Addr   string
}

// GetClusterViewResponse answers a worker's (or PS's) request for the
// current router version plus the addresses it needs to dial nodes the
// router names, since the router itself only carries node ids.
type GetClusterViewResponse struct {
	Version  uint64
	Replicas int32
	Nodes    []NodeAddr
}

func (m GetClusterViewResponse) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.Version)
	w.WriteU32(uint32(m.Replicas))
	w.WriteU64(uint64(len(m.Nodes)))
	for _, n := range m.Nodes {
		w.WriteU64(n.NodeID)
		w.WriteString(n.Addr)
	}
	return w.Bytes()
}

func UnmarshalGetClusterViewResponse(b []byte) (GetClusterViewResponse, error) {
	r := NewReader(b)
	version, err := r.ReadU64()
	if err != nil {
		return GetClusterViewResponse{}, err
	}
	replicas, err := r.ReadU32()
	if err != nil {
		return GetClusterViewResponse{}, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return GetClusterViewResponse{}, err
	}
	nodes := make([]NodeAddr, n)
	for i := range nodes {
		id, err := r.ReadU64()
		if err != nil {
			return GetClusterViewResponse{}, err
		}
		addr, err := r.ReadString()
		if err != nil {
			return GetClusterViewResponse{}, err
		}
		nodes[i] = NodeAddr{NodeID: id, Addr: addr}
	}
	return GetClusterViewResponse{Version: version, Replicas: int32(replicas), Nodes: nodes}, nil
}

// EvictSparseKeysRequest drops a set of rows from a sparse table on the
// node handling this request, issued against the former owner once its rows
// have been restored on their new owner during shard transfer.
type EvictSparseKeysRequest struct {
	ModelID uint64
	TableID uint64
	Keys    []uint64
}

func (m EvictSparseKeysRequest) Marshal() []byte {
	w := NewWriter()
	w.WriteU64(m.ModelID)
	w.WriteU64(m.TableID)
	WriteU64Slice(w, m.Keys)
	return w.Bytes()
}

func UnmarshalEvictSparseKeysRequest(b []byte) (EvictSparseKeysRequest, error) {
	r := NewReader(b)
	modelID, err := r.ReadU64()
	if err != nil {
		return EvictSparseKeysRequest{}, err
	}
	tableID, err := r.ReadU64()
	if err != nil {
		return EvictSparseKeysRequest{}, err
	}
	keys, err := ReadU64Slice(r)
	if err != nil {
		return EvictSparseKeysRequest{}, err
	}
	return EvictSparseKeysRequest{ModelID: modelID, TableID: tableID, Keys: keys}, nil
}
