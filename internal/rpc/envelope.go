package rpc

// Opcode identifies which request/response pair a message body carries.
type Opcode uint8

const (
	OpApplyModelId Opcode = iota
	OpApplyDenseTable
	OpApplySparseTable
	OpPullDenseTable
	OpPushDenseTable
	OpCombinePullSparseTable
	OpCombinePushSparseTable
	OpTryCombineFetchDenseTable
	OpTryFetchSparseValues
	OpTryFetchSparseMetaData
	OpNotifySaveModel
	OpNotifyLoadModel
	OpTrySaveModel
	OpTryLoadModel
	OpIsAllPsWorking
	OpUpdateRouter
	OpEnsureModel
	OpDumpSparseTable
	OpRestoreDenseTable
	OpRestoreSparseTable
	OpRegisterPS
	OpGetClusterView
	OpEvictSparseKeys
)

var opcodeNames = [...]string{
	"apply_model_id", "apply_dense_table", "apply_sparse_table",
	"pull_dense_table", "push_dense_table",
	"combine_pull_sparse_table", "combine_push_sparse_table",
	"try_combine_fetch_dense_table", "try_fetch_sparse_values", "try_fetch_sparse_metadata",
	"notify_save_model", "notify_load_model", "try_save_model", "try_load_model",
	"is_all_ps_working", "update_router", "ensure_model",
	"dump_sparse_table", "restore_dense_table", "restore_sparse_table",
	"register_ps", "get_cluster_view", "evict_sparse_keys",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "unknown"
}

// Envelope is the outer message every RPC carries: every data-plane message
// includes router_version, which the PS checks before touching the table
// store.
type Envelope struct {
	Opcode        Opcode
	RouterVersion uint64
	RequestID     [16]byte // set from uuid.NewRandom() by CallAt
	Body          []byte
}

// Encode serializes the envelope header plus body. Transport frames this
// with an outer u32 length prefix (see transport.go).
func (e Envelope) Encode() []byte {
	w := NewWriter()
	w.WriteU8(uint8(e.Opcode))
	w.WriteU64(e.RouterVersion)
	w.buf.Write(e.RequestID[:])
	w.WriteBytes(e.Body)
	return w.Bytes()
}

// DecodeEnvelope parses bytes produced by Encode.
func DecodeEnvelope(b []byte) (Envelope, error) {
	r := NewReader(b)
	opRaw, err := r.ReadU8()
	if err != nil {
		return Envelope{}, err
	}
	version, err := r.ReadU64()
	if err != nil {
		return Envelope{}, err
	}
	if err := r.need(16); err != nil {
		return Envelope{}, err
	}
	var id [16]byte
	copy(id[:], r.buf[r.pos:r.pos+16])
	r.pos += 16
	body, err := r.ReadBytes()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Opcode: Opcode(opRaw), RouterVersion: version, RequestID: id, Body: body}, nil
}

// Reply is the outer frame for a response: an error message ahead of the
// opcode-specific body, so a typed failure (stale router version, cluster
// busy, ...) survives transport as structured text rather than a bare
// connection failure.
type Reply struct {
	ErrMsg string // empty on success
	Body   []byte
}

func (rp Reply) Encode() []byte {
	w := NewWriter()
	w.WriteString(rp.ErrMsg)
	w.WriteBytes(rp.Body)
	return w.Bytes()
}

func DecodeReply(b []byte) (Reply, error) {
	r := NewReader(b)
	msg, err := r.ReadString()
	if err != nil {
		return Reply{}, err
	}
	body, err := r.ReadBytes()
	if err != nil {
		return Reply{}, err
	}
	return Reply{ErrMsg: msg, Body: body}, nil
}
