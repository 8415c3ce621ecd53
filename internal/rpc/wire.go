package rpc

import (
	"fmt"

	"kraken-go/internal/tensor"
)

// WriteShape serializes a tensor's dims as a count-prefixed list.
func WriteShape(w *Writer, s tensor.Shape) {
	dims := s.Dims()
	w.WriteU64(uint64(len(dims)))
	for _, d := range dims {
		w.WriteI64(d)
	}
}

func ReadShape(r *Reader) (tensor.Shape, error) {
	n, err := r.ReadU64()
	if err != nil {
		return tensor.Shape{}, err
	}
	dims := make([]int64, n)
	for i := range dims {
		d, err := r.ReadI64()
		if err != nil {
			return tensor.Shape{}, err
		}
		dims[i] = d
	}
	return tensor.NewShape(dims...), nil
}

// WriteTensor serializes a tensor's shape, element type (u8), and raw
// element bytes in row-major order.
func WriteTensor(w *Writer, t tensor.Tensor) {
	WriteShape(w, t.Shape())
	w.WriteU8(uint8(t.ElementType()))
	raw := rawBytes(t)
	w.WriteBytes(raw)
}

func rawBytes(t tensor.Tensor) []byte {
	switch t.ElementType() {
	case tensor.F32:
		f := t.Float32()
		out := make([]byte, len(f)*4)
		wr := NewWriter()
		for _, v := range f {
			wr.WriteF32(v)
		}
		copy(out, wr.Bytes())
		return out
	case tensor.F64:
		f := t.Float64()
		wr := NewWriter()
		for _, v := range f {
			wr.WriteF64(v)
		}
		return wr.Bytes()
	default:
		panic(fmt.Sprintf("rpc: wire: unsupported element type for serialization: %s", t.ElementType()))
	}
}

// ReadTensor deserializes a tensor built fresh on device.
func ReadTensor(r *Reader, device tensor.Device) (tensor.Tensor, error) {
	shape, err := ReadShape(r)
	if err != nil {
		return tensor.Tensor{}, err
	}
	etRaw, err := r.ReadU8()
	if err != nil {
		return tensor.Tensor{}, err
	}
	et := tensor.ElementType(etRaw)
	raw, err := r.ReadBytes()
	if err != nil {
		return tensor.Tensor{}, err
	}
	t := tensor.New(device, shape, et)
	body := NewReader(raw)
	switch et {
	case tensor.F32:
		f := t.Float32()
		for i := range f {
			v, err := body.ReadF32()
			if err != nil {
				return tensor.Tensor{}, err
			}
			f[i] = v
		}
	case tensor.F64:
		f := t.Float64()
		for i := range f {
			v, err := body.ReadF64()
			if err != nil {
				return tensor.Tensor{}, err
			}
			f[i] = v
		}
	default:
		return tensor.Tensor{}, fmt.Errorf("rpc: wire: unsupported element type %d", et)
	}
	return t, nil
}

// WriteValue serializes a Value: Param, then state-tag tensors, then
// state-tag scalars.
func WriteValue(w *Writer, v tensor.Value) {
	WriteTensor(w, v.Param)
	w.WriteU64(uint64(len(v.States)))
	for tag, t := range v.States {
		w.WriteU32(uint32(tag))
		WriteTensor(w, t)
	}
	w.WriteU64(uint64(len(v.Scalars)))
	for tag, s := range v.Scalars {
		w.WriteU32(uint32(tag))
		w.WriteI64(s)
	}
}

func ReadValue(r *Reader, device tensor.Device) (tensor.Value, error) {
	param, err := ReadTensor(r, device)
	if err != nil {
		return tensor.Value{}, err
	}
	val := tensor.NewValue(param)

	nStates, err := r.ReadU64()
	if err != nil {
		return tensor.Value{}, err
	}
	for i := uint64(0); i < nStates; i++ {
		tagRaw, err := r.ReadU32()
		if err != nil {
			return tensor.Value{}, err
		}
		st, err := ReadTensor(r, device)
		if err != nil {
			return tensor.Value{}, err
		}
		val.States[tensor.StateTag(tagRaw)] = st
	}

	nScalars, err := r.ReadU64()
	if err != nil {
		return tensor.Value{}, err
	}
	for i := uint64(0); i < nScalars; i++ {
		tagRaw, err := r.ReadU32()
		if err != nil {
			return tensor.Value{}, err
		}
		s, err := r.ReadI64()
		if err != nil {
			return tensor.Value{}, err
		}
		val.Scalars[tensor.StateTag(tagRaw)] = s
	}
	return val, nil
}

// WriteU64Slice writes a u64-count-prefixed list of u64s (sparse key lists,
// node id lists).
func WriteU64Slice(w *Writer, vals []uint64) {
	w.WriteU64(uint64(len(vals)))
	for _, v := range vals {
		w.WriteU64(v)
	}
}

func ReadU64Slice(r *Reader) ([]uint64, error) {
	n, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		v, err := r.ReadU64()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
