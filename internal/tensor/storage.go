package tensor

// Storage is the shared byte buffer backing one or more Tensor views. Unlike
// kraken's C++ TensorStorage, which keeps an explicit atomic refcount via
// std::shared_ptr, Go's garbage collector already keeps the backing array
// alive for as long as any Tensor references it; Storage is a thin typed
// wrapper so callers never hold a bare []byte and lose the Device/size
// bookkeeping that accompanies it.
type Storage struct {
	device Device
	buf    []byte
}

// NewStorage allocates a zeroed Storage of numBytes on device.
func NewStorage(device Device, numBytes int64) *Storage {
	return &Storage{device: device, buf: device.alloc(numBytes)}
}

// StorageFrom wraps an existing byte slice without copying, mirroring
// TensorStorage::create_from for deserialization paths that already hold a
// decoded buffer.
func StorageFrom(device Device, buf []byte) *Storage {
	return &Storage{device: device, buf: buf}
}

func (s *Storage) Device() Device { return s.device }
func (s *Storage) Size() int64    { return int64(len(s.buf)) }
func (s *Storage) Bytes() []byte  { return s.buf }
