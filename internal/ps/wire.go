package ps

import (
	"kraken-go/internal/router"
	"kraken-go/internal/rpc"
	"kraken-go/internal/tensor"
)

func shapeOf(dims []int64) tensor.Shape { return tensor.NewShape(dims...) }

func zeroTensor(device tensor.Device, dims []int64, etype tensor.ElementType) tensor.Tensor {
	return tensor.New(device, shapeOf(dims), etype)
}

func newRouterFromWire(version uint64, req rpc.UpdateRouterRequest) *router.Router {
	return router.NewRouter(version, req.NodeIDs, int(req.Replicas))
}
