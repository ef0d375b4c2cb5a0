// Package device places batch tensors on a compute unit.
package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorgonia.org/tensor"
)

var (
	ErrUnsupportedDevice = errors.New("device: unsupported device")
	ErrEmptyTensor       = errors.New("device: empty tensor")
)

// Host
// Places tensors in host memory owned by the device, identified by its
// local rank. Placed tensors are private copies, so callers may reuse the
// buffers they built them from.
type Host struct {
	Rank   int
	Placed int
}

// Parse
// Resolves a device spec such as `cpu`, `cpu:1` or a bare local rank.
// Only host devices are available.
func Parse(spec string) (*Host, error) {
	spec = strings.TrimSpace(strings.ToLower(spec))
	if spec == "" || spec == "cpu" {
		return &Host{}, nil
	}
	if rank, err := strconv.Atoi(spec); err == nil && rank >= 0 {
		return &Host{Rank: rank}, nil
	}
	if strings.HasPrefix(spec, "cpu:") {
		rank, err := strconv.Atoi(strings.TrimPrefix(spec, "cpu:"))
		if err != nil || rank < 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedDevice, spec)
		}
		return &Host{Rank: rank}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedDevice, spec)
}

func (h *Host) String() string {
	return "cpu:" + strconv.Itoa(h.Rank)
}

// Place copies t into device memory under name.
func (h *Host) Place(name string, t tensor.Tensor) (tensor.Tensor, error) {
	if t == nil || t.Shape().TotalSize() == 0 {
		return nil, fmt.Errorf("%w: %s on %s", ErrEmptyTensor, name, h)
	}
	placed, ok := t.Clone().(tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("device: cannot copy %s to %s", name, h)
	}
	h.Placed++
	return placed, nil
}
