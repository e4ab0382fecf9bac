package wgpu

import (
	"fmt"

	"github.com/oisee/cftrace/pkg/gpu"
)

// lost reports a failed device call as a lost device. A nil err stays nil.
func lost(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("wgpu: %s: %w: %w", op, gpu.ErrDeviceLost, err)
}
