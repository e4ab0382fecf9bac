//go:build wgpu

package main

import _ "github.com/oisee/cftrace/pkg/gpu/wgpu"
