// Package device describes where a layer is processed and decides, per
// layer, which device that is.
package device

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/cpu"
)

// Device is a working memory/compute location a layer can be moved to.
type Device struct {
	Kind     string // "cpu"
	Index    int
	Features []string
}

func (d Device) String() string {
	if d.Index == 0 && d.Kind == "cpu" {
		return "cpu"
	}
	return d.Kind + ":" + strconv.Itoa(d.Index)
}

// Host returns the host CPU with its detected vector extensions.
func Host() Device {
	return Device{Kind: "cpu", Features: cpuFeatures()}
}

func cpuFeatures() []string {
	var f []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX {
			f = append(f, "avx")
		}
		if cpu.X86.HasAVX2 {
			f = append(f, "avx2")
		}
		if cpu.X86.HasFMA {
			f = append(f, "fma")
		}
		if cpu.X86.HasAVX512F {
			f = append(f, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			f = append(f, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			f = append(f, "fphp")
		}
		if cpu.ARM64.HasSVE {
			f = append(f, "sve")
		}
	}
	return f
}

// Allocator picks the working device for each layer. The pipeline asks once
// per layer, before moving the layer.
type Allocator interface {
	Assign(layer int) Device
}

// Single places every layer on the same device.
type Single struct {
	Device Device
}

func (s Single) Assign(int) Device { return s.Device }

// RoundRobin spreads layers across devices as layer % len(Devices).
type RoundRobin struct {
	Devices []Device
}

func (r RoundRobin) Assign(layer int) Device {
	if len(r.Devices) == 0 {
		return Host()
	}
	return r.Devices[layer%len(r.Devices)]
}

// Parse builds an allocator from a comma separated device list such as
// "cpu" or "cpu:0,cpu:1". An empty string selects the host.
func Parse(spec string) (Allocator, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Single{Device: Host()}, nil
	}
	var devs []Device
	for _, part := range strings.Split(spec, ",") {
		kind, idx, _ := strings.Cut(strings.TrimSpace(part), ":")
		if kind != "cpu" {
			return nil, fmt.Errorf("device: unsupported device kind %q", kind)
		}
		d := Host()
		if idx != "" {
			n, err := strconv.Atoi(idx)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("device: bad index in %q", part)
			}
			d.Index = n
		}
		devs = append(devs, d)
	}
	if len(devs) == 1 {
		return Single{Device: devs[0]}, nil
	}
	return RoundRobin{Devices: devs}, nil
}
