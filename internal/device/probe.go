package device

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
	"k8s.io/klog/v2"
)

// nvidiaVendorID is the PCI vendor id reported by NVIDIA adapters.
const nvidiaVendorID = 0x10DE

var (
	probeOnce   sync.Once
	probeResult bool
)

// probeCUDA asks the WebGPU runtime for its default adapter and reports
// whether it is an NVIDIA GPU. The result is cached; a missing native
// library counts as no GPU.
func probeCUDA() bool {
	probeOnce.Do(func() {
		probeResult = requestCUDAAdapter()
	})
	return probeResult
}

func requestCUDAAdapter() (available bool) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			klog.V(2).Infof("device: webgpu unavailable: %v", r)
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		klog.V(2).Infof("device: no webgpu adapter: %v", err)
		return false
	}
	defer adapter.Release()

	info := adapter.GetInfo()
	cpu := info.AdapterType == wgpu.AdapterTypeCPU
	klog.V(2).Infof("device: adapter %q vendor 0x%04X type %v", info.Description, info.VendorID, info.AdapterType)
	return cudaCapable(uint32(info.VendorID), cpu)
}

// cudaCapable reports whether an adapter can back a cuda device: a hardware
// NVIDIA GPU. Metal, AMD, Intel and software rasterizers do not qualify.
func cudaCapable(vendorID uint32, cpu bool) bool {
	return vendorID == nvidiaVendorID && !cpu
}
