// Package safetensors reads and writes the SafeTensors weight format.
//
// Layout:
//
//	[8 bytes: header size N (uint64 LE)]
//	[N bytes: JSON header, space padded to a multiple of 8]
//	[tensor data: raw little-endian bytes]
//
// The header maps tensor names to {"dtype", "shape", "data_offsets"} and may
// carry a "__metadata__" object of string pairs. Offsets are relative to the
// start of the data section.
package safetensors
