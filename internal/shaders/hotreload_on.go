//go:build shader_hotreload
// +build shader_hotreload

package shaders

// HotReloadDefault enables reading kernel sources from disk on cache misses.
const HotReloadDefault = true
