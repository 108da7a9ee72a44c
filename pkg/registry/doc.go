// Package registry is the read-only client for the external node registry.
// The clone core resolves node ids to addresses and lifecycle state through
// it and never mutates node state.
package registry
