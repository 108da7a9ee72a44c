// Package client wraps the control-plane HTTP API for CLI usage
package client
