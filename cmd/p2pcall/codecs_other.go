//go:build !linux

package main

import "github.com/pion/mediadevices"

// newCodecSelector returns nil: capture drivers are only built on Linux, and
// the connection falls back to pion's default codecs.
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	return nil, nil
}
