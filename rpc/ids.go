package rpc

import "sync/atomic"

// IDSource hands out request ids that are unique for the life of the
// process. One source is shared by every connection of a bridge.
type IDSource struct {
	last atomic.Int64
}

// NewIDSource returns a source whose first id is 1.
func NewIDSource() *IDSource {
	return &IDSource{}
}

// Next returns a fresh request id.
func (s *IDSource) Next() int64 {
	return s.last.Add(1)
}
