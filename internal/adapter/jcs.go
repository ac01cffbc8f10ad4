package adapter

import "github.com/gowebpki/jcs"

// JCS defines an interface for RFC 8785 canonical JSON transforms.
// Merkle leaves and RPT header/payload serialization go through this seam
// so canonicalization can be stubbed in tests.
type JCS interface {
	Transform(data []byte) ([]byte, error)
}

// RealJCS implements JCS using the standard jcs package
type RealJCS struct{}

// NewJCS creates a new real JCS implementation
func NewJCS() JCS {
	return &RealJCS{}
}

func (j *RealJCS) Transform(data []byte) ([]byte, error) {
	return jcs.Transform(data)
}
