package compiler

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrCorruptBytecode is returned for artifacts that fail structural or checksum validation
	ErrCorruptBytecode = errors.New("corrupt bytecode")
	// ErrStaleBytecode is returned for artifacts built by a different runtime version
	ErrStaleBytecode = errors.New("bytecode built for a different runtime version")
)

const (
	formatVersion uint16 = 1
	maxPayload           = 16 << 20
)

var magic = [4]byte{'N', 'X', 'B', 'C'}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayload), zstd.WithDecoderConcurrency(0))
)

// artifact is the decoded form of a bytecode blob
type artifact struct {
	version string
	script  string
}

// encodeArtifact serializes a wrapped script for the given runtime version:
//
//	magic[4] | format u16 | len(version) u16 | version | xxhash64(payload) u64 | zstd(script)
func encodeArtifact(version, script string) ([]byte, error) {
	if len(version) > math.MaxUint16 {
		return nil, fmt.Errorf("version tag too long: %d bytes", len(version))
	}
	payload := encoder.EncodeAll([]byte(script), nil)

	var buf bytes.Buffer
	buf.Grow(4 + 2 + 2 + len(version) + 8 + len(payload))
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.BigEndian, formatVersion)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(version)))
	buf.WriteString(version)
	_ = binary.Write(&buf, binary.BigEndian, xxhash.Sum64(payload))
	buf.Write(payload)
	return buf.Bytes(), nil
}

// decodeArtifact validates and unpacks a bytecode blob
func decodeArtifact(data []byte) (*artifact, error) {
	r := bytes.NewReader(data)

	var m [4]byte
	if _, err := r.Read(m[:]); err != nil || m != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptBytecode)
	}
	var format, versionLen uint16
	if err := binary.Read(r, binary.BigEndian, &format); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrCorruptBytecode)
	}
	if format != formatVersion {
		return nil, fmt.Errorf("%w: format %d", ErrStaleBytecode, format)
	}
	if err := binary.Read(r, binary.BigEndian, &versionLen); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrCorruptBytecode)
	}
	version := make([]byte, versionLen)
	if n, _ := r.Read(version); n != int(versionLen) {
		return nil, fmt.Errorf("%w: truncated version tag", ErrCorruptBytecode)
	}
	var sum uint64
	if err := binary.Read(r, binary.BigEndian, &sum); err != nil {
		return nil, fmt.Errorf("%w: truncated checksum", ErrCorruptBytecode)
	}

	payload := data[len(data)-r.Len():]
	if xxhash.Sum64(payload) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptBytecode)
	}
	script, err := decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBytecode, err)
	}
	return &artifact{version: string(version), script: string(script)}, nil
}
