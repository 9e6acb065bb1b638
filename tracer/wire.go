package tracer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RawEvent mirrors struct sandbox_event in bpf/sandbox.c.
type RawEvent struct {
	// 8-byte aligned fields
	Timestamp uint64 // CLOCK_MONOTONIC ns

	// 4-byte aligned fields
	Pid  uint32 // tgid
	Ppid uint32
	Tid  uint32

	Category  uint8
	Operation uint8
	Status    uint8
	Flags     uint8

	Comm   [16]byte
	Detail [128]byte // path, address or DNS payload depending on category
}

// FlagExec marks an Image/Load record produced by execve rather than mmap.
const FlagExec uint8 = 1 << 0

// RawEventSize is the encoded size of RawEvent.
var RawEventSize = binary.Size(RawEvent{})

// Decode parses a raw sample produced by the kernel program.
func Decode(raw []byte) (RawEvent, error) {
	var evt RawEvent
	if len(raw) < RawEventSize {
		return evt, fmt.Errorf("short record: %d bytes, want %d", len(raw), RawEventSize)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &evt); err != nil {
		return evt, fmt.Errorf("failed to parse event: %w", err)
	}
	return evt, nil
}

// Encode is the inverse of Decode.
func Encode(evt RawEvent) []byte {
	var buf bytes.Buffer
	buf.Grow(RawEventSize)
	// Writing a fixed-size struct to a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, &evt)
	return buf.Bytes()
}

// Sample wraps evt as a record the way the kernel would deliver it.
func Sample(evt RawEvent) Record {
	return Record{RawSample: Encode(evt)}
}

// CommString returns the task name without trailing NULs.
func (e *RawEvent) CommString() string {
	return cString(e.Comm[:])
}

// DetailString returns the detail field up to the first NUL.
func (e *RawEvent) DetailString() string {
	return cString(e.Detail[:])
}

// SetDetail copies s into the detail field, truncating if needed.
func (e *RawEvent) SetDetail(s string) {
	e.Detail = [128]byte{}
	copy(e.Detail[:len(e.Detail)-1], s)
}

// SetComm copies s into the comm field, truncating if needed.
func (e *RawEvent) SetComm(s string) {
	e.Comm = [16]byte{}
	copy(e.Comm[:len(e.Comm)-1], s)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
