package controlplane

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"fleetd/internal/ferr"
)

// MaxFrameBytes caps a single request/response frame body, matching
// spec's "requests exceeding declared count caps are rejected
// pre-execution" posture at the transport layer: an oversized frame
// never reaches JSON decoding at all.
const MaxFrameBytes = 4 << 20 // 4 MiB

// WriteFrame writes v as one length-prefixed JSON frame: a 4-byte
// big-endian length followed by the JSON body, the same shape
// guestchan uses for the vsock channel and original_source's
// mvm-coordinator client uses for its QUIC streams.
func WriteFrame(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return ferr.Wrap(ferr.IO, "WriteFrame", err)
	}
	if len(raw) > MaxFrameBytes {
		return ferr.New(ferr.ConfigInvalid, "WriteFrame", fmt.Sprintf("frame too large: %d bytes", len(raw)))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	if _, err := w.Write(hdr[:]); err != nil {
		return ferr.Wrap(ferr.Network, "WriteFrame", err)
	}
	if _, err := w.Write(raw); err != nil {
		return ferr.Wrap(ferr.Network, "WriteFrame", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame into dst, rejecting
// unknown fields per spec's deserializer requirement.
func ReadFrame(r io.Reader, dst any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return ferr.Wrap(ferr.Network, "ReadFrame", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameBytes {
		return ferr.New(ferr.ConfigInvalid, "ReadFrame", fmt.Sprintf("invalid frame length: %d", n))
	}
	buf := make([]byte, int(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return ferr.Wrap(ferr.Network, "ReadFrame", err)
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ferr.Wrap(ferr.ConfigInvalid, "ReadFrame", err)
	}
	return nil
}
