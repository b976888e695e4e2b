// Compact buffer codec for runtime side tables.
// Snapshots, recover buffers, safepoints, and pc mapping tables all use the
// same variable-length integer encoding so decoders can share one reader.
package compact

import (
	"encoding/binary"
	"errors"
)

var (
	ErrEOF     = errors.New("compact: unexpected end of buffer")
	ErrOverrun = errors.New("compact: value too large")
)

// Variable-length integer encoding constants.
const (
	dataBitsPerByte    = 7
	byteMask           = (1 << dataBitsPerByte) - 1 // 0x7f
	maxUnsignedPerByte = byteMask                   // 127

	// Unsigned end marker: final byte encodes 7 unsigned bits (0..127).
	endUnsignedMarker = 255 - maxUnsignedPerByte // 128

	// Signed end marker: final byte encodes 7 signed bits (-64..63).
	minSignedPerByte = -(1 << (dataBitsPerByte - 1))    // -64
	maxSignedPerByte = (1 << (dataBitsPerByte - 1)) - 1 // 63
	endSignedMarker  = 255 - maxSignedPerByte           // 192
)

// Reader decodes a compact buffer.
type Reader struct {
	data []byte
	pos  int
	end  int
}

// NewReader creates a reader over the given buffer.
func NewReader(data []byte) *Reader {
	return &Reader{data: data, pos: 0, end: len(data)}
}

// NewReaderAt creates a reader starting at offset within data.
func NewReaderAt(data []byte, offset int) *Reader {
	if offset > len(data) {
		offset = len(data)
	}
	return &Reader{data: data, pos: offset, end: len(data)}
}

// Position returns the current read position.
func (r *Reader) Position() int { return r.pos }

// SetPosition sets the read position.
func (r *Reader) SetPosition(pos int) {
	if pos > r.end {
		pos = r.end
	}
	r.pos = pos
}

// Remaining returns bytes left to read.
func (r *Reader) Remaining() int { return r.end - r.pos }

// More reports whether any bytes are left to read.
func (r *Reader) More() bool { return r.pos < r.end }

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= r.end {
		return 0, ErrEOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadBytes reads n bytes into a new slice.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if r.pos+n > r.end {
		return nil, ErrEOF
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// ReadUint32 reads a fixed-width little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	if r.pos+4 > r.end {
		return 0, ErrEOF
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadUint64 reads a fixed-width little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	if r.pos+8 > r.end {
		return 0, ErrEOF
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadUnsigned reads a variable-length unsigned integer.
//
// Encoding: each byte carries 7 bits of data in little-endian order.
// If byte > 127: it's the last byte; value contribution = byte - 128.
// If byte <= 127: it's a data byte; 7 bits contribute to the value.
func (r *Reader) ReadUnsigned() (uint32, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b > maxUnsignedPerByte {
		return uint32(b) - endUnsignedMarker, nil
	}

	var v uint32
	var shift uint
	for {
		v |= uint32(b) << shift
		shift += dataBitsPerByte
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b > maxUnsignedPerByte {
			v |= (uint32(b) - endUnsignedMarker) << shift
			return v, nil
		}
		if shift >= 28 {
			return 0, ErrOverrun
		}
	}
}

// ReadSigned reads a variable-length signed integer.
//
// Same structure as ReadUnsigned but the terminator byte subtracts 192
// instead of 128, giving a 7-bit signed range (-64..63) for the final
// contribution.
func (r *Reader) ReadSigned() (int32, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b > maxUnsignedPerByte {
		return int32(b) - endSignedMarker, nil
	}

	var v int32
	var shift uint
	for {
		v |= int32(b) << shift
		shift += dataBitsPerByte
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b > maxUnsignedPerByte {
			v |= (int32(b) - endSignedMarker) << shift
			return v, nil
		}
		if shift >= 28 {
			return 0, ErrOverrun
		}
	}
}

// Skip advances the position by n bytes.
func (r *Reader) Skip(n int) error {
	if r.pos+n > r.end {
		return ErrEOF
	}
	r.pos += n
	return nil
}

// Writer builds a compact buffer. Writes never fail; the buffer grows as
// needed and the finished bytes are taken with Bytes.
type Writer struct {
	buf []byte
}

// NewWriter creates an empty writer.
func NewWriter() *Writer { return &Writer{} }

// Len returns the number of bytes written so far. Decoders use this as the
// offset of the next record before it is written.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the encoded buffer. The slice aliases the writer's storage.
func (w *Writer) Bytes() []byte { return w.buf }

// WriteByte appends a raw byte. The returned error is always nil; the
// signature matches io.ByteWriter.
func (w *Writer) WriteByte(c byte) error {
	w.buf = append(w.buf, c)
	return nil
}

// WriteBytes appends raw bytes.
func (w *Writer) WriteBytes(p []byte) {
	w.buf = append(w.buf, p...)
}

// WriteUint32 appends a fixed-width little-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteUint64 appends a fixed-width little-endian uint64.
func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// WriteUnsigned appends a variable-length unsigned integer.
func (w *Writer) WriteUnsigned(v uint32) {
	for v > maxUnsignedPerByte {
		w.buf = append(w.buf, byte(v&byteMask))
		v >>= dataBitsPerByte
	}
	w.buf = append(w.buf, byte(v)+endUnsignedMarker)
}

// WriteSigned appends a variable-length signed integer.
func (w *Writer) WriteSigned(v int32) {
	for v < minSignedPerByte || v > maxSignedPerByte {
		w.buf = append(w.buf, byte(v&byteMask))
		v >>= dataBitsPerByte
	}
	w.buf = append(w.buf, byte(v+endSignedMarker))
}
