package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// binWriter is a small append-only buffer writer for the binary codec.
// Strings and byte slices are length-prefixed (u32 BE); timestamps are
// nanosecond Unix epoch (i64 BE); UUIDs are their raw 16 bytes.
type binWriter struct{ buf []byte }

func (w *binWriter) Bytes() []byte { return w.buf }

func (w *binWriter) u8(v uint8)  { w.buf = append(w.buf, v) }
func (w *binWriter) bool(v bool) { if v { w.u8(1) } else { w.u8(0) } }

func (w *binWriter) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *binWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *binWriter) i64(v int64) { w.u64(uint64(v)) }

func (w *binWriter) f64(v float64) { w.u64(mathFloat64bits(v)) }

func (w *binWriter) bytes(v []byte) {
	w.u32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *binWriter) str(v string) { w.bytes([]byte(v)) }

func (w *binWriter) uuid(v uuid.UUID) { w.buf = append(w.buf, v[:]...) }

func (w *binWriter) time(v time.Time) { w.i64(v.UTC().UnixNano()) }

// binReader is the corresponding reader; every method returns an error
// instead of panicking on a truncated payload.
type binReader struct {
	buf []byte
	pos int
}

func newBinReader(b []byte) *binReader { return &binReader{buf: b} }

func (r *binReader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("truncated binary payload: need %d bytes at offset %d, have %d", n, r.pos, len(r.buf))
	}
	return nil
}

func (r *binReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *binReader) boolean() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

func (r *binReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *binReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *binReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *binReader) f64() (float64, error) {
	v, err := r.u64()
	if err != nil {
		return 0, err
	}
	return mathFloat64frombits(v), nil
}

func (r *binReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return v, nil
}

func (r *binReader) str() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *binReader) uuid() (uuid.UUID, error) {
	if err := r.need(16); err != nil {
		return uuid.UUID{}, err
	}
	var id uuid.UUID
	copy(id[:], r.buf[r.pos:r.pos+16])
	r.pos += 16
	return id, nil
}

func (r *binReader) timeVal() (time.Time, error) {
	ns, err := r.i64()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}
