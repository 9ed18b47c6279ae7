package pickle

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/big"

	"github.com/pkg/errors"
)

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithPersistentRef installs a hook consulted for every value before it is
// encoded. When it returns ok, the returned pid is written with BINPERSID
// instead of the value itself.
func WithPersistentRef(fn func(v any) (pid any, ok bool)) EncoderOption {
	return func(e *Encoder) {
		e.persistentRef = fn
	}
}

// WithProtocol sets the minimum protocol written (default DefaultProtocol).
func WithProtocol(proto int) EncoderOption {
	return func(e *Encoder) {
		e.minProto = proto
	}
}

// Encoder writes values as a pickle stream.
type Encoder struct {
	w   io.Writer
	buf bytes.Buffer

	minProto int
	proto    int
	memo     map[any]int

	persistentRef func(v any) (any, bool)
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer, opts ...EncoderOption) *Encoder {
	e := &Encoder{w: w, minProto: DefaultProtocol}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Encode writes v followed by STOP.
//
// The body is buffered so that the PROTO header can announce the lowest
// protocol able to represent every opcode used.
func (e *Encoder) Encode(v any) error {
	if e.minProto < 2 || e.minProto > HighestProtocol {
		return errors.Wrapf(ErrUnsupportedProto, "protocol %d", e.minProto)
	}
	e.buf.Reset()
	e.proto = e.minProto
	e.memo = make(map[any]int)

	if err := e.encode(v); err != nil {
		return err
	}
	e.buf.WriteByte(opStop)

	if _, err := e.w.Write([]byte{opProto, byte(e.proto)}); err != nil { //nolint:gosec // G115: proto <= 5
		return errors.Wrap(err, "failed to write pickle header")
	}
	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write pickle body")
	}
	return nil
}

func (e *Encoder) need(proto int) {
	if e.proto < proto {
		e.proto = proto
	}
}

//nolint:gocyclo,cyclop // type switch over the value model
func (e *Encoder) encode(v any) error {
	if e.persistentRef != nil {
		if pid, ok := e.persistentRef(v); ok {
			if err := e.encode(pid); err != nil {
				return err
			}
			e.buf.WriteByte(opBinPersID)
			return nil
		}
	}

	switch t := v.(type) {
	case nil, None:
		e.buf.WriteByte(opNone)
	case bool:
		if t {
			e.buf.WriteByte(opNewTrue)
		} else {
			e.buf.WriteByte(opNewFalse)
		}
	case int:
		e.encodeInt(int64(t))
	case int64:
		e.encodeInt(t)
	case *big.Int:
		if t.IsInt64() {
			e.encodeInt(t.Int64())
		} else {
			e.encodeBig(t)
		}
	case float64:
		e.buf.WriteByte(opBinFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(t))
		e.buf.Write(b[:])
	case string:
		e.buf.WriteByte(opBinUnicode)
		e.writeUint32(len(t))
		e.buf.WriteString(t)
	case Bytes:
		e.encodeBytes(t)
	case Global:
		e.encodeGlobal(t)
	case PersistentID:
		if err := e.encode(t.Pid); err != nil {
			return err
		}
		e.buf.WriteByte(opBinPersID)
	case Tuple:
		return e.encodeTuple(t)
	case *List:
		return e.encodeList(t)
	case *Dict:
		return e.encodeDict(t)
	case *Set:
		return e.encodeSet(t)
	case *Object:
		return e.encodeObject(t)
	default:
		return errors.Wrapf(ErrUnsupportedType, "%T", v)
	}
	return nil
}

func (e *Encoder) encodeInt(n int64) {
	switch {
	case n >= 0 && n <= math.MaxUint8:
		e.buf.WriteByte(opBinInt1)
		e.buf.WriteByte(byte(n))
	case n >= 0 && n <= math.MaxUint16:
		e.buf.WriteByte(opBinInt2)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		e.buf.Write(b[:])
	case n >= math.MinInt32 && n <= math.MaxInt32:
		e.buf.WriteByte(opBinInt)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(n))) //nolint:gosec // G115: range checked above
		e.buf.Write(b[:])
	default:
		e.writeLong(encodeLong(big.NewInt(n)))
	}
}

func (e *Encoder) encodeBig(n *big.Int) {
	e.writeLong(encodeLong(n))
}

func (e *Encoder) writeLong(b []byte) {
	if len(b) < 256 {
		e.buf.WriteByte(opLong1)
		e.buf.WriteByte(byte(len(b)))
	} else {
		e.buf.WriteByte(opLong4)
		e.writeUint32(len(b))
	}
	e.buf.Write(b)
}

func (e *Encoder) encodeBytes(b Bytes) {
	e.need(3)
	if len(b) < 256 {
		e.buf.WriteByte(opShortBinBytes)
		e.buf.WriteByte(byte(len(b)))
	} else {
		e.buf.WriteByte(opBinBytes)
		e.writeUint32(len(b))
	}
	e.buf.Write(b)
}

func (e *Encoder) encodeGlobal(g Global) {
	e.buf.WriteByte(opGlobal)
	e.buf.WriteString(g.Module)
	e.buf.WriteByte('\n')
	e.buf.WriteString(g.Name)
	e.buf.WriteByte('\n')
}

func (e *Encoder) encodeTuple(t Tuple) error {
	if len(t) == 0 {
		e.buf.WriteByte(opEmptyTuple)
		return nil
	}
	if len(t) > 3 {
		e.buf.WriteByte(opMark)
	}
	for _, item := range t {
		if err := e.encode(item); err != nil {
			return err
		}
	}
	switch len(t) {
	case 1:
		e.buf.WriteByte(opTuple1)
	case 2:
		e.buf.WriteByte(opTuple2)
	case 3:
		e.buf.WriteByte(opTuple3)
	default:
		e.buf.WriteByte(opTuple)
	}
	return nil
}

// memoized writes a memo GET when ptr was already written and reports so.
func (e *Encoder) memoized(ptr any) bool {
	idx, ok := e.memo[ptr]
	if !ok {
		return false
	}
	if idx < 256 {
		e.buf.WriteByte(opBinGet)
		e.buf.WriteByte(byte(idx))
	} else {
		e.buf.WriteByte(opLongBinGet)
		e.writeUint32(idx)
	}
	return true
}

func (e *Encoder) memoize(ptr any) {
	idx := len(e.memo)
	e.memo[ptr] = idx
	if idx < 256 {
		e.buf.WriteByte(opBinPut)
		e.buf.WriteByte(byte(idx))
	} else {
		e.buf.WriteByte(opLongBinPut)
		e.writeUint32(idx)
	}
}

func (e *Encoder) encodeList(l *List) error {
	if e.memoized(l) {
		return nil
	}
	e.buf.WriteByte(opEmptyList)
	e.memoize(l)
	return e.appendItems(l.Items)
}

func (e *Encoder) appendItems(items []any) error {
	for start := 0; start < len(items); start += batchSize {
		batch := items[start:min(start+batchSize, len(items))]
		if len(batch) == 1 {
			if err := e.encode(batch[0]); err != nil {
				return err
			}
			e.buf.WriteByte(opAppend)
			continue
		}
		e.buf.WriteByte(opMark)
		for _, item := range batch {
			if err := e.encode(item); err != nil {
				return err
			}
		}
		e.buf.WriteByte(opAppends)
	}
	return nil
}

func (e *Encoder) encodeDict(d *Dict) error {
	if e.memoized(d) {
		return nil
	}
	e.buf.WriteByte(opEmptyDict)
	e.memoize(d)
	return e.setItems(d)
}

func (e *Encoder) setItems(d *Dict) error {
	n := d.Len()
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		if end-start == 1 {
			if err := e.encodePair(d, start); err != nil {
				return err
			}
			e.buf.WriteByte(opSetItem)
			continue
		}
		e.buf.WriteByte(opMark)
		for i := start; i < end; i++ {
			if err := e.encodePair(d, i); err != nil {
				return err
			}
		}
		e.buf.WriteByte(opSetItems)
	}
	return nil
}

func (e *Encoder) encodePair(d *Dict, i int) error {
	if err := e.encode(d.keys[i]); err != nil {
		return err
	}
	return e.encode(d.values[i])
}

// encodeSet writes builtins.set([...]) so the stream stays within protocol 2.
func (e *Encoder) encodeSet(s *Set) error {
	if e.memoized(s) {
		return nil
	}
	name := "set"
	if s.Frozen {
		name = "frozenset"
	}
	e.encodeGlobal(Global{Module: "builtins", Name: name})
	e.buf.WriteByte(opEmptyList)
	// The temporary list takes a memo slot like CPython's pickler does.
	e.memoize(&List{})
	if err := e.appendItems(s.Items); err != nil {
		return err
	}
	e.buf.WriteByte(opTuple1)
	e.buf.WriteByte(opReduce)
	e.memoize(s)
	return nil
}

func (e *Encoder) encodeObject(o *Object) error {
	if e.memoized(o) {
		return nil
	}
	if err := e.encode(o.Callable); err != nil {
		return err
	}
	if err := e.encodeTuple(o.Args); err != nil {
		return err
	}
	switch o.Kind {
	case CallNewObj:
		e.buf.WriteByte(opNewObj)
	case CallNewObjEx:
		e.need(4)
		kwargs := o.Kwargs
		if kwargs == nil {
			kwargs = NewDict()
		}
		if err := e.encodeDict(kwargs); err != nil {
			return err
		}
		e.buf.WriteByte(opNewObjEx)
	default:
		e.buf.WriteByte(opReduce)
	}
	e.memoize(o)

	if len(o.Elems) > 0 {
		if err := e.appendItems(o.Elems); err != nil {
			return err
		}
	}
	if o.Items != nil && o.Items.Len() > 0 {
		if err := e.setItems(o.Items); err != nil {
			return err
		}
	}
	if o.Built {
		if err := e.encode(o.State); err != nil {
			return err
		}
		e.buf.WriteByte(opBuild)
	}
	return nil
}

func (e *Encoder) writeUint32(n int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(n)) //nolint:gosec // G115: lengths above 4GiB are not representable in these opcodes
	e.buf.Write(b[:])
}

// encodeLong returns the minimal little-endian two's complement encoding of n.
func encodeLong(n *big.Int) []byte {
	if n.Sign() == 0 {
		return nil
	}
	nbytes := n.BitLen()/8 + 1
	v := new(big.Int).Set(n)
	if n.Sign() < 0 {
		v.Add(v, new(big.Int).Lsh(big.NewInt(1), uint(8*nbytes))) //nolint:gosec // G115: small positive
	}
	be := v.FillBytes(make([]byte, nbytes))
	le := make([]byte, nbytes)
	for i := range be {
		le[nbytes-1-i] = be[i]
	}
	// Trim redundant sign bytes.
	for len(le) > 1 {
		last, prev := le[len(le)-1], le[len(le)-2]
		if (last == 0x00 && prev&0x80 == 0) || (last == 0xff && prev&0x80 != 0) {
			le = le[:len(le)-1]
			continue
		}
		break
	}
	return le
}
