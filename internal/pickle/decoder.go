package pickle

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithPersistentLoad installs a hook resolving persistent ids.
// Its result replaces the PersistentID on the stack.
func WithPersistentLoad(fn func(pid any) (any, error)) DecoderOption {
	return func(d *Decoder) {
		d.persistentLoad = fn
	}
}

// Decoder reads pickled values from a stream.
type Decoder struct {
	r   *bufio.Reader
	pos int64

	stack     []any
	metastack [][]any
	memo      map[int]any
	proto     int

	persistentLoad func(pid any) (any, error)
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{r: bufio.NewReader(r)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Protocol returns the protocol announced by the last decoded stream
// (0 when the stream had no PROTO opcode).
func (d *Decoder) Protocol() int {
	return d.proto
}

// Decode reads one pickled value, up to and including its STOP opcode.
func (d *Decoder) Decode() (any, error) {
	d.stack = d.stack[:0]
	d.metastack = d.metastack[:0]
	d.memo = make(map[int]any)
	d.proto = 0

	for {
		start := d.pos
		op, err := d.readByte()
		if err != nil {
			return nil, &OpError{Op: 0, Offset: start, Err: err}
		}
		if op == opStop {
			v, err := d.pop()
			if err != nil {
				return nil, &OpError{Op: op, Offset: start, Err: err}
			}
			return v, nil
		}
		if err := d.step(op); err != nil {
			return nil, &OpError{Op: op, Offset: start, Err: err}
		}
	}
}

//nolint:gocyclo,cyclop,funlen // opcode dispatch
func (d *Decoder) step(op byte) error {
	switch op {
	case opProto:
		b, err := d.readByte()
		if err != nil {
			return err
		}
		if int(b) > HighestProtocol {
			return errors.Wrapf(ErrUnsupportedProto, "protocol %d", b)
		}
		d.proto = int(b)
	case opFrame:
		_, err := d.readN(8)
		return err

	case opMark:
		d.metastack = append(d.metastack, d.stack)
		d.stack = nil
	case opPop:
		if len(d.stack) == 0 {
			// POP right after MARK discards the mark.
			_, err := d.popMark()
			return err
		}
		_, err := d.pop()
		return err
	case opPopMark:
		_, err := d.popMark()
		return err
	case opDup:
		v, err := d.peek()
		if err != nil {
			return err
		}
		d.push(v)

	case opNone:
		d.push(None{})
	case opNewTrue:
		d.push(true)
	case opNewFalse:
		d.push(false)

	case opInt:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		switch line {
		case "00":
			d.push(false)
		case "01":
			d.push(true)
		default:
			v, err := parseIntText(line)
			if err != nil {
				return err
			}
			d.push(v)
		}
	case opLong:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		v, err := parseIntText(strings.TrimSuffix(line, "L"))
		if err != nil {
			return err
		}
		d.push(v)
	case opBinInt:
		b, err := d.readN(4)
		if err != nil {
			return err
		}
		d.push(int64(int32(binary.LittleEndian.Uint32(b)))) //nolint:gosec // G115: two's complement reinterpretation
	case opBinInt1:
		b, err := d.readByte()
		if err != nil {
			return err
		}
		d.push(int64(b))
	case opBinInt2:
		b, err := d.readN(2)
		if err != nil {
			return err
		}
		d.push(int64(binary.LittleEndian.Uint16(b)))
	case opLong1:
		n, err := d.readByte()
		if err != nil {
			return err
		}
		b, err := d.readN(int(n))
		if err != nil {
			return err
		}
		d.push(decodeLong(b))
	case opLong4:
		n, err := d.readUint32()
		if err != nil {
			return err
		}
		b, err := d.readN(int(n))
		if err != nil {
			return err
		}
		d.push(decodeLong(b))

	case opFloat:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		f, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return errors.Wrapf(ErrBadOperand, "float %q", line)
		}
		d.push(f)
	case opBinFloat:
		b, err := d.readN(8)
		if err != nil {
			return err
		}
		d.push(math.Float64frombits(binary.BigEndian.Uint64(b)))

	case opString:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		s, err := unquoteRepr(line)
		if err != nil {
			return err
		}
		d.push(s)
	case opBinString:
		n, err := d.readInt32()
		if err != nil {
			return err
		}
		b, err := d.readN(n)
		if err != nil {
			return err
		}
		d.push(string(b))
	case opShortBinString:
		n, err := d.readByte()
		if err != nil {
			return err
		}
		b, err := d.readN(int(n))
		if err != nil {
			return err
		}
		d.push(string(b))
	case opUnicode:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		s, err := unescapeRawUnicode(line)
		if err != nil {
			return err
		}
		d.push(s)
	case opShortBinUnicode:
		n, err := d.readByte()
		if err != nil {
			return err
		}
		b, err := d.readN(int(n))
		if err != nil {
			return err
		}
		d.push(string(b))
	case opBinUnicode:
		n, err := d.readUint32()
		if err != nil {
			return err
		}
		b, err := d.readN(int(n))
		if err != nil {
			return err
		}
		d.push(string(b))
	case opBinUnicode8:
		n, err := d.readUint64()
		if err != nil {
			return err
		}
		b, err := d.readN(n)
		if err != nil {
			return err
		}
		d.push(string(b))

	case opShortBinBytes:
		n, err := d.readByte()
		if err != nil {
			return err
		}
		b, err := d.readN(int(n))
		if err != nil {
			return err
		}
		d.push(Bytes(b))
	case opBinBytes:
		n, err := d.readUint32()
		if err != nil {
			return err
		}
		b, err := d.readN(int(n))
		if err != nil {
			return err
		}
		d.push(Bytes(b))
	case opBinBytes8:
		n, err := d.readUint64()
		if err != nil {
			return err
		}
		b, err := d.readN(n)
		if err != nil {
			return err
		}
		d.push(Bytes(b))
	case opByteArray8:
		n, err := d.readUint64()
		if err != nil {
			return err
		}
		b, err := d.readN(n)
		if err != nil {
			return err
		}
		d.push(NewObject(Global{Module: "builtins", Name: "bytearray"}, Bytes(b)))
	case opNextBuffer:
		return errors.Wrap(ErrUnsupportedOpcode, "out-of-band buffers")
	case opReadonlyBuffer:
		// No-op for in-band data.

	case opEmptyTuple:
		d.push(Tuple{})
	case opTuple:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		d.push(Tuple(items))
	case opTuple1, opTuple2, opTuple3:
		n := int(op-opTuple1) + 1
		if len(d.stack) < n {
			return ErrStackUnderflow
		}
		t := make(Tuple, n)
		copy(t, d.stack[len(d.stack)-n:])
		d.stack = d.stack[:len(d.stack)-n]
		d.push(t)

	case opEmptyList:
		d.push(&List{})
	case opList:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		d.push(&List{Items: items})
	case opAppend:
		v, err := d.pop()
		if err != nil {
			return err
		}
		return d.appendTo(v)
	case opAppends:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		return d.appendTo(items...)

	case opEmptyDict:
		d.push(NewDict())
	case opDict:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		dict := NewDict()
		if err := setPairs(dict, items); err != nil {
			return err
		}
		d.push(dict)
	case opSetItem:
		if len(d.stack) < 3 {
			return ErrStackUnderflow
		}
		kv := d.stack[len(d.stack)-2:]
		d.stack = d.stack[:len(d.stack)-2]
		return d.setItems([]any{kv[0], kv[1]})
	case opSetItems:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		return d.setItems(items)

	case opEmptySet:
		d.push(&Set{})
	case opAddItems:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		top, err := d.peek()
		if err != nil {
			return err
		}
		s, ok := top.(*Set)
		if !ok {
			return errors.Errorf("ADDITEMS on %T", top)
		}
		s.Items = append(s.Items, items...)
	case opFrozenSet:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		d.push(&Set{Items: items, Frozen: true})

	case opGlobal:
		module, err := d.readLine()
		if err != nil {
			return err
		}
		name, err := d.readLine()
		if err != nil {
			return err
		}
		d.push(Global{Module: module, Name: name})
	case opStackGlobal:
		nameV, err := d.pop()
		if err != nil {
			return err
		}
		moduleV, err := d.pop()
		if err != nil {
			return err
		}
		module, ok1 := moduleV.(string)
		name, ok2 := nameV.(string)
		if !ok1 || !ok2 {
			return errors.Wrap(ErrBadOperand, "STACK_GLOBAL requires str operands")
		}
		d.push(Global{Module: module, Name: name})
	case opExt1, opExt2, opExt4:
		return errors.Wrap(ErrUnsupportedOpcode, "extension registry")

	case opReduce:
		argsV, err := d.pop()
		if err != nil {
			return err
		}
		callable, err := d.pop()
		if err != nil {
			return err
		}
		args, ok := argsV.(Tuple)
		if !ok {
			return errors.Wrapf(ErrBadOperand, "REDUCE args is %T", argsV)
		}
		d.push(reduce(callable, args))
	case opNewObj:
		argsV, err := d.pop()
		if err != nil {
			return err
		}
		cls, err := d.pop()
		if err != nil {
			return err
		}
		args, ok := argsV.(Tuple)
		if !ok {
			return errors.Wrapf(ErrBadOperand, "NEWOBJ args is %T", argsV)
		}
		d.push(&Object{Callable: cls, Args: args, Kind: CallNewObj})
	case opNewObjEx:
		kwargsV, err := d.pop()
		if err != nil {
			return err
		}
		argsV, err := d.pop()
		if err != nil {
			return err
		}
		cls, err := d.pop()
		if err != nil {
			return err
		}
		args, ok := argsV.(Tuple)
		kwargs, ok2 := kwargsV.(*Dict)
		if !ok || !ok2 {
			return errors.Wrap(ErrBadOperand, "NEWOBJ_EX requires tuple args and dict kwargs")
		}
		d.push(&Object{Callable: cls, Args: args, Kwargs: kwargs, Kind: CallNewObjEx})
	case opInst:
		module, err := d.readLine()
		if err != nil {
			return err
		}
		name, err := d.readLine()
		if err != nil {
			return err
		}
		items, err := d.popMark()
		if err != nil {
			return err
		}
		d.push(&Object{Callable: Global{Module: module, Name: name}, Args: Tuple(items)})
	case opObj:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrStackUnderflow
		}
		d.push(&Object{Callable: items[0], Args: Tuple(items[1:])})
	case opBuild:
		state, err := d.pop()
		if err != nil {
			return err
		}
		top, err := d.peek()
		if err != nil {
			return err
		}
		obj, ok := top.(*Object)
		if !ok {
			return errors.Wrapf(ErrUnsupportedOpcode, "BUILD on %T", top)
		}
		obj.State = state
		obj.Built = true

	case opPersID:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		return d.persistent(line)
	case opBinPersID:
		pid, err := d.pop()
		if err != nil {
			return err
		}
		return d.persistent(pid)

	case opPut:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		idx, err := strconv.Atoi(line)
		if err != nil {
			return errors.Wrapf(ErrBadOperand, "PUT %q", line)
		}
		return d.put(idx)
	case opBinPut:
		b, err := d.readByte()
		if err != nil {
			return err
		}
		return d.put(int(b))
	case opLongBinPut:
		n, err := d.readUint32()
		if err != nil {
			return err
		}
		return d.put(int(n))
	case opMemoize:
		return d.put(len(d.memo))
	case opGet:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		idx, err := strconv.Atoi(line)
		if err != nil {
			return errors.Wrapf(ErrBadOperand, "GET %q", line)
		}
		return d.get(idx)
	case opBinGet:
		b, err := d.readByte()
		if err != nil {
			return err
		}
		return d.get(int(b))
	case opLongBinGet:
		n, err := d.readUint32()
		if err != nil {
			return err
		}
		return d.get(int(n))

	default:
		return ErrUnknownOpcode
	}
	return nil
}

// reduce records callable(*args). Python 3 pickles bytes under protocol 2
// as _codecs.encode(latin1_str, "latin1") or bytes(), and sets as
// set([...]); those fold back to Bytes and *Set.
func reduce(callable any, args Tuple) any {
	if g, ok := callable.(Global); ok {
		switch {
		case g.Module == "_codecs" && g.Name == "encode" && len(args) == 2:
			s, ok1 := args[0].(string)
			enc, ok2 := args[1].(string)
			if ok1 && ok2 && enc == "latin1" {
				return latin1Bytes(s)
			}
		case isBuiltin(g, "bytes") && len(args) == 0:
			return Bytes{}
		case (isBuiltin(g, "set") || isBuiltin(g, "frozenset")) && len(args) == 1:
			if l, ok := args[0].(*List); ok {
				return &Set{Items: l.Items, Frozen: g.Name == "frozenset"}
			}
		}
	}
	return &Object{Callable: callable, Args: args}
}

func isBuiltin(g Global, name string) bool {
	return (g.Module == "builtins" || g.Module == "__builtin__") && g.Name == name
}

func latin1Bytes(s string) Bytes {
	out := make(Bytes, 0, len(s))
	for _, r := range s {
		out = append(out, byte(r)) //nolint:gosec // G115: latin1 code points fit in a byte
	}
	return out
}

func (d *Decoder) persistent(pid any) error {
	if d.persistentLoad == nil {
		d.push(PersistentID{Pid: pid})
		return nil
	}
	v, err := d.persistentLoad(pid)
	if err != nil {
		return errors.WithMessage(err, "persistent load")
	}
	d.push(v)
	return nil
}

func (d *Decoder) appendTo(items ...any) error {
	top, err := d.peek()
	if err != nil {
		return err
	}
	switch t := top.(type) {
	case *List:
		t.Items = append(t.Items, items...)
	case *Object:
		t.Elems = append(t.Elems, items...)
	default:
		return errors.Errorf("APPEND on %T", top)
	}
	return nil
}

func (d *Decoder) setItems(items []any) error {
	top, err := d.peek()
	if err != nil {
		return err
	}
	var dict *Dict
	switch t := top.(type) {
	case *Dict:
		dict = t
	case *Object:
		if t.Items == nil {
			t.Items = NewDict()
		}
		dict = t.Items
	default:
		return errors.Errorf("SETITEM on %T", top)
	}
	return setPairs(dict, items)
}

func setPairs(dict *Dict, items []any) error {
	if len(items)%2 != 0 {
		return errors.Wrap(ErrBadOperand, "odd number of dict items")
	}
	for i := 0; i < len(items); i += 2 {
		dict.Set(items[i], items[i+1])
	}
	return nil
}

func (d *Decoder) put(idx int) error {
	v, err := d.peek()
	if err != nil {
		return err
	}
	d.memo[idx] = v
	return nil
}

func (d *Decoder) get(idx int) error {
	v, ok := d.memo[idx]
	if !ok {
		return errors.Wrapf(ErrMemoMissing, "key %d", idx)
	}
	d.push(v)
	return nil
}

func (d *Decoder) push(v any) {
	d.stack = append(d.stack, v)
}

func (d *Decoder) pop() (any, error) {
	if len(d.stack) == 0 {
		return nil, ErrStackUnderflow
	}
	v := d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	return v, nil
}

func (d *Decoder) peek() (any, error) {
	if len(d.stack) == 0 {
		return nil, ErrStackUnderflow
	}
	return d.stack[len(d.stack)-1], nil
}

func (d *Decoder) popMark() ([]any, error) {
	if len(d.metastack) == 0 {
		return nil, ErrMarkNotFound
	}
	items := d.stack
	d.stack = d.metastack[len(d.metastack)-1]
	d.metastack = d.metastack[:len(d.metastack)-1]
	return items, nil
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, truncated(err)
	}
	d.pos++
	return b, nil
}

func (d *Decoder) readN(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.Wrapf(ErrBadOperand, "negative length %d", n)
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(d.r, buf)
	d.pos += int64(read)
	if err != nil {
		return nil, truncated(err)
	}
	return buf, nil
}

func (d *Decoder) readUint32() (uint32, error) {
	b, err := d.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Decoder) readInt32() (int, error) {
	n, err := d.readUint32()
	if err != nil {
		return 0, err
	}
	return int(int32(n)), nil //nolint:gosec // G115: BINSTRING length is a signed int32
}

func (d *Decoder) readUint64() (int, error) {
	b, err := d.readN(8)
	if err != nil {
		return 0, err
	}
	n := binary.LittleEndian.Uint64(b)
	if n > math.MaxInt32 {
		return 0, errors.Wrapf(ErrBadOperand, "length %d too large", n)
	}
	return int(n), nil
}

func (d *Decoder) readLine() (string, error) {
	line, err := d.r.ReadString('\n')
	d.pos += int64(len(line))
	if err != nil {
		return "", truncated(err)
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

// decodeLong decodes a little-endian two's complement integer.
func decodeLong(b []byte) any {
	if len(b) == 0 {
		return int64(0)
	}
	if len(b) <= 8 {
		var u uint64
		for i := len(b) - 1; i >= 0; i-- {
			u = u<<8 | uint64(b[i])
		}
		shift := uint(64 - 8*len(b)) //nolint:gosec // G115: len(b) <= 8
		return int64(u<<shift) >> shift //nolint:gosec // G115: sign extension
	}
	be := make([]byte, len(b))
	for i := range b {
		be[len(b)-1-i] = b[i]
	}
	n := new(big.Int).SetBytes(be)
	if b[len(b)-1]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(8*len(b)))) //nolint:gosec // G115: length bounded by stream
	}
	if n.IsInt64() {
		return n.Int64()
	}
	return n
}

func parseIntText(s string) (any, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Wrapf(ErrBadOperand, "integer %q", s)
	}
	return n, nil
}

// unquoteRepr decodes the repr() of a Python 2 str as written by STRING.
func unquoteRepr(s string) (string, error) {
	if len(s) < 2 || s[0] != s[len(s)-1] || (s[0] != '\'' && s[0] != '"') {
		return "", errors.Wrapf(ErrBadOperand, "string %q is not quoted", s)
	}
	quote := s[0]
	body := s[1 : len(s)-1]
	var sb strings.Builder
	for len(body) > 0 {
		r, multibyte, tail, err := strconv.UnquoteChar(body, quote)
		if err != nil {
			return "", errors.Wrapf(ErrBadOperand, "string %q", s)
		}
		if r < 256 && !multibyte {
			sb.WriteByte(byte(r))
		} else {
			sb.WriteRune(r)
		}
		body = tail
	}
	return sb.String(), nil
}

// unescapeRawUnicode decodes raw-unicode-escape text written by UNICODE.
func unescapeRawUnicode(s string) (string, error) {
	if !strings.Contains(s, `\u`) && !strings.Contains(s, `\U`) {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == 'u' || s[i+1] == 'U') {
			width := 4
			if s[i+1] == 'U' {
				width = 8
			}
			if i+2+width > len(s) {
				return "", errors.Wrapf(ErrBadOperand, "unicode escape in %q", s)
			}
			r, err := strconv.ParseUint(s[i+2:i+2+width], 16, 32)
			if err != nil {
				return "", errors.Wrapf(ErrBadOperand, "unicode escape in %q", s)
			}
			sb.WriteRune(rune(r))
			i += 1 + width
			continue
		}
		sb.WriteByte(s[i])
	}
	return sb.String(), nil
}
