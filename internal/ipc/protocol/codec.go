package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated reports a write stream that ends mid-payload.
var ErrTruncated = errors.New("protocol: truncated stream")

// Decoder consumes a command stream. It tracks how many bytes have been
// consumed so a failing write can report partial progress.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder decodes the given write stream.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// More reports whether any bytes remain.
func (d *Decoder) More() bool { return d.off < len(d.buf) }

// Consumed returns the number of bytes consumed so far.
func (d *Decoder) Consumed() int { return d.off }

// Command reads the next 32-bit command code.
func (d *Decoder) Command() (Command, error) {
	v, err := d.u32()
	return Command(v), err
}

func (d *Decoder) u32() (uint32, error) {
	if len(d.buf)-d.off < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *Decoder) u64() (uint64, error) {
	if len(d.buf)-d.off < 8 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

// U32 reads a 32-bit payload word (descriptors, max-thread counts).
func (d *Decoder) U32() (uint32, error) { return d.u32() }

// U64 reads a 64-bit payload word (pointers, cookies).
func (d *Decoder) U64() (uint64, error) { return d.u64() }

// TransactionRequest reads the payload of CmdTransaction or CmdReply: the
// fixed header, then DataSize payload bytes padded to a word boundary, then
// the offsets array.
func (d *Decoder) TransactionRequest() (TransactionRequest, error) {
	var req TransactionRequest
	var err error

	if req.Target, err = d.u64(); err != nil {
		return req, err
	}
	if req.Cookie, err = d.u64(); err != nil {
		return req, err
	}
	if req.Code, err = d.u32(); err != nil {
		return req, err
	}
	var flags uint32
	if flags, err = d.u32(); err != nil {
		return req, err
	}
	req.Flags = TxnFlags(flags)

	dataSize, err := d.u64()
	if err != nil {
		return req, err
	}
	offsetsSize, err := d.u64()
	if err != nil {
		return req, err
	}
	req.OffsetsSize = offsetsSize

	padded := Align(dataSize)
	paddedOffsets := Align(offsetsSize)
	if uint64(len(d.buf)-d.off) < padded+paddedOffsets {
		return req, ErrTruncated
	}
	req.Data = d.buf[d.off : d.off+int(dataSize)]
	d.off += int(padded)

	req.Offsets = make([]uint64, offsetsSize/WordSize)
	for i := range req.Offsets {
		req.Offsets[i] = binary.LittleEndian.Uint64(d.buf[d.off:])
		d.off += WordSize
	}
	d.off += int(paddedOffsets - uint64(len(req.Offsets))*WordSize)
	return req, nil
}

// Encoder produces a return stream into a caller-supplied buffer. Put methods
// report false when the buffer has no room, leaving the stream untouched so
// the work item stays queued.
type Encoder struct {
	buf []byte
	off int
}

// NewEncoder encodes returns into buf.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Len returns the number of bytes produced so far.
func (e *Encoder) Len() int { return e.off }

// Remaining returns the free space left in the read buffer.
func (e *Encoder) Remaining() int { return len(e.buf) - e.off }

func (e *Encoder) putU32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[e.off:], v)
	e.off += 4
}

func (e *Encoder) putU64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[e.off:], v)
	e.off += 8
}

// PutReturn appends a bare return code.
func (e *Encoder) PutReturn(r Return) bool {
	if e.Remaining() < 4 {
		return false
	}
	e.putU32(uint32(r))
	return true
}

// PutNodeReturn appends a return carrying a service pointer and cookie
// (RetIncRefs, RetAcquire, RetRelease, RetDecRefs).
func (e *Encoder) PutNodeReturn(r Return, ptr, cookie uint64) bool {
	if e.Remaining() < 4+16 {
		return false
	}
	e.putU32(uint32(r))
	e.putU64(ptr)
	e.putU64(cookie)
	return true
}

// PutCookieReturn appends a return carrying a subscription cookie
// (RetDeadBinder, RetClearDeathNotificationDone).
func (e *Encoder) PutCookieReturn(r Return, cookie uint64) bool {
	if e.Remaining() < 4+8 {
		return false
	}
	e.putU32(uint32(r))
	e.putU64(cookie)
	return true
}

// PutTransaction appends RetTransaction or RetReply with its info payload.
func (e *Encoder) PutTransaction(r Return, info TransactionInfo) bool {
	if e.Remaining() < 4+TransactionInfoSize {
		return false
	}
	e.putU32(uint32(r))
	e.putU64(info.Target)
	e.putU64(info.Cookie)
	e.putU32(info.Code)
	e.putU32(uint32(info.Flags))
	e.putU32(uint32(info.SenderPID))
	e.putU32(info.SenderUID)
	e.putU64(info.DataSize)
	e.putU64(info.OffsetsSize)
	e.putU64(info.DataPtr)
	e.putU64(info.OffsetsPtr)
	return true
}

// OverwriteFirst replaces the first return code in the stream. The read path
// uses it to turn the leading RetNoop into RetSpawnLooper.
func (e *Encoder) OverwriteFirst(r Return) {
	binary.LittleEndian.PutUint32(e.buf[:4], uint32(r))
}

// FlatObjectAt decodes the inline object at off inside transaction data.
func FlatObjectAt(data []byte, off uint64) FlatObject {
	return FlatObject{
		Type:   ObjectType(binary.LittleEndian.Uint32(data[off:])),
		Flags:  binary.LittleEndian.Uint32(data[off+4:]),
		Value:  binary.LittleEndian.Uint64(data[off+8:]),
		Cookie: binary.LittleEndian.Uint64(data[off+16:]),
	}
}

// PutFlatObjectAt encodes the inline object at off inside transaction data.
func PutFlatObjectAt(data []byte, off uint64, obj FlatObject) {
	binary.LittleEndian.PutUint32(data[off:], uint32(obj.Type))
	binary.LittleEndian.PutUint32(data[off+4:], obj.Flags)
	binary.LittleEndian.PutUint64(data[off+8:], obj.Value)
	binary.LittleEndian.PutUint64(data[off+16:], obj.Cookie)
}

// CommandWriter builds a command stream. The zero value is ready to use.
type CommandWriter struct {
	buf []byte
}

// Bytes returns the accumulated write stream.
func (w *CommandWriter) Bytes() []byte { return w.buf }

// Reset discards the accumulated stream.
func (w *CommandWriter) Reset() { w.buf = w.buf[:0] }

func (w *CommandWriter) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *CommandWriter) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// Transaction appends CmdTransaction with the request payload.
func (w *CommandWriter) Transaction(req TransactionRequest) {
	w.txn(CmdTransaction, req)
}

// Reply appends CmdReply with the request payload.
func (w *CommandWriter) Reply(req TransactionRequest) {
	w.txn(CmdReply, req)
}

func (w *CommandWriter) txn(cmd Command, req TransactionRequest) {
	w.u32(uint32(cmd))
	w.u64(req.Target)
	w.u64(req.Cookie)
	w.u32(req.Code)
	w.u32(uint32(req.Flags))
	w.u64(uint64(len(req.Data)))
	w.u64(uint64(len(req.Offsets)) * WordSize)
	w.buf = append(w.buf, req.Data...)
	for pad := Align(uint64(len(req.Data))) - uint64(len(req.Data)); pad > 0; pad-- {
		w.buf = append(w.buf, 0)
	}
	for _, off := range req.Offsets {
		w.u64(off)
	}
}

// FreeBuffer appends CmdFreeBuffer for the given user address.
func (w *CommandWriter) FreeBuffer(addr uint64) {
	w.u32(uint32(CmdFreeBuffer))
	w.u64(addr)
}

// RefCommand appends one of the four descriptor refcount commands.
func (w *CommandWriter) RefCommand(cmd Command, desc uint32) {
	w.u32(uint32(cmd))
	w.u32(desc)
}

// IncRefs appends CmdIncRefs for the descriptor.
func (w *CommandWriter) IncRefs(desc uint32) { w.RefCommand(CmdIncRefs, desc) }

// Acquire appends CmdAcquire for the descriptor.
func (w *CommandWriter) Acquire(desc uint32) { w.RefCommand(CmdAcquire, desc) }

// Release appends CmdRelease for the descriptor.
func (w *CommandWriter) Release(desc uint32) { w.RefCommand(CmdRelease, desc) }

// DecRefs appends CmdDecRefs for the descriptor.
func (w *CommandWriter) DecRefs(desc uint32) { w.RefCommand(CmdDecRefs, desc) }

// IncRefsDone appends CmdIncRefsDone acknowledging a weak acquire.
func (w *CommandWriter) IncRefsDone(ptr, cookie uint64) {
	w.u32(uint32(CmdIncRefsDone))
	w.u64(ptr)
	w.u64(cookie)
}

// AcquireDone appends CmdAcquireDone acknowledging a strong acquire.
func (w *CommandWriter) AcquireDone(ptr, cookie uint64) {
	w.u32(uint32(CmdAcquireDone))
	w.u64(ptr)
	w.u64(cookie)
}

// RegisterLooper appends CmdRegisterLooper.
func (w *CommandWriter) RegisterLooper() { w.u32(uint32(CmdRegisterLooper)) }

// EnterLooper appends CmdEnterLooper.
func (w *CommandWriter) EnterLooper() { w.u32(uint32(CmdEnterLooper)) }

// ExitLooper appends CmdExitLooper.
func (w *CommandWriter) ExitLooper() { w.u32(uint32(CmdExitLooper)) }

// RequestDeathNotification appends CmdRequestDeathNotification.
func (w *CommandWriter) RequestDeathNotification(desc uint32, cookie uint64) {
	w.u32(uint32(CmdRequestDeathNotification))
	w.u32(desc)
	w.u64(cookie)
}

// ClearDeathNotification appends CmdClearDeathNotification.
func (w *CommandWriter) ClearDeathNotification(desc uint32, cookie uint64) {
	w.u32(uint32(CmdClearDeathNotification))
	w.u32(desc)
	w.u64(cookie)
}

// DeadBinderDone appends CmdDeadBinderDone.
func (w *CommandWriter) DeadBinderDone(cookie uint64) {
	w.u32(uint32(CmdDeadBinderDone))
	w.u64(cookie)
}

// DecodedReturn is one parsed entry of a read stream.
type DecodedReturn struct {
	Code   Return
	Ptr    uint64
	Cookie uint64
	Txn    *TransactionInfo
}

// ParseReturns decodes a full read stream. It is the client-side complement
// of the broker's Encoder, used by loopers and tests.
func ParseReturns(buf []byte) ([]DecodedReturn, error) {
	d := NewDecoder(buf)
	var out []DecodedReturn
	for d.More() {
		code, err := d.u32()
		if err != nil {
			return out, err
		}
		ret := DecodedReturn{Code: Return(code)}
		switch Return(code) {
		case RetNoop, RetTransactionComplete, RetFailedReply, RetDeadReply,
			RetError, RetSpawnLooper, RetOK:
		case RetIncRefs, RetAcquire, RetRelease, RetDecRefs:
			if ret.Ptr, err = d.u64(); err != nil {
				return out, err
			}
			if ret.Cookie, err = d.u64(); err != nil {
				return out, err
			}
		case RetDeadBinder, RetClearDeathNotificationDone:
			if ret.Cookie, err = d.u64(); err != nil {
				return out, err
			}
		case RetTransaction, RetReply:
			info := &TransactionInfo{}
			if info.Target, err = d.u64(); err != nil {
				return out, err
			}
			if info.Cookie, err = d.u64(); err != nil {
				return out, err
			}
			if info.Code, err = d.u32(); err != nil {
				return out, err
			}
			var flags uint32
			if flags, err = d.u32(); err != nil {
				return out, err
			}
			info.Flags = TxnFlags(flags)
			var pid uint32
			if pid, err = d.u32(); err != nil {
				return out, err
			}
			info.SenderPID = int32(pid)
			if info.SenderUID, err = d.u32(); err != nil {
				return out, err
			}
			if info.DataSize, err = d.u64(); err != nil {
				return out, err
			}
			if info.OffsetsSize, err = d.u64(); err != nil {
				return out, err
			}
			if info.DataPtr, err = d.u64(); err != nil {
				return out, err
			}
			if info.OffsetsPtr, err = d.u64(); err != nil {
				return out, err
			}
			ret.Txn = info
		default:
			return out, fmt.Errorf("protocol: unknown return code %d", code)
		}
		out = append(out, ret)
	}
	return out, nil
}
