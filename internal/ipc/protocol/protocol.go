package protocol

import "fmt"

// Version is the protocol version reported by the VERSION ioctl.
const Version = 7

// WordSize is the alignment unit for payload data and offset arrays.
const WordSize = 8

// Command codes consumed from the write stream.
type Command uint32

const (
	CmdTransaction Command = iota + 1
	CmdReply
	CmdFreeBuffer
	CmdIncRefs
	CmdAcquire
	CmdRelease
	CmdDecRefs
	CmdIncRefsDone
	CmdAcquireDone
	CmdRegisterLooper
	CmdEnterLooper
	CmdExitLooper
	CmdRequestDeathNotification
	CmdClearDeathNotification
	CmdDeadBinderDone
)

var commandNames = map[Command]string{
	CmdTransaction:              "Transaction",
	CmdReply:                    "Reply",
	CmdFreeBuffer:               "FreeBuffer",
	CmdIncRefs:                  "IncRefs",
	CmdAcquire:                  "Acquire",
	CmdRelease:                  "Release",
	CmdDecRefs:                  "DecRefs",
	CmdIncRefsDone:              "IncRefsDone",
	CmdAcquireDone:              "AcquireDone",
	CmdRegisterLooper:           "RegisterLooper",
	CmdEnterLooper:              "EnterLooper",
	CmdExitLooper:               "ExitLooper",
	CmdRequestDeathNotification: "RequestDeathNotification",
	CmdClearDeathNotification:   "ClearDeathNotification",
	CmdDeadBinderDone:           "DeadBinderDone",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", uint32(c))
}

// Return codes produced into the read stream. RetOK is not a wire code; it is
// the sentinel for "no pending return error" on a thread.
type Return uint32

const (
	RetOK Return = iota
	RetNoop
	RetTransactionComplete
	RetTransaction
	RetReply
	RetIncRefs
	RetAcquire
	RetRelease
	RetDecRefs
	RetDeadBinder
	RetClearDeathNotificationDone
	RetFailedReply
	RetDeadReply
	RetError
	RetSpawnLooper
)

var returnNames = map[Return]string{
	RetOK:                         "OK",
	RetNoop:                       "Noop",
	RetTransactionComplete:        "TransactionComplete",
	RetTransaction:                "Transaction",
	RetReply:                      "Reply",
	RetIncRefs:                    "IncRefs",
	RetAcquire:                    "Acquire",
	RetRelease:                    "Release",
	RetDecRefs:                    "DecRefs",
	RetDeadBinder:                 "DeadBinder",
	RetClearDeathNotificationDone: "ClearDeathNotificationDone",
	RetFailedReply:                "FailedReply",
	RetDeadReply:                  "DeadReply",
	RetError:                      "Error",
	RetSpawnLooper:                "SpawnLooper",
}

func (r Return) String() string {
	if name, ok := returnNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Return(%d)", uint32(r))
}

// Transaction flags.
type TxnFlags uint32

const (
	FlagOneWay     TxnFlags = 0x01
	FlagRootObject TxnFlags = 0x04
	FlagStatusCode TxnFlags = 0x08
	FlagAcceptFDs  TxnFlags = 0x10
)

// OneWay reports whether the transaction is asynchronous.
func (f TxnFlags) OneWay() bool { return f&FlagOneWay != 0 }

// AcceptsFDs reports whether the sender allows file descriptors in the reply.
func (f TxnFlags) AcceptsFDs() bool { return f&FlagAcceptFDs != 0 }

// ObjectType tags an inline object embedded in transaction data.
type ObjectType uint32

const (
	ObjectBinder ObjectType = iota + 1
	ObjectWeakBinder
	ObjectHandle
	ObjectWeakHandle
	ObjectFD
)

func (t ObjectType) String() string {
	switch t {
	case ObjectBinder:
		return "Binder"
	case ObjectWeakBinder:
		return "WeakBinder"
	case ObjectHandle:
		return "Handle"
	case ObjectWeakHandle:
		return "WeakHandle"
	case ObjectFD:
		return "FD"
	default:
		return fmt.Sprintf("ObjectType(%d)", uint32(t))
	}
}

// Inline object flags.
const (
	ObjectFlagPriorityMask uint32 = 0xff
	ObjectFlagAcceptsFDs   uint32 = 0x100
)

// FlatObject is one inline object inside transaction data. Value carries a
// service pointer for Binder/WeakBinder, a descriptor for Handle/WeakHandle,
// and a file descriptor for FD.
type FlatObject struct {
	Type   ObjectType
	Flags  uint32
	Value  uint64
	Cookie uint64
}

// FlatObjectSize is the encoded size of a FlatObject in transaction data.
const FlatObjectSize = 24

// TransactionRequest is the decoded payload of CmdTransaction and CmdReply.
// Target is a descriptor (0 addresses the context manager) and is ignored for
// replies. Data carries the payload; Offsets locates each FlatObject in Data.
// OffsetsSize preserves the raw byte count from the wire so the broker can
// reject a misaligned array with a failed reply rather than a stream abort.
type TransactionRequest struct {
	Target      uint64
	Cookie      uint64
	Code        uint32
	Flags       TxnFlags
	Data        []byte
	Offsets     []uint64
	OffsetsSize uint64
}

// TransactionInfo is the payload of RetTransaction and RetReply. DataPtr and
// OffsetsPtr address the endpoint's shared mapping; the receiver must release
// the buffer with CmdFreeBuffer(DataPtr) once done.
type TransactionInfo struct {
	Target      uint64
	Cookie      uint64
	Code        uint32
	Flags       TxnFlags
	SenderPID   int32
	SenderUID   uint32
	DataSize    uint64
	OffsetsSize uint64
	DataPtr     uint64
	OffsetsPtr  uint64
}

// TransactionInfoSize is the encoded size of a TransactionInfo.
const TransactionInfoSize = 64

// Align rounds n up to the next word boundary.
func Align(n uint64) uint64 {
	return (n + WordSize - 1) &^ uint64(WordSize-1)
}
