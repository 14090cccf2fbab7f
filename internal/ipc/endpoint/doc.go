// Package endpoint is the device-like facade over the broker core. Each
// participating process opens one Endpoint and interacts with the broker
// through the write/read control call plus a small set of control
// operations, mirroring a character-device surface: Mmap, WriteRead, Poll,
// Flush, Close, SetMaxThreads, SetContextManager, ThreadExit, Version.
//
// The package also ships Table, an in-memory file-capability table
// satisfying core.FileTable for FD passing between endpoints.
package endpoint
