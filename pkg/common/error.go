package common

import "errors"

// Sentinel errors shared by the master, chunk server and client.
var (
	ErrFileNotFound           = errors.New("file not found")
	ErrChunkNotFound          = errors.New("chunk not found")
	ErrNoAvailableChunkServer = errors.New("no available chunkserver")
	ErrStaleChunk             = errors.New("stale chunk")
	ErrLeaseExpired           = errors.New("lease expired")
	ErrLeaseNotFound          = errors.New("lease not found")
	ErrInvalidOffset          = errors.New("invalid offset")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrRPCFailed              = errors.New("RPC failed")
	ErrTimeout                = errors.New("operation timeout")
	ErrChecksumMismatch       = errors.New("checksum mismatch")
	ErrNotEnoughSpace         = errors.New("not enough space in chunk")
	ErrFileExists             = errors.New("file already exists")
	ErrChunkServerExists      = errors.New("chunk server already registered")
)
