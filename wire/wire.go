// Package wire defines the request/response messages exchanged
// between the surrounding object-store service and its collaborators.
// The allocator core never parses or emits these messages itself; they
// are defined here for interface completeness at that boundary.
package wire

// BufHandleStatus tracks the lifecycle of a single buffer handle.
type BufHandleStatus int

const (
	BufHandleInit BufHandleStatus = iota
	BufHandleComplete
	BufHandleFailed
	BufHandleUnregistered
)

// BufHandle names one buffer within a mounted segment.
type BufHandle struct {
	SegmentName string
	Size        uint64
	Buffer      uint64
	Status      BufHandleStatus
}

// ReplicaStatus tracks the lifecycle of a replica across the put path.
type ReplicaStatus int

const (
	ReplicaUndefined ReplicaStatus = iota
	ReplicaInitialized
	ReplicaProcessing
	ReplicaComplete
	ReplicaRemoved
	ReplicaFailed
)

// ReplicaInfo is one replica's set of buffer handles and its status.
type ReplicaInfo struct {
	Handles []BufHandle
	Status  ReplicaStatus
}

// ReplicateConfig controls how many replicas a put should produce.
type ReplicateConfig struct {
	ReplicaNum int32
}

// ExistKeyRequest asks whether key is present.
type ExistKeyRequest struct {
	Key string
}

// ExistKeyResponse carries the service-defined status code for an
// ExistKeyRequest. The meaning of StatusCode is defined by the service,
// not by this package.
type ExistKeyResponse struct {
	StatusCode int32
}

// GetReplicaListRequest asks for every replica currently holding key.
type GetReplicaListRequest struct {
	Key string
}

// GetReplicaListResponse answers a GetReplicaListRequest.
type GetReplicaListResponse struct {
	StatusCode int32
	Replicas   []ReplicaInfo
}

// PutStartRequest begins writing a new key's value, split into the
// given slice lengths and replicated per Replicate.
type PutStartRequest struct {
	Key          string
	ValueLength  uint64
	Replicate    ReplicateConfig
	SliceLengths []uint64
}

// PutStartResponse answers a PutStartRequest with the replicas the
// caller should write its slices into.
type PutStartResponse struct {
	StatusCode int32
	Replicas   []ReplicaInfo
}

// PutEndRequest finalizes a put previously begun with PutStartRequest.
type PutEndRequest struct {
	Key string
}

// PutEndResponse answers a PutEndRequest.
type PutEndResponse struct {
	StatusCode int32
}

// PutRevokeRequest abandons a put previously begun with PutStartRequest.
type PutRevokeRequest struct {
	Key string
}

// PutRevokeResponse answers a PutRevokeRequest.
type PutRevokeResponse struct {
	StatusCode int32
}

// RemoveRequest deletes a key and all its replicas.
type RemoveRequest struct {
	Key string
}

// RemoveResponse answers a RemoveRequest.
type RemoveResponse struct {
	StatusCode int32
}

// MountSegmentRequest registers a new backing segment the allocator
// may carve slabs out of.
type MountSegmentRequest struct {
	Buffer      uint64
	Size        uint64
	SegmentName string
}

// MountSegmentResponse answers a MountSegmentRequest.
type MountSegmentResponse struct {
	StatusCode int32
}

// UnmountSegmentRequest retires a previously mounted segment.
type UnmountSegmentRequest struct {
	SegmentName string
}

// UnmountSegmentResponse answers an UnmountSegmentRequest.
type UnmountSegmentResponse struct {
	StatusCode int32
}
