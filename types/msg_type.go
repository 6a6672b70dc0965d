package types

import "reflect"

// message tags on the transport
const (
	HeaderTag uint8 = iota
	VoteTag
	CertificateTag
	BatchTag
	ShardTag
	ReconfigureTag
	CertificateRequestTag
	BatchRequestTag
	ShardRequestTag
)

// BatchMsg carries a batch sealed by a worker.
type BatchMsg struct {
	WorkerID uint32
	Batch    Batch
}

// ShardMsg carries the erasure coded shard of a batch destined to the receiver.
type ShardMsg struct {
	Digest Digest
	Shard  Shard
}

// Shard is one piece of an erasure coded batch.
type Shard struct {
	Index      int
	DataShards int
	Total      int
	Size       int // length of the encoded batch before splitting
	Data       []byte
}

// CertificateRequest asks for a certificate. Round is the round the requester
// expects it at, the server answers Stale when that round was garbage collected.
type CertificateRequest struct {
	Digest Digest
	Round  uint64
}

// CertificateResponse answers a CertificateRequest. Certificate is nil when the
// peer does not hold it; Stale is set when it was garbage collected.
type CertificateResponse struct {
	Certificate *Certificate
	Stale       bool
}

type BatchRequest struct {
	Digest Digest
}

type BatchResponse struct {
	Batch *Batch
}

type ShardRequest struct {
	Digest Digest
}

type ShardResponse struct {
	Shard *Shard
}

var header Header
var vote Vote
var certificate Certificate
var batchMsg BatchMsg
var shardMsg ShardMsg
var reconfigure ReconfigureNotification
var certificateRequest CertificateRequest
var batchRequest BatchRequest
var shardRequest ShardRequest

// ReflectedTypesMap lets the transport decode frames into typed messages.
var ReflectedTypesMap = map[uint8]reflect.Type{
	HeaderTag:             reflect.TypeOf(header),
	VoteTag:               reflect.TypeOf(vote),
	CertificateTag:        reflect.TypeOf(certificate),
	BatchTag:              reflect.TypeOf(batchMsg),
	ShardTag:              reflect.TypeOf(shardMsg),
	ReconfigureTag:        reflect.TypeOf(reconfigure),
	CertificateRequestTag: reflect.TypeOf(certificateRequest),
	BatchRequestTag:       reflect.TypeOf(batchRequest),
	ShardRequestTag:       reflect.TypeOf(shardRequest),
}
