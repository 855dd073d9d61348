package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"

	"geoledger/internal/domain"
)

type Operation int32

const (
	OperationUnknown    Operation = 0
	OperationWrite      Operation = 1
	OperationRead       Operation = 2
	OperationResolve    Operation = 3
	OperationChangesets Operation = 4
	OperationPing       Operation = 5
	OperationHealth     Operation = 6
)

func (o Operation) String() string {
	switch o {
	case OperationWrite:
		return "write"
	case OperationRead:
		return "read"
	case OperationResolve:
		return "resolve"
	case OperationChangesets:
		return "changesets"
	case OperationPing:
		return "ping"
	case OperationHealth:
		return "health"
	}
	return "unknown"
}

// ErrorCode is the error kind carried in error_code. The empty code means success. Core
// failures use the names of domain.Kind.
type ErrorCode string

const (
	ErrorCodeOK              ErrorCode = ""
	ErrorCodeUnauthenticated ErrorCode = "UNAUTHENTICATED"
	ErrorCodeOverloaded      ErrorCode = "OVERLOADED"
)

var (
	ErrorCodeNotFound           = ErrorCode(domain.KindNotFound.String())
	ErrorCodeConflict           = ErrorCode(domain.KindConflict.String())
	ErrorCodeInvalidRequest     = ErrorCode(domain.KindInvalidRequest.String())
	ErrorCodeInactive           = ErrorCode(domain.KindInactive.String())
	ErrorCodePreconditionFailed = ErrorCode(domain.KindPreconditionFailed.String())
	ErrorCodeInternal           = ErrorCode(domain.KindInternal.String())
)

type SocketRequest struct {
	RequestId  string             `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken  string             `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation  int32              `protobuf:"varint,3,opt,name=operation,proto3"`
	Write      *WriteRequest      `protobuf:"bytes,4,opt,name=write,proto3"`
	Read       *ReadRequest       `protobuf:"bytes,5,opt,name=read,proto3"`
	Resolve    *ResolveRequest    `protobuf:"bytes,6,opt,name=resolve,proto3"`
	Changesets *ChangesetsRequest `protobuf:"bytes,7,opt,name=changesets,proto3"`
	Ping       *PingRequest       `protobuf:"bytes,8,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

// space is the space a request addresses, used for worker routing.
func (r *SocketRequest) space() string {
	switch {
	case r.Write != nil:
		return r.Write.Space
	case r.Read != nil:
		return r.Read.Space
	case r.Resolve != nil:
		return r.Resolve.Space
	case r.Changesets != nil:
		return r.Changesets.Space
	}
	return ""
}

type SocketResponse struct {
	RequestId    string              `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    string              `protobuf:"bytes,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string              `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Write        *WriteResponse      `protobuf:"bytes,4,opt,name=write,proto3"`
	Read         *ReadResponse       `protobuf:"bytes,5,opt,name=read,proto3"`
	Resolved     *ResolvedRef        `protobuf:"bytes,6,opt,name=resolved,proto3"`
	Changesets   *ChangesetsResponse `protobuf:"bytes,7,opt,name=changesets,proto3"`
	Pong         *PongResponse       `protobuf:"bytes,8,opt,name=pong,proto3"`
	Health       *HealthResponse     `protobuf:"bytes,9,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

// Err turns a failed response back into a typed core error.
func (r *SocketResponse) Err() error {
	code := ErrorCode(r.ErrorCode)
	if code == ErrorCodeOK {
		return nil
	}
	kind := domain.KindInternal
	for _, k := range []domain.Kind{domain.KindNotFound, domain.KindConflict, domain.KindInvalidRequest, domain.KindInactive, domain.KindPreconditionFailed} {
		if string(code) == k.String() {
			kind = k
		}
	}
	e := &domain.Error{Kind: kind, Op: "socket", Msg: r.ErrorMessage}
	if r.Write != nil {
		for _, f := range r.Write.Failed {
			e.Failed = append(e.Failed, domain.FailedItem{ID: f.Id, Reason: f.Message})
		}
	}
	return e
}

// WriteRequest carries the features as a GeoJSON FeatureCollection. DeleteIds are deleted in
// the same version.
type WriteRequest struct {
	Space             string   `protobuf:"bytes,1,opt,name=space,proto3"`
	Branch            string   `protobuf:"bytes,2,opt,name=branch,proto3"`
	Context           string   `protobuf:"bytes,3,opt,name=context,proto3"`
	Mode              string   `protobuf:"bytes,4,opt,name=mode,proto3"`
	BaseRef           string   `protobuf:"bytes,5,opt,name=base_ref,json=baseRef,proto3"`
	Transactional     bool     `protobuf:"varint,6,opt,name=transactional,proto3"`
	ConflictDetection bool     `protobuf:"varint,7,opt,name=conflict_detection,json=conflictDetection,proto3"`
	OnMergeConflict   string   `protobuf:"bytes,8,opt,name=on_merge_conflict,json=onMergeConflict,proto3"`
	Author            string   `protobuf:"bytes,9,opt,name=author,proto3"`
	Features          []byte   `protobuf:"bytes,10,opt,name=features,proto3"`
	DeleteIds         []string `protobuf:"bytes,11,rep,name=delete_ids,json=deleteIds,proto3"`
}

func (*WriteRequest) Reset()         {}
func (*WriteRequest) String() string { return "WriteRequest" }
func (*WriteRequest) ProtoMessage()  {}

type FailedItem struct {
	Id      string `protobuf:"bytes,1,opt,name=id,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*FailedItem) Reset()         {}
func (*FailedItem) String() string { return "FailedItem" }
func (*FailedItem) ProtoMessage()  {}

type WriteResponse struct {
	Version   int64         `protobuf:"varint,1,opt,name=version,proto3"`
	Committed bool          `protobuf:"varint,2,opt,name=committed,proto3"`
	Inserted  []string      `protobuf:"bytes,3,rep,name=inserted,proto3"`
	Updated   []string      `protobuf:"bytes,4,rep,name=updated,proto3"`
	Deleted   []string      `protobuf:"bytes,5,rep,name=deleted,proto3"`
	Unchanged []string      `protobuf:"bytes,6,rep,name=unchanged,proto3"`
	Failed    []*FailedItem `protobuf:"bytes,7,rep,name=failed,proto3"`
}

func (*WriteResponse) Reset()         {}
func (*WriteResponse) String() string { return "WriteResponse" }
func (*WriteResponse) ProtoMessage()  {}

// ReadRequest selects features at a ref. Bbox is west, south, east, north when set.
type ReadRequest struct {
	Space          string    `protobuf:"bytes,1,opt,name=space,proto3"`
	Branch         string    `protobuf:"bytes,2,opt,name=branch,proto3"`
	Ref            string    `protobuf:"bytes,3,opt,name=ref,proto3"`
	Context        string    `protobuf:"bytes,4,opt,name=context,proto3"`
	Ids            []string  `protobuf:"bytes,5,rep,name=ids,proto3"`
	Filter         string    `protobuf:"bytes,6,opt,name=filter,proto3"`
	Limit          int32     `protobuf:"varint,7,opt,name=limit,proto3"`
	IncludeDeleted bool      `protobuf:"varint,8,opt,name=include_deleted,json=includeDeleted,proto3"`
	Bbox           []float64 `protobuf:"fixed64,9,rep,packed,name=bbox,proto3"`
}

func (*ReadRequest) Reset()         {}
func (*ReadRequest) String() string { return "ReadRequest" }
func (*ReadRequest) ProtoMessage()  {}

type ReadResponse struct {
	Ref      *ResolvedRef `protobuf:"bytes,1,opt,name=ref,proto3"`
	Features []byte       `protobuf:"bytes,2,opt,name=features,proto3"`
}

func (*ReadResponse) Reset()         {}
func (*ReadResponse) String() string { return "ReadResponse" }
func (*ReadResponse) ProtoMessage()  {}

type ResolveRequest struct {
	Space   string `protobuf:"bytes,1,opt,name=space,proto3"`
	Branch  string `protobuf:"bytes,2,opt,name=branch,proto3"`
	Ref     string `protobuf:"bytes,3,opt,name=ref,proto3"`
	Context string `protobuf:"bytes,4,opt,name=context,proto3"`
}

func (*ResolveRequest) Reset()         {}
func (*ResolveRequest) String() string { return "ResolveRequest" }
func (*ResolveRequest) ProtoMessage()  {}

type ResolvedRef struct {
	Space   string `protobuf:"bytes,1,opt,name=space,proto3"`
	Branch  string `protobuf:"bytes,2,opt,name=branch,proto3"`
	Node    int64  `protobuf:"varint,3,opt,name=node,proto3"`
	Version int64  `protobuf:"varint,4,opt,name=version,proto3"`
}

func (*ResolvedRef) Reset()         {}
func (*ResolvedRef) String() string { return "ResolvedRef" }
func (*ResolvedRef) ProtoMessage()  {}

type ChangesetsRequest struct {
	Space        string `protobuf:"bytes,1,opt,name=space,proto3"`
	Branch       string `protobuf:"bytes,2,opt,name=branch,proto3"`
	StartVersion int64  `protobuf:"varint,3,opt,name=start_version,json=startVersion,proto3"`
	EndVersion   int64  `protobuf:"varint,4,opt,name=end_version,json=endVersion,proto3"`
	Author       string `protobuf:"bytes,5,opt,name=author,proto3"`
	PageToken    string `protobuf:"bytes,6,opt,name=page_token,json=pageToken,proto3"`
	Limit        int32  `protobuf:"varint,7,opt,name=limit,proto3"`
	Compact      bool   `protobuf:"varint,8,opt,name=compact,proto3"`
}

func (*ChangesetsRequest) Reset()         {}
func (*ChangesetsRequest) String() string { return "ChangesetsRequest" }
func (*ChangesetsRequest) ProtoMessage()  {}

// ChangesetsResponse carries the page (or the compact changeset) as JSON.
type ChangesetsResponse struct {
	StartVersion  int64  `protobuf:"varint,1,opt,name=start_version,json=startVersion,proto3"`
	EndVersion    int64  `protobuf:"varint,2,opt,name=end_version,json=endVersion,proto3"`
	NextPageToken string `protobuf:"bytes,3,opt,name=next_page_token,json=nextPageToken,proto3"`
	Payload       []byte `protobuf:"bytes,4,opt,name=payload,proto3"`
}

func (*ChangesetsResponse) Reset()         {}
func (*ChangesetsResponse) String() string { return "ChangesetsResponse" }
func (*ChangesetsResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	op := Operation(req.Operation)
	switch op {
	case OperationUnknown:
		return fmt.Errorf("operation is required")
	case OperationPing, OperationHealth:
		return nil
	}
	if req.space() == "" {
		return fmt.Errorf("%s: space is required", op)
	}
	return nil
}
