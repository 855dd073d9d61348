// Package socket serves the core operations over length-prefixed protobuf frames. Requests are
// routed to one worker per space partition, so requests against one space run in order.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"geoledger/internal/core"
	"geoledger/internal/domain"
	"geoledger/internal/hashroute"
	"geoledger/internal/metrics"
)

// Engine is the part of core.Service the socket layer serves.
type Engine interface {
	Write(context.Context, domain.WriteRequest) (domain.WriteResult, error)
	ReadAt(ctx context.Context, space, branchID, ref string, c domain.Context, opts core.ReadOptions) (core.ReadResult, error)
	ResolveRef(ctx context.Context, space, branchID, ref string, c domain.Context) (domain.ResolvedRef, error)
	Changesets(context.Context, core.ChangesetRequest) (domain.ChangesetPage, error)
	CompactChangeset(context.Context, core.ChangesetRequest) (domain.CompactChangeset, error)
	Health(context.Context) (bool, string)
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	MaxFrameBytes                               int
	TLSConfig                                   *tls.Config
	Logger                                      logrus.FieldLogger
}

type Server struct {
	cfg     Config
	engine  Engine
	log     logrus.FieldLogger
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	stop    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[*connection]struct{}
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
	done     chan struct{}
}

func NewServer(cfg Config, engine Engine) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		log:     cfg.Logger.WithField("transport", "socket"),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:   make([]chan queuedRequest, hashroute.PartitionCount),
		stop:    make(chan struct{}),
		conns:   make(map[*connection]struct{}),
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens and serves until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.WithField("addr", ln.Addr().String()).Info("socket server listening")

	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stop)
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{
		c:        raw,
		writerQ:  make(chan *SocketResponse, 256),
		inflight: make(chan struct{}, s.cfg.MaxInflight),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
		defer raw.Close()
		defer close(conn.done)
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for {
		select {
		case <-conn.done:
			return
		case res := <-conn.writerQ:
			payload, err := MarshalMessage(res)
			if err != nil {
				s.log.WithError(err).Warn("marshal socket response")
				continue
			}
			if err := WriteFrame(w, payload, s.cfg.MaxFrameBytes); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r, s.cfg.MaxFrameBytes)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: string(ErrorCodeInvalidRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, badReq(req, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: string(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, overloaded(req, "connection inflight limit exceeded"))
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, overloaded(req, "adapter queue overloaded"))
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.partQ[hashroute.PartitionForSpace(req.space())]
		select {
		case q <- qr:
		case <-s.stop:
			qr.release()
			return
		default:
			qr.release()
			s.send(conn, overloaded(req, "partition queue overloaded"))
		}
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case qr := <-q:
			start := time.Now()
			res := s.handleRequest(qr.ctx, qr.req)
			qr.release()
			metrics.ObserveRequest("socket", Operation(qr.req.Operation).String(), codeLabel(res.ErrorCode), start)
			s.send(qr.conn, res)
		}
	}
}

func codeLabel(code string) string {
	if code == "" {
		return "OK"
	}
	return code
}

// send drops the response when the connection is gone or its writer is backed up.
func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case <-conn.done:
	case conn.writerQ <- res:
	default:
		s.log.WithField("request_id", res.RequestId).Warn("socket writer queue full, response dropped")
	}
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: string(ErrorCodeInvalidRequest), ErrorMessage: msg}
}

func overloaded(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: string(ErrorCodeOverloaded), ErrorMessage: msg}
}

// failed maps a core error to its error_code.
func (s *Server) failed(res *SocketResponse, err error) *SocketResponse {
	kind := domain.KindOf(err)
	res.ErrorCode = kind.String()
	res.ErrorMessage = err.Error()
	var de *domain.Error
	if errors.As(err, &de) && len(de.Failed) > 0 {
		res.Write = &WriteResponse{Failed: failedItems(de.Failed)}
	}
	if kind == domain.KindInternal {
		s.log.WithError(err).WithField("request_id", res.RequestId).Error("socket request failed")
	}
	return res
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.engine.Health(ctx)
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationWrite:
		return s.handleWrite(ctx, req, res)
	case OperationRead:
		return s.handleRead(ctx, req, res)
	case OperationResolve:
		if req.Resolve == nil {
			return badReq(req, "resolve query required")
		}
		c, err := domain.ParseContext(req.Resolve.Context)
		if err != nil {
			return s.failed(res, err)
		}
		r, err := s.engine.ResolveRef(ctx, req.Resolve.Space, req.Resolve.Branch, req.Resolve.Ref, c)
		if err != nil {
			return s.failed(res, err)
		}
		res.Resolved = resolvedRef(r)
	case OperationChangesets:
		return s.handleChangesets(ctx, req, res)
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func (s *Server) handleWrite(ctx context.Context, req *SocketRequest, res *SocketResponse) *SocketResponse {
	w := req.Write
	if w == nil || (len(w.Features) == 0 && len(w.DeleteIds) == 0) {
		return badReq(req, "write features required")
	}
	wr, err := toWriteRequest(w)
	if err != nil {
		return s.failed(res, err)
	}
	out, err := s.engine.Write(ctx, wr)
	if err != nil {
		return s.failed(res, err)
	}
	res.Write = writeResponse(out)
	return res
}

func toWriteRequest(w *WriteRequest) (domain.WriteRequest, error) {
	out := domain.WriteRequest{
		Space:             w.Space,
		Branch:            w.Branch,
		BaseRef:           w.BaseRef,
		Transactional:     w.Transactional,
		ConflictDetection: w.ConflictDetection,
		Author:            w.Author,
	}
	var err error
	if out.Context, err = domain.ParseContext(w.Context); err != nil {
		return out, err
	}
	if out.Mode, err = domain.ParseWriteMode(w.Mode); err != nil {
		return out, err
	}
	if out.OnMergeConflict, err = domain.ParseOnMergeConflict(w.OnMergeConflict); err != nil {
		return out, err
	}
	if len(w.Features) > 0 {
		if out.Items, err = domain.DecodeWriteItems(w.Features); err != nil {
			return out, err
		}
	}
	for _, id := range w.DeleteIds {
		out.Items = append(out.Items, domain.WriteItem{Feature: domain.Feature{ID: id}, Delete: true})
	}
	return out, nil
}

func (s *Server) handleRead(ctx context.Context, req *SocketRequest, res *SocketResponse) *SocketResponse {
	q := req.Read
	if q == nil {
		return badReq(req, "read query required")
	}
	c, err := domain.ParseContext(q.Context)
	if err != nil {
		return s.failed(res, err)
	}
	opts := core.ReadOptions{IDs: q.Ids, Filter: q.Filter, Limit: int(q.Limit), IncludeDeleted: q.IncludeDeleted}
	switch len(q.Bbox) {
	case 0:
	case 4:
		opts.BBox = &orb.Bound{Min: orb.Point{q.Bbox[0], q.Bbox[1]}, Max: orb.Point{q.Bbox[2], q.Bbox[3]}}
	default:
		return badReq(req, "bbox needs west, south, east and north")
	}
	out, err := s.engine.ReadAt(ctx, q.Space, q.Branch, q.Ref, c, opts)
	if err != nil {
		return s.failed(res, err)
	}
	body, err := domain.EncodeFeatureCollection(out.Features)
	if err != nil {
		return s.failed(res, err)
	}
	res.Read = &ReadResponse{Ref: resolvedRef(out.Ref), Features: body}
	return res
}

func (s *Server) handleChangesets(ctx context.Context, req *SocketRequest, res *SocketResponse) *SocketResponse {
	q := req.Changesets
	if q == nil {
		return badReq(req, "changesets query required")
	}
	cr := core.ChangesetRequest{
		Space:     q.Space,
		Branch:    q.Branch,
		Start:     q.StartVersion,
		End:       q.EndVersion,
		Author:    q.Author,
		PageToken: q.PageToken,
		Limit:     int(q.Limit),
	}
	var (
		out  any
		resp ChangesetsResponse
	)
	if q.Compact {
		cs, err := s.engine.CompactChangeset(ctx, cr)
		if err != nil {
			return s.failed(res, err)
		}
		out, resp.StartVersion, resp.EndVersion = cs, cs.StartVersion, cs.EndVersion
	} else {
		page, err := s.engine.Changesets(ctx, cr)
		if err != nil {
			return s.failed(res, err)
		}
		out, resp.StartVersion, resp.EndVersion, resp.NextPageToken = page, page.StartVersion, page.EndVersion, page.NextPageToken
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return s.failed(res, err)
	}
	resp.Payload = payload
	res.Changesets = &resp
	return res
}

func resolvedRef(r domain.ResolvedRef) *ResolvedRef {
	return &ResolvedRef{Space: r.Space, Branch: r.Branch, Node: r.Key.Node, Version: r.Version}
}

func writeResponse(r domain.WriteResult) *WriteResponse {
	out := &WriteResponse{Version: r.Version, Committed: r.Committed, Deleted: r.Deleted, Unchanged: r.Unchanged, Failed: failedItems(r.Failed)}
	for _, f := range r.Inserted {
		out.Inserted = append(out.Inserted, f.ID)
	}
	for _, f := range r.Updated {
		out.Updated = append(out.Updated, f.ID)
	}
	return out
}

func failedItems(items []domain.FailedItem) []*FailedItem {
	out := make([]*FailedItem, 0, len(items))
	for _, f := range items {
		out = append(out, &FailedItem{Id: f.ID, Message: f.Reason})
	}
	return out
}

// DialAndRequest sends one request on a fresh connection and waits for its response.
func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload, 0); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn), 0)
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

// Retryable reports whether the request may succeed when sent again unchanged.
func Retryable(code string) bool { return ErrorCode(code) == ErrorCodeOverloaded }
