// Package router implements the Front Router: the transport boundary
// that accepts multipart ZeroMQ envelopes, dispatches each payload batch
// to the resolver with a residual deadline, and re-envelopes the
// response. Grounded on ap_common/comms.APComm's REQ/REP wrapper
// (open-with-backoff, blocking Serve loop) — see DESIGN.md.
package router

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"obstree/internal/treedata"
	"obstree/internal/treeerr"
	"obstree/internal/value"
	"obstree/internal/wire"
)

// Resolver is the root component the router dispatches resolved batches
// into; satisfied by the assembled tree's root Component.
type Resolver interface {
	GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error)
}

// envelope mirrors the wire shape of SPEC_FULL.md §6: an optional client
// prefix (assigned by the transport), create_time, msg_id,
// request_timeout, service_flag, then one or more payload frames.
type envelope struct {
	prefix     [][]byte
	createTime time.Time
	msgID      []byte
	timeout    time.Time
	service    bool
	payloads   [][]byte
}

// Router is the Front Router component.
type Router struct {
	name     string
	bindURL  string
	resolver Resolver

	socket *zmq.Socket
	sockMu sync.Mutex
	active bool
	cancel context.CancelFunc

	wg  sync.WaitGroup
	log *zap.SugaredLogger
}

// New builds a Router that will bind bindURL and dispatch into resolver.
func New(name, bindURL string, resolver Resolver) *Router {
	return &Router{name: name, bindURL: bindURL, resolver: resolver, log: zap.S().Named(name)}
}

// Name implements component.Component.
func (r *Router) Name() string { return r.name }

// PostInit: the router owns no tree-positional state.
func (r *Router) PostInit(path []string, td *treedata.TreeData) {}

// Run binds the socket and starts the accept loop in the background.
func (r *Router) Run(ctx context.Context) error {
	socket, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return treeerr.Wrap(err, "creating router socket")
	}
	if err := socket.Bind(r.bindURL); err != nil {
		socket.Close()
		return treeerr.Wrap(err, "binding router socket to "+r.bindURL)
	}
	r.socket = socket
	r.active = true
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.acceptLoop(ctx)
	return nil
}

// Stop cancels the context of in-flight requests and closes the socket,
// waiting (bounded by a drain timeout) for every tracked goroutine to
// finish.
func (r *Router) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	r.sockMu.Lock()
	r.active = false
	if r.socket != nil {
		r.socket.Close()
	}
	r.sockMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.log.Warnw("timed out waiting for in-flight requests to drain")
	}
	return nil
}

func (r *Router) acceptLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		r.sockMu.Lock()
		active := r.active
		socket := r.socket
		r.sockMu.Unlock()
		if !active || socket == nil {
			return
		}

		frames, err := socket.RecvMessageBytes(0)
		if err != nil {
			// Socket closed (Stop) or a transient read error; either way
			// loop back and re-check r.active.
			continue
		}

		env, ok := parseEnvelope(frames)
		if !ok {
			r.log.Warnw("dropping malformed envelope", "frame_count", len(frames))
			continue
		}

		if env.service {
			r.handleService(env)
			continue
		}

		r.wg.Add(1)
		go r.handleRequest(ctx, env)
	}
}

func (r *Router) handleService(env envelope) {
	// is_alive and similar service messages are answered directly,
	// without reaching the resolver.
	r.reply(env, env.payloads)
}

func (r *Router) handleRequest(ctx context.Context, env envelope) {
	defer r.wg.Done()

	reqCtx, cancel := context.WithDeadline(ctx, env.timeout)
	defer cancel()

	responses := make([][]byte, len(env.payloads))
	var wg sync.WaitGroup
	for i, p := range env.payloads {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = r.resolveOne(reqCtx, p)
		}()
	}
	wg.Wait()

	select {
	case <-reqCtx.Done():
		// Per-task timeout: drop the reply silently; the client's own
		// timer recovers.
		return
	default:
	}
	r.reply(env, responses)
}

func (r *Router) resolveOne(ctx context.Context, payload []byte) []byte {
	req, err := wire.DecodeRequest(payload)
	if err != nil {
		return r.encodeFailure(err)
	}
	if req.CycleQuery && req.RequestType == value.Write {
		return r.encodeFailure(treeerr.NewOtherError(treeerr.CodeNoCommand, treeerr.SeverityNormal, "unsupported: cycle_query is READ-only"))
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorw("recovered panic resolving request", "panic", rec)
		}
	}()
	resolvedValue, rerr := r.resolver.GetValue(ctx, req)
	if rerr != nil {
		return r.encodeFailure(rerr)
	}
	out, err := wire.EncodeResponse(&value.ValueResponse{Address: req.Address, Value: resolvedValue, Status: true})
	if err != nil {
		return r.encodeFailure(err)
	}
	return out
}

func (r *Router) encodeFailure(err error) []byte {
	te, ok := treeerr.AsTreeError(err)
	if !ok {
		te = &treeerr.TreeError{Kind: treeerr.KindOther, Code: treeerr.CodeNoCommand, Message: err.Error(), Severity: treeerr.SeverityCritical}
	}
	out, encErr := wire.EncodeResponse(&value.ValueResponse{Status: false, Error: te})
	if encErr != nil {
		return nil
	}
	return out
}

func (r *Router) reply(env envelope, payloads [][]byte) {
	frames := buildEnvelope(env, payloads)
	r.sockMu.Lock()
	defer r.sockMu.Unlock()
	if r.socket == nil {
		return
	}
	r.socket.SendMessage(frames)
}

func parseEnvelope(frames [][]byte) (envelope, bool) {
	// Shape: [client-prefix...(ROUTER-assigned, one or more frames,
	// terminated by an empty delimiter) | create_time | msg_id |
	// request_timeout | service_flag | payload...]
	var prefix [][]byte
	i := 0
	for ; i < len(frames); i++ {
		if len(frames[i]) == 0 {
			i++
			break
		}
		prefix = append(prefix, frames[i])
	}
	if i+4 > len(frames) {
		return envelope{}, false
	}
	createTimeB, msgID, timeoutB, serviceB := frames[i], frames[i+1], frames[i+2], frames[i+3]
	if len(createTimeB) != 8 || len(timeoutB) != 8 || len(serviceB) != 1 {
		return envelope{}, false
	}
	env := envelope{
		prefix:     prefix,
		createTime: time.Unix(int64(binary.BigEndian.Uint64(createTimeB)), 0),
		msgID:      msgID,
		timeout:    time.Unix(int64(binary.BigEndian.Uint64(timeoutB)), 0),
		service:    serviceB[0] != 0,
		payloads:   frames[i+4:],
	}
	if len(env.payloads) == 0 {
		env.payloads = [][]byte{{}}
	}
	return env, true
}

func buildEnvelope(env envelope, payloads [][]byte) [][]byte {
	createTimeB := make([]byte, 8)
	binary.BigEndian.PutUint64(createTimeB, uint64(env.createTime.Unix()))
	timeoutB := make([]byte, 8)
	binary.BigEndian.PutUint64(timeoutB, uint64(env.timeout.Unix()))
	serviceB := []byte{0}
	if env.service {
		serviceB[0] = 1
	}

	frames := make([][]byte, 0, len(env.prefix)+1+4+len(payloads))
	frames = append(frames, env.prefix...)
	frames = append(frames, []byte{})
	frames = append(frames, createTimeB, env.msgID, timeoutB, serviceB)
	frames = append(frames, payloads...)
	return frames
}
