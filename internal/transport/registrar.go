package transport

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// registerRate bounds how often a single simulator address may attempt
// to (re)register, guarding against a misbehaving simulator that dials
// in a reconnect loop.
const registerRate = rate.Limit(2)
const registerBurst = 5

// registrarService adapts a RegisterHandler to net/rpc's calling
// convention on the manager side.
type registrarService struct {
	handler  RegisterHandler
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (s *registrarService) limiterFor(addr string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limiters[addr]; ok {
		return l
	}
	l := rate.NewLimiter(registerRate, registerBurst)
	s.limiters[addr] = l
	return l
}

func (s *registrarService) Register(args RegisterArgs, reply *RegisterReply) error {
	if !s.limiterFor(args.SimulatorAddr).Allow() {
		return fmt.Errorf("registration rate exceeded for %q", args.SimulatorAddr)
	}

	id, err := s.handler.HandleRegister(context.Background(), args.Name, args.SimulatorAddr)
	if err != nil {
		return err
	}
	reply.ID = id
	return nil
}

// Registrar is the manager's reverse-dial registration endpoint:
// simulators dial in once to announce themselves and advertise the
// address the manager should dial back to for sessions.
type Registrar struct {
	listener net.Listener
	rpc      *rpc.Server
}

// NewRegistrar binds bind (e.g. SIMULATOR_MANAGER_ADDR) and wires
// handler to answer incoming Register calls.
func NewRegistrar(bind string, handler RegisterHandler) (*Registrar, error) {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("failed to bind registrar on %q; %w", bind, err)
	}

	service := &registrarService{handler: handler, limiters: make(map[string]*rate.Limiter)}

	server := rpc.NewServer()
	if err := server.RegisterName("Registrar", service); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to register registrar service; %w", err)
	}

	return &Registrar{listener: listener, rpc: server}, nil
}

func (r *Registrar) Addr() string {
	return r.listener.Addr().String()
}

func (r *Registrar) Serve() {
	r.rpc.Accept(r.listener)
}

func (r *Registrar) Close() error {
	return r.listener.Close()
}

// RegisterWithManager is called from the simulator side: it dials the
// manager's registrar address and announces this simulator's name and
// the address the manager can dial back on to fetch its components.
func RegisterWithManager(ctx context.Context, managerAddr string, args RegisterArgs) (uuid.UUID, error) {
	type result struct {
		reply RegisterReply
		err   error
	}
	done := make(chan result, 1)

	go func() {
		client, err := rpc.Dial("tcp", managerAddr)
		if err != nil {
			done <- result{err: fmt.Errorf("failed to dial manager at %q; %w", managerAddr, err)}
			return
		}
		defer client.Close()

		var reply RegisterReply
		err = client.Call("Registrar.Register", args, &reply)
		done <- result{reply: reply, err: err}
	}()

	select {
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return uuid.Nil, r.err
		}
		return r.reply.ID, nil
	}
}
