package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/simfleet/manager/internal/transport"
)

// HandleRegister implements transport.RegisterHandler: it dials back to
// the address the simulator advertised and fetches the simulator's
// component declarations over the freshly opened session, so the
// registry only ever records what a live, reachable simulator actually
// answers. This is the reverse-dial pattern: the simulator only ever
// initiates the registration call, the manager initiates every call
// thereafter.
func (r *Registry) HandleRegister(ctx context.Context, name, simulatorAddr string) (uuid.UUID, error) {
	dialCtx, cancel := context.WithTimeout(ctx, transport.DialTimeout)
	defer cancel()

	conn, err := transport.DialSimulator(dialCtx, simulatorAddr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("registering simulator %q; %w", name, err)
	}

	components, info, err := conn.GetComponentInfo(dialCtx)
	if err != nil {
		conn.Close()
		return uuid.Nil, fmt.Errorf("fetching component info from simulator %q; %w", name, err)
	}

	id, err := r.Register(ctx, name, components, info, conn)
	if err != nil {
		conn.Close()
		return uuid.Nil, err
	}
	return id, nil
}
