// Package storage is the durable persistence layer behind the database
// buffer: one PostgreSQL database holding simulation metadata and the
// per-timestep graph frames produced by the orchestration runner.
// Writes use explicit transactions (BeginTx, deferred rollback,
// commit) with upserts via ON CONFLICT so frame persistence is
// idempotent per (simulation, iteration, entity, component).
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/simfleet/manager/internal/component"
	"github.com/simfleet/manager/internal/graph"
)

// Status is a simulation's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusComputing Status = "computing"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
)

// SimulationRecord is one row of the simulations table.
type SimulationRecord struct {
	ID         string
	Name       string
	Status     Status
	StatusInfo string
	MaxSteps   int
	DeltaTime  time.Duration
	CreatedAt  time.Time
	Simulators []string
}

// Store is a PostgreSQL-backed persistence layer. All methods are
// safe for concurrent use; database/sql's own connection pool
// serializes access to the underlying connections.
type Store struct {
	db *sql.DB
}

// Config names the connection parameters exposed as environment
// variables.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c Config) dsn() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, sslmode)
}

// Open connects to PostgreSQL and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection; %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database; %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS simulations (
	id            UUID PRIMARY KEY,
	name          TEXT NOT NULL,
	status        TEXT NOT NULL,
	status_info   TEXT NOT NULL DEFAULT '',
	max_steps     INTEGER NOT NULL DEFAULT 0,
	delta_time_ns BIGINT NOT NULL DEFAULT 0,
	simulators    JSONB NOT NULL DEFAULT '[]',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS frame_globals (
	simulation_id UUID NOT NULL,
	seq           INTEGER NOT NULL,
	component     TEXT NOT NULL,
	value         JSONB NOT NULL,
	PRIMARY KEY (simulation_id, seq, component)
);

CREATE TABLE IF NOT EXISTS frame_nodes (
	simulation_id UUID NOT NULL,
	seq           INTEGER NOT NULL,
	node_id       TEXT NOT NULL,
	lon           DOUBLE PRECISION NOT NULL DEFAULT 0,
	lat           DOUBLE PRECISION NOT NULL DEFAULT 0,
	component     TEXT NOT NULL,
	value         JSONB NOT NULL,
	PRIMARY KEY (simulation_id, seq, node_id, component)
);

CREATE TABLE IF NOT EXISTS frame_edges (
	simulation_id UUID NOT NULL,
	seq           INTEGER NOT NULL,
	edge_id       TEXT NOT NULL,
	from_node     TEXT NOT NULL,
	to_node       TEXT NOT NULL,
	component     TEXT NOT NULL,
	value         JSONB NOT NULL,
	PRIMARY KEY (simulation_id, seq, edge_id, component)
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema migration; %w", err)
	}
	return nil
}

// CreateSimulation inserts a new simulation row in StatusPending,
// recording the ordered list of simulator ids selected for it.
func (s *Store) CreateSimulation(ctx context.Context, id, name string, maxSteps int, deltaTime time.Duration, simulators []string) error {
	if simulators == nil {
		simulators = []string{}
	}
	simJSON, err := json.Marshal(simulators)
	if err != nil {
		return fmt.Errorf("failed to encode simulator list; %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO simulations (id, name, status, max_steps, delta_time_ns, simulators) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, name, StatusPending, maxSteps, deltaTime.Nanoseconds(), simJSON)
	if err != nil {
		return fmt.Errorf("failed to create simulation %q; %w", id, err)
	}
	return nil
}

// UpdateStatus transitions a simulation's recorded status and its
// status-info text (non-empty only for Failed).
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, info string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE simulations SET status = $1, status_info = $2 WHERE id = $3`, status, info, id)
	if err != nil {
		return fmt.Errorf("failed to update status for simulation %q; %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("simulation %q not found", id)
	}
	return nil
}

// GetSimulation fetches one simulation's metadata row.
func (s *Store) GetSimulation(ctx context.Context, id string) (SimulationRecord, error) {
	var rec SimulationRecord
	var deltaNs int64
	var simJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, status_info, max_steps, delta_time_ns, simulators, created_at FROM simulations WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Name, &rec.Status, &rec.StatusInfo, &rec.MaxSteps, &deltaNs, &simJSON, &rec.CreatedAt)
	if err != nil {
		return SimulationRecord{}, fmt.Errorf("failed to fetch simulation %q; %w", id, err)
	}
	rec.DeltaTime = time.Duration(deltaNs)
	if err := json.Unmarshal(simJSON, &rec.Simulators); err != nil {
		return SimulationRecord{}, fmt.Errorf("failed to decode simulator list for %q; %w", id, err)
	}
	return rec, nil
}

// ListSimulations returns every known simulation, newest first.
func (s *Store) ListSimulations(ctx context.Context) ([]SimulationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, status_info, max_steps, delta_time_ns, simulators, created_at FROM simulations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list simulations; %w", err)
	}
	defer rows.Close()

	var out []SimulationRecord
	for rows.Next() {
		var rec SimulationRecord
		var deltaNs int64
		var simJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Status, &rec.StatusInfo, &rec.MaxSteps, &deltaNs, &simJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan simulation row; %w", err)
		}
		rec.DeltaTime = time.Duration(deltaNs)
		if err := json.Unmarshal(simJSON, &rec.Simulators); err != nil {
			return nil, fmt.Errorf("failed to decode simulator list; %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertFrame durably persists one timestep's graph for a simulation
// inside a single transaction.
func (s *Store) InsertFrame(ctx context.Context, simulationID string, seq int, g graph.Graph) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin frame transaction; %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for name, v := range g.Globals {
		if err = insertValue(ctx, tx,
			`INSERT INTO frame_globals (simulation_id, seq, component, value) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (simulation_id, seq, component) DO UPDATE SET value = EXCLUDED.value`,
			simulationID, seq, name, v); err != nil {
			return err
		}
	}

	for nodeID, n := range g.Nodes {
		for name, v := range n.Components {
			if err = insertNodeValue(ctx, tx, simulationID, seq, string(nodeID), n.Lon, n.Lat, name, v); err != nil {
				return err
			}
		}
	}

	for edgeID, e := range g.Edges {
		for name, v := range e.Components {
			if err = insertEdgeValue(ctx, tx, simulationID, seq, string(edgeID), string(e.From), string(e.To), name, v); err != nil {
				return err
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit frame transaction; %w", err)
	}
	return nil
}

func insertValue(ctx context.Context, tx *sql.Tx, query, simulationID string, seq int, name string, v component.Value) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode component %q; %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, query, simulationID, seq, name, payload); err != nil {
		return fmt.Errorf("failed to persist component %q; %w", name, err)
	}
	return nil
}

func insertNodeValue(ctx context.Context, tx *sql.Tx, simulationID string, seq int, nodeID string, lon, lat float64, name string, v component.Value) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode node component %q; %w", name, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO frame_nodes (simulation_id, seq, node_id, lon, lat, component, value)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (simulation_id, seq, node_id, component) DO UPDATE SET value = EXCLUDED.value`,
		simulationID, seq, nodeID, lon, lat, name, payload)
	if err != nil {
		return fmt.Errorf("failed to persist node component %q; %w", name, err)
	}
	return nil
}

func insertEdgeValue(ctx context.Context, tx *sql.Tx, simulationID string, seq int, edgeID, from, to, name string, v component.Value) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode edge component %q; %w", name, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO frame_edges (simulation_id, seq, edge_id, from_node, to_node, component, value)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (simulation_id, seq, edge_id, component) DO UPDATE SET value = EXCLUDED.value`,
		simulationID, seq, edgeID, from, to, name, payload)
	if err != nil {
		return fmt.Errorf("failed to persist edge component %q; %w", name, err)
	}
	return nil
}

// GetFrame reconstructs the graph for one simulation at one sequence
// number from its persisted rows.
func (s *Store) GetFrame(ctx context.Context, simulationID string, seq int) (graph.Graph, error) {
	g := graph.New()

	globalRows, err := s.db.QueryContext(ctx,
		`SELECT component, value FROM frame_globals WHERE simulation_id = $1 AND seq = $2`, simulationID, seq)
	if err != nil {
		return graph.Graph{}, fmt.Errorf("failed to query globals for frame %d; %w", seq, err)
	}
	defer globalRows.Close()
	for globalRows.Next() {
		var name string
		var raw []byte
		if err := globalRows.Scan(&name, &raw); err != nil {
			return graph.Graph{}, err
		}
		var v component.Value
		if err := json.Unmarshal(raw, &v); err != nil {
			return graph.Graph{}, fmt.Errorf("failed to decode global %q; %w", name, err)
		}
		g.Globals[name] = v
	}

	nodeRows, err := s.db.QueryContext(ctx,
		`SELECT node_id, lon, lat, component, value FROM frame_nodes WHERE simulation_id = $1 AND seq = $2`, simulationID, seq)
	if err != nil {
		return graph.Graph{}, fmt.Errorf("failed to query nodes for frame %d; %w", seq, err)
	}
	defer nodeRows.Close()
	for nodeRows.Next() {
		var nodeID, name string
		var lon, lat float64
		var raw []byte
		if err := nodeRows.Scan(&nodeID, &lon, &lat, &name, &raw); err != nil {
			return graph.Graph{}, err
		}
		var v component.Value
		if err := json.Unmarshal(raw, &v); err != nil {
			return graph.Graph{}, fmt.Errorf("failed to decode node component %q; %w", name, err)
		}
		n, ok := g.Nodes[graph.NodeID(nodeID)]
		if !ok {
			n = graph.Node{Lon: lon, Lat: lat, Components: graph.ComponentSet{}}
		}
		n.Components[name] = v
		g.Nodes[graph.NodeID(nodeID)] = n
	}

	edgeRows, err := s.db.QueryContext(ctx,
		`SELECT edge_id, from_node, to_node, component, value FROM frame_edges WHERE simulation_id = $1 AND seq = $2`, simulationID, seq)
	if err != nil {
		return graph.Graph{}, fmt.Errorf("failed to query edges for frame %d; %w", seq, err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var edgeID, from, to, name string
		var raw []byte
		if err := edgeRows.Scan(&edgeID, &from, &to, &name, &raw); err != nil {
			return graph.Graph{}, err
		}
		var v component.Value
		if err := json.Unmarshal(raw, &v); err != nil {
			return graph.Graph{}, fmt.Errorf("failed to decode edge component %q; %w", name, err)
		}
		e, ok := g.Edges[graph.EdgeID(edgeID)]
		if !ok {
			e = graph.Edge{From: graph.NodeID(from), To: graph.NodeID(to), Components: graph.ComponentSet{}}
		}
		e.Components[name] = v
		g.Edges[graph.EdgeID(edgeID)] = e
	}

	return g, nil
}
