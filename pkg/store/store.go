// Package store persists MCP server definitions and gateway membership in a
// SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpgateway "github.com/vikashloomba/mcp-gateway-go/pkg/mcp-gateway"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a server id or membership does not exist.
var ErrNotFound = errors.New("store: not found")

var (
	_ mcpgateway.MembershipStore = (*Store)(nil)
	_ mcpgateway.SelfRegistrar   = (*Store)(nil)
)

// Server is one MCP server definition.
type Server struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
}

// Member is a server that belongs to the gateway.
type Member struct {
	Server
	Enabled     bool `json:"enabled"`
	AutoRestart bool `json:"auto_restart"`
	Self        bool `json:"self"`
}

// Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS mcp_servers (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL UNIQUE,
	transport TEXT NOT NULL DEFAULT 'stdio',
	command   TEXT NOT NULL DEFAULT '',
	args      TEXT NOT NULL DEFAULT '[]',
	env       TEXT NOT NULL DEFAULT '{}',
	url       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS gateway_members (
	server_id    INTEGER PRIMARY KEY REFERENCES mcp_servers(id) ON DELETE CASCADE,
	enabled      INTEGER NOT NULL DEFAULT 1,
	auto_restart INTEGER NOT NULL DEFAULT 0,
	is_self      INTEGER NOT NULL DEFAULT 0
);
`

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateServer inserts a server definition and returns its id.
func (s *Store) CreateServer(ctx context.Context, srv Server) (int64, error) {
	if strings.TrimSpace(srv.Name) == "" {
		return 0, fmt.Errorf("store: server name is required")
	}
	if srv.Transport == "" {
		srv.Transport = string(mcpgateway.TransportStdio)
	}
	args, env, err := encodeLaunch(srv)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mcp_servers (name, transport, command, args, env, url) VALUES (?, ?, ?, ?, ?, ?)`,
		srv.Name, srv.Transport, srv.Command, args, env, srv.URL)
	if err != nil {
		return 0, fmt.Errorf("store: create server %q: %w", srv.Name, err)
	}
	return res.LastInsertId()
}

// UpdateServer replaces the definition stored under srv.ID.
func (s *Store) UpdateServer(ctx context.Context, srv Server) error {
	args, env, err := encodeLaunch(srv)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE mcp_servers SET name = ?, transport = ?, command = ?, args = ?, env = ?, url = ? WHERE id = ?`,
		srv.Name, srv.Transport, srv.Command, args, env, srv.URL, srv.ID)
	if err != nil {
		return fmt.Errorf("store: update server %d: %w", srv.ID, err)
	}
	return expectRow(res, "server", srv.ID)
}

// DeleteServer removes a server and its gateway membership.
func (s *Store) DeleteServer(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete server %d: %w", id, err)
	}
	return expectRow(res, "server", id)
}

// GetServer returns one server definition.
func (s *Store) GetServer(ctx context.Context, id int64) (Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, transport, command, args, env, url FROM mcp_servers WHERE id = ?`, id)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Server{}, fmt.Errorf("%w: server %d", ErrNotFound, id)
	}
	return srv, err
}

// ServerByName looks a server up by its unique name.
func (s *Store) ServerByName(ctx context.Context, name string) (Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, transport, command, args, env, url FROM mcp_servers WHERE name = ?`, name)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Server{}, fmt.Errorf("%w: server %q", ErrNotFound, name)
	}
	return srv, err
}

// ListServers returns every server definition ordered by id.
func (s *Store) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, transport, command, args, env, url FROM mcp_servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list servers: %w", err)
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// AddGatewayBackend makes a server a gateway member, enabled and without
// auto-restart. Adding an existing member is a no-op.
func (s *Store) AddGatewayBackend(ctx context.Context, serverID int64) error {
	if _, err := s.GetServer(ctx, serverID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_members (server_id) VALUES (?) ON CONFLICT(server_id) DO NOTHING`, serverID)
	if err != nil {
		return fmt.Errorf("store: add gateway backend %d: %w", serverID, err)
	}
	return nil
}

// RemoveGatewayBackend drops a server from the gateway. The server definition
// is kept.
func (s *Store) RemoveGatewayBackend(ctx context.Context, serverID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gateway_members WHERE server_id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("store: remove gateway backend %d: %w", serverID, err)
	}
	return expectRow(res, "gateway member", serverID)
}

func (s *Store) SetGatewayBackendEnabled(ctx context.Context, serverID int64, enabled bool) error {
	return s.setMemberFlag(ctx, "enabled", serverID, enabled)
}

func (s *Store) SetGatewayBackendAutoRestart(ctx context.Context, serverID int64, autoRestart bool) error {
	return s.setMemberFlag(ctx, "auto_restart", serverID, autoRestart)
}

func (s *Store) setMemberFlag(ctx context.Context, column string, serverID int64, value bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gateway_members SET `+column+` = ? WHERE server_id = ?`, value, serverID)
	if err != nil {
		return fmt.Errorf("store: set %s for %d: %w", column, serverID, err)
	}
	return expectRow(res, "gateway member", serverID)
}

// GatewayMembers lists every member with its flags, ordered by server id.
func (s *Store) GatewayMembers(ctx context.Context) ([]Member, error) {
	return s.members(ctx, false)
}

// GatewayBackends implements mcpgateway.BackendStore.
func (s *Store) GatewayBackends(ctx context.Context) ([]mcpgateway.BackendRecord, error) {
	members, err := s.members(ctx, false)
	if err != nil {
		return nil, err
	}
	return records(members), nil
}

// EnabledGatewayBackends implements mcpgateway.BackendStore.
func (s *Store) EnabledGatewayBackends(ctx context.Context) ([]mcpgateway.BackendRecord, error) {
	members, err := s.members(ctx, true)
	if err != nil {
		return nil, err
	}
	return records(members), nil
}

// RegisterGatewaySelf records the running gateway as an sse server flagged as
// the gateway's own entry, so other tools can discover its endpoint.
func (s *Store) RegisterGatewaySelf(ctx context.Context, name, url string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: register gateway: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mcp_servers (name, transport, url) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET transport = excluded.transport, url = excluded.url,
			command = '', args = '[]', env = '{}'`,
		name, string(mcpgateway.TransportSSE), url)
	if err != nil {
		return fmt.Errorf("store: register gateway %q: %w", name, err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM mcp_servers WHERE name = ?`, name).Scan(&id); err != nil {
		return fmt.Errorf("store: register gateway %q: %w", name, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO gateway_members (server_id, enabled, auto_restart, is_self) VALUES (?, 1, 0, 1)
		ON CONFLICT(server_id) DO UPDATE SET is_self = 1`, id)
	if err != nil {
		return fmt.Errorf("store: register gateway %q: %w", name, err)
	}
	return tx.Commit()
}

func (s *Store) members(ctx context.Context, enabledOnly bool) ([]Member, error) {
	query := `
		SELECT s.id, s.name, s.transport, s.command, s.args, s.env, s.url,
			m.enabled, m.auto_restart, m.is_self
		FROM gateway_members m JOIN mcp_servers s ON s.id = m.server_id`
	if enabledOnly {
		query += ` WHERE m.enabled = 1`
	}
	query += ` ORDER BY s.id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list gateway members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var (
			m         Member
			args, env string
		)
		if err := rows.Scan(&m.ID, &m.Name, &m.Transport, &m.Command, &args, &env, &m.URL,
			&m.Enabled, &m.AutoRestart, &m.Self); err != nil {
			return nil, fmt.Errorf("store: scan gateway member: %w", err)
		}
		if err := decodeLaunch(&m.Server, args, env); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Record projects the server onto a gateway backend record. Membership
// flags are left at their zero values.
func (srv Server) Record() mcpgateway.BackendRecord {
	return mcpgateway.BackendRecord{
		ID:        srv.ID,
		Name:      srv.Name,
		Transport: mcpgateway.NewTransport(srv.Transport, srv.Command, srv.Args, srv.Env, srv.URL),
	}
}

func records(members []Member) []mcpgateway.BackendRecord {
	out := make([]mcpgateway.BackendRecord, 0, len(members))
	for _, m := range members {
		rec := m.Record()
		rec.Enabled = m.Enabled
		rec.AutoRestart = m.AutoRestart
		rec.Self = m.Self
		out = append(out, rec)
	}
	return out
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (Server, error) {
	var (
		srv       Server
		args, env string
	)
	if err := row.Scan(&srv.ID, &srv.Name, &srv.Transport, &srv.Command, &args, &env, &srv.URL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Server{}, err
		}
		return Server{}, fmt.Errorf("store: scan server: %w", err)
	}
	if err := decodeLaunch(&srv, args, env); err != nil {
		return Server{}, err
	}
	return srv, nil
}

func encodeLaunch(srv Server) (string, string, error) {
	args := srv.Args
	if args == nil {
		args = []string{}
	}
	env := srv.Env
	if env == nil {
		env = map[string]string{}
	}
	a, err := json.Marshal(args)
	if err != nil {
		return "", "", fmt.Errorf("store: encode args: %w", err)
	}
	e, err := json.Marshal(env)
	if err != nil {
		return "", "", fmt.Errorf("store: encode env: %w", err)
	}
	return string(a), string(e), nil
}

func decodeLaunch(srv *Server, args, env string) error {
	if err := json.Unmarshal([]byte(args), &srv.Args); err != nil {
		return fmt.Errorf("store: decode args of %q: %w", srv.Name, err)
	}
	if err := json.Unmarshal([]byte(env), &srv.Env); err != nil {
		return fmt.Errorf("store: decode env of %q: %w", srv.Name, err)
	}
	if len(srv.Args) == 0 {
		srv.Args = nil
	}
	if len(srv.Env) == 0 {
		srv.Env = nil
	}
	return nil
}

func expectRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
	}
	return nil
}
