package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	DefaultRootPath       = "/lsmrepl"
	DefaultSessionTimeout = 5 * time.Second

	primaryNode = "primary"
)

var (
	ErrNoPrimary      = errors.New("no primary announced")
	ErrNotConnected   = errors.New("zookeeper session not established")
	ErrAlreadyPrimary = errors.New("another primary is announced")
)

// Endpoint is what a primary publishes about itself.
type Endpoint struct {
	ControlURL string `json:"control_url"`
	DataAddr   string `json:"data_addr"`
}

// iConn is the part of *zk.Conn the registry uses.
type iConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// Registry announces the primary endpoint in ZooKeeper as an ephemeral
// node and lets replicas look it up.
type Registry struct {
	conn     iConn
	rootPath string
}

// Connect dials the ensemble. servers: ["zk1:2181", "zk2:2181"]
func Connect(servers []string, rootPath string, timeout time.Duration) (*Registry, error) {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	conn, _, err := zk.Connect(servers, timeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newRegistry(conn, rootPath), nil
}

func newRegistry(conn iConn, rootPath string) *Registry {
	if rootPath == "" {
		rootPath = DefaultRootPath
	}
	return &Registry{conn: conn, rootPath: strings.TrimSuffix(rootPath, "/")}
}

func (r *Registry) Close() error {
	r.conn.Close()
	return nil
}

func (r *Registry) primaryPath() string {
	return path.Join(r.rootPath, primaryNode)
}

func (r *Registry) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Announce publishes ep under <root>/primary. The node lives as long as
// the ZooKeeper session, so a crashed primary disappears on its own.
func (r *Registry) Announce(ctx context.Context, ep Endpoint) error {
	if err := r.waitConnected(ctx); err != nil {
		return err
	}
	if err := r.ensurePath(r.rootPath); err != nil {
		return fmt.Errorf("ensure root path: %w", err)
	}

	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal endpoint: %w", err)
	}

	_, err = r.conn.Create(r.primaryPath(), data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("%w: %s", ErrAlreadyPrimary, r.primaryPath())
	}
	if err != nil {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("primary announced", "path", r.primaryPath(), "control_url", ep.ControlURL, "data_addr", ep.DataAddr)
	return nil
}

// Resolve returns the announced primary endpoint.
func (r *Registry) Resolve(ctx context.Context) (Endpoint, error) {
	if err := r.waitConnected(ctx); err != nil {
		return Endpoint{}, err
	}

	data, _, err := r.conn.Get(r.primaryPath())
	if errors.Is(err, zk.ErrNoNode) {
		return Endpoint{}, ErrNoPrimary
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("zk get: %w", err)
	}
	return decodeEndpoint(data)
}

// Wait blocks until a primary is announced or ctx is done.
func (r *Registry) Wait(ctx context.Context) (Endpoint, error) {
	if err := r.waitConnected(ctx); err != nil {
		return Endpoint{}, err
	}

	for {
		exists, _, ch, err := r.conn.ExistsW(r.primaryPath())
		if err != nil {
			return Endpoint{}, fmt.Errorf("zk exists: %w", err)
		}
		if exists {
			ep, err := r.Resolve(ctx)
			// deleted between the two calls
			if errors.Is(err, ErrNoPrimary) {
				continue
			}
			return ep, err
		}

		select {
		case ev := <-ch:
			slog.Debug("zk event", "type", ev.Type, "path", ev.Path)
		case <-ctx.Done():
			return Endpoint{}, ctx.Err()
		}
	}
}

func decodeEndpoint(data []byte) (Endpoint, error) {
	var ep Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		return Endpoint{}, fmt.Errorf("decode endpoint: %w", err)
	}
	if ep.ControlURL == "" || ep.DataAddr == "" {
		return Endpoint{}, fmt.Errorf("decode endpoint: incomplete %q", data)
	}
	return ep, nil
}

func (r *Registry) waitConnected(ctx context.Context) error {
	for {
		st := r.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: state=%v: %w", ErrNotConnected, st, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}
