// Package redis provides a Redis backend.
//
// Rows are hashes at "<prefix><table>:<id>". A scope validates mutations
// against Redis as they are applied and buffers the writes; Commit WATCHes
// every touched key, re-checks that each still exists or not as first
// observed, and flushes the writes in one MULTI/EXEC. A concurrent change to
// a touched key fails the commit with backend.ErrConstraint.
//
// Generated identifiers come from INCR on "<prefix>seq:<table>" and are not
// reused after a rollback.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jacentio/tessera/backend"
)

// ErrConcurrentWrite is returned when a touched key changed before commit.
var ErrConcurrentWrite = fmt.Errorf("%w: concurrent write", backend.ErrConstraint)

// Config holds configuration for the backend.
type Config struct {
	// KeyPrefix is prepended to every key.
	// Default: "tessera:"
	KeyPrefix string

	// IDColumn is the identifier column of every table.
	// Default: "id"
	IDColumn string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "tessera:",
		IDColumn:  "id",
	}
}

func (c *Config) validate() {
	if c.IDColumn == "" {
		c.IDColumn = "id"
	}
}

// Backend is a Redis-backed backend.
type Backend struct {
	client goredis.UniversalClient
	config Config
}

// New creates a new Backend.
func New(client goredis.UniversalClient, config Config) *Backend {
	config.validate()
	return &Backend{client: client, config: config}
}

// Begin opens a scope. No write reaches Redis until Commit.
func (b *Backend) Begin(ctx context.Context) (backend.Scope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &scope{
		backend:  b,
		observed: make(map[string]bool),
		pending:  make(map[string]bool),
	}, nil
}

// Get reads a committed row.
func (b *Backend) Get(ctx context.Context, table string, id any) (map[string]string, error) {
	row, err := b.client.HGetAll(ctx, b.rowKey(table, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(row) == 0 {
		return nil, fmt.Errorf("%w: %s %v", backend.ErrNotFound, table, id)
	}
	return row, nil
}

func (b *Backend) rowKey(table string, id any) string {
	return fmt.Sprintf("%s%s:%v", b.config.KeyPrefix, table, id)
}

func (b *Backend) seqKey(table string) string {
	return b.config.KeyPrefix + "seq:" + table
}

type write struct {
	key    string
	fields map[string]any
	del    bool
}

type scope struct {
	backend *Backend
	writes  []write

	// observed holds the existence of each touched key as first read from Redis.
	observed map[string]bool
	keys     []string

	// pending holds existence after the buffered writes.
	pending map[string]bool
	done    bool
}

func (s *scope) exists(ctx context.Context, key string) (bool, error) {
	if v, ok := s.pending[key]; ok {
		return v, nil
	}
	n, err := s.backend.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	s.observed[key] = n > 0
	s.keys = append(s.keys, key)
	s.pending[key] = n > 0
	return n > 0, nil
}

func (s *scope) Apply(ctx context.Context, m backend.Mutation) (backend.Result, error) {
	if s.done {
		return backend.Result{}, backend.ErrScopeClosed
	}
	idColumn := s.backend.config.IDColumn

	switch m.Op {
	case backend.OpInsert:
		fields := make(map[string]any, len(m.Values)+len(m.Key)+1)
		for k, v := range m.Values {
			fields[k] = v
		}
		for k, v := range m.Key {
			fields[k] = v
		}

		var generated any
		id, ok := fields[idColumn]
		if !ok || id == nil {
			n, err := s.backend.client.Incr(ctx, s.backend.seqKey(m.Table)).Result()
			if err != nil {
				return backend.Result{}, fmt.Errorf("next id for %s: %w", m.Table, err)
			}
			id = n
			fields[idColumn] = n
			generated = n
		}

		key := s.backend.rowKey(m.Table, id)
		found, err := s.exists(ctx, key)
		if err != nil {
			return backend.Result{}, err
		}
		if found {
			return backend.Result{}, fmt.Errorf("%w: %s.%s=%v", backend.ErrDuplicateKey, m.Table, idColumn, id)
		}
		s.writes = append(s.writes, write{key: key, fields: fields})
		s.pending[key] = true
		return backend.Result{Generated: generated}, nil

	case backend.OpUpdate, backend.OpDelete:
		id, ok := backend.RowID(m, idColumn)
		if !ok {
			return backend.Result{}, fmt.Errorf("redis: %s on %s without %s", m.Op, m.Table, idColumn)
		}
		key := s.backend.rowKey(m.Table, id)
		found, err := s.exists(ctx, key)
		if err != nil {
			return backend.Result{}, err
		}
		if !found {
			return backend.Result{}, fmt.Errorf("%w: %s.%s=%v", backend.ErrNotFound, m.Table, idColumn, id)
		}

		if m.Op == backend.OpDelete {
			s.writes = append(s.writes, write{key: key, del: true})
			s.pending[key] = false
			return backend.Result{}, nil
		}
		fields := make(map[string]any, len(m.Values))
		for k, v := range m.Values {
			if k != idColumn {
				fields[k] = v
			}
		}
		if len(fields) > 0 {
			s.writes = append(s.writes, write{key: key, fields: fields})
		}
		return backend.Result{}, nil

	default:
		return backend.Result{}, fmt.Errorf("redis: unsupported op %s", m.Op)
	}
}

func (s *scope) Commit(ctx context.Context) error {
	if s.done {
		return backend.ErrScopeClosed
	}
	s.done = true
	if len(s.writes) == 0 {
		return nil
	}

	txf := func(tx *goredis.Tx) error {
		for _, key := range s.keys {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if (n > 0) != s.observed[key] {
				return fmt.Errorf("%w: %s", ErrConcurrentWrite, key)
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, w := range s.writes {
				if w.del {
					pipe.Del(ctx, w.key)
					continue
				}
				pipe.HSet(ctx, w.key, w.fields)
			}
			return nil
		})
		return err
	}

	err := s.backend.client.Watch(ctx, txf, s.keys...)
	if errors.Is(err, goredis.TxFailedErr) {
		return ErrConcurrentWrite
	}
	return err
}

func (s *scope) Rollback(ctx context.Context) error {
	if s.done {
		return backend.ErrScopeClosed
	}
	s.done = true
	s.writes = nil
	return nil
}
