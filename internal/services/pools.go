package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/nimbusdb/sqlgate/internal/instances"
	"github.com/nimbusdb/sqlgate/internal/models"
)

// ErrExecutionFailed wraps driver and engine failures surfaced to callers.
var ErrExecutionFailed = errors.New("SQL execution failed")

// Isolation settings for webhook pools. Small and short-lived on purpose:
// webhook traffic must never crowd out the primary system's connections.
const (
	poolMaxConns       = 3
	poolIdleTimeout    = 10 * time.Second
	poolConnectTimeout = 5 * time.Second
	executeTimeout     = 30 * time.Second
)

// PoolRegistry hands out one bounded connection pool per target instance,
// created lazily on first use and evicted once idle. These pools carry
// webhook traffic only.
type PoolRegistry struct {
	dir instances.Directory

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

// NewPoolRegistry creates an empty registry over the instance directory.
func NewPoolRegistry(dir instances.Directory) *PoolRegistry {
	return &PoolRegistry{
		dir:   dir,
		pools: make(map[string]*pgxpool.Pool),
	}
}

// pool returns the instance's pool, creating it under the registry lock so
// concurrent first use builds exactly one.
func (r *PoolRegistry) pool(ctx context.Context, instanceID string) (*pgxpool.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[instanceID]; ok {
		return p, nil
	}

	coords, err := r.dir.Lookup(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	config, err := poolConfig(coords)
	if err != nil {
		return nil, err
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook pool for %s: %w", instanceID, err)
	}

	log.Info().Str("instance_id", instanceID).Msg("Webhook pool created")
	r.pools[instanceID] = p
	return p, nil
}

// poolConfig builds the bounded pgx config for one instance's webhook pool.
func poolConfig(coords *instances.Coords) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(coords.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse instance DSN: %w", err)
	}
	config.MaxConns = poolMaxConns
	config.MinConns = 0
	config.MaxConnIdleTime = poolIdleTimeout
	config.ConnConfig.ConnectTimeout = poolConnectTimeout
	// Ad-hoc SQL has no bind parameters and may stack statements, so the
	// simple protocol is the right execution mode here.
	config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	config.ConnConfig.RuntimeParams["statement_timeout"] =
		strconv.FormatInt(executeTimeout.Milliseconds(), 10)
	config.ConnConfig.RuntimeParams["application_name"] = "sqlgate-webhook"
	return config, nil
}

// Execute runs a statement on the instance's isolated pool. Failures are
// terminal; mutating statements are never retried.
func (r *PoolRegistry) Execute(ctx context.Context, instanceID, query string) (*models.QueryResult, error) {
	p, err := r.pool(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, executeTimeout)
	defer cancel()

	rows, err := p.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	defer rows.Close()

	var fields []models.Field
	for _, fd := range rows.FieldDescriptions() {
		fields = append(fields, models.Field{Name: fd.Name, DataTypeOID: fd.DataTypeOID})
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			if i < len(fields) {
				row[fields[i].Name] = v
			}
		}
		out = append(out, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}

	tag := rows.CommandTag()
	command := tag.String()
	if i := strings.IndexByte(command, ' '); i > 0 {
		command = command[:i]
	}
	rowCount := tag.RowsAffected()
	if command == "SELECT" {
		rowCount = int64(len(out))
	}

	return &models.QueryResult{
		Command:  command,
		RowCount: rowCount,
		Rows:     out,
		Fields:   fields,
	}, nil
}

// Health runs a trivial read-only probe through the instance's pool.
func (r *PoolRegistry) Health(ctx context.Context, instanceID string) error {
	result, err := r.Execute(ctx, instanceID, "SELECT 1 AS health_check")
	if err != nil {
		return err
	}
	if result.RowCount != 1 {
		return fmt.Errorf("%w: health probe returned %d rows", ErrExecutionFailed, result.RowCount)
	}
	return nil
}

// StartSweeper evicts idle pools periodically until ctx is done.
func (r *PoolRegistry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// sweep closes pools with no outstanding connections. Pools observed with
// in-flight checkouts are left alone.
func (r *PoolRegistry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for instanceID, p := range r.pools {
		stat := p.Stat()
		if stat.AcquiredConns() == 0 && stat.TotalConns() == 0 {
			p.Close()
			delete(r.pools, instanceID)
			log.Info().Str("instance_id", instanceID).Msg("Idle webhook pool evicted")
		}
	}
}

// PoolCount reports how many instance pools are currently open.
func (r *PoolRegistry) PoolCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Close shuts down every pool, for service shutdown.
func (r *PoolRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for instanceID, p := range r.pools {
		p.Close()
		delete(r.pools, instanceID)
	}
}
