// Package pgstore implements store.Store on PostgreSQL. Each mutation runs
// in a single transaction that first locks the row of the affected group;
// reservations select the next ready group with FOR UPDATE SKIP LOCKED so
// that concurrent workers never contend on the same group.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"goa.design/groupmq/groupmq"
	"goa.design/groupmq/store"
)

// Store is a PostgreSQL backed store.
type Store struct {
	ns      string
	channel string
	pool    *pgxpool.Pool
	logger  groupmq.Logger

	lock   sync.RWMutex
	closed bool
}

var _ store.Store = (*Store)(nil)

const sqlNow = `(extract(epoch from clock_timestamp()) * 1000)::bigint`

// jobColumnNames lists the columns scanned by scanJob.
var jobColumnNames = []string{"id", "group_id", "payload", "attempts", "max_attempts", "seq",
	"enqueued_at", "order_ms", "ready_at", "worker_id", "token", "visible_at"}

// New returns a store for the given namespace.
func New(ctx context.Context, pool *pgxpool.Pool, namespace string, opts ...Option) (*Store, error) {
	if namespace == "" {
		return nil, fmt.Errorf("groupmq postgres store: namespace is required")
	}
	o := parseOptions(opts...)
	if o.migrate {
		if err := Migrate(ctx, pool, MigrateUp); err != nil {
			return nil, err
		}
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("groupmq postgres store: failed to connect: %w", err)
	}
	return &Store{
		ns:      namespace,
		channel: o.channel,
		pool:    pool,
		logger:  o.logger.WithPrefix("store", namespace),
	}, nil
}

// Namespace returns the store namespace.
func (s *Store) Namespace() string { return s.ns }

// Enqueue adds or updates a job.
func (s *Store) Enqueue(ctx context.Context, req *store.EnqueueRequest) (*store.JobDescriptor, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var desc *store.JobDescriptor
	err := s.tx(ctx, "enqueue", func(tx pgx.Tx, now int64) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO groupmq_groups (namespace, group_id) VALUES ($1, $2)
			ON CONFLICT (namespace, group_id) DO UPDATE SET namespace = EXCLUDED.namespace`,
			s.ns, req.GroupID); err != nil {
			return err
		}

		var (
			gid        string
			seq        int64
			enqueuedAt int64
			orderMs    int64
			token      *string
		)
		err := tx.QueryRow(ctx, `
			SELECT group_id, seq, enqueued_at, order_ms, token FROM groupmq_jobs
			WHERE namespace = $1 AND id = $2 FOR UPDATE`, s.ns, req.ID).
			Scan(&gid, &seq, &enqueuedAt, &orderMs, &token)
		switch {
		case err == nil:
			if gid != req.GroupID {
				return fmt.Errorf("job %q: %w", req.ID, store.ErrGroupMismatch)
			}
			if _, err := tx.Exec(ctx, `UPDATE groupmq_jobs SET payload = $3 WHERE namespace = $1 AND id = $2`,
				s.ns, req.ID, payload(req.Payload)); err != nil {
				return err
			}
			if req.Delay != nil && token == nil {
				readyAt := store.ReadyAtMs(now, orderMs, *req.Delay, req.OrderingDelay)
				if _, err := tx.Exec(ctx, `UPDATE groupmq_jobs SET ready_at = $3 WHERE namespace = $1 AND id = $2`,
					s.ns, req.ID, readyAt); err != nil {
					return err
				}
				if err := s.promote(ctx, tx, gid); err != nil {
					return err
				}
			}
			desc = &store.JobDescriptor{ID: req.ID, Seq: uint64(seq), EnqueuedAt: time.UnixMilli(enqueuedAt), Updated: true}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO groupmq_counters (namespace, seq) VALUES ($1, 1)
			ON CONFLICT (namespace) DO UPDATE SET seq = groupmq_counters.seq + 1
			RETURNING seq`, s.ns).Scan(&seq); err != nil {
			return err
		}
		orderMs = now
		if req.OrderMs != nil {
			orderMs = *req.OrderMs
		}
		var delay time.Duration
		if req.Delay != nil {
			delay = *req.Delay
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO groupmq_jobs (namespace, id, group_id, payload, max_attempts, seq, enqueued_at, order_ms, ready_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			s.ns, req.ID, req.GroupID, payload(req.Payload), req.MaxAttempts, seq, now, orderMs,
			store.ReadyAtMs(now, orderMs, delay, req.OrderingDelay)); err != nil {
			return err
		}
		desc = &store.JobDescriptor{ID: req.ID, Seq: uint64(seq), EnqueuedAt: time.UnixMilli(now)}
		return s.promote(ctx, tx, req.GroupID)
	})
	if err != nil {
		return nil, err
	}
	return desc, nil
}

// Reserve checks out the next due job.
func (s *Store) Reserve(ctx context.Context, req *store.ReserveRequest) (*store.Job, error) {
	var job *store.Job
	err := s.tx(ctx, "reserve", func(tx pgx.Tx, now int64) error {
		var gid string
		err := tx.QueryRow(ctx, `
			SELECT group_id FROM groupmq_groups
			WHERE namespace = $1 AND ready_at IS NOT NULL AND ready_at <= $2
			ORDER BY ready_at, group_id
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, s.ns, now).Scan(&gid)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		job, err = scanJob(tx.QueryRow(ctx, `
			UPDATE groupmq_jobs SET attempts = attempts + 1, worker_id = $3, token = $4, visible_at = $5
			WHERE namespace = $1 AND id = (
				SELECT id FROM groupmq_jobs WHERE namespace = $1 AND group_id = $2
				ORDER BY order_ms, seq LIMIT 1
			)
			RETURNING `+jobColumns(""),
			s.ns, gid, req.WorkerID, req.Token, now+req.VisibilityTimeout.Milliseconds()))
		if errors.Is(err, pgx.ErrNoRows) {
			job = nil
			_, err = tx.Exec(ctx, `DELETE FROM groupmq_groups WHERE namespace = $1 AND group_id = $2`, s.ns, gid)
			return err
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE groupmq_groups SET ready_at = NULL, reserved_job = $3
			WHERE namespace = $1 AND group_id = $2`, s.ns, gid, job.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// AwaitReady waits until a job may be due using LISTEN/NOTIFY.
func (s *Store) AwaitReady(ctx context.Context, timeout time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("groupmq postgres store: failed to acquire connection: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return fmt.Errorf("groupmq postgres store: failed to listen: %w", err)
	}
	defer func() {
		if !conn.Conn().IsClosed() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		}
	}()

	var (
		next *int64
		now  int64
	)
	if err := conn.QueryRow(ctx, `SELECT min(ready_at), `+sqlNow+` FROM groupmq_groups WHERE namespace = $1`,
		s.ns).Scan(&next, &now); err != nil {
		return fmt.Errorf("groupmq postgres store: failed to read ready index: %w", err)
	}
	wait := timeout
	if next != nil {
		d := time.Duration(*next-now) * time.Millisecond
		if d <= 0 {
			return nil
		}
		if d < wait {
			wait = d
		}
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		n, err := conn.Conn().WaitForNotification(wctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if wctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("groupmq postgres store: failed to wait for notification: %w", err)
		}
		if n.Payload == s.ns {
			return nil
		}
	}
}

// Complete deletes a reserved job.
func (s *Store) Complete(ctx context.Context, job *store.Job) error {
	return s.tx(ctx, "complete", func(tx pgx.Tx, _ int64) error {
		if _, _, err := s.lockReserved(ctx, tx, job); err != nil {
			return err
		}
		if err := s.remove(ctx, tx, job.GroupID, job.ID); err != nil {
			return err
		}
		return s.promote(ctx, tx, job.GroupID)
	})
}

// Fail releases a reserved job for retry or dead-letters it.
func (s *Store) Fail(ctx context.Context, job *store.Job, retryDelay time.Duration) (bool, error) {
	var dead bool
	err := s.tx(ctx, "fail", func(tx pgx.Tx, now int64) error {
		attempts, maxAttempts, err := s.lockReserved(ctx, tx, job)
		if err != nil {
			return err
		}
		if attempts >= maxAttempts {
			dead = true
			if err := s.remove(ctx, tx, job.GroupID, job.ID); err != nil {
				return err
			}
			return s.promote(ctx, tx, job.GroupID)
		}
		if err := s.release(ctx, tx, job.GroupID, job.ID, now+retryDelay.Milliseconds()); err != nil {
			return err
		}
		return s.promote(ctx, tx, job.GroupID)
	})
	return dead, err
}

// Heartbeat extends the visibility deadline of a reserved job.
func (s *Store) Heartbeat(ctx context.Context, job *store.Job, extend time.Duration) error {
	return s.tx(ctx, "heartbeat", func(tx pgx.Tx, now int64) error {
		tag, err := tx.Exec(ctx, `
			UPDATE groupmq_jobs SET visible_at = $4
			WHERE namespace = $1 AND id = $2 AND token = $3`,
			s.ns, job.ID, job.Token, now+extend.Milliseconds())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("job %q: %w", job.ID, store.ErrReservationLost)
		}
		return nil
	})
}

// Reclaim releases expired reservations. Groups locked by concurrent
// transactions are skipped and picked up by a later sweep.
func (s *Store) Reclaim(ctx context.Context, req *store.ReclaimRequest) (*store.ReclaimResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = store.DefaultReclaimLimit
	}
	res := &store.ReclaimResult{}
	err := s.tx(ctx, "reclaim", func(tx pgx.Tx, now int64) error {
		res = &store.ReclaimResult{}
		rows, err := tx.Query(ctx, `
			SELECT id, group_id FROM groupmq_jobs
			WHERE namespace = $1 AND visible_at IS NOT NULL AND visible_at <= $2
			ORDER BY visible_at LIMIT $3`, s.ns, now, limit)
		if err != nil {
			return err
		}
		type expired struct{ id, gid string }
		var candidates []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.gid); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range candidates {
			var locked string
			err := tx.QueryRow(ctx, `
				SELECT group_id FROM groupmq_groups WHERE namespace = $1 AND group_id = $2
				FOR UPDATE SKIP LOCKED`, s.ns, c.gid).Scan(&locked)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			job, err := scanJob(tx.QueryRow(ctx, `
				SELECT `+jobColumns("")+` FROM groupmq_jobs
				WHERE namespace = $1 AND id = $2 AND visible_at IS NOT NULL AND visible_at <= $3
				FOR UPDATE`, s.ns, c.id, now))
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			if job.Attempts >= job.MaxAttempts {
				if err := s.remove(ctx, tx, job.GroupID, job.ID); err != nil {
					return err
				}
				res.Dead = append(res.Dead, job)
			} else {
				readyAt := job.ReadyAt.UnixMilli()
				if req.RedeliveryDelay > 0 {
					readyAt = now + req.RedeliveryDelay.Milliseconds()
				}
				if err := s.release(ctx, tx, job.GroupID, job.ID, readyAt); err != nil {
					return err
				}
				res.Requeued = append(res.Requeued, job.ID)
			}
			if err := s.promote(ctx, tx, job.GroupID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Counts returns the number of jobs per state.
func (s *Store) Counts(ctx context.Context) (*store.Counts, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var c store.Counts
	err := s.pool.QueryRow(ctx, `
		WITH now AS (SELECT `+sqlNow+` AS ms)
		SELECT
			(SELECT count(*) FROM groupmq_jobs WHERE namespace = $1 AND token IS NOT NULL),
			(SELECT count(*) FROM groupmq_jobs WHERE namespace = $1),
			(SELECT count(*) FROM groupmq_jobs j
				JOIN groupmq_groups g ON g.namespace = j.namespace AND g.group_id = j.group_id, now
				WHERE j.namespace = $1 AND g.ready_at > now.ms),
			(SELECT count(*) FROM groupmq_groups WHERE namespace = $1)`, s.ns).
		Scan(&c.Active, &c.Total, &c.Delayed, &c.Groups)
	if err != nil {
		return nil, fmt.Errorf("groupmq postgres store: counts failed: %w", err)
	}
	c.Waiting = c.Total - c.Active - c.Delayed
	return &c, nil
}

// Jobs lists jobs in the given state.
func (s *Store) Jobs(ctx context.Context, state store.State, limit int) ([]*store.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := store.ParseState(string(state)); err != nil {
		return nil, err
	}
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	var query string
	switch state {
	case store.StateActive:
		query = `SELECT ` + jobColumns("") + ` FROM groupmq_jobs
			WHERE namespace = $1 AND token IS NOT NULL
			ORDER BY visible_at LIMIT $2`
	case store.StateDelayed:
		query = `SELECT ` + jobColumns("j") + ` FROM groupmq_jobs j
			JOIN groupmq_groups g ON g.namespace = j.namespace AND g.group_id = j.group_id
			WHERE j.namespace = $1 AND g.ready_at > ` + sqlNow + `
			ORDER BY j.group_id, j.order_ms, j.seq LIMIT $2`
	default:
		query = `SELECT ` + jobColumns("j") + ` FROM groupmq_jobs j
			JOIN groupmq_groups g ON g.namespace = j.namespace AND g.group_id = j.group_id
			WHERE j.namespace = $1 AND j.token IS NULL AND (g.ready_at IS NULL OR g.ready_at <= ` + sqlNow + `)
			ORDER BY j.group_id, j.order_ms, j.seq LIMIT $2`
	}
	rows, err := s.pool.Query(ctx, query, s.ns, lim)
	if err != nil {
		return nil, fmt.Errorf("groupmq postgres store: failed to list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("groupmq postgres store: failed to list jobs: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Groups returns the sorted ids of groups that have jobs.
func (s *Store) Groups(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT group_id FROM groupmq_groups WHERE namespace = $1 ORDER BY group_id`, s.ns)
	if err != nil {
		return nil, fmt.Errorf("groupmq postgres store: failed to list groups: %w", err)
	}
	groups, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("groupmq postgres store: failed to list groups: %w", err)
	}
	return groups, nil
}

// Close marks the store closed. It does not close the pool.
func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

// tx runs fn in a transaction and passes it the database clock in
// milliseconds.
func (s *Store) tx(ctx context.Context, name string, fn func(pgx.Tx, int64) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var now int64
		if err := tx.QueryRow(ctx, `SELECT `+sqlNow).Scan(&now); err != nil {
			return err
		}
		return fn(tx, now)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrReservationLost) || errors.Is(err, store.ErrGroupMismatch) {
		return err
	}
	s.logger.Debug("transaction failed", "op", name, "error", err)
	return fmt.Errorf("groupmq postgres store: %s failed: %w", name, err)
}

// lockReserved locks the group of job and checks that job still holds its
// reservation. It returns the job attempts and max attempts.
func (s *Store) lockReserved(ctx context.Context, tx pgx.Tx, job *store.Job) (int, int, error) {
	var gid string
	err := tx.QueryRow(ctx, `
		SELECT group_id FROM groupmq_groups WHERE namespace = $1 AND group_id = $2 FOR UPDATE`,
		s.ns, job.GroupID).Scan(&gid)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("job %q: %w", job.ID, store.ErrReservationLost)
	}
	if err != nil {
		return 0, 0, err
	}
	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM groupmq_jobs
		WHERE namespace = $1 AND id = $2 AND group_id = $3 AND token = $4 FOR UPDATE`,
		s.ns, job.ID, job.GroupID, job.Token).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("job %q: %w", job.ID, store.ErrReservationLost)
	}
	return attempts, maxAttempts, err
}

// release clears the reservation of a job and sets its eligibility time.
func (s *Store) release(ctx context.Context, tx pgx.Tx, gid, id string, readyAt int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE groupmq_jobs SET worker_id = NULL, token = NULL, visible_at = NULL, ready_at = $3
		WHERE namespace = $1 AND id = $2`, s.ns, id, readyAt); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE groupmq_groups SET reserved_job = NULL
		WHERE namespace = $1 AND group_id = $2 AND reserved_job = $3`, s.ns, gid, id)
	return err
}

// remove deletes a job and clears its group reservation.
func (s *Store) remove(ctx context.Context, tx pgx.Tx, gid, id string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM groupmq_jobs WHERE namespace = $1 AND id = $2`, s.ns, id); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE groupmq_groups SET reserved_job = NULL
		WHERE namespace = $1 AND group_id = $2 AND reserved_job = $3`, s.ns, gid, id)
	return err
}

// promote derives the ready index entry of a locked group from its head and
// notifies blocked workers.
func (s *Store) promote(ctx context.Context, tx pgx.Tx, gid string) error {
	var reserved *string
	if err := tx.QueryRow(ctx, `
		SELECT reserved_job FROM groupmq_groups WHERE namespace = $1 AND group_id = $2`,
		s.ns, gid).Scan(&reserved); err != nil {
		return err
	}
	if reserved != nil {
		_, err := tx.Exec(ctx, `UPDATE groupmq_groups SET ready_at = NULL WHERE namespace = $1 AND group_id = $2`, s.ns, gid)
		return err
	}
	var readyAt int64
	err := tx.QueryRow(ctx, `
		SELECT ready_at FROM groupmq_jobs WHERE namespace = $1 AND group_id = $2
		ORDER BY order_ms, seq LIMIT 1`, s.ns, gid).Scan(&readyAt)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = tx.Exec(ctx, `DELETE FROM groupmq_groups WHERE namespace = $1 AND group_id = $2`, s.ns, gid)
		return err
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE groupmq_groups SET ready_at = $3 WHERE namespace = $1 AND group_id = $2`,
		s.ns, gid, readyAt); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, s.ns)
	return err
}

func (s *Store) checkOpen() error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// scanJob scans the columns listed in jobColumns.
func scanJob(row pgx.Row) (*store.Job, error) {
	var (
		job                      store.Job
		seq, enqueuedAt, readyAt int64
		visibleAt                *int64
	)
	if err := row.Scan(&job.ID, &job.GroupID, &job.Payload, &job.Attempts, &job.MaxAttempts, &seq,
		&enqueuedAt, &job.OrderMs, &readyAt, &job.WorkerID, &job.Token, &visibleAt); err != nil {
		return nil, err
	}
	job.Seq = uint64(seq)
	job.EnqueuedAt = time.UnixMilli(enqueuedAt)
	job.ReadyAt = time.UnixMilli(readyAt)
	if visibleAt != nil {
		job.VisibleAt = time.UnixMilli(*visibleAt)
	}
	return &job, nil
}

// jobColumns returns the select list matching scanJob, qualified with alias
// if not empty.
func jobColumns(alias string) string {
	cols := make([]string, len(jobColumnNames))
	for i, c := range jobColumnNames {
		if alias != "" {
			c = alias + "." + c
		}
		if strings.HasSuffix(c, "worker_id") || strings.HasSuffix(c, "token") {
			c = "coalesce(" + c + ", '')"
		}
		cols[i] = c
	}
	return strings.Join(cols, ", ")
}

// payload returns a non-nil payload for the NOT NULL payload column.
func payload(p []byte) []byte {
	if p == nil {
		return []byte{}
	}
	return p
}
