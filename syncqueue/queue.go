// Package syncqueue persists mutating requests that failed while offline
// and replays them once connectivity returns. Replay is strictly FIFO and
// one mutation at a time, so mutations against the same resource keep
// their causal order.
package syncqueue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	_ "github.com/glebarez/go-sqlite"
)

// State of a pending mutation.
type State string

const (
	StateQueued    State = "queued"
	StateReplaying State = "replaying"
	StateAbandoned State = "abandoned"
)

// Mutation is a failed mutating request awaiting replay.
type Mutation struct {
	ID         string
	URL        string
	Method     string
	Header     http.Header
	Body       []byte
	RetryCount int
	CreatedAt  time.Time
}

// ReplayExhaustedError reports a mutation abandoned after the retry bound.
type ReplayExhaustedError struct {
	Mutation Mutation
}

func (e *ReplayExhaustedError) Error() string {
	return fmt.Sprintf("replay exhausted after %d attempts: %s %s",
		e.Mutation.RetryCount, e.Mutation.Method, e.Mutation.URL)
}

// Doer executes a replayed request. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// DefaultMaxRetries bounds replay attempts per mutation.
const DefaultMaxRetries = 3

// DefaultPollInterval is how often the runner replays without a wake-up.
const DefaultPollInterval = 30 * time.Second

// Queue is a durable FIFO queue of pending mutations.
type Queue struct {
	db         *sql.DB
	doer       Doer
	maxRetries int
	interval   time.Duration
	events     chan ReplayExhaustedError
	wake       chan struct{}
	writeMutex *sync.Mutex
	replayLock *sync.Mutex
	log        zerolog.Logger
}

// Open creates a queue backed by the given SQLite file.
// If the file name is empty, a new in-memory db is opened.
// Mutations left mid-replay by a crash are requeued.
func Open(filename string, doer Doer, maxRetries int, logger zerolog.Logger) (*Queue, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS mutations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		method TEXT NOT NULL,
		header TEXT NOT NULL,
		body BLOB,
		retry_count INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'queued',
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	// crash recovery
	if _, err := db.Exec("UPDATE mutations SET state = ? WHERE state = ?", StateQueued, StateReplaying); err != nil {
		return nil, err
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{
		db:         db,
		doer:       doer,
		maxRetries: maxRetries,
		interval:   DefaultPollInterval,
		events:     make(chan ReplayExhaustedError, 64),
		wake:       make(chan struct{}, 1),
		writeMutex: &sync.Mutex{},
		replayLock: &sync.Mutex{},
		log:        logger,
	}, nil
}

// Enqueue persists a failed mutating request for later replay.
// The request body is consumed.
func (q *Queue) Enqueue(r *http.Request) (Mutation, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return Mutation{}, err
		}
	}
	header, err := json.Marshal(r.Header)
	if err != nil {
		return Mutation{}, err
	}
	m := Mutation{
		ID:        uuid.NewString(),
		URL:       r.URL.String(),
		Method:    r.Method,
		Header:    r.Header.Clone(),
		Body:      body,
		CreatedAt: time.Now(),
	}
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err = q.db.Exec(
		`INSERT INTO mutations (id, url, method, header, body, retry_count, state, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		m.ID, m.URL, m.Method, string(header), body, StateQueued, m.CreatedAt.Unix(),
	)
	if err != nil {
		return Mutation{}, err
	}
	q.log.Debug().Str("id", m.ID).Str("url", m.URL).Str("method", m.Method).Msg("Mutation queued")
	return m, nil
}

// Pending returns queued mutations, oldest first.
func (q *Queue) Pending() ([]Mutation, error) {
	return q.list(StateQueued)
}

// Abandoned returns mutations that exhausted their retries,
// kept for manual recovery by the host.
func (q *Queue) Abandoned() ([]Mutation, error) {
	return q.list(StateAbandoned)
}

// Events delivers one ReplayExhaustedError per abandoned mutation.
func (q *Queue) Events() <-chan ReplayExhaustedError {
	return q.events
}

// Wake triggers an immediate replay pass from the runner,
// typically on a connectivity-restored signal.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Replay processes queued mutations oldest-first, one at a time.
// A successfully delivered mutation is deleted. A transient failure
// increments the retry count, requeues the mutation, and ends the pass so
// later mutations cannot overtake it. A mutation reaching the retry bound
// is abandoned and the pass continues.
// Replay returns a non-nil error if the pass stopped on a transient failure.
func (q *Queue) Replay(ctx context.Context) error {
	q.replayLock.Lock()
	defer q.replayLock.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, ok, err := q.oldestQueued()
		if !ok || err != nil {
			return err
		}
		if err := q.setState(m.ID, StateReplaying); err != nil {
			return err
		}
		replayErr := q.replayOne(ctx, m)
		if replayErr == nil {
			if err := q.delete(m.ID); err != nil {
				return err
			}
			q.log.Debug().Str("id", m.ID).Msg("Mutation replayed")
			continue
		}
		m.RetryCount++
		if m.RetryCount >= q.maxRetries {
			if err := q.abandon(m); err != nil {
				return err
			}
			q.log.Warn().Str("id", m.ID).Int("retries", m.RetryCount).Msg("Mutation abandoned")
			q.emit(ReplayExhaustedError{Mutation: m})
			continue
		}
		if err := q.requeue(m); err != nil {
			return err
		}
		q.log.Debug().Err(replayErr).Str("id", m.ID).Int("retries", m.RetryCount).Msg("Replay failed, requeued")
		return replayErr
	}
}

// Run replays the queue until the context is cancelled. Passes are
// triggered by Wake or periodically; after a failed pass the next attempt
// is paced with exponential backoff instead of the full interval.
func (q *Queue) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	wait := q.interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			b.Reset()
		case <-time.After(wait):
		}
		if err := q.Replay(ctx); err != nil && ctx.Err() == nil {
			wait = b.NextBackOff()
		} else {
			b.Reset()
			wait = q.interval
		}
	}
}

// replayOne executes the original request. Any response from the origin
// counts as delivered except a 5xx: replaying cannot turn a 4xx into a
// success, but a 5xx may be transient.
func (q *Queue) replayOne(ctx context.Context, m Mutation) error {
	req, err := http.NewRequestWithContext(ctx, m.Method, m.URL, bytes.NewReader(m.Body))
	if err != nil {
		return err
	}
	req.Header = m.Header.Clone()
	res, err := q.doer.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("origin returned %d", res.StatusCode)
	}
	return nil
}

func (q *Queue) emit(e ReplayExhaustedError) {
	select {
	case q.events <- e:
	default:
		q.log.Error().Str("id", e.Mutation.ID).Msg("Event channel full, abandoned mutation only logged")
	}
}

func (q *Queue) oldestQueued() (Mutation, bool, error) {
	var m Mutation
	var header string
	var createdAt int64
	err := q.db.QueryRow(
		`SELECT id, url, method, header, body, retry_count, created_at
		FROM mutations WHERE state = ? ORDER BY seq ASC LIMIT 1`, StateQueued,
	).Scan(&m.ID, &m.URL, &m.Method, &header, &m.Body, &m.RetryCount, &createdAt)
	if err == sql.ErrNoRows {
		return Mutation{}, false, nil
	}
	if err != nil {
		return Mutation{}, false, err
	}
	if err := json.Unmarshal([]byte(header), &m.Header); err != nil {
		return Mutation{}, false, err
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	return m, true, nil
}

func (q *Queue) list(state State) ([]Mutation, error) {
	rows, err := q.db.Query(
		`SELECT id, url, method, header, body, retry_count, created_at
		FROM mutations WHERE state = ? ORDER BY seq ASC`, state,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	mutations := make([]Mutation, 0)
	for rows.Next() {
		var m Mutation
		var header string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.URL, &m.Method, &header, &m.Body, &m.RetryCount, &createdAt); err != nil {
			return mutations, err
		}
		if err := json.Unmarshal([]byte(header), &m.Header); err != nil {
			return mutations, err
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		mutations = append(mutations, m)
	}
	return mutations, rows.Err()
}

func (q *Queue) setState(id string, state State) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.Exec("UPDATE mutations SET state = ? WHERE id = ?", state, id)
	return err
}

func (q *Queue) requeue(m Mutation) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.Exec(
		"UPDATE mutations SET state = ?, retry_count = ? WHERE id = ?",
		StateQueued, m.RetryCount, m.ID,
	)
	return err
}

func (q *Queue) abandon(m Mutation) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.Exec(
		"UPDATE mutations SET state = ?, retry_count = ? WHERE id = ?",
		StateAbandoned, m.RetryCount, m.ID,
	)
	return err
}

func (q *Queue) delete(id string) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.Exec("DELETE FROM mutations WHERE id = ?", id)
	return err
}
