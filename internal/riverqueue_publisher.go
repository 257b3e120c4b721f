package internal

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
)

// riverQueuePublisher inserts outcome events as River jobs for external
// workers to consume.
type riverQueuePublisher struct {
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
	cfg    RiverQueueConfig
}

type outcomeJobArgs struct {
	Topic   string  `json:"topic"`
	Outcome Outcome `json:"outcome"`

	kind string `json:"-"`
}

func (a outcomeJobArgs) Kind() string { return a.kind }

func newRiverQueuePublisher(cfg RiverQueueConfig) (*riverQueuePublisher, error) {
	if cfg.DSN == "" {
		return nil, errors.New("riverqueue dsn is required")
	}
	pool, err := pgxpool.New(context.Background(), cfg.DSN)
	if err != nil {
		return nil, err
	}
	// Insert-only client: no workers or queues are configured here.
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &riverQueuePublisher{pool: pool, client: client, cfg: cfg}, nil
}

// Publish inserts one job carrying the outcome event.
func (p *riverQueuePublisher) Publish(ctx context.Context, topic string, outcome Outcome) error {
	args := outcomeJobArgs{
		Topic:   topic,
		Outcome: outcome,
		kind:    p.cfg.Kind,
	}
	_, err := p.client.Insert(ctx, args, &river.InsertOpts{
		Queue:       p.cfg.Queue,
		MaxAttempts: p.cfg.MaxAttempts,
		Priority:    p.cfg.Priority,
		Tags:        p.cfg.Tags,
	})
	return err
}

// Close releases the connection pool.
func (p *riverQueuePublisher) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
