// Command delivery-export streams webhook delivery history from the
// append-only log as gzip-compressed NDJSON, one attempt per line. The output
// feeds replay and escalation tooling that lives outside this service.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/stockpile/integration-gateway/internal/repository"
)

const progressEvery = 100_000

// exportRow is the NDJSON line shape. Payload stays raw JSON so consumers can
// replay it untouched.
type exportRow struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhook_id"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	ResponseStatus *int            `json:"response_status"`
	ResponseBody   *string         `json:"response_body"`
	Success        bool            `json:"success"`
	AttemptedAt    time.Time       `json:"attempted_at"`
}

func main() {
	var (
		databaseURL  string
		outPath      string
		failuresOnly bool
		since        string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&outPath, "out", "deliveries.ndjson.gz", "output file path")
	flag.BoolVar(&failuresOnly, "failures-only", false, "export only failed attempts")
	flag.StringVar(&since, "since", "", "only attempts at or after this RFC3339 timestamp")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, outPath, failuresOnly, since); err != nil {
		slog.Error("export failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("export completed successfully", slog.String("out", outPath))
}

func run(ctx context.Context, databaseURL, outPath string, failuresOnly bool, since string) error {
	var sinceAt time.Time
	if since != "" {
		var err error
		sinceAt, err = time.Parse(time.RFC3339, since)
		if err != nil {
			return errors.Wrap(err, "parse --since")
		}
	}

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	defer out.Close()

	// Reader and compressor run concurrently: the query goroutine feeds rows
	// through a channel while pgzip compresses on its own worker pool.
	rows := make(chan exportRow, 1024)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(rows)
		return streamRows(gctx, pool, failuresOnly, sinceAt, rows)
	})

	g.Go(func() error {
		zw := pgzip.NewWriter(out)
		bw := bufio.NewWriter(zw)
		enc := json.NewEncoder(bw)

		var count int64
		for row := range rows {
			if err := enc.Encode(row); err != nil {
				return errors.Wrap(err, "encode row")
			}
			count++
			if count%progressEvery == 0 {
				slog.Info("export progress", slog.Int64("rows", count))
			}
		}
		if err := bw.Flush(); err != nil {
			return errors.Wrap(err, "flush")
		}
		if err := zw.Close(); err != nil {
			return errors.Wrap(err, "close gzip writer")
		}
		slog.Info("rows exported", slog.Int64("count", count))
		return nil
	})

	return g.Wait()
}

func streamRows(ctx context.Context, pool *pgxpool.Pool, failuresOnly bool, sinceAt time.Time, out chan<- exportRow) error {
	query := `SELECT id, webhook_id, event, payload, response_status, response_body, success, attempted_at
		FROM webhook_deliveries
		WHERE ($1::boolean IS FALSE OR success = FALSE)
		AND ($2::timestamptz IS NULL OR attempted_at >= $2)
		ORDER BY attempted_at`

	var sinceArg any
	if !sinceAt.IsZero() {
		sinceArg = sinceAt
	}

	rows, err := pool.Query(ctx, query, failuresOnly, sinceArg)
	if err != nil {
		return errors.Wrap(err, "query deliveries")
	}
	defer rows.Close()

	for rows.Next() {
		var row exportRow
		if err := rows.Scan(
			&row.ID, &row.WebhookID, &row.Event, &row.Payload,
			&row.ResponseStatus, &row.ResponseBody, &row.Success, &row.AttemptedAt,
		); err != nil {
			return errors.Wrap(err, "scan row")
		}
		select {
		case out <- row:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Wrap(rows.Err(), "iterate rows")
}
