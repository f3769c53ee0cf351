// Package store is the Postgres side of the sync pipeline: the sync_runs
// ledger, the staging table, the advisory lock and atomic-publish RPCs,
// and the raw snapshot archive. Locking and publish are server-side
// functions; this package only calls them.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gabriel-zp/zaifinancialctrl/internal/core"
)

// DefaultStageBatchSize bounds one staging insert batch.
const DefaultStageBatchSize = 500

var stagingColumns = []string{
	"run_id", "mes", "acao", "periodo",
	"valor_base", "investimento", "resgate", "recebimento_proventos",
	"valor_final_mes", "rentabilidade_mes", "nao_mexer", "ativo_pl",
}

// Store implements core.Store on a pgx connection pool.
type Store struct {
	pool      *pgxpool.Pool
	batchSize int
}

// New returns a Store. A batchSize of zero or less falls back to
// DefaultStageBatchSize.
func New(pool *pgxpool.Pool, batchSize int) *Store {
	if batchSize <= 0 {
		batchSize = DefaultStageBatchSize
	}
	return &Store{pool: pool, batchSize: batchSize}
}

// CreateRun inserts a sync_runs row with status running and returns its id.
func (s *Store) CreateRun(ctx context.Context, trigger core.Trigger, sourceHash string) (string, error) {
	var id pgtype.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sync_runs (status, trigger, source_hash)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		string(core.StatusRunning), string(trigger), sourceHash,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert sync run: %w", err)
	}
	return uuid.UUID(id.Bytes).String(), nil
}

// FinishRun moves a run to its terminal status and stamps finished_at.
func (s *Store) FinishRun(ctx context.Context, runID string, status core.RunStatus, message string, rowsWritten *int) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE sync_runs
		 SET status = $2, message = $3, rows_written = $4, finished_at = now()
		 WHERE id = $1`,
		id, string(status), toText(message), toInt4(rowsWritten),
	)
	if err != nil {
		return fmt.Errorf("update sync run: %w", err)
	}
	return nil
}

// AcquireLock calls the advisory-lock RPC. A false result means another
// sync currently holds the key.
func (s *Store) AcquireLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT acquire_sync_lock($1)`, key).Scan(&ok); err != nil {
		return false, fmt.Errorf("acquire_sync_lock: %w", err)
	}
	return ok, nil
}

// ReleaseLock releases the advisory lock.
func (s *Store) ReleaseLock(ctx context.Context, key int64) error {
	if _, err := s.pool.Exec(ctx, `SELECT release_sync_lock($1)`, key); err != nil {
		return fmt.Errorf("release_sync_lock: %w", err)
	}
	return nil
}

// StageRows copies treated rows into rentabilidade_staging in bounded
// batches. All rows land before the caller invokes ApplyRun; batch
// boundaries carry no meaning beyond payload size.
func (s *Store) StageRows(ctx context.Context, runID string, rows []core.TreatedRow) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}

	for start := 0; start < len(rows); start += s.batchSize {
		end := start + s.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		source := make([][]any, 0, len(chunk))
		for _, r := range chunk {
			mes, err := toDate(r.Mes)
			if err != nil {
				return fmt.Errorf("stage row (%s, %s): %w", r.Mes, r.Acao, err)
			}
			periodo, err := toNullableDate(r.Periodo)
			if err != nil {
				return fmt.Errorf("stage row (%s, %s): %w", r.Mes, r.Acao, err)
			}
			source = append(source, []any{
				id, mes, r.Acao, periodo,
				toFloat8(r.ValorBase), toFloat8(r.Investimento), toFloat8(r.Resgate),
				toFloat8(r.RecebimentoProventos), toFloat8(r.ValorFinalMes),
				toFloat8(r.RentabilidadeMes), toFloat8(r.NaoMexer), toFloat8(r.AtivoPL),
			})
		}

		_, err := s.pool.CopyFrom(ctx,
			pgx.Identifier{"rentabilidade_staging"},
			stagingColumns,
			pgx.CopyFromRows(source),
		)
		if err != nil {
			return fmt.Errorf("copy staging rows: %w", err)
		}
	}
	return nil
}

// DiscardRows deletes every staged row belonging to a run.
func (s *Store) DiscardRows(ctx context.Context, runID string) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM rentabilidade_staging WHERE run_id = $1`, id); err != nil {
		return fmt.Errorf("delete staging rows: %w", err)
	}
	return nil
}

// ApplyRun invokes the atomic-publish RPC for the given months. The
// function moves staged rows into the durable table; all listed months
// commit or the call raises.
func (s *Store) ApplyRun(ctx context.Context, runID string, months []string) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`SELECT apply_rentabilidade_run($1, $2::date[])`, id, months,
	); err != nil {
		return fmt.Errorf("apply_rentabilidade_run: %w", err)
	}
	return nil
}

// SaveSnapshot archives a raw grid. Callers treat this as fire-and-forget.
func (s *Store) SaveSnapshot(ctx context.Context, snap core.Snapshot) error {
	raw, err := json.Marshal(map[string]any{"values": snap.Grid})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO raw_snapshots (sheet_id, tab_name, range_a1, raw, hash, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.SheetID, snap.TabName, snap.RangeA1, raw, snap.Hash, snap.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert raw snapshot: %w", err)
	}
	return nil
}

// Ping verifies database connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func parseRunID(runID string) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(runID)
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("invalid run id %q: %w", runID, err)
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, nil
}

func toDate(iso string) (pgtype.Date, error) {
	t, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return pgtype.Date{}, fmt.Errorf("invalid date %q: %w", iso, err)
	}
	return pgtype.Date{Time: t, Valid: true}, nil
}

func toNullableDate(iso *string) (pgtype.Date, error) {
	if iso == nil {
		return pgtype.Date{}, nil
	}
	return toDate(*iso)
}

func toFloat8(v *float64) pgtype.Float8 {
	if v == nil {
		return pgtype.Float8{}
	}
	return pgtype.Float8{Float64: *v, Valid: true}
}

func toText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func toInt4(v *int) pgtype.Int4 {
	if v == nil {
		return pgtype.Int4{}
	}
	return pgtype.Int4{Int32: int32(*v), Valid: true}
}
