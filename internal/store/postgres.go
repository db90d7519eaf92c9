package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/samber/lo"

	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/model"
	"github.com/iurnickita/artistledger/internal/store/config"
)

const pgUniqueViolation = "23505"

type postgres struct {
	database *sql.DB
}

var schema = []string{
	// Таблицы внешних подсистем. Здесь только читаются,
	// создаются на случай локального запуска с пустой базой
	"CREATE TABLE IF NOT EXISTS bands (" +
		" id VARCHAR (40) PRIMARY KEY," +
		" owner_id VARCHAR (40) NOT NULL," +
		" name VARCHAR (255) NOT NULL DEFAULT ''" +
		" );",
	"CREATE TABLE IF NOT EXISTS subscriptions (" +
		" subscriber_id VARCHAR (40) NOT NULL," +
		" status VARCHAR (16) NOT NULL," +
		" period_start TIMESTAMPTZ NOT NULL," +
		" period_end TIMESTAMPTZ NOT NULL," +
		" price_cents BIGINT NOT NULL" +
		" );",
	"CREATE TABLE IF NOT EXISTS listening_history (" +
		" subscriber_id VARCHAR (40) NOT NULL," +
		" band_id VARCHAR (40) NOT NULL," +
		" duration_seconds BIGINT NOT NULL," +
		" completed BOOLEAN NOT NULL," +
		" is_free_play BOOLEAN NOT NULL," +
		" listened_at TIMESTAMPTZ NOT NULL" +
		" );",

	"CREATE TABLE IF NOT EXISTS revenue_period (" +
		" id VARCHAR (40) PRIMARY KEY," +
		" period_start TIMESTAMPTZ NOT NULL," +
		" period_end TIMESTAMPTZ NOT NULL," +
		" status VARCHAR (16) NOT NULL," +
		" CHECK (period_end > period_start)" +
		" );",

	// Журнал начислений. Одна строка на (артист, подписчик, период),
	// повторный расчет упирается в уникальный ключ
	"CREATE TABLE IF NOT EXISTS earnings_entry (" +
		" id VARCHAR (40) PRIMARY KEY," +
		" band_id VARCHAR (40) NOT NULL," +
		" revenue_period_id VARCHAR (40) NOT NULL REFERENCES revenue_period (id)," +
		" subscriber_id VARCHAR (40) NOT NULL," +
		" stream_count BIGINT NOT NULL," +
		" listening_seconds BIGINT NOT NULL," +
		" gross_cents BIGINT NOT NULL CHECK (gross_cents >= 0)," +
		" net_cents BIGINT NOT NULL CHECK (net_cents >= 0)," +
		" created_at TIMESTAMPTZ NOT NULL," +
		" UNIQUE (band_id, subscriber_id, revenue_period_id)" +
		" );",
	"CREATE INDEX IF NOT EXISTS earnings_entry_subscriber_idx ON earnings_entry (subscriber_id, revenue_period_id);",
	// Отметка расчета подписчика за период. Вставляется первой в той же
	// транзакции, что и записи журнала
	"CREATE TABLE IF NOT EXISTS attribution_run (" +
		" subscriber_id VARCHAR (40) NOT NULL," +
		" revenue_period_id VARCHAR (40) NOT NULL REFERENCES revenue_period (id)," +
		" created_at TIMESTAMPTZ NOT NULL," +
		" PRIMARY KEY (subscriber_id, revenue_period_id)" +
		" );",

	"CREATE TABLE IF NOT EXISTS artist_balance (" +
		" band_id VARCHAR (40) PRIMARY KEY," +
		" balance_cents BIGINT NOT NULL DEFAULT 0," +
		" lifetime_earnings_cents BIGINT NOT NULL DEFAULT 0," +
		" last_payout_at TIMESTAMPTZ," +
		" CHECK (balance_cents >= 0 AND balance_cents <= lifetime_earnings_cents)" +
		" );",

	"CREATE TABLE IF NOT EXISTS payout (" +
		" id VARCHAR (40) PRIMARY KEY," +
		" band_id VARCHAR (40) NOT NULL," +
		" amount_cents BIGINT NOT NULL CHECK (amount_cents > 0)," +
		" status VARCHAR (16) NOT NULL," +
		" transfer_key VARCHAR (40) NOT NULL," +
		" external_transfer_ref VARCHAR (255)," +
		" error_message TEXT," +
		" created_at TIMESTAMPTZ NOT NULL," +
		" processed_at TIMESTAMPTZ" +
		" );",
	"CREATE INDEX IF NOT EXISTS payout_status_idx ON payout (status, created_at);",
	"CREATE INDEX IF NOT EXISTS payout_band_idx ON payout (band_id, created_at);",

	"CREATE TABLE IF NOT EXISTS payout_account (" +
		" owner_id VARCHAR (40) PRIMARY KEY," +
		" external_account_ref VARCHAR (255) UNIQUE," +
		" status VARCHAR (16) NOT NULL," +
		" updated_at TIMESTAMPTZ NOT NULL" +
		" );",
}

func newPostgres(cfg config.Config) (*postgres, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	// База может подниматься дольше сервиса
	bo := backoff.NewExponentialBackOff()
	if cfg.ConnectTimeout > 0 {
		bo.MaxElapsedTime = cfg.ConnectTimeout
	}
	err = backoff.Retry(func() error {
		return db.Ping()
	}, bo)
	if err != nil {
		db.Close()
		return nil, ierr.WithError(err).
			WithHint("Database is unreachable").
			Mark(ierr.ErrDatabase)
	}

	for _, ddl := range schema {
		if _, err = db.Exec(ddl); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &postgres{database: db}, nil
}

func (store *postgres) Close() error {
	return store.database.Close()
}

func (store *postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ierr.NewErrorf("%s not found", what).Mark(ierr.ErrNotFound)
	}
	return err
}

func validAmount(cents int64) error {
	if cents <= 0 {
		return ierr.NewErrorf("amount must be positive, got %d", cents).
			WithHint("Amount must be a positive number of cents").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// Расчетные периоды

func (store *postgres) RevenuePeriodCreate(ctx context.Context, period model.RevenuePeriod) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO revenue_period (id, period_start, period_end, status)"+
			" VALUES ($1, $2, $3, $4)",
		period.ID,
		period.PeriodStart,
		period.PeriodEnd,
		period.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return ierr.NewError("revenue period already exists").Mark(ierr.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

func (store *postgres) RevenuePeriodGet(ctx context.Context, id string) (model.RevenuePeriod, error) {
	var period model.RevenuePeriod
	row := store.database.QueryRowContext(ctx,
		"SELECT id, period_start, period_end, status FROM revenue_period"+
			" WHERE id = $1",
		id)
	err := row.Scan(&period.ID, &period.PeriodStart, &period.PeriodEnd, &period.Status)
	if err != nil {
		return model.RevenuePeriod{}, notFound(err, "revenue period")
	}
	return period, nil
}

func (store *postgres) RevenuePeriodList(ctx context.Context, status string) ([]model.RevenuePeriod, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT id, period_start, period_end, status FROM revenue_period"+
			" WHERE status = $1"+
			" ORDER BY period_start",
		status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var periods []model.RevenuePeriod
	for rows.Next() {
		var period model.RevenuePeriod
		if err := rows.Scan(&period.ID, &period.PeriodStart, &period.PeriodEnd, &period.Status); err != nil {
			return nil, err
		}
		periods = append(periods, period)
	}
	return periods, rows.Err()
}

func (store *postgres) RevenuePeriodLatest(ctx context.Context) (model.RevenuePeriod, error) {
	var period model.RevenuePeriod
	row := store.database.QueryRowContext(ctx,
		"SELECT id, period_start, period_end, status FROM revenue_period"+
			" ORDER BY period_end DESC"+
			" LIMIT 1")
	err := row.Scan(&period.ID, &period.PeriodStart, &period.PeriodEnd, &period.Status)
	if err != nil {
		return model.RevenuePeriod{}, notFound(err, "revenue period")
	}
	return period, nil
}

func (store *postgres) RevenuePeriodSetStatus(ctx context.Context, id string, status string) error {
	res, err := store.database.ExecContext(ctx,
		"UPDATE revenue_period SET status = $1 WHERE id = $2",
		status,
		id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ierr.NewError("revenue period not found").Mark(ierr.ErrNotFound)
	}
	return nil
}

// Внешние факты

func (store *postgres) BandGet(ctx context.Context, id string) (model.Band, error) {
	var band model.Band
	row := store.database.QueryRowContext(ctx,
		"SELECT id, owner_id, name FROM bands WHERE id = $1",
		id)
	if err := row.Scan(&band.ID, &band.OwnerID, &band.Name); err != nil {
		return model.Band{}, notFound(err, "band")
	}
	return band, nil
}

func (store *postgres) SubscriptionsForPeriod(ctx context.Context, start, end time.Time) ([]model.Subscription, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT subscriber_id, status, period_start, period_end, price_cents"+
			" FROM subscriptions"+
			" WHERE period_start < $2"+
			"   AND period_end > $1"+
			" ORDER BY subscriber_id, period_start",
		start,
		end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		err := rows.Scan(&sub.SubscriberID,
			&sub.Status,
			&sub.PeriodStart,
			&sub.PeriodEnd,
			&sub.PriceCents)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (store *postgres) ListensForSubscriber(ctx context.Context, subscriber string, start, end time.Time) ([]model.Listen, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT l.subscriber_id, l.band_id, b.owner_id, l.duration_seconds,"+
			"       l.completed, l.is_free_play, l.listened_at"+
			" FROM listening_history AS l"+
			" JOIN bands AS b ON b.id = l.band_id"+
			" WHERE l.subscriber_id = $1"+
			"   AND l.listened_at >= $2"+
			"   AND l.listened_at < $3",
		subscriber,
		start,
		end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var listens []model.Listen
	for rows.Next() {
		var l model.Listen
		err := rows.Scan(&l.SubscriberID,
			&l.BandID,
			&l.BandOwnerID,
			&l.DurationSeconds,
			&l.Completed,
			&l.IsFreePlay,
			&l.ListenedAt)
		if err != nil {
			return nil, err
		}
		listens = append(listens, l)
	}
	return listens, rows.Err()
}

// Журнал начислений

func (store *postgres) EarningsRecord(ctx context.Context, entries []model.EarningsEntry) error {
	if len(entries) == 0 {
		return nil
	}
	subscriber, period := entries[0].SubscriberID, entries[0].RevenuePeriodID
	for _, e := range entries {
		if e.SubscriberID != subscriber || e.RevenuePeriodID != period {
			return ierr.NewError("earnings of different subscribers or periods").Mark(ierr.ErrValidation)
		}
	}
	// Записи и начисления на баланс - одной транзакцией.
	// Повторный расчет (подписчик, период) откатывается целиком
	return store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO attribution_run (subscriber_id, revenue_period_id, created_at)"+
				" VALUES ($1, $2, $3)",
			subscriber,
			period,
			entries[0].CreatedAt)
		if isUniqueViolation(err) {
			return ierr.NewError("subscriber already attributed for period").
				WithDetails(map[string]any{
					"subscriber_id": subscriber,
					"period_id":     period,
				}).
				Mark(ierr.ErrAlreadyExists)
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO earnings_entry (id, band_id, revenue_period_id, subscriber_id,"+
					" stream_count, listening_seconds, gross_cents, net_cents, created_at)"+
					" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
				e.ID,
				e.BandID,
				e.RevenuePeriodID,
				e.SubscriberID,
				e.StreamCount,
				e.ListeningSeconds,
				e.GrossCents,
				e.NetCents,
				e.CreatedAt)
			if err != nil {
				if isUniqueViolation(err) {
					return ierr.NewError("earnings already recorded").
						WithDetails(map[string]any{
							"subscriber_id": e.SubscriberID,
							"period_id":     e.RevenuePeriodID,
						}).
						Mark(ierr.ErrAlreadyExists)
				}
				return err
			}
		}
		for _, e := range entries {
			if e.NetCents == 0 {
				continue
			}
			if err := creditTx(ctx, tx, e.BandID, e.NetCents); err != nil {
				return err
			}
		}
		return nil
	})
}

const earningsColumns = "id, band_id, revenue_period_id, subscriber_id, stream_count," +
	" listening_seconds, gross_cents, net_cents, created_at"

func (store *postgres) EarningsBySubscriber(ctx context.Context, subscriber string, period string) ([]model.EarningsEntry, error) {
	return store.queryEarnings(ctx,
		"SELECT "+earningsColumns+" FROM earnings_entry"+
			" WHERE subscriber_id = $1"+
			"   AND revenue_period_id = $2"+
			" ORDER BY net_cents DESC, band_id",
		subscriber,
		period)
}

func (store *postgres) EarningsByBand(ctx context.Context, band string, period string) ([]model.EarningsEntry, error) {
	return store.queryEarnings(ctx,
		"SELECT "+earningsColumns+" FROM earnings_entry"+
			" WHERE band_id = $1"+
			"   AND revenue_period_id = $2"+
			" ORDER BY subscriber_id",
		band,
		period)
}

func (store *postgres) queryEarnings(ctx context.Context, query string, args ...any) ([]model.EarningsEntry, error) {
	rows, err := store.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.EarningsEntry
	for rows.Next() {
		var e model.EarningsEntry
		err := rows.Scan(&e.ID,
			&e.BandID,
			&e.RevenuePeriodID,
			&e.SubscriberID,
			&e.StreamCount,
			&e.ListeningSeconds,
			&e.GrossCents,
			&e.NetCents,
			&e.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Баланс артиста

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Атомарное сложение на стороне базы, без чтения-изменения-записи:
// расчеты разных подписчиков параллельно начисляют одному артисту
func creditTx(ctx context.Context, db execer, band string, cents int64) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO artist_balance (band_id, balance_cents, lifetime_earnings_cents)"+
			" VALUES ($1, $2, $2)"+
			" ON CONFLICT (band_id) DO UPDATE"+
			" SET balance_cents = artist_balance.balance_cents + EXCLUDED.balance_cents,"+
			"     lifetime_earnings_cents = artist_balance.lifetime_earnings_cents + EXCLUDED.lifetime_earnings_cents",
		band,
		cents)
	return err
}

func reserveTx(ctx context.Context, db execer, band string, cents int64) error {
	res, err := db.ExecContext(ctx,
		"UPDATE artist_balance SET balance_cents = balance_cents - $2"+
			" WHERE band_id = $1"+
			"   AND balance_cents >= $2",
		band,
		cents)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ierr.NewErrorf("cannot reserve %d cents", cents).
			WithHint("Balance is lower than the requested amount").
			WithDetails(map[string]any{"band_id": band, "amount_cents": cents}).
			Mark(ierr.ErrInsufficientBalance)
	}
	return nil
}

func creditBackTx(ctx context.Context, db execer, band string, cents int64) error {
	// Возврат не может поднять баланс выше заработанного за все время
	res, err := db.ExecContext(ctx,
		"UPDATE artist_balance SET balance_cents = balance_cents + $2"+
			" WHERE band_id = $1"+
			"   AND balance_cents + $2 <= lifetime_earnings_cents",
		band,
		cents)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ierr.NewErrorf("credit back of %d cents exceeds lifetime earnings", cents).
			WithDetails(map[string]any{"band_id": band, "amount_cents": cents}).
			Mark(ierr.ErrLedgerInvariant)
	}
	return nil
}

func (store *postgres) BalanceGet(ctx context.Context, band string) (model.ArtistBalance, error) {
	var balance model.ArtistBalance
	var lastPayout sql.NullTime
	row := store.database.QueryRowContext(ctx,
		"SELECT band_id, balance_cents, lifetime_earnings_cents, last_payout_at"+
			" FROM artist_balance WHERE band_id = $1",
		band)
	err := row.Scan(&balance.BandID,
		&balance.BalanceCents,
		&balance.LifetimeEarningsCents,
		&lastPayout)
	if err != nil {
		return model.ArtistBalance{}, notFound(err, "artist balance")
	}
	if lastPayout.Valid {
		balance.LastPayoutAt = &lastPayout.Time
	}
	return balance, nil
}

func (store *postgres) BalanceCredit(ctx context.Context, band string, cents int64) error {
	if err := validAmount(cents); err != nil {
		return err
	}
	return creditTx(ctx, store.database, band, cents)
}

func (store *postgres) BalanceEnsureForOwner(ctx context.Context, owner string) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO artist_balance (band_id, balance_cents, lifetime_earnings_cents)"+
			" SELECT id, 0, 0 FROM bands WHERE owner_id = $1"+
			" ON CONFLICT (band_id) DO NOTHING",
		owner)
	return err
}

func (store *postgres) BalancesByOwner(ctx context.Context) ([]model.OwnerBalance, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT b.owner_id, ab.band_id, ab.balance_cents, ab.lifetime_earnings_cents, ab.last_payout_at"+
			" FROM artist_balance AS ab"+
			" JOIN bands AS b ON b.id = ab.band_id"+
			" ORDER BY b.owner_id, ab.band_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type ownedBalance struct {
		owner   string
		balance model.ArtistBalance
	}
	var owned []ownedBalance
	for rows.Next() {
		var ob ownedBalance
		var lastPayout sql.NullTime
		err := rows.Scan(&ob.owner,
			&ob.balance.BandID,
			&ob.balance.BalanceCents,
			&ob.balance.LifetimeEarningsCents,
			&lastPayout)
		if err != nil {
			return nil, err
		}
		if lastPayout.Valid {
			ob.balance.LastPayoutAt = &lastPayout.Time
		}
		owned = append(owned, ob)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// строки уже отсортированы по владельцу
	var result []model.OwnerBalance
	for _, chunk := range lo.PartitionBy(owned, func(ob ownedBalance) string { return ob.owner }) {
		result = append(result, model.OwnerBalance{
			OwnerID: chunk[0].owner,
			Bands:   lo.Map(chunk, func(ob ownedBalance, _ int) model.ArtistBalance { return ob.balance }),
		})
	}
	return result, nil
}

// Выплаты

const payoutColumns = "id, band_id, amount_cents, status, transfer_key," +
	" COALESCE(external_transfer_ref, ''), COALESCE(error_message, ''), created_at, processed_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanPayout(row scanner) (model.Payout, error) {
	var p model.Payout
	var processedAt sql.NullTime
	err := row.Scan(&p.ID,
		&p.BandID,
		&p.AmountCents,
		&p.Status,
		&p.TransferKey,
		&p.ExternalTransferRef,
		&p.ErrorMessage,
		&p.CreatedAt,
		&processedAt)
	if err != nil {
		return model.Payout{}, err
	}
	if processedAt.Valid {
		p.ProcessedAt = &processedAt.Time
	}
	return p, nil
}

func (store *postgres) PayoutCreate(ctx context.Context, payout model.Payout) (model.Payout, error) {
	err := store.withTx(ctx, func(tx *sql.Tx) error {
		// Блокировка строки баланса: резервирование и создание выплаты не разделяются
		var balance int64
		row := tx.QueryRowContext(ctx,
			"SELECT balance_cents FROM artist_balance WHERE band_id = $1 FOR UPDATE",
			payout.BandID)
		if err := row.Scan(&balance); err != nil {
			return notFound(err, "artist balance")
		}
		if balance <= 0 {
			return ierr.NewError("nothing to reserve").
				WithHint("Balance is empty").
				WithDetails(map[string]any{"band_id": payout.BandID}).
				Mark(ierr.ErrInsufficientBalance)
		}
		if err := reserveTx(ctx, tx, payout.BandID, balance); err != nil {
			return err
		}

		payout.AmountCents = balance
		payout.Status = model.PayoutStatusPending
		_, err := tx.ExecContext(ctx,
			"INSERT INTO payout (id, band_id, amount_cents, status, transfer_key, created_at)"+
				" VALUES ($1, $2, $3, $4, $5, $6)",
			payout.ID,
			payout.BandID,
			payout.AmountCents,
			payout.Status,
			payout.TransferKey,
			payout.CreatedAt)
		return err
	})
	if err != nil {
		return model.Payout{}, err
	}
	return payout, nil
}

func (store *postgres) PayoutComplete(ctx context.Context, ids []string, transferRef string, at time.Time) (int, error) {
	var completed int
	err := store.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"UPDATE payout SET status = $1, external_transfer_ref = $2, processed_at = $3"+
				" WHERE id = ANY($4)"+
				"   AND status = $5"+
				" RETURNING band_id",
			model.PayoutStatusCompleted,
			transferRef,
			at,
			ids,
			model.PayoutStatusPending)
		if err != nil {
			return err
		}
		var bands []string
		for rows.Next() {
			var band string
			if err := rows.Scan(&band); err != nil {
				rows.Close()
				return err
			}
			bands = append(bands, band)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		completed = len(bands)
		if completed == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE artist_balance SET last_payout_at = $1 WHERE band_id = ANY($2)",
			at,
			lo.Uniq(bands))
		return err
	})
	return completed, err
}

func (store *postgres) PayoutFail(ctx context.Context, id string, message string, at time.Time) (bool, error) {
	var failed bool
	err := store.withTx(ctx, func(tx *sql.Tx) error {
		var band string
		var amount int64
		row := tx.QueryRowContext(ctx,
			"UPDATE payout SET status = $1, error_message = $2, processed_at = $3"+
				" WHERE id = $4"+
				"   AND status = $5"+
				" RETURNING band_id, amount_cents",
			model.PayoutStatusFailed,
			message,
			at,
			id,
			model.PayoutStatusPending)
		err := row.Scan(&band, &amount)
		if errors.Is(err, sql.ErrNoRows) {
			// уже в конечном статусе
			return nil
		}
		if err != nil {
			return err
		}
		if err := creditBackTx(ctx, tx, band, amount); err != nil {
			return err
		}
		failed = true
		return nil
	})
	return failed, err
}

func (store *postgres) PayoutGet(ctx context.Context, id string) (model.Payout, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+payoutColumns+" FROM payout WHERE id = $1",
		id)
	p, err := scanPayout(row)
	if err != nil {
		return model.Payout{}, notFound(err, "payout")
	}
	return p, nil
}

func (store *postgres) PayoutListByBand(ctx context.Context, band string) ([]model.Payout, error) {
	return store.queryPayouts(ctx,
		"SELECT "+payoutColumns+" FROM payout"+
			" WHERE band_id = $1"+
			" ORDER BY created_at DESC, id DESC",
		band)
}

func (store *postgres) PayoutListPending(ctx context.Context, createdBefore time.Time) ([]model.Payout, error) {
	return store.queryPayouts(ctx,
		"SELECT "+payoutColumns+" FROM payout"+
			" WHERE status = $1"+
			"   AND created_at < $2"+
			" ORDER BY transfer_key, id",
		model.PayoutStatusPending,
		createdBefore)
}

func (store *postgres) PayoutList(ctx context.Context) ([]model.Payout, error) {
	return store.queryPayouts(ctx,
		"SELECT "+payoutColumns+" FROM payout"+
			" ORDER BY created_at DESC, id DESC")
}

func (store *postgres) queryPayouts(ctx context.Context, query string, args ...any) ([]model.Payout, error) {
	rows, err := store.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payouts []model.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// Платежные аккаунты

func (store *postgres) PayoutAccountGet(ctx context.Context, owner string) (model.PayoutAccount, error) {
	var acc model.PayoutAccount
	row := store.database.QueryRowContext(ctx,
		"SELECT owner_id, COALESCE(external_account_ref, ''), status, updated_at"+
			" FROM payout_account WHERE owner_id = $1",
		owner)
	err := row.Scan(&acc.OwnerID, &acc.ExternalAccountRef, &acc.Status, &acc.UpdatedAt)
	if err != nil {
		return model.PayoutAccount{}, notFound(err, "payout account")
	}
	return acc, nil
}

func (store *postgres) PayoutAccountConnect(ctx context.Context, account model.PayoutAccount) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO payout_account (owner_id, external_account_ref, status, updated_at)"+
			" VALUES ($1, $2, $3, $4)"+
			" ON CONFLICT (owner_id) DO UPDATE"+
			" SET external_account_ref = EXCLUDED.external_account_ref,"+
			"     status = EXCLUDED.status,"+
			"     updated_at = EXCLUDED.updated_at",
		account.OwnerID,
		account.ExternalAccountRef,
		account.Status,
		account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ierr.NewError("account is connected to another owner").
				WithHint("This payout account is already linked").
				Mark(ierr.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

func (store *postgres) PayoutAccountSetStatus(ctx context.Context, accountRef string, status string, at time.Time) (model.PayoutAccount, error) {
	var acc model.PayoutAccount
	row := store.database.QueryRowContext(ctx,
		"UPDATE payout_account SET status = $1, updated_at = $2"+
			" WHERE external_account_ref = $3"+
			" RETURNING owner_id, external_account_ref, status, updated_at",
		status,
		at,
		accountRef)
	err := row.Scan(&acc.OwnerID, &acc.ExternalAccountRef, &acc.Status, &acc.UpdatedAt)
	if err != nil {
		return model.PayoutAccount{}, notFound(err, "payout account")
	}
	return acc, nil
}

func (store *postgres) PayoutAccountDisconnect(ctx context.Context, accountRef string, at time.Time) (model.PayoutAccount, error) {
	var acc model.PayoutAccount
	row := store.database.QueryRowContext(ctx,
		"UPDATE payout_account SET status = $1, external_account_ref = NULL, updated_at = $2"+
			" WHERE external_account_ref = $3"+
			" RETURNING owner_id, status, updated_at",
		model.PayoutAccountStatusNotConnected,
		at,
		accountRef)
	err := row.Scan(&acc.OwnerID, &acc.Status, &acc.UpdatedAt)
	if err != nil {
		return model.PayoutAccount{}, notFound(err, "payout account")
	}
	return acc, nil
}
