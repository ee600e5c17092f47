package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/liquidity"
	"Treasury-Autopilot/internal/policy"
	"Treasury-Autopilot/pkg/logger"
)

// 支持的数据库驱动。
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config 描述账本数据库连接。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Migrate         bool
}

// SQLProvider 从关系型数据库读取账本。
type SQLProvider struct {
	db     *sql.DB
	driver string
	now    func() time.Time
	log    *slog.Logger
}

// SQLOption 定制 SQLProvider。
type SQLOption func(*SQLProvider)

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) SQLOption {
	return func(p *SQLProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) SQLOption {
	return func(p *SQLProvider) {
		if l != nil {
			p.log = l
		}
	}
}

// NewSQLProvider 打开数据库并按需执行迁移。
func NewSQLProvider(ctx context.Context, cfg Config, opts ...SQLOption) (*SQLProvider, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDataProviderUnavailable, err, "打开账本数据库失败")
	}
	p := NewSQLProviderWithDB(db, cfg.Driver, opts...)
	if cfg.Migrate {
		if err := p.Migrate(ctx); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeDataProviderUnavailable, err, "账本迁移失败")
		}
	}
	return p, nil
}

// NewSQLProviderWithDB 包装已有连接。
func NewSQLProviderWithDB(db *sql.DB, driver string, opts ...SQLOption) *SQLProvider {
	p := &SQLProvider{
		db:     db,
		driver: normalizeDriver(driver),
		now:    time.Now,
		log:    logger.Named("ledger"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Close 释放连接池。
func (p *SQLProvider) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

type snapshotRow struct {
	observedAt int64
	balance    float64
	alloc      Allocations
	peg        float64
	pegSource  string
}

func (p *SQLProvider) latestSnapshot(ctx context.Context) (snapshotRow, error) {
	const query = `SELECT observed_at, balance, tier_a, tier_b, liquid, peg, peg_source
FROM treasury_snapshots ORDER BY observed_at DESC LIMIT 1`
	var row snapshotRow
	err := p.db.QueryRowContext(ctx, query).Scan(
		&row.observedAt, &row.balance, &row.alloc.TierA, &row.alloc.TierB, &row.alloc.Liquid, &row.peg, &row.pegSource,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snapshotRow{}, xerrors.New(xerrors.CodeDataProviderUnavailable, "账本中没有金库快照")
		}
		return snapshotRow{}, unavailable(err, "查询金库快照失败")
	}
	return row, nil
}

// asOf 返回最新快照的观测时间，没有快照时使用当前时间。
func (p *SQLProvider) asOf(ctx context.Context) (time.Time, error) {
	var observed sql.NullInt64
	if err := p.db.QueryRowContext(ctx, `SELECT MAX(observed_at) FROM treasury_snapshots`).Scan(&observed); err != nil {
		return time.Time{}, unavailable(err, "查询快照时间失败")
	}
	if !observed.Valid {
		return p.now().UTC(), nil
	}
	return time.Unix(observed.Int64, 0).UTC(), nil
}

// CurrentBalance 返回最新快照的余额。
func (p *SQLProvider) CurrentBalance(ctx context.Context) (float64, error) {
	row, err := p.latestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	return row.balance, nil
}

// CurrentAllocations 返回最新快照的资金分布。
func (p *SQLProvider) CurrentAllocations(ctx context.Context) (Allocations, error) {
	row, err := p.latestSnapshot(ctx)
	if err != nil {
		return Allocations{}, err
	}
	return row.alloc, nil
}

// HistoricalTransactions 返回最新快照观测时间之前 periodDays 天内的流水。
func (p *SQLProvider) HistoricalTransactions(ctx context.Context, periodDays int) ([]liquidity.Transaction, error) {
	asOf, err := p.asOf(ctx)
	if err != nil {
		return nil, err
	}
	since := asOf.AddDate(0, 0, -periodDays).Unix()
	const query = `SELECT occurred_at, amount, category, tx_type, description
FROM ledger_transactions WHERE occurred_at >= ? ORDER BY occurred_at ASC, id ASC`
	rows, err := p.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, unavailable(err, "查询流水失败")
	}
	defer rows.Close()

	var out []liquidity.Transaction
	for rows.Next() {
		var (
			occurredAt int64
			tx         liquidity.Transaction
			txType     string
		)
		if err := rows.Scan(&occurredAt, &tx.Amount, &tx.Category, &txType, &tx.Description); err != nil {
			return nil, unavailable(err, "解析流水失败")
		}
		tx.Date = time.Unix(occurredAt, 0).UTC()
		tx.Type = liquidity.TxType(txType)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "遍历流水失败")
	}
	return out, nil
}

// RecurringObligations 返回周期性支出计划。
func (p *SQLProvider) RecurringObligations(ctx context.Context) ([]liquidity.RecurringObligation, error) {
	const query = `SELECT name, amount, frequency, next_due, category FROM recurring_obligations ORDER BY name`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, unavailable(err, "查询周期支出失败")
	}
	defer rows.Close()

	var out []liquidity.RecurringObligation
	for rows.Next() {
		var (
			o         liquidity.RecurringObligation
			frequency string
			nextDue   int64
		)
		if err := rows.Scan(&o.Name, &o.Amount, &frequency, &nextDue, &o.Category); err != nil {
			return nil, unavailable(err, "解析周期支出失败")
		}
		o.Frequency = liquidity.Frequency(frequency)
		o.NextDue = time.Unix(nextDue, 0).UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "遍历周期支出失败")
	}
	return out, nil
}

// MarketMetrics 组合最新快照与同一时刻的协议健康度。
func (p *SQLProvider) MarketMetrics(ctx context.Context) (policy.Metrics, error) {
	snap, err := p.latestSnapshot(ctx)
	if err != nil {
		return policy.Metrics{}, err
	}

	const query = `SELECT protocol, tvl, tvl_change_24h, liquidity_ratio, utilization_rate
FROM protocol_health WHERE observed_at = ? ORDER BY protocol`
	rows, err := p.db.QueryContext(ctx, query, snap.observedAt)
	if err != nil {
		return policy.Metrics{}, unavailable(err, "查询协议健康度失败")
	}
	defer rows.Close()

	var protocols []policy.ProtocolHealth
	for rows.Next() {
		var h policy.ProtocolHealth
		if err := rows.Scan(&h.Protocol, &h.TVL, &h.TVLChange24h, &h.LiquidityRatio, &h.UtilizationRate); err != nil {
			return policy.Metrics{}, unavailable(err, "解析协议健康度失败")
		}
		protocols = append(protocols, h)
	}
	if err := rows.Err(); err != nil {
		return policy.Metrics{}, unavailable(err, "遍历协议健康度失败")
	}

	return policy.Metrics{
		Peg:        snap.peg,
		PegSource:  snap.pegSource,
		Protocols:  protocols,
		Portfolio:  portfolio(snap.alloc),
		ObservedAt: time.Unix(snap.observedAt, 0).UTC(),
	}, nil
}

// Import 在单个事务中写入夹具，同主键记录会被覆盖。
func (p *SQLProvider) Import(ctx context.Context, f Fixture) error {
	observedAt := f.AsOf
	if observedAt.IsZero() {
		observedAt = p.now()
	}
	ts := observedAt.UTC().Unix()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err, "开启导入事务失败")
	}
	fail := func(err error, msg string) error {
		_ = tx.Rollback()
		return unavailable(err, msg)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM treasury_snapshots WHERE observed_at = ?`, ts); err != nil {
		return fail(err, "清理金库快照失败")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO treasury_snapshots (observed_at, balance, tier_a, tier_b, liquid, peg, peg_source)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts, f.Balance, f.Allocations.TierA, f.Allocations.TierB, f.Allocations.Liquid, f.Market.Peg, f.Market.PegSource); err != nil {
		return fail(err, "写入金库快照失败")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM protocol_health WHERE observed_at = ?`, ts); err != nil {
		return fail(err, "清理协议健康度失败")
	}
	for _, h := range f.Market.Protocols {
		if _, err := tx.ExecContext(ctx, `INSERT INTO protocol_health (observed_at, protocol, tvl, tvl_change_24h, liquidity_ratio, utilization_rate)
VALUES (?, ?, ?, ?, ?, ?)`,
			ts, h.Protocol, h.TVL, h.TVLChange24h, h.LiquidityRatio, h.UtilizationRate); err != nil {
			return fail(err, fmt.Sprintf("写入协议 %s 健康度失败", h.Protocol))
		}
	}

	for _, t := range f.Transactions {
		id := transactionID(t)
		if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_transactions WHERE id = ?`, id); err != nil {
			return fail(err, "清理流水失败")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_transactions (id, occurred_at, amount, category, tx_type, description)
VALUES (?, ?, ?, ?, ?, ?)`,
			id, t.Date.UTC().Unix(), t.Amount, t.Category, string(t.Type), t.Description); err != nil {
			return fail(err, "写入流水失败")
		}
	}

	for _, o := range f.Recurring {
		if _, err := tx.ExecContext(ctx, `DELETE FROM recurring_obligations WHERE name = ?`, o.Name); err != nil {
			return fail(err, "清理周期支出失败")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO recurring_obligations (name, amount, frequency, next_due, category)
VALUES (?, ?, ?, ?, ?)`,
			o.Name, o.Amount, string(o.Frequency), o.NextDue.UTC().Unix(), o.Category); err != nil {
			return fail(err, fmt.Sprintf("写入周期支出 %s 失败", o.Name))
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err, "提交导入事务失败")
	}
	p.log.Info("账本夹具已导入",
		"observed_at", ts,
		"transactions", len(f.Transactions),
		"recurring", len(f.Recurring),
	)
	return nil
}

// transactionID 为流水生成稳定主键，重复导入不会产生重复记录。
func transactionID(t liquidity.Transaction) string {
	key := fmt.Sprintf("%d|%s|%s|%.2f|%s", t.Date.UTC().Unix(), t.Type, t.Category, t.Amount, t.Description)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func unavailable(err error, msg string) error {
	return xerrors.Wrap(xerrors.CodeDataProviderUnavailable, err, msg)
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "sqlite3":
		return DriverSQLite
	default:
		return DriverMySQL
	}
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("账本 DSN 不能为空")
	}
	driver := normalizeDriver(cfg.Driver)

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", driver, err)
	}

	switch {
	case driver == DriverSQLite:
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到账本数据库: %w", err)
	}
	return db, nil
}

var _ Provider = (*SQLProvider)(nil)
