// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/returns-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrReturnNotFound возвращается, если заявка на возврат не найдена.
	ErrReturnNotFound = errors.New("return not found")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrProductNotFound возвращается при пополнении остатков несуществующего товара.
	ErrProductNotFound = errors.New("product not found")
	// ErrReturnExists возвращается при попытке создать заявку с уже существующим идентификатором.
	ErrReturnExists = errors.New("return already exists")
	// ErrReturnFinalized возвращается при попытке завершить заявку в конечном статусе.
	ErrReturnFinalized = errors.New("return already finalized")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при deadlock и serialization failure.
// Завершение возврата блокирует несколько строк, конкурирующие завершения
// по одному пользователю могут конфликтовать.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// querier объединяет пул и транзакцию для общих запросов чтения.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, email, bonus_points, created_at FROM users WHERE id = $1`,
		userID,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.Email, &u.BonusPoints, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetOrder возвращает заказ вместе со строками.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return r.getOrder(ctx, r.pool, orderID, false)
}

func (r *PostgresRepository) getOrder(ctx context.Context, q querier, orderID int64, forUpdate bool) (*model.Order, error) {
	query := `SELECT id, user_id, status, discount_cents, discount_code,
	                 bonus_points_redeemed, bonus_points_earned, bonus_points_credited,
	                 bonus_points_deducted, points_deducted_at, shipping_cents, placed_at
	          FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var o model.Order
	err := q.QueryRow(ctx, query, orderID).Scan(
		&o.ID, &o.UserID, &o.Status, &o.DiscountCents, &o.DiscountCode,
		&o.BonusPointsRedeemed, &o.BonusPointsEarned, &o.BonusPointsCredited,
		&o.BonusPointsDeducted, &o.PointsDeductedAt, &o.ShippingCents, &o.PlacedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT line_no, product_id, name, unit_price_cents, quantity, options
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY line_no`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.LineNo, &it.ProductID, &it.Name, &it.UnitPriceCents, &it.Quantity, &it.Options); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &o, nil
}

func (r *PostgresRepository) getPointGrant(ctx context.Context, q querier, orderID int64, forUpdate bool) (*model.PointGrant, error) {
	query := `SELECT order_id, user_id, state, points_awarded, frozen_points, scheduled_at
	          FROM point_grants WHERE order_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var g model.PointGrant
	err := q.QueryRow(ctx, query, orderID).Scan(
		&g.OrderID, &g.UserID, &g.State, &g.PointsAwarded, &g.FrozenPoints, &g.ScheduledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get point grant: %w", err)
	}

	// frozen_by выводится из незавершённых заявок с удержанными баллами.
	rows, err := q.Query(ctx,
		`SELECT id FROM returns
		 WHERE order_id = $1 AND frozen_points > 0 AND status IN ($2, $3)`,
		orderID, string(model.ReturnStatusPending), string(model.ReturnStatusProcessing),
	)
	if err != nil {
		return nil, fmt.Errorf("select freezing returns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rid uuid.UUID
		if err := rows.Scan(&rid); err != nil {
			return nil, fmt.Errorf("scan freezing return: %w", err)
		}
		g.FrozenBy = append(g.FrozenBy, rid)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &g, nil
}

// GetPointGrant возвращает отложенное начисление заказа или nil, если его нет.
func (r *PostgresRepository) GetPointGrant(ctx context.Context, orderID int64) (*model.PointGrant, error) {
	return r.getPointGrant(ctx, r.pool, orderID, false)
}

// completedByLine возвращает принятое количество по завершённым возвратам
// заказа в разрезе строк.
func (r *PostgresRepository) completedByLine(ctx context.Context, q querier, orderID int64) (map[int]int, error) {
	rows, err := q.Query(ctx,
		`SELECT ri.line_no, COALESCE(SUM(ri.quantity), 0)
		 FROM return_items ri
		 JOIN returns rt ON rt.id = ri.return_id
		 WHERE rt.order_id = $1 AND rt.status = $2 AND ri.accepted
		 GROUP BY ri.line_no`,
		orderID, string(model.ReturnStatusCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("select completed returns: %w", err)
	}
	defer rows.Close()

	res := make(map[int]int)
	for rows.Next() {
		var lineNo, qty int
		if err := rows.Scan(&lineNo, &qty); err != nil {
			return nil, fmt.Errorf("scan completed quantity: %w", err)
		}
		res[lineNo] = qty
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
