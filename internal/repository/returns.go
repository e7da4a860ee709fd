package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/returns-system/internal/model"
)

// FilingSnapshot содержит состояние заказа на момент подачи заявки.
// Читается под блокировкой строки заказа.
type FilingSnapshot struct {
	Order       *model.Order
	Grant       *model.PointGrant
	PriorByLine map[int]int
}

// FilingPlan описывает результат планирования новой заявки.
type FilingPlan struct {
	Items        []model.ReturnItem
	FreezePoints int64
}

// FilingPlanFunc вычисляет план подачи заявки по снимку заказа.
type FilingPlanFunc func(*FilingSnapshot) (*FilingPlan, error)

// CompletionSnapshot содержит всё состояние, нужное для завершения заявки.
// Читается в одной транзакции под блокировками заявки, заказа,
// пользователя и начисления.
type CompletionSnapshot struct {
	Order       *model.Order
	Return      *model.ReturnRequest
	Grant       *model.PointGrant
	User        *model.User
	PriorByLine map[int]int
	PriorUnits  int
}

// GrantMutation описывает новое состояние отложенного начисления.
type GrantMutation struct {
	PointsAwarded int64
	FrozenPoints  int64
	State         model.GrantState
	ClearSchedule bool
}

// OrderMutation описывает изменение полей заказа при завершении возврата.
type OrderMutation struct {
	Status         model.OrderStatus
	Earned         *int64
	AddDeducted    int64
	MarkDeductedAt bool
}

// RestockEntry описывает пополнение остатков по одной принятой строке.
// Options == nil означает пополнение на уровне товара.
type RestockEntry struct {
	ProductID int64
	Options   map[string]string
	Quantity  int
}

// CompletionPlan перечисляет все мутации одного завершения возврата.
// Репозиторий применяет план механически, в одной транзакции.
type CompletionPlan struct {
	Status    model.ReturnStatus
	Items     []model.ReturnItem
	Refund    model.Refund
	Notes     *string
	Restock   []RestockEntry
	Grant     *GrantMutation
	UserDelta int64
	Order     *OrderMutation
}

// CompletionPlanFunc вычисляет план завершения по снимку состояния.
type CompletionPlanFunc func(*CompletionSnapshot) (*CompletionPlan, error)

// CreateReturn создаёт заявку на возврат. План вычисляется под блокировкой
// заказа: там же проверяются остатки к возврату и замораживаются баллы
// отложенного начисления.
func (r *PostgresRepository) CreateReturn(ctx context.Context, ret *model.ReturnRequest, plan FilingPlanFunc) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		order, err := r.getOrder(ctx, tx, ret.OrderID, true)
		if err != nil {
			return err
		}

		grant, err := r.getPointGrant(ctx, tx, ret.OrderID, true)
		if err != nil {
			return err
		}

		prior, err := r.completedByLine(ctx, tx, ret.OrderID)
		if err != nil {
			return err
		}

		p, err := plan(&FilingSnapshot{Order: order, Grant: grant, PriorByLine: prior})
		if err != nil {
			return err
		}

		if p.FreezePoints > 0 {
			_, err = tx.Exec(ctx,
				`UPDATE point_grants
				 SET points_awarded = points_awarded - $2, frozen_points = frozen_points + $2
				 WHERE order_id = $1`,
				ret.OrderID, p.FreezePoints,
			)
			if err != nil {
				return fmt.Errorf("freeze points: %w", err)
			}
		}

		ret.UserID = order.UserID
		ret.Items = p.Items
		ret.FrozenPoints = p.FreezePoints

		err = tx.QueryRow(ctx,
			`INSERT INTO returns (id, order_id, user_id, status, notes, frozen_points)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING created_at, updated_at`,
			ret.ID, ret.OrderID, ret.UserID, string(ret.Status), ret.Notes, ret.FrozenPoints,
		).Scan(&ret.CreatedAt, &ret.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrReturnExists, ret.ID)
			}
			return fmt.Errorf("insert return: %w", err)
		}

		for _, it := range ret.Items {
			_, err = tx.Exec(ctx,
				`INSERT INTO return_items (return_id, line_no, quantity, accepted)
				 VALUES ($1, $2, $3, $4)`,
				ret.ID, it.LineNo, it.Quantity, it.Accepted,
			)
			if err != nil {
				return fmt.Errorf("insert return item: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

func (r *PostgresRepository) loadReturn(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*model.ReturnRequest, error) {
	query := `SELECT id, order_id, user_id, status, refund_method, refund_reference,
	                 refund_cents, notes, frozen_points, created_at, updated_at
	          FROM returns WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var ret model.ReturnRequest
	err := q.QueryRow(ctx, query, id).Scan(
		&ret.ID, &ret.OrderID, &ret.UserID, &ret.Status,
		&ret.Refund.Method, &ret.Refund.Reference, &ret.Refund.AmountCents,
		&ret.Notes, &ret.FrozenPoints, &ret.CreatedAt, &ret.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReturnNotFound
		}
		return nil, fmt.Errorf("get return: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT line_no, quantity, accepted, refund_cents
		 FROM return_items
		 WHERE return_id = $1
		 ORDER BY line_no`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select return items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it model.ReturnItem
		if err := rows.Scan(&it.LineNo, &it.Quantity, &it.Accepted, &it.RefundCents); err != nil {
			return nil, fmt.Errorf("scan return item: %w", err)
		}
		ret.Items = append(ret.Items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &ret, nil
}

// GetReturn возвращает заявку на возврат вместе со строками.
func (r *PostgresRepository) GetReturn(ctx context.Context, id uuid.UUID) (*model.ReturnRequest, error) {
	return r.loadReturn(ctx, r.pool, id, false)
}

// ListReturnsByOrder возвращает заявки на возврат по заказу, новые первыми.
func (r *PostgresRepository) ListReturnsByOrder(ctx context.Context, orderID int64) ([]model.ReturnRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM returns WHERE order_id = $1 ORDER BY created_at DESC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select returns: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan return id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	res := make([]model.ReturnRequest, 0, len(ids))
	for _, id := range ids {
		ret, err := r.loadReturn(ctx, r.pool, id, false)
		if err != nil {
			return nil, err
		}
		res = append(res, *ret)
	}

	return res, nil
}

// UpdateReturn применяет правку к незавершённой заявке. Мутатор вызывается
// под блокировкой строки заявки; правки строк и полей выплаты сохраняются
// одной транзакцией.
func (r *PostgresRepository) UpdateReturn(ctx context.Context, id uuid.UUID, mutate func(*model.ReturnRequest) error) (*model.ReturnRequest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ret, err := r.loadReturn(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}

	if err := mutate(ret); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE returns
		 SET status = $2, refund_method = $3, refund_reference = $4, refund_cents = $5,
		     notes = $6, updated_at = now()
		 WHERE id = $1`,
		ret.ID, string(ret.Status), ret.Refund.Method, ret.Refund.Reference,
		ret.Refund.AmountCents, ret.Notes,
	)
	if err != nil {
		return nil, fmt.Errorf("update return: %w", err)
	}

	for _, it := range ret.Items {
		_, err = tx.Exec(ctx,
			`UPDATE return_items SET quantity = $3, accepted = $4
			 WHERE return_id = $1 AND line_no = $2`,
			ret.ID, it.LineNo, it.Quantity, it.Accepted,
		)
		if err != nil {
			return nil, fmt.Errorf("update return item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return ret, nil
}

// FinalizeReturn переводит заявку в конечный статус и применяет план целиком:
// пополнение остатков, корректировку баллов, запись о выплате и смену статуса
// заказа — одной транзакцией. Блокировка строки заказа сериализует
// конкурирующие завершения по одному заказу. Для заявки, уже находящейся в
// конечном статусе, возвращается сохранённая запись и ErrReturnFinalized.
func (r *PostgresRepository) FinalizeReturn(ctx context.Context, id uuid.UUID, plan CompletionPlanFunc) (*model.ReturnRequest, error) {
	var result *model.ReturnRequest

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		ret, err := r.loadReturn(ctx, tx, id, true)
		if err != nil {
			return err
		}

		if ret.Status.Terminal() {
			result = ret
			return ErrReturnFinalized
		}

		order, err := r.getOrder(ctx, tx, ret.OrderID, true)
		if err != nil {
			return err
		}

		grant, err := r.getPointGrant(ctx, tx, ret.OrderID, true)
		if err != nil {
			return err
		}

		var user model.User
		err = tx.QueryRow(ctx,
			`SELECT id, login, email, bonus_points, created_at FROM users WHERE id = $1 FOR UPDATE`,
			ret.UserID,
		).Scan(&user.ID, &user.Login, &user.Email, &user.BonusPoints, &user.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %d", ErrUserNotFound, ret.UserID)
			}
			return fmt.Errorf("lock user: %w", err)
		}

		prior, err := r.completedByLine(ctx, tx, ret.OrderID)
		if err != nil {
			return err
		}
		priorUnits := 0
		for _, q := range prior {
			priorUnits += q
		}

		p, err := plan(&CompletionSnapshot{
			Order:       order,
			Return:      ret,
			Grant:       grant,
			User:        &user,
			PriorByLine: prior,
			PriorUnits:  priorUnits,
		})
		if err != nil {
			return err
		}

		for _, it := range p.Items {
			_, err = tx.Exec(ctx,
				`UPDATE return_items SET quantity = $3, accepted = $4, refund_cents = $5
				 WHERE return_id = $1 AND line_no = $2`,
				ret.ID, it.LineNo, it.Quantity, it.Accepted, it.RefundCents,
			)
			if err != nil {
				return fmt.Errorf("update return item: %w", err)
			}
		}

		for _, e := range p.Restock {
			if err := r.applyRestock(ctx, tx, e); err != nil {
				return err
			}
		}

		if p.Grant != nil {
			scheduleSQL := ""
			if p.Grant.ClearSchedule {
				scheduleSQL = ", scheduled_at = NULL"
			}
			_, err = tx.Exec(ctx,
				`UPDATE point_grants
				 SET points_awarded = $2, frozen_points = $3, state = $4`+scheduleSQL+`
				 WHERE order_id = $1`,
				ret.OrderID, p.Grant.PointsAwarded, p.Grant.FrozenPoints, string(p.Grant.State),
			)
			if err != nil {
				return fmt.Errorf("update point grant: %w", err)
			}
		}

		if p.UserDelta != 0 {
			_, err = tx.Exec(ctx,
				`UPDATE users SET bonus_points = GREATEST(0, bonus_points + $2) WHERE id = $1`,
				ret.UserID, p.UserDelta,
			)
			if err != nil {
				return fmt.Errorf("adjust user balance: %w", err)
			}
		}

		if p.Order != nil {
			_, err = tx.Exec(ctx,
				`UPDATE orders
				 SET status = $2,
				     bonus_points_earned = COALESCE($3, bonus_points_earned),
				     bonus_points_deducted = bonus_points_deducted + $4,
				     points_deducted_at = CASE WHEN $5 THEN now() ELSE points_deducted_at END
				 WHERE id = $1`,
				ret.OrderID, string(p.Order.Status), p.Order.Earned, p.Order.AddDeducted, p.Order.MarkDeductedAt,
			)
			if err != nil {
				return fmt.Errorf("update order: %w", err)
			}
		}

		ret.Status = p.Status
		ret.Items = p.Items
		ret.Refund = p.Refund
		ret.FrozenPoints = 0
		if p.Notes != nil {
			ret.Notes = *p.Notes
		}

		err = tx.QueryRow(ctx,
			`UPDATE returns
			 SET status = $2, refund_method = $3, refund_reference = $4, refund_cents = $5,
			     notes = $6, frozen_points = 0, updated_at = now()
			 WHERE id = $1
			 RETURNING updated_at`,
			ret.ID, string(ret.Status), ret.Refund.Method, ret.Refund.Reference,
			ret.Refund.AmountCents, ret.Notes,
		).Scan(&ret.UpdatedAt)
		if err != nil {
			return fmt.Errorf("finalize return: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = ret
		return nil
	})

	if err != nil {
		return result, err
	}
	return result, nil
}

// applyRestock увеличивает остаток товара или его варианта и пересчитывает
// признак наличия. Вариант ищется по точному совпадению опций; если вариант
// не заведён, пополняется товар целиком.
func (r *PostgresRepository) applyRestock(ctx context.Context, tx pgx.Tx, e RestockEntry) error {
	if e.Options != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE product_variants
			 SET quantity = quantity + $3, in_stock = quantity + $3 > 0
			 WHERE product_id = $1 AND options = $2`,
			e.ProductID, e.Options, e.Quantity,
		)
		if err != nil {
			return fmt.Errorf("restock variant: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE products
		 SET quantity = quantity + $2, in_stock = quantity + $2 > 0
		 WHERE id = $1`,
		e.ProductID, e.Quantity,
	)
	if err != nil {
		return fmt.Errorf("restock product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrProductNotFound, e.ProductID)
	}

	return nil
}
