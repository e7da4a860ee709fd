// Package service реализует бизнес-логику сервиса возвратов.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/returns-system/internal/creditnote"
	"github.com/mmeshcher/returns-system/internal/model"
	"github.com/mmeshcher/returns-system/internal/repository"
	"github.com/mmeshcher/returns-system/internal/validation"
)

// ErrReturnNotCompleted возвращается при запросе кредит-ноты по незавершённой заявке.
var ErrReturnNotCompleted = errors.New("return is not completed")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	GetPointGrant(ctx context.Context, orderID int64) (*model.PointGrant, error)
	GetReturn(ctx context.Context, id uuid.UUID) (*model.ReturnRequest, error)
	ListReturnsByOrder(ctx context.Context, orderID int64) ([]model.ReturnRequest, error)
	CreateReturn(ctx context.Context, ret *model.ReturnRequest, plan repository.FilingPlanFunc) error
	UpdateReturn(ctx context.Context, id uuid.UUID, mutate func(*model.ReturnRequest) error) (*model.ReturnRequest, error)
	FinalizeReturn(ctx context.Context, id uuid.UUID, plan repository.CompletionPlanFunc) (*model.ReturnRequest, error)
}

// DocumentClient описывает внешний генератор документов по кредит-нотам.
type DocumentClient interface {
	GenerateCreditNote(ctx context.Context, note *model.CreditNote) error
}

// Notifier описывает внешнюю отправку уведомлений о решении по возврату.
type Notifier interface {
	SendReturnSummary(ctx context.Context, to string, ret *model.ReturnRequest, accepted, rejected []string) error
}

// Service содержит бизнес-логику сервиса возвратов.
type Service struct {
	repo     Repository
	docs     DocumentClient
	notifier Notifier
	logger   *zap.Logger
}

// NewService создаёт новый сервис. Клиент документов и отправка уведомлений
// необязательны: при nil соответствующие вызовы пропускаются.
func NewService(repo Repository, docs DocumentClient, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		docs:     docs,
		notifier: notifier,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// NewReturnLine описывает запрошенную к возврату строку заказа.
type NewReturnLine struct {
	LineNo   int
	Quantity int
}

// CreateReturnInput содержит данные новой заявки на возврат.
type CreateReturnInput struct {
	Items []NewReturnLine
	Notes string
}

// CreateReturn создаёт заявку на возврат по заказу. Запрошенные количества
// проверяются с учётом ранее завершённых возвратов; при отложенном начислении
// баллов предварительное списание удерживается сразу.
func (s *Service) CreateReturn(ctx context.Context, orderID int64, in CreateReturnInput) (*model.ReturnRequest, error) {
	ret := &model.ReturnRequest{
		ID:      uuid.New(),
		OrderID: orderID,
		Status:  model.ReturnStatusPending,
		Notes:   in.Notes,
	}

	err := s.repo.CreateReturn(ctx, ret, func(snap *repository.FilingSnapshot) (*repository.FilingPlan, error) {
		items := make([]model.ReturnItem, 0, len(in.Items))
		for _, l := range in.Items {
			items = append(items, model.ReturnItem{LineNo: l.LineNo, Quantity: l.Quantity, Accepted: true})
		}

		if err := validation.ValidateRequestedItems(snap.Order, items, snap.PriorByLine); err != nil {
			return nil, err
		}

		return &repository.FilingPlan{
			Items:        items,
			FreezePoints: planFreeze(snap.Order, snap.Grant, items),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	return ret, nil
}

// GetReturn возвращает заявку по идентификатору.
func (s *Service) GetReturn(ctx context.Context, id uuid.UUID) (*model.ReturnRequest, error) {
	return s.repo.GetReturn(ctx, id)
}

// ListReturnsByOrder возвращает заявки на возврат по заказу.
func (s *Service) ListReturnsByOrder(ctx context.Context, orderID int64) ([]model.ReturnRequest, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListReturnsByOrder(ctx, orderID)
}

// ItemDecision описывает решение по одной строке заявки.
type ItemDecision struct {
	LineNo   int
	Accepted bool
	Quantity *int
}

// RefundInput описывает данные о выплате, переданные вызывающей стороной.
type RefundInput struct {
	Method      string
	Reference   string
	AmountCents int64
}

// UpdateReturnInput содержит правки заявки: решения по строкам, заметки,
// данные выплаты и смену статуса.
type UpdateReturnInput struct {
	Items  []ItemDecision
	Status *model.ReturnStatus
	Notes  *string
	Refund *RefundInput
}

// UpdateReturn применяет правки к заявке. Переход в completed запускает
// полный цикл завершения, переход в rejected снимает удержание баллов без
// денежных и складских эффектов. Повторный перевод в тот же конечный статус
// ничего не меняет и возвращает сохранённую запись.
func (s *Service) UpdateReturn(ctx context.Context, id uuid.UUID, in UpdateReturnInput) (*model.ReturnRequest, error) {
	if in.Status != nil {
		switch *in.Status {
		case model.ReturnStatusCompleted:
			return s.completeReturn(ctx, id, in)
		case model.ReturnStatusRejected:
			return s.rejectReturn(ctx, id, in)
		}
	}

	return s.repo.UpdateReturn(ctx, id, func(ret *model.ReturnRequest) error {
		if ret.Status.Terminal() {
			return fmt.Errorf("%w: return %s is %s", validation.ErrInvalidTransition, ret.ID, ret.Status)
		}

		if in.Status != nil && *in.Status != ret.Status {
			if err := validation.ValidateTransition(ret.Status, *in.Status); err != nil {
				return err
			}
			ret.Status = *in.Status
		}

		if err := applyDecisionList(ret.Items, in.Items); err != nil {
			return err
		}

		if in.Notes != nil {
			ret.Notes = *in.Notes
		}
		if in.Refund != nil {
			ret.Refund = model.Refund{
				Method:      in.Refund.Method,
				Reference:   in.Refund.Reference,
				AmountCents: in.Refund.AmountCents,
			}
		}

		return nil
	})
}

func (s *Service) completeReturn(ctx context.Context, id uuid.UUID, in UpdateReturnInput) (*model.ReturnRequest, error) {
	var (
		note               *model.CreditNote
		email              string
		accepted, rejected []string
	)

	ret, err := s.repo.FinalizeReturn(ctx, id, func(snap *repository.CompletionSnapshot) (*repository.CompletionPlan, error) {
		plan, res, err := planCompletion(snap, in.Items, in.Refund)
		if err != nil {
			return nil, err
		}
		if in.Notes != nil {
			plan.Notes = in.Notes
		}

		if !snap.Order.BonusPointsCredited && snap.Grant == nil && res.ItemsRefundCents > 0 {
			s.logger.Warn("point grant missing for order, deduction skipped",
				zap.Int64("orderID", snap.Order.ID),
				zap.String("returnID", snap.Return.ID.String()),
			)
		}

		// Данные для внешних вызовов собираются до коммита,
		// сами вызовы выполняются после него.
		note, err = creditnote.Build(snap.Order, snap.Return.ID, res)
		if err != nil {
			s.logger.Error("credit note build failed",
				zap.Int64("orderID", snap.Order.ID),
				zap.String("returnID", snap.Return.ID.String()),
				zap.Error(err),
			)
			note = nil
		}
		email = snap.User.Email
		accepted, rejected = summarizeDecisions(snap.Order, plan.Items)

		return plan, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrReturnFinalized) {
			if ret != nil && ret.Status == model.ReturnStatusCompleted {
				return ret, nil
			}
			return nil, fmt.Errorf("%w: return %s", validation.ErrInvalidTransition, id)
		}
		return nil, err
	}

	s.notifyCollaborators(ctx, ret, note, email, accepted, rejected)

	return ret, nil
}

func (s *Service) rejectReturn(ctx context.Context, id uuid.UUID, in UpdateReturnInput) (*model.ReturnRequest, error) {
	var (
		email              string
		accepted, rejected []string
	)

	ret, err := s.repo.FinalizeReturn(ctx, id, func(snap *repository.CompletionSnapshot) (*repository.CompletionPlan, error) {
		plan := planRejection(snap)
		if in.Notes != nil {
			plan.Notes = in.Notes
		}

		email = snap.User.Email
		accepted, rejected = nil, nil
		for _, it := range snap.Return.Items {
			if orig, ok := snap.Order.ItemByLine(it.LineNo); ok {
				rejected = append(rejected, orig.Name)
			}
		}

		return plan, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrReturnFinalized) {
			if ret != nil && ret.Status == model.ReturnStatusRejected {
				return ret, nil
			}
			return nil, fmt.Errorf("%w: return %s", validation.ErrInvalidTransition, id)
		}
		return nil, err
	}

	s.notifyCollaborators(ctx, ret, nil, email, accepted, rejected)

	return ret, nil
}

// notifyCollaborators вызывает генерацию документа и уведомление. Оба вызова
// необязательны для успеха завершения: документ воспроизводим из сохранённых
// данных, поэтому ошибки только журналируются.
func (s *Service) notifyCollaborators(ctx context.Context, ret *model.ReturnRequest, note *model.CreditNote, email string, accepted, rejected []string) {
	if s.docs != nil && note != nil {
		if err := s.docs.GenerateCreditNote(ctx, note); err != nil {
			s.logger.Error("credit note generation failed",
				zap.Int64("orderID", ret.OrderID),
				zap.String("returnID", ret.ID.String()),
				zap.Error(err),
			)
		}
	}

	if s.notifier != nil && email != "" {
		if err := s.notifier.SendReturnSummary(ctx, email, ret, accepted, rejected); err != nil {
			s.logger.Error("return summary notification failed",
				zap.Int64("orderID", ret.OrderID),
				zap.String("returnID", ret.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// CreditNoteData возвращает контракт данных кредит-ноты по завершённой
// заявке, восстановленный из сохранённых строк.
func (s *Service) CreditNoteData(ctx context.Context, id uuid.UUID) (*model.CreditNote, error) {
	ret, err := s.repo.GetReturn(ctx, id)
	if err != nil {
		return nil, err
	}
	if ret.Status != model.ReturnStatusCompleted {
		return nil, fmt.Errorf("%w: return %s is %s", ErrReturnNotCompleted, ret.ID, ret.Status)
	}

	order, err := s.repo.GetOrder(ctx, ret.OrderID)
	if err != nil {
		return nil, err
	}

	return creditnote.BuildFromReturn(order, ret)
}
