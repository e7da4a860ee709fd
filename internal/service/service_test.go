package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/returns-system/internal/model"
	"github.com/mmeshcher/returns-system/internal/repository"
	"github.com/mmeshcher/returns-system/internal/validation"
)

type stubRepo struct {
	order *model.Order
	user  *model.User
	grant *model.PointGrant
	ret   *model.ReturnRequest
	list  []model.ReturnRequest

	getReturnErr error

	capturedFiling *repository.FilingPlan

	finalizeErr  error
	finalizeRet  *model.ReturnRequest
	capturedPlan *repository.CompletionPlan
	priorUnits   int
	priorByLine  map[int]int
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	if s.order == nil {
		return nil, repository.ErrOrderNotFound
	}
	return s.order, nil
}

func (s *stubRepo) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	return s.user, nil
}

func (s *stubRepo) GetPointGrant(ctx context.Context, orderID int64) (*model.PointGrant, error) {
	return s.grant, nil
}

func (s *stubRepo) GetReturn(ctx context.Context, id uuid.UUID) (*model.ReturnRequest, error) {
	if s.getReturnErr != nil {
		return nil, s.getReturnErr
	}
	if s.ret == nil {
		return nil, repository.ErrReturnNotFound
	}
	return s.ret, nil
}

func (s *stubRepo) ListReturnsByOrder(ctx context.Context, orderID int64) ([]model.ReturnRequest, error) {
	return s.list, nil
}

func (s *stubRepo) CreateReturn(ctx context.Context, ret *model.ReturnRequest, plan repository.FilingPlanFunc) error {
	if s.order == nil {
		return repository.ErrOrderNotFound
	}

	p, err := plan(&repository.FilingSnapshot{
		Order:       s.order,
		Grant:       s.grant,
		PriorByLine: s.priorByLine,
	})
	if err != nil {
		return err
	}

	s.capturedFiling = p
	ret.UserID = s.order.UserID
	ret.Items = p.Items
	ret.FrozenPoints = p.FreezePoints
	return nil
}

func (s *stubRepo) UpdateReturn(ctx context.Context, id uuid.UUID, mutate func(*model.ReturnRequest) error) (*model.ReturnRequest, error) {
	if s.ret == nil {
		return nil, repository.ErrReturnNotFound
	}
	if err := mutate(s.ret); err != nil {
		return nil, err
	}
	return s.ret, nil
}

func (s *stubRepo) FinalizeReturn(ctx context.Context, id uuid.UUID, plan repository.CompletionPlanFunc) (*model.ReturnRequest, error) {
	if s.finalizeErr != nil {
		return s.finalizeRet, s.finalizeErr
	}
	if s.ret == nil {
		return nil, repository.ErrReturnNotFound
	}

	p, err := plan(&repository.CompletionSnapshot{
		Order:       s.order,
		Return:      s.ret,
		Grant:       s.grant,
		User:        s.user,
		PriorByLine: s.priorByLine,
		PriorUnits:  s.priorUnits,
	})
	if err != nil {
		return nil, err
	}

	s.capturedPlan = p

	done := *s.ret
	done.Status = p.Status
	done.Items = p.Items
	done.Refund = p.Refund
	done.FrozenPoints = 0
	if p.Notes != nil {
		done.Notes = *p.Notes
	}
	return &done, nil
}

type stubDocs struct {
	notes []*model.CreditNote
	err   error
}

func (s *stubDocs) GenerateCreditNote(ctx context.Context, note *model.CreditNote) error {
	s.notes = append(s.notes, note)
	return s.err
}

type stubNotifier struct {
	sent     int
	to       string
	accepted []string
	rejected []string
	err      error
}

func (s *stubNotifier) SendReturnSummary(ctx context.Context, to string, ret *model.ReturnRequest, accepted, rejected []string) error {
	s.sent++
	s.to = to
	s.accepted = accepted
	s.rejected = rejected
	return s.err
}

func newTestService(repo *stubRepo, docs DocumentClient, notifier Notifier) *Service {
	return NewService(repo, docs, notifier, zap.NewNop())
}

func TestCreateReturnFreezesPendingGrant(t *testing.T) {
	repo := &stubRepo{
		order: testOrder(),
		grant: &model.PointGrant{OrderID: 7, State: model.GrantStatePending, PointsAwarded: 120},
	}
	svc := newTestService(repo, nil, nil)

	ret, err := svc.CreateReturn(context.Background(), 7, CreateReturnInput{
		Items: []NewReturnLine{{LineNo: 1, Quantity: 1}},
		Notes: "wrong size",
	})
	if err != nil {
		t.Fatalf("CreateReturn() error = %v", err)
	}

	if ret.Status != model.ReturnStatusPending {
		t.Errorf("status = %s, want pending", ret.Status)
	}
	if ret.FrozenPoints != 35 {
		t.Errorf("frozen points = %d, want 35", ret.FrozenPoints)
	}
	if repo.capturedFiling == nil || repo.capturedFiling.FreezePoints != 35 {
		t.Errorf("filing plan = %+v, want freeze 35", repo.capturedFiling)
	}
	if len(ret.Items) != 1 || !ret.Items[0].Accepted {
		t.Errorf("items = %+v, want one accepted line", ret.Items)
	}
}

func TestCreateReturnOverReturn(t *testing.T) {
	repo := &stubRepo{order: testOrder()}
	svc := newTestService(repo, nil, nil)

	_, err := svc.CreateReturn(context.Background(), 7, CreateReturnInput{
		Items: []NewReturnLine{{LineNo: 1, Quantity: 2}},
	})
	if !errors.Is(err, validation.ErrOverReturn) {
		t.Errorf("error = %v, want ErrOverReturn", err)
	}
}

func TestCreateReturnCountsPriorReturns(t *testing.T) {
	repo := &stubRepo{
		order:       testOrder(),
		priorByLine: map[int]int{1: 1},
	}
	svc := newTestService(repo, nil, nil)

	_, err := svc.CreateReturn(context.Background(), 7, CreateReturnInput{
		Items: []NewReturnLine{{LineNo: 1, Quantity: 1}},
	})
	if !errors.Is(err, validation.ErrOverReturn) {
		t.Errorf("error = %v, want ErrOverReturn for already returned line", err)
	}
}

func TestUpdateReturnTransition(t *testing.T) {
	repo := &stubRepo{ret: testReturn(0)}
	repo.ret.Status = model.ReturnStatusPending
	svc := newTestService(repo, nil, nil)

	processing := model.ReturnStatusProcessing
	ret, err := svc.UpdateReturn(context.Background(), repo.ret.ID, UpdateReturnInput{Status: &processing})
	if err != nil {
		t.Fatalf("UpdateReturn() error = %v", err)
	}
	if ret.Status != model.ReturnStatusProcessing {
		t.Errorf("status = %s, want processing", ret.Status)
	}
}

func TestUpdateReturnTerminalGuard(t *testing.T) {
	repo := &stubRepo{ret: testReturn(0)}
	repo.ret.Status = model.ReturnStatusRejected
	svc := newTestService(repo, nil, nil)

	notes := "late edit"
	_, err := svc.UpdateReturn(context.Background(), repo.ret.ID, UpdateReturnInput{Notes: &notes})
	if !errors.Is(err, validation.ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestCompleteReturn(t *testing.T) {
	docs := &stubDocs{}
	notifier := &stubNotifier{}
	repo := &stubRepo{
		order: testOrder(),
		user:  &model.User{ID: 3, Email: "buyer@example.com", BonusPoints: 500},
		ret:   testReturn(0),
	}
	svc := newTestService(repo, docs, notifier)

	completed := model.ReturnStatusCompleted
	ret, err := svc.UpdateReturn(context.Background(), repo.ret.ID, UpdateReturnInput{Status: &completed})
	if err != nil {
		t.Fatalf("UpdateReturn() error = %v", err)
	}

	if ret.Status != model.ReturnStatusCompleted {
		t.Errorf("status = %s, want completed", ret.Status)
	}
	if ret.Refund.AmountCents != 100000 {
		t.Errorf("refund = %d, want 100000", ret.Refund.AmountCents)
	}

	if len(docs.notes) != 1 {
		t.Fatalf("credit notes generated = %d, want 1", len(docs.notes))
	}
	if docs.notes[0].TotalCents != 100000 {
		t.Errorf("credit note total = %d, want 100000", docs.notes[0].TotalCents)
	}

	if notifier.sent != 1 || notifier.to != "buyer@example.com" {
		t.Errorf("notifier calls = %d to %q, want 1 to buyer", notifier.sent, notifier.to)
	}
	if len(notifier.accepted) != 1 || notifier.accepted[0] != "Chair" {
		t.Errorf("accepted names = %v, want [Chair]", notifier.accepted)
	}
}

func TestCompleteReturnCollaboratorFailuresIgnored(t *testing.T) {
	docs := &stubDocs{err: errors.New("docgen down")}
	notifier := &stubNotifier{err: errors.New("smtp down")}
	repo := &stubRepo{
		order: testOrder(),
		user:  &model.User{ID: 3, Email: "buyer@example.com"},
		ret:   testReturn(0),
	}
	svc := newTestService(repo, docs, notifier)

	completed := model.ReturnStatusCompleted
	ret, err := svc.UpdateReturn(context.Background(), repo.ret.ID, UpdateReturnInput{Status: &completed})
	if err != nil {
		t.Fatalf("UpdateReturn() error = %v, collaborator failures must not fail completion", err)
	}
	if ret.Status != model.ReturnStatusCompleted {
		t.Errorf("status = %s, want completed", ret.Status)
	}
}

func TestCompleteReturnIdempotent(t *testing.T) {
	done := testReturn(0)
	done.Status = model.ReturnStatusCompleted

	repo := &stubRepo{
		finalizeErr: repository.ErrReturnFinalized,
		finalizeRet: done,
	}
	svc := newTestService(repo, nil, nil)

	completed := model.ReturnStatusCompleted
	ret, err := svc.UpdateReturn(context.Background(), done.ID, UpdateReturnInput{Status: &completed})
	if err != nil {
		t.Fatalf("UpdateReturn() error = %v, repeat completion must be idempotent", err)
	}
	if ret.Status != model.ReturnStatusCompleted {
		t.Errorf("status = %s, want completed", ret.Status)
	}
}

func TestCompleteRejectedReturnFails(t *testing.T) {
	done := testReturn(0)
	done.Status = model.ReturnStatusRejected

	repo := &stubRepo{
		finalizeErr: repository.ErrReturnFinalized,
		finalizeRet: done,
	}
	svc := newTestService(repo, nil, nil)

	completed := model.ReturnStatusCompleted
	_, err := svc.UpdateReturn(context.Background(), done.ID, UpdateReturnInput{Status: &completed})
	if !errors.Is(err, validation.ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestRejectReturnUnfreezes(t *testing.T) {
	notifier := &stubNotifier{}
	repo := &stubRepo{
		order: testOrder(),
		user:  &model.User{ID: 3, Email: "buyer@example.com"},
		ret:   testReturn(35),
		grant: &model.PointGrant{OrderID: 7, State: model.GrantStatePending, PointsAwarded: 85, FrozenPoints: 35},
	}
	svc := newTestService(repo, nil, notifier)

	rejected := model.ReturnStatusRejected
	ret, err := svc.UpdateReturn(context.Background(), repo.ret.ID, UpdateReturnInput{Status: &rejected})
	if err != nil {
		t.Fatalf("UpdateReturn() error = %v", err)
	}

	if ret.Status != model.ReturnStatusRejected {
		t.Errorf("status = %s, want rejected", ret.Status)
	}
	if repo.capturedPlan == nil || repo.capturedPlan.Grant == nil {
		t.Fatal("expected grant mutation in rejection plan")
	}
	if repo.capturedPlan.Grant.PointsAwarded != 120 {
		t.Errorf("grant awarded = %d, want 120", repo.capturedPlan.Grant.PointsAwarded)
	}
	if notifier.sent != 1 || len(notifier.rejected) != 1 {
		t.Errorf("notifier calls = %d rejected = %v, want 1 call with one rejected item", notifier.sent, notifier.rejected)
	}
}

func TestCreditNoteData(t *testing.T) {
	ret := testReturn(0)
	ret.Status = model.ReturnStatusCompleted
	ret.Items[0].RefundCents = 100000
	ret.Refund.AmountCents = 100000

	repo := &stubRepo{order: testOrder(), ret: ret}
	svc := newTestService(repo, nil, nil)

	note, err := svc.CreditNoteData(context.Background(), ret.ID)
	if err != nil {
		t.Fatalf("CreditNoteData() error = %v", err)
	}
	if note.TotalCents != 100000 {
		t.Errorf("total = %d, want 100000", note.TotalCents)
	}
	if len(note.Lines) != 1 || note.Lines[0].Name != "Chair" {
		t.Errorf("lines = %+v, want one line for Chair", note.Lines)
	}
}

func TestCreditNoteDataNotCompleted(t *testing.T) {
	repo := &stubRepo{ret: testReturn(0)}
	repo.ret.Status = model.ReturnStatusProcessing
	svc := newTestService(repo, nil, nil)

	_, err := svc.CreditNoteData(context.Background(), repo.ret.ID)
	if !errors.Is(err, ErrReturnNotCompleted) {
		t.Errorf("error = %v, want ErrReturnNotCompleted", err)
	}
}
