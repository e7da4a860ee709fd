package validation

import (
	"errors"
	"testing"

	"github.com/mmeshcher/returns-system/internal/model"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    model.ReturnStatus
		to      model.ReturnStatus
		wantErr bool
	}{
		{"pending to processing", model.ReturnStatusPending, model.ReturnStatusProcessing, false},
		{"pending to completed", model.ReturnStatusPending, model.ReturnStatusCompleted, false},
		{"pending to rejected", model.ReturnStatusPending, model.ReturnStatusRejected, false},
		{"processing to completed", model.ReturnStatusProcessing, model.ReturnStatusCompleted, false},
		{"processing to rejected", model.ReturnStatusProcessing, model.ReturnStatusRejected, false},
		{"processing to pending", model.ReturnStatusProcessing, model.ReturnStatusPending, true},
		{"completed is terminal", model.ReturnStatusCompleted, model.ReturnStatusRejected, true},
		{"rejected is terminal", model.ReturnStatusRejected, model.ReturnStatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateRequestedItems(t *testing.T) {
	order := &model.Order{
		ID: 1,
		Items: []model.OrderItem{
			{LineNo: 1, Quantity: 3},
			{LineNo: 2, Quantity: 1},
		},
	}

	t.Run("ok", func(t *testing.T) {
		err := ValidateRequestedItems(order, []model.ReturnItem{
			{LineNo: 1, Quantity: 2},
			{LineNo: 2, Quantity: 1},
		}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if err := ValidateRequestedItems(order, nil, nil); !errors.Is(err, ErrNoItems) {
			t.Fatalf("expected ErrNoItems, got %v", err)
		}
	})

	t.Run("unknown line", func(t *testing.T) {
		err := ValidateRequestedItems(order, []model.ReturnItem{{LineNo: 9, Quantity: 1}}, nil)
		if !errors.Is(err, ErrUnknownLine) {
			t.Fatalf("expected ErrUnknownLine, got %v", err)
		}
	})

	t.Run("over-return", func(t *testing.T) {
		err := ValidateRequestedItems(order, []model.ReturnItem{{LineNo: 1, Quantity: 4}}, nil)
		if !errors.Is(err, ErrOverReturn) {
			t.Fatalf("expected ErrOverReturn, got %v", err)
		}
	})

	t.Run("over-return with prior completed", func(t *testing.T) {
		err := ValidateRequestedItems(order, []model.ReturnItem{{LineNo: 1, Quantity: 2}}, map[int]int{1: 2})
		if !errors.Is(err, ErrOverReturn) {
			t.Fatalf("expected ErrOverReturn, got %v", err)
		}
	})
}

func TestValidateAcceptedQuantities(t *testing.T) {
	order := &model.Order{
		ID: 1,
		Items: []model.OrderItem{
			{LineNo: 1, Quantity: 3},
		},
	}

	t.Run("ok", func(t *testing.T) {
		err := ValidateAcceptedQuantities(order, []model.ReturnItem{
			{LineNo: 1, Quantity: 1, Accepted: true},
		}, map[int]int{1: 2})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("over-return with prior completed", func(t *testing.T) {
		err := ValidateAcceptedQuantities(order, []model.ReturnItem{
			{LineNo: 1, Quantity: 2, Accepted: true},
		}, map[int]int{1: 2})
		if !errors.Is(err, ErrOverReturn) {
			t.Fatalf("expected ErrOverReturn, got %v", err)
		}
	})

	t.Run("rejected lines are skipped", func(t *testing.T) {
		err := ValidateAcceptedQuantities(order, []model.ReturnItem{
			{LineNo: 1, Quantity: 3, Accepted: false},
		}, map[int]int{1: 3})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("empty is allowed", func(t *testing.T) {
		if err := ValidateAcceptedQuantities(order, nil, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestClampQuantity(t *testing.T) {
	if got := ClampQuantity(3, 5); got != 3 {
		t.Fatalf("ClampQuantity(3, 5) = %d, want 3", got)
	}
	if got := ClampQuantity(3, 2); got != 2 {
		t.Fatalf("ClampQuantity(3, 2) = %d, want 2", got)
	}
	if got := ClampQuantity(3, 0); got != 1 {
		t.Fatalf("ClampQuantity(3, 0) = %d, want 1", got)
	}
}
