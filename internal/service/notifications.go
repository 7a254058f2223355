package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-service/internal/model"
	"github.com/mmeshcher/checkout-service/internal/notify"
)

// dispatch отправляет уведомления в фоне. Ошибки только логируются и не влияют на результат операции.
func (s *Service) dispatch(ctx context.Context, event string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.logger.Warn("notification failed", zap.String("event", event), zap.Error(err))
		}
	})
}

// announceOrder отправляет письмо покупателю и уведомления покупателю и всем сотрудникам.
func (s *Service) announceOrder(ctx context.Context, o *model.Order) error {
	buyer, err := s.repo.GetUser(ctx, o.UserID)
	if err != nil {
		return fmt.Errorf("get buyer: %w", err)
	}

	var errs []error

	if email, err := notify.OrderCreatedEmail(o, *buyer); err != nil {
		errs = append(errs, err)
	} else if err := s.sink.SendEmail(ctx, email); err != nil {
		errs = append(errs, err)
	}

	if err := s.sink.Notify(ctx, notify.OrderCreatedForBuyer(o)); err != nil {
		errs = append(errs, err)
	}

	staff, err := s.repo.GetStaffUsers(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("get staff: %w", err))
	}
	for _, u := range staff {
		if err := s.sink.Notify(ctx, notify.OrderCreatedForStaff(o, *buyer, u)); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Service) announcePreOrder(ctx context.Context, p *model.PreOrder) error {
	buyer, err := s.repo.GetUser(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("get buyer: %w", err)
	}

	var errs []error

	if email, err := notify.PreOrderCreatedEmail(p, *buyer); err != nil {
		errs = append(errs, err)
	} else if err := s.sink.SendEmail(ctx, email); err != nil {
		errs = append(errs, err)
	}

	if err := s.sink.Notify(ctx, notify.PreOrderCreatedForBuyer(p)); err != nil {
		errs = append(errs, err)
	}

	staff, err := s.repo.GetStaffUsers(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("get staff: %w", err))
	}
	for _, u := range staff {
		if err := s.sink.Notify(ctx, notify.PreOrderCreatedForStaff(p, *buyer, u)); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
