package service

import (
	"context"
	"errors"
	"fmt"

	"predictapi/internal/circuitbreaker"
	"predictapi/internal/model"
	"predictapi/internal/provider"
	"predictapi/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BetPlacer 下注通道
type BetPlacer interface {
	PlaceBet(ctx context.Context, bet provider.BetRequest) (*provider.BetReceipt, error)
}

var ErrNoBetPlaced = errors.New("注单全部失败")

const (
	BetStatusPlaced = "PLACED"
	BetStatusFailed = "FAILED"
)

type BetService struct {
	processor
	bookmaker BetPlacer
}

func NewBetService(db *gorm.DB, admission *AdmissionService, ledger *LedgerService, outbox *OutboxService, bookmaker BetPlacer, logger *zap.Logger) *BetService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BetService{
		processor: processor{
			db:        db,
			admission: admission,
			ledger:    ledger,
			outbox:    outbox,
			logger:    logger.With(zap.String("component", "bet")),
		},
		bookmaker: bookmaker,
	}
}

type Selection struct {
	EventID   string  `json:"event_id" binding:"required,max=64"`
	Selection string  `json:"selection" binding:"required,oneof=home draw away"`
	Stake     int64   `json:"stake" binding:"required,gt=0"`
	Odds      float64 `json:"odds" binding:"required,gt=1"`
}

type BetSlipRequest struct {
	IdempotencyKey string      `json:"-"`
	UserID         int64       `json:"user_id" binding:"required,gt=0"`
	Selections     []Selection `json:"selections" binding:"required,min=1,max=20,dive"`
}

type PlacedBet struct {
	BetNo     string  `json:"bet_no"`
	EventID   string  `json:"event_id"`
	Selection string  `json:"selection"`
	Stake     int64   `json:"stake"`
	Odds      float64 `json:"odds"`
	Status    string  `json:"status"`
	TicketID  string  `json:"ticket_id,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type BetSlipResponse struct {
	RequestID string      `json:"request_id"`
	Status    string      `json:"status"`
	Placed    int         `json:"placed"`
	Failed    int         `json:"failed"`
	Bets      []PlacedBet `json:"bets"`
}

// PlaceBets 逐注提交
// 全部成功 COMPLETED，部分成功 PARTIAL（终态，不续投），全部失败 FAILED
func (s *BetService) PlaceBets(ctx context.Context, req *BetSlipRequest) (*Result[BetSlipResponse], error) {
	if len(req.Selections) == 0 {
		return nil, fmt.Errorf("%w: 注单为空", ErrInvalidRequest)
	}

	adm, err := s.admission.Begin(ctx, AdmissionRequest{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         &req.UserID,
		Metadata: map[string]interface{}{
			"kind":       "bet_slip",
			"event_id":   req.Selections[0].EventID,
			"selections": len(req.Selections),
		},
	})
	if err != nil {
		return nil, err
	}
	if adm.IsDuplicate {
		return &Result[BetSlipResponse]{Replayed: true, CachedResponse: adm.CachedResponse, RequestID: adm.RequestID}, nil
	}

	if err := s.markProcessing(ctx, adm); err != nil {
		return nil, err
	}

	resp := &BetSlipResponse{RequestID: adm.RequestID, Bets: make([]PlacedBet, 0, len(req.Selections))}
	var events []event
	var lastErr error
	for _, sel := range req.Selections {
		bet := PlacedBet{
			BetNo:     idgen.GenerateBetNo(),
			EventID:   sel.EventID,
			Selection: sel.Selection,
			Stake:     sel.Stake,
			Odds:      sel.Odds,
		}

		receipt, err := s.bookmaker.PlaceBet(ctx, provider.BetRequest{
			BetNo:     bet.BetNo,
			UserID:    req.UserID,
			EventID:   sel.EventID,
			Selection: sel.Selection,
			Stake:     sel.Stake,
			Odds:      sel.Odds,
		})
		if err != nil {
			s.logger.Warn("下注失败",
				zap.String("request_id", adm.RequestID),
				zap.String("bet_no", bet.BetNo),
				zap.Error(err))
			bet.Status = BetStatusFailed
			bet.Error = err.Error()
			resp.Failed++
			lastErr = err
			resp.Bets = append(resp.Bets, bet)
			continue
		}

		bet.Status = BetStatusPlaced
		bet.TicketID = receipt.TicketID
		resp.Placed++
		resp.Bets = append(resp.Bets, bet)
		events = append(events, event{
			topic: model.TopicBetPlaced,
			payload: map[string]interface{}{
				"request_id": adm.RequestID,
				"user_id":    req.UserID,
				"bet_id":     bet.BetNo,
				"ticket_id":  bet.TicketID,
				"event_id":   bet.EventID,
				"selection":  bet.Selection,
				"stake":      bet.Stake,
				"odds":       bet.Odds,
			},
		})
	}

	if resp.Placed == 0 {
		cause := fmt.Errorf("%w: %w", ErrNoBetPlaced, lastErr)
		if errors.Is(lastErr, circuitbreaker.ErrCircuitOpen) {
			cause = lastErr
		}
		return nil, s.fail(ctx, adm, req.UserID, cause)
	}

	upd := StatusUpdate{
		Status:   model.RequestStatusCompleted,
		Metadata: map[string]interface{}{"placed": resp.Placed, "failed": resp.Failed},
	}
	if resp.Failed > 0 {
		upd.Status = model.RequestStatusPartial
		upd.ErrorMessage = fmt.Sprintf("%d/%d 注失败", resp.Failed, len(req.Selections))
	}
	resp.Status = upd.Status

	if err := s.finish(ctx, adm, req.UserID, upd, events); err != nil {
		return nil, err
	}

	s.admission.Complete(ctx, adm, resp)
	s.logger.Info("注单处理完成",
		zap.String("request_id", adm.RequestID),
		zap.String("status", resp.Status),
		zap.Int("placed", resp.Placed),
		zap.Int("failed", resp.Failed))
	return &Result[BetSlipResponse]{RequestID: adm.RequestID, Data: resp}, nil
}
