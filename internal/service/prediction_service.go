package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"predictapi/internal/model"
	"predictapi/internal/provider"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OddsProvider 赔率来源
type OddsProvider interface {
	GetOdds(ctx context.Context, eventID string) (*provider.Odds, error)
}

type PredictionService struct {
	processor
	odds OddsProvider
}

func NewPredictionService(db *gorm.DB, admission *AdmissionService, ledger *LedgerService, outbox *OutboxService, odds OddsProvider, logger *zap.Logger) *PredictionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PredictionService{
		processor: processor{
			db:        db,
			admission: admission,
			ledger:    ledger,
			outbox:    outbox,
			logger:    logger.With(zap.String("component", "prediction")),
		},
		odds: odds,
	}
}

type PredictionRequest struct {
	IdempotencyKey string `json:"-"`
	UserID         int64  `json:"user_id" binding:"required,gt=0"`
	EventID        string `json:"event_id" binding:"required,max=64"`
}

type Probabilities struct {
	Home float64 `json:"home"`
	Draw float64 `json:"draw"`
	Away float64 `json:"away"`
}

type PredictionResponse struct {
	RequestID     string        `json:"request_id"`
	EventID       string        `json:"event_id"`
	Predicted     string        `json:"predicted"`
	Confidence    float64       `json:"confidence"`
	Probabilities Probabilities `json:"probabilities"`
}

// Predict 根据赔率给出胜平负预测
func (s *PredictionService) Predict(ctx context.Context, req *PredictionRequest) (*Result[PredictionResponse], error) {
	adm, err := s.admission.Begin(ctx, AdmissionRequest{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         &req.UserID,
		Metadata: map[string]interface{}{
			"kind":     "prediction",
			"event_id": req.EventID,
		},
	})
	if err != nil {
		return nil, err
	}
	if adm.IsDuplicate {
		return &Result[PredictionResponse]{Replayed: true, CachedResponse: adm.CachedResponse, RequestID: adm.RequestID}, nil
	}

	if err := s.markProcessing(ctx, adm); err != nil {
		return nil, err
	}

	odds, err := s.odds.GetOdds(ctx, req.EventID)
	if err != nil {
		if errors.Is(err, provider.ErrRejected) {
			err = fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil, s.fail(ctx, adm, req.UserID, err)
	}

	probs, err := impliedProbabilities(odds)
	if err != nil {
		return nil, s.fail(ctx, adm, req.UserID, err)
	}
	predicted, confidence := pick(probs)

	resp := &PredictionResponse{
		RequestID:     adm.RequestID,
		EventID:       req.EventID,
		Predicted:     predicted,
		Confidence:    confidence,
		Probabilities: probs,
	}

	err = s.finish(ctx, adm, req.UserID, StatusUpdate{
		Status:   model.RequestStatusCompleted,
		Metadata: map[string]interface{}{"predicted": predicted},
	}, []event{{
		topic: model.TopicPredictionCompleted,
		payload: map[string]interface{}{
			"request_id":    adm.RequestID,
			"user_id":       req.UserID,
			"event_id":      req.EventID,
			"predicted":     predicted,
			"confidence":    confidence,
			"probabilities": probs,
		},
	}})
	if err != nil {
		return nil, err
	}

	s.admission.Complete(ctx, adm, resp)
	s.logger.Info("预测完成",
		zap.String("request_id", adm.RequestID),
		zap.String("event_id", req.EventID),
		zap.String("predicted", predicted))
	return &Result[PredictionResponse]{RequestID: adm.RequestID, Data: resp}, nil
}

// impliedProbabilities 赔率倒数归一化，去掉庄家抽水
func impliedProbabilities(o *provider.Odds) (Probabilities, error) {
	if o.Home <= 1 || o.Draw <= 1 || o.Away <= 1 {
		return Probabilities{}, fmt.Errorf("赔率数据异常: %+v", *o)
	}
	h, d, a := 1/o.Home, 1/o.Draw, 1/o.Away
	sum := h + d + a
	return Probabilities{
		Home: round4(h / sum),
		Draw: round4(d / sum),
		Away: round4(a / sum),
	}, nil
}

func pick(p Probabilities) (string, float64) {
	outcome, best := "home", p.Home
	if p.Draw > best {
		outcome, best = "draw", p.Draw
	}
	if p.Away > best {
		outcome, best = "away", p.Away
	}
	return outcome, best
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
