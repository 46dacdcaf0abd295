package dispatch

import (
	"context"
	"log/slog"

	"ZKPay-Chain/internal/backend"
	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/proof"
	"ZKPay-Chain/internal/settlement"
	"ZKPay-Chain/internal/storage/mysql"
	"ZKPay-Chain/internal/verify"
	"ZKPay-Chain/pkg/logger"
)

// ProofFinished 实现 backend.Listener：回送生成结果，成功时登记链上验证。
func (d *Dispatcher) ProofFinished(ctx context.Context, record *proof.Record) {
	if record == nil {
		return
	}
	req, res := record.Request, record.Result
	d.record(ctx, mysql.OutcomeRecord{
		ProofID:   req.ID,
		Stage:     mysql.StageProof,
		Status:    string(res.Status),
		Code:      res.ErrorCode,
		Detail:    res.ErrorDetail,
		SessionID: req.OwnerSessionID,
	})

	if res.Status != proof.StatusComplete {
		d.emit(req.OwnerSessionID, Event{Type: EventProofError, ProofID: req.ID, Code: res.ErrorCode, ErrorDetail: res.ErrorDetail})
		return
	}
	d.emit(req.OwnerSessionID, Event{Type: EventProofComplete, ProofID: req.ID, Metrics: res.Metrics})

	if d.verifier == nil {
		return
	}
	if _, err := d.verifier.Verify(ctx, req.ID, nil); err != nil {
		logger.ForProof(req.ID).Error("登记链上验证失败", slog.Any("error", err))
		d.emit(req.OwnerSessionID, Event{
			Type:    EventError,
			ProofID: req.ID,
			Code:    string(xerrors.CodeOf(err)),
			Message: xerrors.PublicMessage(err),
		})
	}
}

// VerificationSubmitted 实现 verify.Listener。
func (d *Dispatcher) VerificationSubmitted(ctx context.Context, rec verify.Record) {
	d.emit(d.owner(ctx, rec.ProofID), Event{
		Type:        EventVerificationStatus,
		ProofID:     rec.ProofID,
		TargetChain: rec.TargetChain,
		Verdict:     string(rec.Verdict),
		TxHash:      rec.TxHash,
	})
}

// VerificationFinished 实现 verify.Listener：回送终态，确认时触发结算。
func (d *Dispatcher) VerificationFinished(ctx context.Context, rec verify.Record) {
	sessionID := d.owner(ctx, rec.ProofID)
	d.record(ctx, mysql.OutcomeRecord{
		ProofID:     rec.ProofID,
		Stage:       mysql.StageVerification,
		Status:      string(rec.Verdict),
		TargetChain: rec.TargetChain,
		Code:        rec.Reason,
		TxHash:      rec.TxHash,
		SessionID:   sessionID,
	})

	ev := Event{
		Type:        EventVerificationComplete,
		ProofID:     rec.ProofID,
		TargetChain: rec.TargetChain,
		TxHash:      rec.TxHash,
		Result:      string(rec.Verdict),
	}
	if rec.Verdict == verify.VerdictRejected {
		ev.Code = rec.Reason
		ev.ErrorDetail = xerrors.AttributesOf(xerrors.Code(rec.Reason)).Message
	}
	d.emit(sessionID, ev)

	if rec.Verdict != verify.VerdictConfirmed || d.settler == nil {
		return
	}
	stored, created, err := d.settler.OnConfirmed(ctx, rec.ProofID)
	if err != nil {
		logger.ForProof(rec.ProofID).Error("触发结算失败", slog.Any("error", err))
		d.emit(sessionID, Event{
			Type:        EventSettlementError,
			ProofID:     rec.ProofID,
			Code:        string(xerrors.CodeOf(err)),
			ErrorDetail: xerrors.PublicMessage(err),
		})
		return
	}
	if created && stored.Status == settlement.StatusNotEligible {
		d.record(ctx, mysql.OutcomeRecord{
			ProofID:   rec.ProofID,
			Stage:     mysql.StageSettlement,
			Status:    string(stored.Status),
			Code:      stored.ErrorCode,
			Detail:    stored.ErrorDetail,
			SessionID: sessionID,
		})
		d.emit(sessionID, Event{Type: EventSettlementStatus, ProofID: rec.ProofID, Status: string(stored.Status)})
	}
}

// SettlementTriggered 实现 settlement.Listener。
func (d *Dispatcher) SettlementTriggered(ctx context.Context, rec settlement.Record) {
	d.emit(d.owner(ctx, rec.ProofID), Event{
		Type:    EventSettlementStatus,
		ProofID: rec.ProofID,
		Status:  string(rec.Status),
		Amount:  rec.Amount,
	})
}

// SettlementFinished 实现 settlement.Listener。
func (d *Dispatcher) SettlementFinished(ctx context.Context, rec settlement.Record) {
	sessionID := d.owner(ctx, rec.ProofID)
	d.record(ctx, mysql.OutcomeRecord{
		ProofID:   rec.ProofID,
		Stage:     mysql.StageSettlement,
		Status:    string(rec.Status),
		Code:      rec.ErrorCode,
		Detail:    rec.ErrorDetail,
		TxHash:    rec.TxHash,
		SessionID: sessionID,
	})
	if rec.Status == settlement.StatusCompleted {
		d.emit(sessionID, Event{Type: EventSettlementComplete, ProofID: rec.ProofID, TxHash: rec.TxHash, Amount: rec.Amount})
		return
	}
	d.emit(sessionID, Event{
		Type:        EventSettlementError,
		ProofID:     rec.ProofID,
		Code:        rec.ErrorCode,
		ErrorDetail: rec.ErrorDetail,
	})
}

// owner 通过证明表找到发起会话。
func (d *Dispatcher) owner(ctx context.Context, proofID string) string {
	record, err := d.proofs.Get(ctx, proofID)
	if err != nil {
		logger.ForProof(proofID).Warn("查找证明所属会话失败", slog.Any("error", err))
		return ""
	}
	return record.Request.OwnerSessionID
}

func (d *Dispatcher) record(ctx context.Context, outcome mysql.OutcomeRecord) {
	if d.sink == nil {
		return
	}
	outcome.OccurredAt = d.now().Unix()
	if err := d.sink.Append(ctx, outcome); err != nil {
		logger.ForProof(outcome.ProofID).Error("写入终态审计失败",
			slog.String("stage", string(outcome.Stage)),
			slog.Any("error", err))
	}
}

var (
	_ backend.Listener    = (*Dispatcher)(nil)
	_ verify.Listener     = (*Dispatcher)(nil)
	_ settlement.Listener = (*Dispatcher)(nil)
)
