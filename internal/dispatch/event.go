package dispatch

import (
	"ZKPay-Chain/internal/proof"
)

// EventType 是出站事件的 type 字段。
type EventType string

const (
	EventResponse             EventType = "response"
	EventInfo                 EventType = "info"
	EventError                EventType = "error"
	EventProofStatus          EventType = "proof_status"
	EventProofComplete        EventType = "proof_complete"
	EventProofError           EventType = "proof_error"
	EventVerificationStatus   EventType = "verification_status"
	EventVerificationComplete EventType = "verification_complete"
	EventSettlementStatus     EventType = "settlement_status"
	EventSettlementComplete   EventType = "settlement_complete"
	EventSettlementError      EventType = "settlement_error"
)

// StatusAccepted 是受理确认事件携带的状态。
const StatusAccepted = "accepted"

// Event 是发送给客户端的一条 JSON 消息，未使用的字段不会序列化。
type Event struct {
	Type        EventType      `json:"type"`
	Message     string         `json:"message,omitempty"`
	Code        string         `json:"code,omitempty"`
	ProofID     string         `json:"proofId,omitempty"`
	Status      string         `json:"status,omitempty"`
	Metrics     *proof.Metrics `json:"metrics,omitempty"`
	ErrorDetail string         `json:"errorDetail,omitempty"`
	TargetChain string         `json:"targetChain,omitempty"`
	Verdict     string         `json:"verdict,omitempty"`
	TxHash      string         `json:"txHash,omitempty"`
	Result      string         `json:"result,omitempty"`
	Amount      string         `json:"amount,omitempty"`
}

// Terminal 报告事件是否结束了某个证明在对应阶段的生命周期。
func (e Event) Terminal() bool {
	switch e.Type {
	case EventProofError, EventVerificationComplete, EventSettlementComplete, EventSettlementError:
		return true
	default:
		return false
	}
}
