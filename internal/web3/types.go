package web3

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChainSnapshot represents summarized network metadata for health and CLI output.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Verifier    string `json:"verifier"`
	Notes       string `json:"notes,omitempty"`
}

// Submission is a completed proof handed to an on-chain verifier contract.
type Submission struct {
	ProofID      string
	Proof        []byte
	PublicInputs []string
	Commitment   string
}

// TxRef identifies a submitted verification transaction.
type TxRef struct {
	Chain string      `json:"chain"`
	Hash  common.Hash `json:"hash"`
}

// ReceiptStatus is the on-chain state of a verification transaction.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptReverted  ReceiptStatus = "reverted"
)

// Receipt reports the outcome of a verification transaction.
type Receipt struct {
	Status      ReceiptStatus
	BlockNumber uint64
	GasUsed     uint64
}

// Verifier submits proofs to one chain's verifier contract.
//
// SubmitProof returns an error of kind transient for failures worth retrying
// and CodeChainRejection when the contract refuses the proof outright.
type Verifier interface {
	Name() string
	SubmitProof(ctx context.Context, sub Submission) (TxRef, error)
	Receipt(ctx context.Context, ref TxRef) (Receipt, error)
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}

// ProofKey derives the bytes32 identifier a verifier contract stores for a proof.
func ProofKey(proofID string) common.Hash {
	return crypto.Keccak256Hash([]byte(proofID))
}
