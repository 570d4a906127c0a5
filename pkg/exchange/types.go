package exchange

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/speedrun-dca/pkg/models"
)

// QuoteParams describes the swap an intent asks for
type QuoteParams struct {
	Account      string          `json:"account"`
	SourceToken  string          `json:"src_token"`
	SourceChain  int             `json:"src_chain"`
	TargetToken  string          `json:"dst_token"`
	TargetChain  int             `json:"dst_chain"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	FeeTolerance decimal.Decimal `json:"fee_tolerance"`
}

// ParamsFromIntent builds quote parameters for an intent
func ParamsFromIntent(intent *models.Intent) QuoteParams {
	return QuoteParams{
		Account:      intent.Account,
		SourceToken:  intent.SourceToken,
		SourceChain:  intent.SourceChain,
		TargetToken:  intent.TargetToken,
		TargetChain:  intent.TargetChain,
		AmountUSD:    intent.Amount,
		FeeTolerance: intent.FeeTolerance,
	}
}

// Quote is a price quote returned by the exchange
type Quote struct {
	ID        string          `json:"quote_id"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
	Fee       decimal.Decimal `json:"fee"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Order is an announced order awaiting a signature
type Order struct {
	Hash      string          `json:"order_hash"`
	QuoteID   string          `json:"quote_id"`
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// SubmitResult acknowledges a signed order entering the auction
type SubmitResult struct {
	OrderHash string `json:"order_hash"`
}

// Fill is one resolver fill of an order
type Fill struct {
	Resolver  string          `json:"resolver"`
	TxHash    string          `json:"tx_hash"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
	Fee       decimal.Decimal `json:"fee"`
}

// StatusResult is the remote status of a submitted order
type StatusResult struct {
	Status models.OrderStatus `json:"status"`
	Fills  []Fill             `json:"fills"`
}
