package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/rs/zerolog/log"

	"solana-ultibot/events"
	"solana-ultibot/internal/observability"
)

// Transfer purposes
const (
	PurposeFunding = "funding"
	PurposeProfit  = "profit"
	PurposeReturn  = "return"
	// PurposeSweep moves SOL out of a cycle wallet into an operator wallet
	PurposeSweep = "sweep"
)

// Transfer routes
const (
	RouteDirect  = "direct"
	RoutePrivacy = "privacy"
)

// TransferRequest moves Lamports from From to To
type TransferRequest struct {
	From     solana.PrivateKey
	To       solana.PublicKey
	Lamports uint64
	Purpose  string
	CycleID  int64
	WalletID int64
	DryRun   bool
}

type TransferResult struct {
	Signature string
	Route     string
	// Pending is set when another service was asked to perform the move
	Pending bool
}

// Transferrer moves SOL between the engine's wallets
type Transferrer interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// DirectTransferrer signs and submits a system transfer
type DirectTransferrer struct {
	chain     *Chain
	submitter Submitter
}

func NewDirectTransferrer(chain *Chain, submitter Submitter) *DirectTransferrer {
	return &DirectTransferrer{chain: chain, submitter: submitter}
}

func (d *DirectTransferrer) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Lamports == 0 {
		return nil, errors.New("transfer amount is zero")
	}
	if req.DryRun {
		observability.RecordTransfer(RouteDirect, req.Purpose)
		return &TransferResult{Signature: dryRunSignature(), Route: RouteDirect}, nil
	}

	ix := system.NewTransferInstruction(req.Lamports, req.From.PublicKey(), req.To).Build()
	tx, err := d.chain.BuildSigned(ctx, req.From, ix)
	if err != nil {
		return nil, err
	}
	sig, err := d.submitter.Submit(ctx, tx, req.From)
	if err != nil {
		return nil, fmt.Errorf("%s transfer: %w", req.Purpose, err)
	}
	observability.RecordTransfer(RouteDirect, req.Purpose)
	return &TransferResult{Signature: sig, Route: RouteDirect}, nil
}

// PrivacyTransferrer hands the move to the privacy-routing service by
// publishing a request event; the engine does not sign anything itself.
type PrivacyTransferrer struct {
	publisher events.Publisher
}

func NewPrivacyTransferrer(publisher events.Publisher) *PrivacyTransferrer {
	return &PrivacyTransferrer{publisher: publisher}
}

func privacyEventType(purpose string) (events.Type, error) {
	switch purpose {
	case PurposeFunding:
		return events.PrivacyFundingRequest, nil
	case PurposeProfit:
		return events.PrivacyProfitTransfer, nil
	case PurposeReturn:
		return events.PrivacyFundingReturn, nil
	}
	return "", fmt.Errorf("unknown transfer purpose %q", purpose)
}

func (p *PrivacyTransferrer) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	evType, err := privacyEventType(req.Purpose)
	if err != nil {
		return nil, err
	}
	from := ""
	if len(req.From) > 0 {
		from = req.From.PublicKey().String()
	}
	ev := events.New(evType, events.TransferData{
		CycleID:  req.CycleID,
		WalletID: req.WalletID,
		From:     from,
		To:       req.To.String(),
		Lamports: req.Lamports,
		Purpose:  req.Purpose,
	})
	if err := p.publisher.Publish(ctx, ev); err != nil {
		return nil, fmt.Errorf("privacy request: %w", err)
	}
	observability.RecordTransfer(RoutePrivacy, req.Purpose)
	return &TransferResult{Route: RoutePrivacy, Pending: true}, nil
}

// FallbackTransferrer uses primary and falls back to direct on any error
type FallbackTransferrer struct {
	primary Transferrer
	direct  Transferrer
}

func NewFallbackTransferrer(primary, direct Transferrer) *FallbackTransferrer {
	return &FallbackTransferrer{primary: primary, direct: direct}
}

func (f *FallbackTransferrer) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	res, err := f.primary.Transfer(ctx, req)
	if err == nil {
		return res, nil
	}
	log.Warn().Err(err).Str("purpose", req.Purpose).Msg("privacy routing failed, transferring directly")
	return f.direct.Transfer(ctx, req)
}
