package ingest

import (
	"encoding/json"
	"strconv"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/model/market"
)

// MarketDealJSON is the value of one member of a StateMarketDeals dump.
type MarketDealJSON struct {
	Proposal *DealProposalJSON
	State    *DealStateJSON
}

type DealProposalJSON struct {
	PieceCID             cid.Cid
	PieceSize            json.Number
	VerifiedDeal         *bool
	Client               string
	Provider             string
	Label                *string
	StartEpoch           *abi.ChainEpoch
	EndEpoch             *abi.ChainEpoch
	StoragePricePerEpoch big.Int
	ProviderCollateral   big.Int
	ClientCollateral     big.Int
}

type DealStateJSON struct {
	SectorStartEpoch *abi.ChainEpoch
	LastUpdatedEpoch *abi.ChainEpoch
	SlashEpoch       *abi.ChainEpoch
}

var errMissing = xerrors.New("missing required field")

// Transcode converts a raw deal into a row. It fails with a *TranscodeError when the key is not a deal id or a
// required field is missing or has the wrong shape.
func Transcode(raw RawDeal) (*market.Deal, error) {
	fail := func(field string, err error) (*market.Deal, error) {
		return nil, &TranscodeError{Key: raw.Key, Field: field, Err: err}
	}

	id, err := strconv.ParseUint(raw.Key, 10, 63)
	if err != nil {
		return fail("key", err)
	}

	var v MarketDealJSON
	if err := json.Unmarshal(raw.Value, &v); err != nil {
		return fail("", err)
	}
	if v.Proposal == nil {
		return fail("Proposal", errMissing)
	}
	if v.State == nil {
		return fail("State", errMissing)
	}
	p, s := v.Proposal, v.State

	if !p.PieceCID.Defined() {
		return fail("Proposal.PieceCID", errMissing)
	}
	if p.PieceSize == "" {
		return fail("Proposal.PieceSize", errMissing)
	}
	pieceSize, err := big.FromString(p.PieceSize.String())
	if err != nil {
		return fail("Proposal.PieceSize", err)
	}
	if p.VerifiedDeal == nil {
		return fail("Proposal.VerifiedDeal", errMissing)
	}
	if p.Client == "" {
		return fail("Proposal.Client", errMissing)
	}
	if p.Provider == "" {
		return fail("Proposal.Provider", errMissing)
	}
	// an empty label is valid, an absent one is not
	if p.Label == nil {
		return fail("Proposal.Label", errMissing)
	}

	amounts := []struct {
		name string
		v    big.Int
	}{
		{"Proposal.StoragePricePerEpoch", p.StoragePricePerEpoch},
		{"Proposal.ProviderCollateral", p.ProviderCollateral},
		{"Proposal.ClientCollateral", p.ClientCollateral},
	}
	for _, a := range amounts {
		if a.v.Int == nil {
			return fail(a.name, errMissing)
		}
	}

	epochs := []struct {
		name string
		v    *abi.ChainEpoch
	}{
		{"Proposal.StartEpoch", p.StartEpoch},
		{"Proposal.EndEpoch", p.EndEpoch},
		{"State.SectorStartEpoch", s.SectorStartEpoch},
		{"State.LastUpdatedEpoch", s.LastUpdatedEpoch},
		{"State.SlashEpoch", s.SlashEpoch},
	}
	for _, e := range epochs {
		if e.v == nil {
			return fail(e.name, errMissing)
		}
	}

	return &market.Deal{
		DealID:               id,
		PieceCID:             p.PieceCID.String(),
		PieceSize:            pieceSize.String(),
		VerifiedDeal:         *p.VerifiedDeal,
		Client:               p.Client,
		Provider:             p.Provider,
		Label:                *p.Label,
		StartEpoch:           int64(*p.StartEpoch),
		EndEpoch:             int64(*p.EndEpoch),
		StoragePricePerEpoch: p.StoragePricePerEpoch.String(),
		ProviderCollateral:   p.ProviderCollateral.String(),
		ClientCollateral:     p.ClientCollateral.String(),
		SectorStartEpoch:     int64(*s.SectorStartEpoch),
		LastUpdatedEpoch:     int64(*s.LastUpdatedEpoch),
		SlashEpoch:           int64(*s.SlashEpoch),
	}, nil
}

// TranscodeBatch converts every deal in the batch or returns the first *TranscodeError. Repeated deal ids are
// collapsed so the batch can be written as one upsert.
func TranscodeBatch(batch []RawDeal) (market.Deals, error) {
	out := make(market.Deals, 0, len(batch))
	for _, raw := range batch {
		d, err := Transcode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out.Dedup(), nil
}
