package ingest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscodeDeal(t *testing.T) {
	d, err := Transcode(RawDeal{Key: "2145", Value: json.RawMessage(dealValue("f01234", 2000))})
	require.NoError(t, err)

	assert.EqualValues(t, 2145, d.DealID)
	assert.Equal(t, testPieceCID, d.PieceCID)
	assert.Equal(t, "34359738368", d.PieceSize)
	assert.True(t, d.VerifiedDeal)
	assert.Equal(t, "f01234", d.Client)
	assert.Equal(t, "f01000", d.Provider)
	assert.Equal(t, "mAXCg5AIg", d.Label)
	assert.EqualValues(t, 1000, d.StartEpoch)
	assert.EqualValues(t, 1540000, d.EndEpoch)
	assert.Equal(t, "0", d.StoragePricePerEpoch)
	assert.Equal(t, "8716440357680254", d.ProviderCollateral)
	assert.Equal(t, "0", d.ClientCollateral)
	assert.EqualValues(t, 2000, d.SectorStartEpoch)
	assert.EqualValues(t, -1, d.LastUpdatedEpoch)
	assert.EqualValues(t, -1, d.SlashEpoch)
}

func TestTranscodeKeepsArbitraryPrecision(t *testing.T) {
	huge := "123456789012345678901234567890"
	value := strings.Replace(dealValue("f01234", 1), `"ProviderCollateral": "8716440357680254"`, `"ProviderCollateral": "`+huge+`"`, 1)
	value = strings.Replace(value, `"PieceSize": 34359738368`, `"PieceSize": 98765432109876543210`, 1)

	d, err := Transcode(RawDeal{Key: "1", Value: json.RawMessage(value)})
	require.NoError(t, err)
	assert.Equal(t, huge, d.ProviderCollateral)
	assert.Equal(t, "98765432109876543210", d.PieceSize)
}

func TestTranscodeErrors(t *testing.T) {
	valid := dealValue("f01234", 5)
	testCases := []struct {
		name  string
		key   string
		value string
		field string
	}{
		{name: "non numeric key", key: "abc", value: valid, field: "key"},
		{name: "negative key", key: "-4", value: valid, field: "key"},
		{name: "missing proposal", key: "1", value: `{"State": {"SectorStartEpoch": 1, "LastUpdatedEpoch": 1, "SlashEpoch": 1}}`, field: "Proposal"},
		{name: "missing state", key: "1", value: strings.Replace(valid, `"State"`, `"Status"`, 1), field: "State"},
		{name: "missing piece cid", key: "1", value: strings.Replace(valid, `"PieceCID"`, `"Piece"`, 1), field: "Proposal.PieceCID"},
		{name: "missing verified flag", key: "1", value: strings.Replace(valid, `"VerifiedDeal": true,`, ``, 1), field: "Proposal.VerifiedDeal"},
		{name: "missing label", key: "1", value: strings.Replace(valid, `"Label": "mAXCg5AIg",`, ``, 1), field: "Proposal.Label"},
		{name: "missing client", key: "1", value: strings.Replace(valid, `"Client": "f01234"`, `"Client": ""`, 1), field: "Proposal.Client"},
		{name: "fractional piece size", key: "1", value: strings.Replace(valid, `34359738368`, `1.5`, 1), field: "Proposal.PieceSize"},
		{name: "missing collateral", key: "1", value: strings.Replace(valid, `"ClientCollateral": "0"`, `"Other": "0"`, 1), field: "Proposal.ClientCollateral"},
		{name: "missing slash epoch", key: "1", value: strings.Replace(valid, `"SlashEpoch"`, `"Slashed"`, 1), field: "State.SlashEpoch"},
		{name: "collateral is a number", key: "1", value: strings.Replace(valid, `"ClientCollateral": "0"`, `"ClientCollateral": 0`, 1), field: ""},
		{name: "not an object", key: "1", value: `[1, 2]`, field: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Transcode(RawDeal{Key: tc.key, Value: json.RawMessage(tc.value)})
			require.Error(t, err)

			var te *TranscodeError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tc.key, te.Key)
			assert.Equal(t, tc.field, te.Field)
		})
	}
}

func TestTranscodeBatchStopsAtFirstError(t *testing.T) {
	batch := []RawDeal{
		{Key: "1", Value: json.RawMessage(dealValue("f01", 1))},
		{Key: "2", Value: json.RawMessage(`{}`)},
		{Key: "3", Value: json.RawMessage(dealValue("f03", 3))},
	}
	_, err := TranscodeBatch(batch)

	var te *TranscodeError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "2", te.Key)
}

func TestTranscodeBatchCollapsesRepeatedIDs(t *testing.T) {
	batch := []RawDeal{
		{Key: "1", Value: json.RawMessage(dealValue("f01", -1))},
		{Key: "2", Value: json.RawMessage(dealValue("f02", 2))},
		{Key: "1", Value: json.RawMessage(dealValue("f01", 77))},
	}
	deals, err := TranscodeBatch(batch)
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.EqualValues(t, 1, deals[0].DealID)
	assert.EqualValues(t, 77, deals[0].SectorStartEpoch)
}
