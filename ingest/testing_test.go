package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"
)

const testPieceCID = "baga6ea4seaqao7s73y24kcutaosvacpdjgfe5pw76ooefnyqw4ynr3d2y6x2mpq"

func dealValue(client string, sectorStart int64) string {
	return fmt.Sprintf(`{
		"Proposal": {
			"PieceCID": {"/": %q},
			"PieceSize": 34359738368,
			"VerifiedDeal": true,
			"Client": %q,
			"Provider": "f01000",
			"Label": "mAXCg5AIg",
			"StartEpoch": 1000,
			"EndEpoch": 1540000,
			"StoragePricePerEpoch": "0",
			"ProviderCollateral": "8716440357680254",
			"ClientCollateral": "0"
		},
		"State": {
			"SectorStartEpoch": %d,
			"LastUpdatedEpoch": -1,
			"SlashEpoch": -1
		}
	}`, testPieceCID, client, sectorStart)
}

// dealsJSON builds a dump with deal ids 1..n.
func dealsJSON(n int) string {
	var sb strings.Builder
	sb.WriteString("{")
	for i := 1; i <= n; i++ {
		if i > 1 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "%q:%s", fmt.Sprint(i), dealValue(fmt.Sprintf("f0%d", 100+i%3), int64(i)))
	}
	sb.WriteString("}")
	return sb.String()
}

func stringSource(s string) *JSONSource {
	return NewJSONSource(io.NopCloser(strings.NewReader(s)))
}

// sliceSource yields fixed entries, used where JSON parsing is not under test.
type sliceSource struct {
	entries []RawDeal
	pos     int
	closed  bool
}

func (s *sliceSource) Next(ctx context.Context) (RawDeal, error) {
	if s.pos >= len(s.entries) {
		return RawDeal{}, io.EOF
	}
	s.pos++
	return s.entries[s.pos-1], nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

func keys(n int) []RawDeal {
	out := make([]RawDeal, n)
	for i := range out {
		out[i] = RawDeal{Key: fmt.Sprint(i)}
	}
	return out
}
