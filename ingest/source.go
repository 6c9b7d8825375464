package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("deal-importer/ingest")

// RawDeal is one entry of the deal dump: the deal id as it appears in the object key and the undecoded value.
type RawDeal struct {
	Key   string
	Value json.RawMessage
}

// A DealSource yields the entries of a deal dump in input order. Next returns io.EOF after the last entry.
type DealSource interface {
	Next(ctx context.Context) (RawDeal, error)
	Close() error
}

var _ DealSource = (*JSONSource)(nil)

// JSONSource reads a single top level JSON object whose members are deals, one member at a time, so that memory
// use does not grow with the size of the dump.
type JSONSource struct {
	rc      io.ReadCloser
	dec     *json.Decoder
	started bool
	done    bool
}

func NewJSONSource(rc io.ReadCloser) *JSONSource {
	dec := json.NewDecoder(rc)
	dec.UseNumber()
	return &JSONSource{rc: rc, dec: dec}
}

// OpenSource opens locator and returns a source over its deals.
func OpenSource(ctx context.Context, locator string, opts ...OpenOption) (*JSONSource, error) {
	rc, err := Open(ctx, locator, opts...)
	if err != nil {
		return nil, err
	}
	return NewJSONSource(rc), nil
}

func (s *JSONSource) Next(ctx context.Context) (RawDeal, error) {
	if err := ctx.Err(); err != nil {
		return RawDeal{}, err
	}
	if s.done {
		return RawDeal{}, io.EOF
	}

	if !s.started {
		tok, err := s.dec.Token()
		if err != nil {
			if err == io.EOF {
				return RawDeal{}, s.malformed(xerrors.Errorf("empty input"))
			}
			return RawDeal{}, s.malformed(err)
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			return RawDeal{}, s.malformed(xerrors.Errorf("expected an object of deals, found %v", tok))
		}
		s.started = true
	}

	if !s.dec.More() {
		tok, err := s.dec.Token()
		if err != nil {
			return RawDeal{}, s.malformed(err)
		}
		if d, ok := tok.(json.Delim); !ok || d != '}' {
			return RawDeal{}, s.malformed(xerrors.Errorf("expected end of object, found %v", tok))
		}
		s.done = true
		return RawDeal{}, io.EOF
	}

	tok, err := s.dec.Token()
	if err != nil {
		return RawDeal{}, s.malformed(err)
	}
	key, ok := tok.(string)
	if !ok {
		return RawDeal{}, s.malformed(xerrors.Errorf("expected deal id key, found %v", tok))
	}

	var value json.RawMessage
	if err := s.dec.Decode(&value); err != nil {
		return RawDeal{}, s.malformed(err)
	}
	return RawDeal{Key: key, Value: value}, nil
}

// malformed passes transport failures through unchanged and reports everything else as a stream error.
func (s *JSONSource) malformed(err error) error {
	var se *SourceError
	if errors.As(err, &se) {
		return se
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return &StreamError{Offset: s.dec.InputOffset(), Err: err}
}

func (s *JSONSource) Close() error {
	return s.rc.Close()
}
