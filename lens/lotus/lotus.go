package lotus

import (
	"context"
	"net/http"
	"strings"

	"github.com/filecoin-project/go-jsonrpc"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/lens"
)

var log = logging.Logger("deal-importer/lens/lotus")

// DefaultEndpoint is the public node used when no api info is configured.
const DefaultEndpoint = "https://api.node.glif.io/rpc/v0"

type APIOpener struct {
	addr    string
	headers http.Header
}

// NewAPIOpener accepts either an endpoint url or lotus style api info of the form <token>:<multiaddr>. A token
// embedded in the api info takes precedence over token.
func NewAPIOpener(apiInfo, token string) (*APIOpener, error) {
	addr, infoToken, err := parseAPIInfo(apiInfo)
	if err != nil {
		return nil, err
	}
	if infoToken != "" {
		token = infoToken
	}
	return &APIOpener{
		addr:    addr,
		headers: apiHeaders(token),
	}, nil
}

// Addr returns the endpoint the opener connects to.
func (o *APIOpener) Addr() string {
	return o.addr
}

// Authorized reports whether requests carry a bearer token.
func (o *APIOpener) Authorized() bool {
	return o.headers.Get("Authorization") != ""
}

func (o *APIOpener) Open(ctx context.Context) (lens.AccountKeyAPI, lens.APICloser, error) {
	var res accountKeyStruct
	closer, err := jsonrpc.NewMergeClient(ctx, o.addr, "Filecoin", []interface{}{&res.Internal}, o.headers)
	if err != nil {
		return nil, nil, xerrors.Errorf("new rpc client: %w", err)
	}
	log.Debugw("opened rpc client", "addr", o.addr)
	return &APIWrapper{rpc: &res}, lens.APICloser(closer), nil
}

func parseAPIInfo(apiInfo string) (addr string, token string, err error) {
	apiInfo = strings.TrimSpace(apiInfo)
	if apiInfo == "" {
		return DefaultEndpoint, "", nil
	}
	for _, scheme := range []string{"http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(apiInfo, scheme) {
			return apiInfo, "", nil
		}
	}

	maddr := apiInfo
	if !strings.HasPrefix(apiInfo, "/") {
		toks := strings.SplitN(apiInfo, ":", 2)
		if len(toks) != 2 {
			return "", "", xerrors.Errorf("invalid api info, expected <token>:<maddr> or an url, got: %s", apiInfo)
		}
		token, maddr = toks[0], toks[1]
	}

	parsedAddr, err := ma.NewMultiaddr(maddr)
	if err != nil {
		return "", "", xerrors.Errorf("parse listen address: %w", err)
	}

	_, hostport, err := manet.DialArgs(parsedAddr)
	if err != nil {
		return "", "", xerrors.Errorf("dial multiaddress: %w", err)
	}

	return apiURI(scheme(parsedAddr), hostport), token, nil
}

// scheme picks the transport named by the multiaddr, defaulting to websockets like a lotus node does.
func scheme(m ma.Multiaddr) string {
	if _, err := m.ValueForProtocol(ma.P_HTTPS); err == nil {
		return "https"
	}
	if _, err := m.ValueForProtocol(ma.P_HTTP); err == nil {
		return "http"
	}
	if _, err := m.ValueForProtocol(ma.P_WSS); err == nil {
		return "wss"
	}
	return "ws"
}

func apiURI(scheme, addr string) string {
	return scheme + "://" + addr + "/rpc/v0"
}

func apiHeaders(token string) http.Header {
	headers := http.Header{}
	if token != "" {
		headers.Add("Authorization", "Bearer "+token)
	}
	return headers
}
