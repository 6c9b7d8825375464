package lotus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/deal-importer/lens"
)

func TestParseAPIInfo(t *testing.T) {
	testCases := []struct {
		name    string
		info    string
		addr    string
		token   string
		wantErr bool
	}{
		{name: "empty uses default", info: "", addr: DefaultEndpoint},
		{name: "https url", info: "https://node.example.com/rpc/v0", addr: "https://node.example.com/rpc/v0"},
		{name: "token and http multiaddr", info: "abc.def:/ip4/127.0.0.1/tcp/1234/http", addr: "http://127.0.0.1:1234/rpc/v0", token: "abc.def"},
		{name: "bare multiaddr", info: "/ip4/10.0.0.1/tcp/1234", addr: "ws://10.0.0.1:1234/rpc/v0"},
		{name: "dns multiaddr", info: "tok:/dns4/node.example.com/tcp/443/https", addr: "https://node.example.com:443/rpc/v0", token: "tok"},
		{name: "no separator", info: "garbage", wantErr: true},
		{name: "bad multiaddr", info: "tok:/ip4/nope/tcp/1", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			addr, token, err := parseAPIInfo(tc.info)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.addr, addr)
			assert.Equal(t, tc.token, token)
		})
	}
}

func TestAPIHeaders(t *testing.T) {
	assert.Equal(t, "Bearer secret", apiHeaders("secret").Get("Authorization"))
	assert.Empty(t, apiHeaders("").Get("Authorization"))
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers Filecoin.StateAccountKey from a fixed table.
func fakeNode(t *testing.T, keys map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Filecoin.StateAccountKey", req.Method)
		require.Len(t, req.Params, 2)
		assert.Equal(t, "null", string(req.Params[1]))

		var client string
		require.NoError(t, json.Unmarshal(req.Params[0], &client))

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if key, ok := keys[client]; ok {
			resp["result"] = key
		} else {
			resp["error"] = map[string]interface{}{"code": 1, "message": "actor not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestStateAccountKey(t *testing.T) {
	key, err := address.NewSecp256k1Address([]byte("client public key"))
	require.NoError(t, err)
	client, err := address.NewIDAddress(1234)
	require.NoError(t, err)

	srv := fakeNode(t, map[string]string{client.String(): key.String()})
	defer srv.Close()

	opener, err := NewAPIOpener(srv.URL, "secret")
	require.NoError(t, err)
	assert.Equal(t, srv.URL, opener.Addr())
	assert.True(t, opener.Authorized())

	ctx := context.Background()
	api, closer, err := opener.Open(ctx)
	require.NoError(t, err)
	defer closer()

	got, err := api.StateAccountKey(ctx, client, lens.EmptyTSK)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	missing, err := address.NewIDAddress(99)
	require.NoError(t, err)
	_, err = api.StateAccountKey(ctx, missing, lens.EmptyTSK)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actor not found")
}
