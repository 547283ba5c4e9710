package rpcwire

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"aifs.dev/engine/authz"
	"aifs.dev/engine/codec"
	"aifs.dev/engine/engine"
	"aifs.dev/engine/engineconfig"
	"aifs.dev/engine/metastore"
)

// testServer bundles the dialed client with the engine backing it, so
// tests can mint further, differently-scoped tokens from the same Issuer
// the server checks against (spec.md §4.9).
type testServer struct {
	client *Client
	eng    *engine.Engine
	addr   string
}

// dialAnother opens a second, independent Client against the same server,
// for tests that need a concurrent connection (e.g. a subscriber
// alongside a mutating caller).
func (ts *testServer) dialAnother(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(context.Background(), ts.addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// mint issues and encodes a bearer token from this server's own Issuer.
func (ts *testServer) mint(t *testing.T, caveats []authz.Caveat) string {
	t.Helper()
	tok, err := ts.eng.Authz.Mint("test-token", caveats)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	encoded, err := authz.Encode(tok)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return encoded
}

// startTestServer wires a real engine.Engine to a loopback RPC listener
// and mints an all-access bearer token (no namespace or method caveat)
// against it, since every dispatched command but health_check requires one.
func startTestServer(t *testing.T) (ts *testServer, token string, stop func()) {
	t.Helper()
	cfg := engineconfig.Default()
	cfg.StorageDir = t.TempDir()
	eng, err := engine.Open(cfg)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(eng)
	go func() { _ = srv.Serve(ctx, ln) }()

	client, err := Dial(context.Background(), ln.Addr().String())
	if err != nil {
		cancel()
		t.Fatalf("Dial: %v", err)
	}

	ts = &testServer{client: client, eng: eng, addr: ln.Addr().String()}
	token = ts.mint(t, nil)

	return ts, token, func() {
		_ = client.Close()
		cancel()
		_ = eng.Close()
	}
}

func TestServerPutAndGetAssetRoundTrip(t *testing.T) {
	ts, token, stop := startTestServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	putResp, err := ts.client.CallWithToken(ctx, CmdPutAsset, putAssetReq{
		Namespace: "ns1",
		Kind:      "blob",
		Codec:     byte(codec.KindBlob),
		Payload:   []byte("over the wire"),
	}, token)
	if err != nil {
		t.Fatalf("PutAsset call: %v", err)
	}
	var asset metastore.Asset
	if err := json.Unmarshal(putResp, &asset); err != nil {
		t.Fatalf("unmarshal asset: %v", err)
	}

	getResp, err := ts.client.CallWithToken(ctx, CmdGetAsset, getAssetReq{AssetID: asset.ID}, token)
	if err != nil {
		t.Fatalf("GetAsset call: %v", err)
	}
	var got getAssetResp
	if err := json.Unmarshal(getResp, &got); err != nil {
		t.Fatalf("unmarshal get response: %v", err)
	}
	if string(got.Payload) != "over the wire" {
		t.Fatalf("unexpected payload: %q", got.Payload)
	}
}

func TestServerHealthCheck(t *testing.T) {
	ts, _, stop := startTestServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Health checks require no bearer token.
	resp, err := ts.client.Call(ctx, CmdHealthCheck, struct{}{})
	if err != nil {
		t.Fatalf("HealthCheck call: %v", err)
	}
	if string(resp) != `{"status":"ok"}` {
		t.Fatalf("unexpected health response: %s", resp)
	}
}

func TestServerUnknownCommandReturnsErrorFrame(t *testing.T) {
	ts, token, stop := startTestServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := ts.client.CallWithToken(ctx, "NOT_A_COMMAND", struct{}{}, token)
	if err == nil {
		t.Fatalf("expected an error for an unhandled command")
	}
}

func TestServerRejectsCallWithoutToken(t *testing.T) {
	ts, _, stop := startTestServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := ts.client.Call(ctx, CmdPutAsset, putAssetReq{
		Namespace: "ns1", Kind: "blob", Codec: byte(codec.KindBlob), Payload: []byte("x"),
	})
	if err == nil {
		t.Fatalf("expected an error for a request with no bearer token")
	}
}

func TestServerRejectsTokenScopedToAnotherNamespace(t *testing.T) {
	ts, _, stop := startTestServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	scoped := ts.mint(t, []authz.Caveat{{Namespace: "other-ns"}})
	_, err := ts.client.CallWithToken(ctx, CmdPutAsset, putAssetReq{
		Namespace: "ns1", Kind: "blob", Codec: byte(codec.KindBlob), Payload: []byte("x"),
	}, scoped)
	if err == nil {
		t.Fatalf("expected a namespace-scoped token to be rejected for a different namespace")
	}

	// The same token still works for the namespace it was scoped to.
	if _, err := ts.client.CallWithToken(ctx, CmdPutAsset, putAssetReq{
		Namespace: "other-ns", Kind: "blob", Codec: byte(codec.KindBlob), Payload: []byte("x"),
	}, scoped); err != nil {
		t.Fatalf("expected the scoped token to be accepted for its own namespace: %v", err)
	}
}

func TestServerSnapshotAndVerifyRoundTrip(t *testing.T) {
	ts, token, stop := startTestServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := ts.client.CallWithToken(ctx, CmdPutAsset, putAssetReq{
		Namespace: "ns1", Kind: "blob", Codec: byte(codec.KindBlob), Payload: []byte("x"),
	}, token); err != nil {
		t.Fatalf("PutAsset call: %v", err)
	}

	snapResp, err := ts.client.CallWithToken(ctx, CmdCreateSnapshot, createSnapshotReq{Namespace: "ns1"}, token)
	if err != nil {
		t.Fatalf("CreateSnapshot call: %v", err)
	}
	var snap metastore.Snapshot
	if err := json.Unmarshal(snapResp, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	verifyResp, err := ts.client.CallWithToken(ctx, CmdVerifySnapshot, verifySnapshotReq{SnapshotID: snap.ID, Mode: 2}, token)
	if err != nil {
		t.Fatalf("VerifySnapshot call: %v", err)
	}
	var result verifySnapshotResp
	if err := json.Unmarshal(verifyResp, &result); err != nil {
		t.Fatalf("unmarshal verify response: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected snapshot signature to verify")
	}
}

func TestServerListNamespaces(t *testing.T) {
	ts, token, stop := startTestServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, ns := range []string{"ns1", "ns2", "ns1"} {
		if _, err := ts.client.CallWithToken(ctx, CmdPutAsset, putAssetReq{
			Namespace: ns, Kind: "blob", Codec: byte(codec.KindBlob), Payload: []byte("x"),
		}, token); err != nil {
			t.Fatalf("PutAsset call: %v", err)
		}
	}

	resp, err := ts.client.CallWithToken(ctx, CmdListNamespaces, struct{}{}, token)
	if err != nil {
		t.Fatalf("ListNamespaces call: %v", err)
	}
	var got struct {
		Namespaces []string `json:"namespaces"`
	}
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("unmarshal namespaces: %v", err)
	}
	if len(got.Namespaces) != 2 || got.Namespaces[0] != "ns1" || got.Namespaces[1] != "ns2" {
		t.Fatalf("unexpected namespaces: %+v", got.Namespaces)
	}
}

func TestServerIntrospect(t *testing.T) {
	ts, token, stop := startTestServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := ts.client.CallWithToken(ctx, CmdIntrospect, struct{}{}, token)
	if err != nil {
		t.Fatalf("Introspect call: %v", err)
	}
	var info introspectResp
	if err := json.Unmarshal(resp, &info); err != nil {
		t.Fatalf("unmarshal introspect response: %v", err)
	}
	if info.Version == "" || info.DefaultPort != DefaultPort {
		t.Fatalf("unexpected introspect response: %+v", info)
	}
}

func TestServerPutChunkDeduplicatesIdenticalPayloads(t *testing.T) {
	ts, token, stop := startTestServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := ts.client.CallWithToken(ctx, CmdPutChunk, putChunkReq{Payload: []byte("chunk-bytes")}, token)
	if err != nil {
		t.Fatalf("PutChunk call: %v", err)
	}
	var got putChunkResp
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("unmarshal put_chunk response: %v", err)
	}
	if got.HashHex == "" {
		t.Fatalf("expected a non-empty chunk hash")
	}

	// The chunk is independently addressable; a second PutChunk with the
	// same bytes resolves to the same hash without erroring.
	resp2, err := ts.client.CallWithToken(ctx, CmdPutChunk, putChunkReq{Payload: []byte("chunk-bytes")}, token)
	if err != nil {
		t.Fatalf("PutChunk call (dedup): %v", err)
	}
	var got2 putChunkResp
	if err := json.Unmarshal(resp2, &got2); err != nil {
		t.Fatalf("unmarshal put_chunk response: %v", err)
	}
	if got2.HashHex != got.HashHex {
		t.Fatalf("expected identical payloads to hash identically: %q vs %q", got.HashHex, got2.HashHex)
	}
}

func TestServerStreamGetAsset(t *testing.T) {
	ts, token, stop := startTestServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	putResp, err := ts.client.CallWithToken(ctx, CmdPutAsset, putAssetReq{
		Namespace: "ns1", Kind: "blob", Codec: byte(codec.KindBlob), Payload: []byte("streamed payload"),
	}, token)
	if err != nil {
		t.Fatalf("PutAsset call: %v", err)
	}
	var asset metastore.Asset
	if err := json.Unmarshal(putResp, &asset); err != nil {
		t.Fatalf("unmarshal asset: %v", err)
	}

	_, payload, err := ts.client.StreamGetAsset(ctx, asset.ID, token)
	if err != nil {
		t.Fatalf("StreamGetAsset: %v", err)
	}
	if string(payload) != "streamed payload" {
		t.Fatalf("unexpected streamed payload: %q", payload)
	}
}

func TestServerSubscribeEvents(t *testing.T) {
	ts, token, stop := startTestServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	sub := ts.dialAnother(t)
	events := make(chan []byte, 4)
	go func() {
		_ = sub.SubscribeEvents(subCtx, "ns1", token, func(payload []byte) {
			events <- payload
		})
	}()

	// Give the subscription time to register before the mutation fires.
	time.Sleep(50 * time.Millisecond)
	if _, err := ts.client.CallWithToken(ctx, CmdPutAsset, putAssetReq{
		Namespace: "ns1", Kind: "blob", Codec: byte(codec.KindBlob), Payload: []byte("x"),
	}, token); err != nil {
		t.Fatalf("PutAsset call: %v", err)
	}

	select {
	case payload := <-events:
		var ev struct {
			Type      string `json:"type"`
			Namespace string `json:"namespace"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if ev.Type != "asset_put" || ev.Namespace != "ns1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for subscribed event")
	}
}
