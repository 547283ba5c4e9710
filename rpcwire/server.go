package rpcwire

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"time"

	"aifs.dev/engine/aifserr"
	"aifs.dev/engine/assetmgr"
	"aifs.dev/engine/authz"
	"aifs.dev/engine/codec"
	"aifs.dev/engine/engine"
	"aifs.dev/engine/metastore"
	"aifs.dev/engine/vectorindex"
)

// Server dispatches framed RPC commands to an engine.Engine. One Server
// per listening socket; handler bodies are stateless beyond the engine
// they close over.
type Server struct {
	Engine *engine.Engine
}

// NewServer wraps eng for RPC dispatch.
func NewServer(eng *engine.Engine) *Server {
	return &Server{Engine: eng}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return aifserr.Wrap(aifserr.CodeUnavailable, err)
		}
		go s.serveConn(ctx, nc)
	}
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	c := NewConn(nc, DefaultMagic)
	for {
		frame, err := c.ReadFrame(ctx)
		if err != nil {
			return
		}

		if frame.Command == CmdSubscribeEvents {
			if err := s.authorize(frame.Command, frame.Payload); err != nil {
				_ = c.WriteError(ctx, err)
				continue
			}
			s.streamEvents(ctx, c, frame.Payload)
			continue
		}
		if frame.Command == CmdGetAsset && requestsStream(frame.Payload) {
			if err := s.authorize(frame.Command, frame.Payload); err != nil {
				_ = c.WriteError(ctx, err)
				continue
			}
			if err := s.streamGetAsset(ctx, c, frame.Payload); err != nil {
				_ = c.WriteError(ctx, err)
			}
			continue
		}

		resp, herr := s.dispatch(ctx, frame.Command, frame.Payload)
		if herr != nil {
			_ = c.WriteError(ctx, herr)
			continue
		}
		if err := c.WriteFrame(ctx, frame.Command, resp); err != nil {
			return
		}
	}
}

func requestsStream(payload []byte) bool {
	var env struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(payload, &env)
	return env.Stream
}

// streamEvents runs after serveConn has authorized the request, and relays
// assetmgr.Event values as CmdStreamData frames until the subscriber's
// connection breaks or ctx is cancelled, ending with CmdStreamEnd
// (spec.md §4.10 SubscribeEvents).
func (s *Server) streamEvents(ctx context.Context, c *Conn, payload []byte) {
	var req subscribeEventsReq
	_ = json.Unmarshal(payload, &req)

	ch, cancel := s.Engine.Events.Subscribe(req.Namespace)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			_ = c.WriteFrame(ctx, CmdStreamEnd, nil)
			return
		case ev, ok := <-ch:
			if !ok {
				_ = c.WriteFrame(ctx, CmdStreamEnd, nil)
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.WriteFrame(ctx, CmdStreamData, data); err != nil {
				return
			}
		}
	}
}

// streamGetAsset answers a {"stream":true} GET_ASSET request with the
// asset's metadata, then its payload split into fixed-size CmdStreamData
// frames, then a terminal CmdStreamEnd (spec.md §6 server-stream
// retrieval).
func (s *Server) streamGetAsset(ctx context.Context, c *Conn, payload []byte) error {
	var req getAssetReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed get_asset request")
	}
	asset, data, err := s.Engine.Assets.GetAsset(req.AssetID)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(getAssetResp{Asset: asset})
	if err != nil {
		return aifserr.Wrap(aifserr.CodeInternal, err)
	}
	if err := c.WriteFrame(ctx, CmdGetAsset, meta); err != nil {
		return err
	}
	const streamPiece = 1 << 20
	for len(data) > 0 {
		n := streamPiece
		if n > len(data) {
			n = len(data)
		}
		if err := c.WriteFrame(ctx, CmdStreamData, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return c.WriteFrame(ctx, CmdStreamEnd, nil)
}

func (s *Server) dispatch(ctx context.Context, command string, payload []byte) ([]byte, error) {
	if command != CmdHealthCheck {
		if err := s.authorize(command, payload); err != nil {
			return nil, err
		}
	}
	switch command {
	case CmdPutAsset:
		return handlePutAsset(s.Engine, payload)
	case CmdGetAsset:
		return handleGetAsset(s.Engine, payload)
	case CmdDeleteAsset:
		return handleDeleteAsset(s.Engine, payload)
	case CmdListAssets:
		return handleListAssets(s.Engine, payload)
	case CmdVectorSearch:
		return handleVectorSearch(s.Engine, payload)
	case CmdCreateSnapshot:
		return handleCreateSnapshot(s.Engine, payload)
	case CmdGetSnapshot:
		return handleGetSnapshot(s.Engine, payload)
	case CmdVerifySnapshot:
		return handleVerifySnapshot(s.Engine, payload)
	case CmdCreateBranch:
		return handleCreateBranch(s.Engine, payload)
	case CmdGetBranch:
		return handleGetBranch(s.Engine, payload)
	case CmdListBranches:
		return handleListBranches(s.Engine, payload)
	case CmdDeleteBranch:
		return handleDeleteBranch(s.Engine, payload)
	case CmdBranchHistory:
		return handleBranchHistory(s.Engine, payload)
	case CmdCreateTag:
		return handleCreateTag(s.Engine, payload)
	case CmdGetTag:
		return handleGetTag(s.Engine, payload)
	case CmdListTags:
		return handleListTags(s.Engine, payload)
	case CmdListNamespaces:
		return handleListNamespaces(s.Engine, payload)
	case CmdIntrospect:
		return handleIntrospect(s.Engine, payload)
	case CmdPutChunk:
		return handlePutChunk(s.Engine, payload)
	case CmdHealthCheck:
		return []byte(`{"status":"ok"}`), nil
	default:
		return nil, aifserr.Newf(aifserr.CodeInvalidArgument, "rpcwire: unhandled command %q", command)
	}
}

// authorize checks the bearer token carried in payload's "authorization"
// field against the engine's Issuer before a command is routed to its
// handler (spec.md §4.9). Commands that identify their target by asset id
// rather than namespace (get/delete) resolve the namespace caveat from the
// asset's own record so a namespace-scoped token still applies to them.
func (s *Server) authorize(command string, payload []byte) error {
	var env struct {
		Namespace     string `json:"namespace"`
		Authorization string `json:"authorization"`
	}
	_ = json.Unmarshal(payload, &env)
	if env.Authorization == "" {
		return aifserr.New(aifserr.CodeUnauthenticated, "rpcwire: missing authorization token").WithReason("missing_token")
	}
	tok, err := authz.Decode(env.Authorization)
	if err != nil {
		return err
	}

	namespace := env.Namespace
	if namespace == "" && (command == CmdGetAsset || command == CmdDeleteAsset) {
		var req getAssetReq
		if err := json.Unmarshal(payload, &req); err == nil && req.AssetID != "" {
			if asset, found, err := s.Engine.Meta.GetAsset(req.AssetID); err == nil && found {
				namespace = asset.Namespace
			}
		}
	}
	return s.Engine.Authz.Verify(tok, namespace, command, time.Now())
}

// --- request/response wire shapes and handlers ---

type putAssetReq struct {
	Namespace        string            `json:"namespace"`
	Kind             string            `json:"kind"`
	Codec            byte              `json:"codec"`
	Payload          []byte            `json:"payload"`
	ParentAssetID    string            `json:"parent_asset_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CompressionLevel int               `json:"compression_level,omitempty"`
}

func handlePutAsset(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req putAssetReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed put_asset request")
	}
	asset, err := eng.Assets.PutAsset(assetmgr.PutRequest{
		Namespace:        req.Namespace,
		Kind:             req.Kind,
		Codec:            codec.Kind(req.Codec),
		Payload:          req.Payload,
		ParentAssetID:    req.ParentAssetID,
		Metadata:         req.Metadata,
		CompressionLevel: req.CompressionLevel,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(asset)
}

type getAssetReq struct {
	AssetID string `json:"asset_id"`
}

type getAssetResp struct {
	Asset   metastore.Asset `json:"asset"`
	Payload []byte          `json:"payload"`
}

func handleGetAsset(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req getAssetReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed get_asset request")
	}
	asset, data, err := eng.Assets.GetAsset(req.AssetID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(getAssetResp{Asset: asset, Payload: data})
}

func handleDeleteAsset(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req getAssetReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed delete_asset request")
	}
	if err := eng.Assets.DeleteAsset(req.AssetID); err != nil {
		return nil, err
	}
	return []byte(`{}`), nil
}

type listAssetsReq struct {
	Namespace string `json:"namespace"`
	Kind      string `json:"kind,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
}

func handleListAssets(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req listAssetsReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed list_assets request")
	}
	page, err := eng.Meta.ListAssets(metastore.AssetFilter{Namespace: req.Namespace, Kind: req.Kind}, req.Limit, req.Cursor)
	if err != nil {
		return nil, err
	}
	return json.Marshal(page)
}

type vectorSearchReq struct {
	Namespace string            `json:"namespace"`
	Query     []float32         `json:"query"`
	K         int               `json:"k"`
	Filter    map[string]string `json:"filter,omitempty"`
}

func handleVectorSearch(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req vectorSearchReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed vector_search request")
	}
	// The namespace must already exist (created by a prior embed PutAsset);
	// an unseen namespace has no pinned dimension to search against.
	ns, err := eng.Vectors.Namespace(req.Namespace, vectorindex.Config{})
	if err != nil {
		return nil, aifserr.New(aifserr.CodeFailedPrecondition, "rpcwire: namespace has no vector index yet")
	}
	visible := func(assetID string) bool {
		ok, err := eng.Meta.IsVisible(assetID)
		return err == nil && ok
	}
	results, err := ns.Search(req.Query, req.K, req.Filter, visible)
	if err != nil {
		return nil, err
	}
	return json.Marshal(results)
}

type createSnapshotReq struct {
	Namespace string `json:"namespace"`
}

func handleCreateSnapshot(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req createSnapshotReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed create_snapshot request")
	}
	snap, err := eng.Assets.CreateSnapshot(req.Namespace)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

type getSnapshotReq struct {
	SnapshotID string `json:"snapshot_id"`
}

func handleGetSnapshot(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req getSnapshotReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed get_snapshot request")
	}
	snap, found, err := eng.Meta.GetSnapshot(req.SnapshotID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, aifserr.New(aifserr.CodeNotFound, "rpcwire: no such snapshot")
	}
	return json.Marshal(snap)
}

type verifySnapshotReq struct {
	SnapshotID   string `json:"snapshot_id"`
	Mode         int    `json:"mode"`
	PublicKeyHex string `json:"public_key_hex,omitempty"`
}

type verifySnapshotResp struct {
	Valid bool `json:"valid"`
}

func handleVerifySnapshot(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req verifySnapshotReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed verify_snapshot request")
	}
	var pub []byte
	if req.PublicKeyHex != "" {
		decoded, err := decodeHex(req.PublicKeyHex)
		if err != nil {
			return nil, err
		}
		pub = decoded
	}
	ok, err := eng.Assets.VerifySnapshot(req.SnapshotID, assetmgr.VerifyMode(req.Mode), pub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(verifySnapshotResp{Valid: ok})
}

type branchReq struct {
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

func handleCreateBranch(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req branchReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed create_branch request")
	}
	b, err := eng.Assets.CreateBranch(req.Namespace, req.Name, req.SnapshotID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

func handleGetBranch(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req branchReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed get_branch request")
	}
	b, found, err := eng.Meta.GetBranch(req.Namespace, req.Name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, aifserr.New(aifserr.CodeNotFound, "rpcwire: no such branch")
	}
	return json.Marshal(b)
}

type listBranchesReq struct {
	Namespace string `json:"namespace"`
}

func handleListBranches(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req listBranchesReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed list_branches request")
	}
	branches, err := eng.Meta.ListBranches(req.Namespace)
	if err != nil {
		return nil, err
	}
	return json.Marshal(branches)
}

func handleDeleteBranch(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req branchReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed delete_branch request")
	}
	if err := eng.Assets.DeleteBranch(req.Namespace, req.Name); err != nil {
		return nil, err
	}
	return []byte(`{}`), nil
}

func handleBranchHistory(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req branchReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed branch_history request")
	}
	history, err := eng.Meta.GetBranchHistory(req.Namespace, req.Name)
	if err != nil {
		return nil, err
	}
	return json.Marshal(history)
}

func handleCreateTag(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req branchReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed create_tag request")
	}
	t, err := eng.Assets.CreateTag(req.Namespace, req.Name, req.SnapshotID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

func handleGetTag(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req branchReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed get_tag request")
	}
	t, found, err := eng.Meta.GetTag(req.Namespace, req.Name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, aifserr.New(aifserr.CodeNotFound, "rpcwire: no such tag")
	}
	return json.Marshal(t)
}

func handleListTags(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req listBranchesReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed list_tags request")
	}
	tags, err := eng.Meta.ListTags(req.Namespace)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tags)
}

type subscribeEventsReq struct {
	Namespace string `json:"namespace,omitempty"` // empty subscribes to every namespace
}

func handleListNamespaces(eng *engine.Engine, payload []byte) ([]byte, error) {
	namespaces, err := eng.Meta.ListNamespaces()
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Namespaces []string `json:"namespaces"`
	}{Namespaces: namespaces})
}

type introspectResp struct {
	Version        string `json:"version"`
	StartedAt      string `json:"started_at"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	StorageDir     string `json:"storage_dir"`
	DefaultPort    int    `json:"default_port"`
	MaxWorkers     int    `json:"max_workers"`
	CompressionMax int    `json:"compression_max"`
}

func handleIntrospect(eng *engine.Engine, payload []byte) ([]byte, error) {
	return json.Marshal(introspectResp{
		Version:        engine.Version,
		StartedAt:      eng.StartedAt.UTC().Format(time.RFC3339),
		UptimeSeconds:  int64(time.Since(eng.StartedAt).Seconds()),
		StorageDir:     eng.Config.StorageDir,
		DefaultPort:    DefaultPort,
		MaxWorkers:     eng.Config.MaxWorkers,
		CompressionMax: 22,
	})
}

type putChunkReq struct {
	Payload          []byte `json:"payload"`
	CompressionLevel int    `json:"compression_level,omitempty"`
}

type putChunkResp struct {
	HashHex string `json:"hash_hex"`
}

// handlePutChunk stores one content-addressed chunk directly and takes a
// reference on it. No command assembles stored chunks into an asset:
// PUT_ASSET takes the whole payload and does not accept chunk hashes.
func handlePutChunk(eng *engine.Engine, payload []byte) ([]byte, error) {
	var req putChunkReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed put_chunk request")
	}
	hash, _, err := eng.Chunks.Put(req.Payload, req.CompressionLevel)
	if err != nil {
		return nil, err
	}
	if err := eng.Meta.IncRefChunk(hash); err != nil {
		return nil, err
	}
	return json.Marshal(putChunkResp{HashHex: hash.String()})
}

func decodeHex(s string) ([]byte, error) {
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: malformed hex")
	}
	return out, nil
}
