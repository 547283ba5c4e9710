package rpcwire

// Command names the RPC operations carried over the frame protocol
// (spec.md §6). Names are at most CommandBytes (16) ASCII characters.
const (
	CmdPutChunk        = "PUT_CHUNK"
	CmdPutAsset        = "PUT_ASSET"
	CmdGetAsset        = "GET_ASSET"
	CmdDeleteAsset     = "DELETE_ASSET"
	CmdListAssets      = "LIST_ASSETS"
	CmdVectorSearch    = "VECTOR_SEARCH"
	CmdCreateSnapshot  = "CREATE_SNAPSHOT"
	CmdGetSnapshot     = "GET_SNAPSHOT"
	CmdVerifySnapshot  = "VERIFY_SNAPSHOT"
	CmdSubscribeEvents = "SUBSCRIBE_EVENTS"
	CmdCreateBranch    = "CREATE_BRANCH"
	CmdGetBranch       = "GET_BRANCH"
	CmdListBranches    = "LIST_BRANCHES"
	CmdDeleteBranch    = "DELETE_BRANCH"
	CmdBranchHistory   = "BRANCH_HISTORY"
	CmdCreateTag       = "CREATE_TAG"
	CmdGetTag          = "GET_TAG"
	CmdListTags        = "LIST_TAGS"
	CmdListNamespaces  = "LIST_NS"
	CmdHealthCheck     = "HEALTH_CHECK"
	CmdIntrospect      = "INTROSPECT"

	// CmdStreamData marks a continuation frame carrying a piece of a
	// server-streamed (GetAsset, SubscribeEvents) payload.
	CmdStreamData = "STREAM_DATA"
	// CmdStreamEnd marks the final frame of a streamed exchange.
	CmdStreamEnd = "STREAM_END"
	// CmdError carries an encoded aifserr.Error as a response payload.
	CmdError = "ERROR"
)

// DefaultPort is the default TCP listen port for the RPC surface
// (spec.md §6).
const DefaultPort = 50051
