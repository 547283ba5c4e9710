// Package engine owns the durable lifetime of one AIFS instance: the
// chunk store, metadata store, transaction manager, vector index, KMS
// provider and signer, and authorizer, wired together per
// engineconfig.Config. One Engine per process, its lifetime spanning the
// whole process lifetime (spec.md §9 "scoped engine, no module-level
// singletons") — no package-level global state anywhere in this stack.
// Grounded on the teacher's top-level wiring in cmd/rubin-node/main.go,
// stripped of its P2P/consensus-specific pieces.
package engine

import (
	"crypto/rand"
	"path/filepath"
	"time"

	"aifs.dev/engine/aifserr"
	"aifs.dev/engine/assetmgr"
	"aifs.dev/engine/authz"
	"aifs.dev/engine/chunkstore"
	"aifs.dev/engine/engineconfig"
	"aifs.dev/engine/kms"
	"aifs.dev/engine/metastore"
	"aifs.dev/engine/txn"
	"aifs.dev/engine/vectorindex"
)

// Version identifies this build for Introspect responses.
const Version = "aifs-engine/0.1"

// Engine is the fully-wired set of AIFS subsystems for one instance.
type Engine struct {
	Config    engineconfig.Config
	Meta      *metastore.Store
	Chunks    *chunkstore.Store
	Txns      *txn.Manager
	Vectors   *vectorindex.Index
	KMS       *kms.LocalProvider
	Signer    *kms.Signer
	Assets    *assetmgr.Manager
	Authz     *authz.Issuer
	Events    *assetmgr.EventBus
	StartedAt time.Time
}

// Open validates cfg, opens every durable store beneath cfg.StorageDir,
// generates a fresh signing keypair and authorizer secret, and returns a
// ready-to-serve Engine. Closing the returned Engine is the caller's
// responsibility (Close).
func Open(cfg engineconfig.Config) (*Engine, error) {
	if err := engineconfig.Validate(cfg); err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInvalidArgument, err)
	}

	meta, err := metastore.Open(cfg.StorageDir)
	if err != nil {
		return nil, err
	}

	provider, err := kms.NewLocalProvider()
	if err != nil {
		_ = meta.Close()
		return nil, err
	}

	chunks, err := chunkstore.Open(filepath.Join(cfg.StorageDir, "chunks"), provider, meta)
	if err != nil {
		_ = meta.Close()
		return nil, err
	}

	signer, err := kms.NewSigner()
	if err != nil {
		_ = meta.Close()
		return nil, err
	}

	txnMgr := txn.NewManager(meta)
	vectors := vectorindex.NewIndex()

	authzSecret := make([]byte, 32)
	if _, err := rand.Read(authzSecret); err != nil {
		_ = meta.Close()
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	issuer := authz.NewIssuer(authzSecret)
	events := assetmgr.NewEventBus()

	assets := &assetmgr.Manager{
		Chunks:  chunks,
		Meta:    meta,
		Txns:    txnMgr,
		KMS:     provider,
		Signer:  signer,
		Vectors: vectors,
		Events:  events,
	}
	if err := assets.RegisterSigningKey(); err != nil {
		_ = meta.Close()
		return nil, err
	}

	return &Engine{
		Config:    cfg,
		Meta:      meta,
		Chunks:    chunks,
		Txns:      txnMgr,
		Vectors:   vectors,
		KMS:       provider,
		Signer:    signer,
		Assets:    assets,
		Authz:     issuer,
		Events:    events,
		StartedAt: time.Now(),
	}, nil
}

// Close releases every durable resource the Engine owns.
func (e *Engine) Close() error {
	return e.Meta.Close()
}
