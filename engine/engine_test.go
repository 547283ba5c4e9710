package engine

import (
	"testing"

	"aifs.dev/engine/assetmgr"
	"aifs.dev/engine/codec"
	"aifs.dev/engine/engineconfig"
)

func testConfig(t *testing.T) engineconfig.Config {
	t.Helper()
	cfg := engineconfig.Default()
	cfg.StorageDir = t.TempDir()
	return cfg
}

func TestOpenWiresAllSubsystems(t *testing.T) {
	e, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if e.Meta == nil || e.Chunks == nil || e.Txns == nil || e.Vectors == nil || e.Assets == nil || e.Authz == nil {
		t.Fatalf("expected every subsystem to be wired, got %+v", e)
	}
	if e.Assets.SigningKeyID == "" {
		t.Fatalf("expected the asset manager's signing key to be registered")
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompressionLevel = 99
	if _, err := Open(cfg); err == nil {
		t.Fatalf("expected Open to reject an invalid config")
	}
}

func TestEngineEndToEndPutAndSnapshot(t *testing.T) {
	e, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	asset, err := e.Assets.PutAsset(assetPutRequest())
	if err != nil {
		t.Fatalf("PutAsset: %v", err)
	}

	_, payload, err := e.Assets.GetAsset(asset.ID)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if string(payload) != "engine-test-payload" {
		t.Fatalf("unexpected payload: %q", payload)
	}

	snap, err := e.Assets.CreateSnapshot(asset.Namespace)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if snap.AssetCount != 1 {
		t.Fatalf("expected snapshot to cover 1 asset, got %d", snap.AssetCount)
	}
}

func assetPutRequest() assetmgr.PutRequest {
	return assetmgr.PutRequest{
		Namespace: "engine-ns",
		Kind:      "blob",
		Codec:     codec.KindBlob,
		Payload:   []byte("engine-test-payload"),
	}
}
