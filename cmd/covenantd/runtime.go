package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"crypto/ed25519"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-coop/covenant/core"
	"github.com/synnergy-coop/covenant/pkg/config"
)

// Runtime wires every subsystem into one node process. Each subcommand
// builds its own Runtime through loadRuntime before doing its work.
type Runtime struct {
	cfg *config.Config

	KV        *core.FileKVStore
	Blobs     *core.BlobStore
	DAG       *core.EntityDAGStore
	Keys      *core.KeyManager
	Auths     *core.AuthorizationStore
	Budgets   *core.BudgetEngine
	Tokens    *core.TokenLedger
	Policies  *core.PolicyStore
	Events    *core.EventBus
	Kernel    *core.Kernel
	Health    *core.HealthMonitor
	HostEnv   *core.HostEnv
	Sandbox   *core.Sandbox
	Sandboxes *core.SandboxRegistry

	NodeDID DID
	nodeKey core.KeyPair
}

// DID aliases core.DID so callers of this package don't need to import core
// for the one type they touch at the CLI boundary.
type DID = core.DID

// NewRuntime constructs every subsystem over cfg's storage path and, if
// cfg.Node.KeyFile already holds a persisted keypair, reuses it instead of
// minting a fresh node identity on every restart.
func NewRuntime(cfg *config.Config) (*Runtime, error) {
	kv, err := core.OpenFileKVStore(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}

	health := core.NewHealthMonitor()

	blobs := core.NewBlobStore(kv, cfg.Storage.MaxBlobBytes)
	dag := core.NewEntityDAGStore(kv)
	dag.SetHealthMonitor(health)
	keys := core.NewKeyManager()
	auths := core.NewAuthorizationStore(kv)
	budgets := core.NewBudgetEngine(auths)
	budgets.SetHealthMonitor(health)
	budgets.SetKVStore(kv)
	tokens := core.NewTokenLedger()
	policies := core.NewPolicyStore(blobs)
	events := core.NewEventBus()
	events.SetKVStore(kv)

	nodeDID, nodeKey, err := loadOrCreateNodeKey(keys, cfg.Node.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load node key: %w", err)
	}

	kernel := core.NewKernel(dag, keys, events, nodeDID, nodeKey)
	kernel.SetHealthMonitor(health)
	kernel.SetKVStore(kv)

	hostEnv := core.NewHostEnv(kv, blobs, dag, keys, auths, budgets, tokens, policies)
	hostEnv.Health = health
	sandboxes := core.NewSandboxRegistry()
	sandbox := core.NewSandbox(hostEnv)
	sandbox.SetRegistry(sandboxes)

	return &Runtime{
		cfg: cfg, KV: kv, Blobs: blobs, DAG: dag, Keys: keys, Auths: auths,
		Budgets: budgets, Tokens: tokens, Policies: policies, Events: events,
		Kernel: kernel, Health: health, HostEnv: hostEnv, Sandbox: sandbox,
		Sandboxes: sandboxes, NodeDID: nodeDID, nodeKey: nodeKey,
	}, nil
}

// loadOrCreateNodeKey reads a hex-encoded Ed25519 seed from path, or mints
// and persists a fresh one if the file is absent. The private key material
// never leaves this function except inside the returned core.KeyPair, which
// the caller hands straight to the key manager.
func loadOrCreateNodeKey(keys *core.KeyManager, path string) (core.DID, core.KeyPair, error) {
	if raw, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(string(raw))
		if err != nil || len(seed) != ed25519.SeedSize {
			return "", core.KeyPair{}, fmt.Errorf("malformed node key file %s", path)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		pub := priv.Public().(ed25519.PublicKey)
		did := core.DIDKeyFromPublic(pub)
		kp := core.KeyPair{Public: pub, Private: priv}
		keys.ImportKeyPair(did, kp)
		if err := keys.RegisterEntityMetadata(core.EntityMetadata{EntityDID: did, EntityType: "Node"}); err != nil {
			logrus.WithField("did", did).Debug("node entity metadata already registered")
		}
		return did, kp, nil
	}

	did, _, err := keys.GenerateAndStoreDIDKey()
	if err != nil {
		return "", core.KeyPair{}, err
	}
	kp, _ := keys.GetKey(did)
	seed := kp.Private.Seed()
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return "", core.KeyPair{}, fmt.Errorf("persist node key: %w", err)
	}
	logrus.WithField("did", did).Info("minted fresh node identity")
	return did, kp, nil
}

// Close flushes durable state to disk.
func (r *Runtime) Close() error {
	return r.KV.Save()
}
