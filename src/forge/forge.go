// Package forge assembles the engine: identity key, store, transport, gossip
// engine, fetch scheduler, orchestrator, and control service.
package forge

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/forgenet/forge/src/config"
	"github.com/forgenet/forge/src/crypto/keys"
	"github.com/forgenet/forge/src/fetch"
	"github.com/forgenet/forge/src/gossip"
	"github.com/forgenet/forge/src/net"
	"github.com/forgenet/forge/src/node"
	"github.com/forgenet/forge/src/peers"
	"github.com/forgenet/forge/src/service"
	"github.com/forgenet/forge/src/store"
)

// Forge is a fully assembled node.
type Forge struct {
	Config    *config.Config
	Node      *node.Node
	Transport *net.Transport
	Store     *store.Store
	Backend   fetch.Backend
	Service   *service.Service

	engine    *gossip.Engine
	scheduler *fetch.Scheduler
	bootstrap []*peers.Peer
}

// NewForge ...
func NewForge(conf *config.Config) *Forge {
	return &Forge{
		Config: conf,
	}
}

// requesterProxy breaks the construction cycle between the scheduler and the
// node: the scheduler is built against the proxy, which is pointed at the
// node once it exists.
type requesterProxy struct {
	node *node.Node
}

func (r *requesterProxy) RequestFetch(ctx context.Context, repo string, nodeHex string, known gossip.RefState) (*gossip.FetchResponse, error) {
	if r.node == nil {
		return nil, fmt.Errorf("node not initialized")
	}
	return r.node.RequestFetch(ctx, repo, nodeHex, known)
}

func (f *Forge) initKey() error {
	if f.Config.Key == nil {
		keyfile := keys.NewSimpleKeyfile(f.Config.Keyfile())

		privKey, err := keyfile.ReadKey()
		if err != nil {
			f.Config.Logger().WithError(err).Warn("Cannot read private key from file")

			privKey, err = Keygen(f.Config.Keyfile())
			if err != nil {
				f.Config.Logger().WithError(err).Error("Cannot generate a new private key")
				return err
			}

			f.Config.Logger().WithField(
				"pub", keys.PublicKeyHex(&privKey.PublicKey),
			).Info("Created a new key")
		}

		f.Config.Key = privKey
	}
	return nil
}

func (f *Forge) initStore() error {
	var err error
	f.Store, err = store.NewStore(f.Config.DatabaseDir, f.Config.Logger())
	return err
}

func (f *Forge) initPeers() error {
	peerStore := peers.NewJSONPeers(f.Config.DataDir)

	bootstrap, err := peerStore.Peers()
	if err != nil {
		// a missing bootstrap file is fine; the node can still accept
		// inbound sessions or be connected by command
		f.Config.Logger().WithError(err).Debug("No bootstrap peers")
		return nil
	}

	for _, peer := range bootstrap {
		if err := f.Store.UpsertPeer(peer); err != nil {
			return err
		}
	}

	f.bootstrap = bootstrap
	return nil
}

func (f *Forge) initTransport() error {
	stream, err := net.NewTCPStreamLayer(f.Config.BindAddr, f.Config.AdvertiseAddr)
	if err != nil {
		return err
	}

	f.Transport = net.NewTransport(
		f.Config.Key,
		stream,
		f.Config.HandshakeTimeout,
		f.Config.DialTimeout,
		f.Config.Logger(),
	)

	return nil
}

func (f *Forge) initBackend() error {
	if f.Config.Backend == nil {
		f.Config.Logger().Debug("No repository backend configured; using in-mem backend")
		f.Config.Backend = fetch.NewInmemBackend(fetch.NewInmemNetwork())
	}
	f.Backend = f.Config.Backend
	return nil
}

func (f *Forge) initNode() error {
	f.engine = gossip.NewEngine(
		f.Config.Key,
		f.Store,
		gossip.NewDedup(f.Config.DedupHorizon, f.Config.DedupLimit),
		f.Config.Logger(),
	)

	proxy := &requesterProxy{}
	f.scheduler = fetch.NewScheduler(
		f.Backend,
		proxy,
		f.Config.MaxFetches,
		f.Config.FetchAttempts,
		f.Config.FetchTimeout,
		f.Config.Logger(),
	)

	nodeConf := node.NewConfig(
		f.Config.PingInterval,
		f.Config.MaintenanceInterval,
		f.Config.RoutingTTL,
		f.Config.Logger(),
	)

	f.Node = node.NewNode(
		nodeConf,
		node.NewIdentity(f.Config.Key, f.Config.Moniker),
		f.Store,
		f.Transport,
		f.engine,
		f.Backend,
		f.scheduler,
	)
	proxy.node = f.Node

	if err := f.Node.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	return nil
}

func (f *Forge) initService() error {
	f.Service = service.NewService(f.Node, f.Config.Logger())
	return nil
}

// Init assembles all the components.
func (f *Forge) Init() error {
	if err := f.initKey(); err != nil {
		return err
	}

	if err := f.initStore(); err != nil {
		return err
	}

	if err := f.initPeers(); err != nil {
		return err
	}

	if err := f.initTransport(); err != nil {
		return err
	}

	if err := f.initBackend(); err != nil {
		return err
	}

	if err := f.initNode(); err != nil {
		return err
	}

	if err := f.initService(); err != nil {
		return err
	}

	return nil
}

// Run connects to the bootstrap peers and drives the node until Shutdown.
func (f *Forge) Run() {
	go f.connectBootstrap()
	f.Node.Run()
}

// Shutdown stops the node and releases the store.
func (f *Forge) Shutdown() {
	f.Node.Shutdown()
	f.Store.Close()
}

// connectBootstrap dials every configured address of every bootstrap peer
// until one session per peer is up.
func (f *Forge) connectBootstrap() {
	for _, peer := range f.bootstrap {
		if peer.PubKeyHex == keys.PublicKeyHex(&f.Config.Key.PublicKey) {
			continue
		}
		for _, addr := range peer.Addresses {
			if err := f.Node.Connect(addr.NetAddr); err != nil {
				f.Config.Logger().WithField(
					"addr", addr.NetAddr,
				).WithError(err).Warn("Bootstrap dial failed")
				continue
			}
			break
		}
	}
}

// Keygen generates a new key and persists it to the given keyfile. It refuses
// to overwrite an existing key.
func Keygen(keyfile string) (*ecdsa.PrivateKey, error) {
	simpleKeyfile := keys.NewSimpleKeyfile(keyfile)

	if _, err := simpleKeyfile.ReadKey(); err == nil {
		return nil, fmt.Errorf("another key already lives under %s", keyfile)
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := simpleKeyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
