package forge

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgenet/forge/src/config"
	"github.com/forgenet/forge/src/crypto/keys"
	"github.com/forgenet/forge/src/peers"
	"github.com/sirupsen/logrus"
)

func testForgeConfig(t *testing.T) *config.Config {
	dir, err := ioutil.TempDir("", "forge_test")
	if err != nil {
		t.Fatal(err)
	}

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.SetDataDir(dir)
	conf.BindAddr = "127.0.0.1:0"

	return conf
}

func TestInitGeneratesKey(t *testing.T) {
	conf := testForgeConfig(t)
	defer os.RemoveAll(conf.DataDir)

	engine := NewForge(conf)
	if err := engine.Init(); err != nil {
		t.Fatal(err)
	}
	defer engine.Shutdown()
	engine.Node.RunAsync()

	// the key was persisted and survives a re-read
	key, err := keys.NewSimpleKeyfile(conf.Keyfile()).ReadKey()
	if err != nil {
		t.Fatal(err)
	}
	if keys.PublicKeyHex(&key.PublicKey) != keys.PublicKeyHex(&conf.Key.PublicKey) {
		t.Fatal("persisted key does not match the running key")
	}
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	dir, err := ioutil.TempDir("", "forge_keygen")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	keyfile := filepath.Join(dir, "priv_key")

	if _, err := Keygen(keyfile); err != nil {
		t.Fatal(err)
	}
	if _, err := Keygen(keyfile); err == nil {
		t.Fatal("expected an error on the second keygen")
	}
}

func TestBootstrapConnect(t *testing.T) {
	confA := testForgeConfig(t)
	defer os.RemoveAll(confA.DataDir)

	engineA := NewForge(confA)
	if err := engineA.Init(); err != nil {
		t.Fatal(err)
	}
	defer engineA.Shutdown()
	engineA.Node.RunAsync()

	// b bootstraps from a peers.json pointing at a
	confB := testForgeConfig(t)
	defer os.RemoveAll(confB.DataDir)

	peerStore := peers.NewJSONPeers(confB.DataDir)
	err := peerStore.Write([]*peers.Peer{
		peers.NewPeer(
			keys.PublicKeyHex(&confA.Key.PublicKey),
			engineA.Transport.LocalAddr(),
			peers.SourceConfigured,
		),
	})
	if err != nil {
		t.Fatal(err)
	}

	engineB := NewForge(confB)
	if err := engineB.Init(); err != nil {
		t.Fatal(err)
	}
	defer engineB.Shutdown()
	go engineB.Run()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sessions, err := engineB.Service.Sessions()
		if err == nil && len(sessions) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the bootstrap session")
}
