package peers

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
)

const jsonPeerPath = "peers.json"

// JSONPeers provides bootstrap peer persistence on disk in the form of a JSON
// file. It seeds the address book with configured peers at startup.
type JSONPeers struct {
	l    sync.Mutex
	path string
}

// NewJSONPeers creates a new JSONPeers with reference to a base directory
// where the JSON file resides.
func NewJSONPeers(base string) *JSONPeers {
	store := &JSONPeers{
		path: filepath.Join(base, jsonPeerPath),
	}
	return store
}

// Peers parses the underlying JSON file and returns the bootstrap peers. All
// addresses read from the file are marked as configured.
func (j *JSONPeers) Peers() ([]*Peer, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	if len(buf) == 0 {
		return nil, nil
	}

	var peers []*Peer
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&peers); err != nil {
		return nil, err
	}

	cleansePeers(peers)

	return peers, nil
}

// cleansePeers standardises the public key strings to match the format the
// engine derives from a private key, and pins address sources.
func cleansePeers(peers []*Peer) {
	for _, peer := range peers {
		peer.PubKeyHex = "0X" + strings.TrimPrefix(strings.ToUpper(peer.PubKeyHex), "0X")
		for i := range peer.Addresses {
			peer.Addresses[i].Source = SourceConfigured
		}
	}
}

// Write persists bootstrap peers to the JSON file.
func (j *JSONPeers) Write(peers []*Peer) error {
	j.l.Lock()
	defer j.l.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(peers); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, buf.Bytes(), 0600)
}
