// Package config loads the two TOML configuration documents described in
// spec.md §6: a server document ([server] plus arbitrary back-end
// sections) and a client document ([nbd], [server], [backend]). Parsing
// uses github.com/BurntSushi/toml — the one ambient concern in this repo
// without a pack-internal grounding example (see DESIGN.md).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// DefaultMaxErrors matches internal/reactor.DefaultMaxErrors; duplicated
// here (rather than imported) to keep config free of a dependency on the
// reactor package.
const DefaultMaxErrors = 10

// ServerSection is the server document's [server] table.
type ServerSection struct {
	Address    string `toml:"address"`
	Port       int    `toml:"port"`
	MaxErrors  int    `toml:"max_errors"`
	SocketPath string `toml:"socket_path"`
}

// ServerDocument is a fully parsed server configuration file: the
// [server] table plus every other top-level table, keyed by section name,
// handed opaquely to the matching back end's handler factory.
type ServerDocument struct {
	Server   ServerSection
	Backends map[string]map[string]interface{}
}

// LoadServerDocument reads and parses a server configuration file at path.
func LoadServerDocument(path string) (ServerDocument, error) {
	var typed struct {
		Server ServerSection `toml:"server"`
	}
	if _, err := toml.DecodeFile(path, &typed); err != nil {
		return ServerDocument{}, fmt.Errorf("config: parse server document: %w", err)
	}
	if typed.Server.MaxErrors == 0 {
		typed.Server.MaxErrors = DefaultMaxErrors
	}

	raw := map[string]interface{}{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return ServerDocument{}, fmt.Errorf("config: parse server document: %w", err)
	}
	delete(raw, "server")

	backends := make(map[string]map[string]interface{}, len(raw))
	for name, v := range raw {
		section, ok := v.(map[string]interface{})
		if !ok {
			return ServerDocument{}, fmt.Errorf("config: section %q is not a table", name)
		}
		backends[name] = section
	}

	return ServerDocument{Server: typed.Server, Backends: backends}, nil
}

// NBDSection is the client document's [nbd] table.
type NBDSection struct {
	File      string `toml:"file"`
	BlockSize uint32 `toml:"blocksize"`
	Timeout   uint32 `toml:"timeout"`
}

// ClientServerSection is the client document's [server] table: the
// address of the server to dial, as opposed to ServerSection, which is
// the server's own listen configuration.
type ClientServerSection struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// BackendSection is the client document's [backend] table: a back-end
// name plus whatever back-end-specific keys accompany it.
type BackendSection struct {
	Name    string
	Options map[string]interface{}
}

// ClientDocument is a fully parsed client configuration file.
type ClientDocument struct {
	NBD     NBDSection
	Server  ClientServerSection
	Backend BackendSection
}

// LoadClientDocument reads and parses a client configuration file at path.
func LoadClientDocument(path string) (ClientDocument, error) {
	var typed struct {
		NBD    NBDSection          `toml:"nbd"`
		Server ClientServerSection `toml:"server"`
	}
	if _, err := toml.DecodeFile(path, &typed); err != nil {
		return ClientDocument{}, fmt.Errorf("config: parse client document: %w", err)
	}

	raw := map[string]interface{}{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return ClientDocument{}, fmt.Errorf("config: parse client document: %w", err)
	}

	backendRaw, _ := raw["backend"].(map[string]interface{})
	name, _ := backendRaw["name"].(string)
	if name == "" {
		return ClientDocument{}, fmt.Errorf("config: [backend] section requires a non-empty name")
	}
	delete(backendRaw, "name")

	return ClientDocument{
		NBD:    typed.NBD,
		Server: typed.Server,
		Backend: BackendSection{
			Name:    name,
			Options: backendRaw,
		},
	}, nil
}
