// Package config implements the Node Manager's configuration set (spec.md
// §6 EXTERNAL INTERFACES, "Configuration inputs") and a small in-memory
// index over it for range-scan lookups by subsystem/node.
//
// Config itself is a flat struct passed by reference through every
// component's constructor; nothing here is held in a package-level
// global (spec.md §9 "Global state"). Loading follows the teacher's
// cmd/authn/main.go idiom: a command-line flag with an environment
// variable fallback, cos.ExitLogf on anything required that's missing.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package config

import (
	"flag"
	"net"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/jausmesh/nodemgr/cmn/cos"
)

// Transport selects the default wire transport a node brings up at
// Initialize (spec.md §6).
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
)

// Defaults per spec.md §6.
const (
	DefaultMBSize                = 4 << 20
	DefaultMulticastGroup        = "224.1.0.1"
	DefaultMulticastTTL          = 1
	DefaultAddressConflictWindow = 1750 * time.Millisecond
)

// Environment variable names, mirroring the teacher's api/env table of
// named environment overrides for each daemon flag.
const (
	EnvSubsystemID         = "JAUSMESH_SUBSYSTEM_ID"
	EnvNodeID              = "JAUSMESH_NODE_ID"
	EnvTransport           = "JAUSMESH_TRANSPORT"
	EnvNetInterface        = "JAUSMESH_NET_INTERFACE"
	EnvMulticast           = "JAUSMESH_MULTICAST_GROUP"
	EnvNodeConnectionsFile = "JAUSMESH_NODE_CONNECTIONS_FILE"
	EnvLogData             = "JAUSMESH_LOGDATA"
)

// NodeConnection is one entry of the node_connections configuration list:
// a statically configured peer that must never be evicted by address-
// conflict or staleness handling (spec.md §6).
type NodeConnection struct {
	Subsystem byte   `json:"subsystem"`
	Node      byte   `json:"node"`
	// Kind picks the transport this entry dials over: "udp", "tcp", or
	// "serial". Empty means "follow the node's default Transport" (udp or
	// tcp; never serial, which must be named explicitly).
	Kind string `json:"kind,omitempty"`
	// Host is either "host:port" (udp/tcp transport) or a serial device
	// path (e.g. "/dev/ttyUSB0"), disambiguated by Kind.
	Host       string `json:"host"`
	SerialBaud int    `json:"serial_baud,omitempty"`
}

// nodeConnectionsFile is the on-disk shape for the node_connections
// configuration option (spec.md §6): a named, non-evictable peer list too
// structured to pass as repeated flags.
type nodeConnectionsFile struct {
	NodeConnections []NodeConnection `json:"node_connections"`
}

// LoadNodeConnectionsFile reads path as JSON and returns its
// node_connections list (spec.md §6). An empty path is not an error: it
// means no static peers were configured.
func LoadNodeConnectionsFile(path string) ([]NodeConnection, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f nodeConnectionsFile
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.NodeConnections, nil
}

// Identification is the subsystem_identification configuration block:
// authority, type, and name advertised for the local subsystem (spec.md
// §6).
type Identification struct {
	Authority byte
	Type      string
	Name      string
}

// Config is the flat configuration set every component is constructed
// with, per spec.md §6's "Configuration inputs" table.
type Config struct {
	SubsystemID byte
	NodeID      byte

	Transport    Transport
	MBSize       int
	Multicast    string
	TTL          int
	NetInterface string

	SubsystemDiscovery bool
	NodeConnections    []NodeConnection
	SubsystemIdent     Identification

	LogData bool

	// AddressConflictWindow is how long Initialize waits, listening for a
	// competing claim, before declaring an address uncontested.
	AddressConflictWindow time.Duration
}

// Default returns a Config populated with spec.md §6's stated defaults;
// callers still must set SubsystemID and NodeID before Validate passes.
func Default() *Config {
	return &Config{
		Transport:             TransportUDP,
		MBSize:                DefaultMBSize,
		Multicast:             DefaultMulticastGroup,
		TTL:                   DefaultMulticastTTL,
		AddressConflictWindow: DefaultAddressConflictWindow,
	}
}

// Validate checks the required fields and the multicast-group constraint
// (spec.md §6: must fall within 224.0.0.0/4).
func (c *Config) Validate() error {
	if c.SubsystemID == 0 || c.SubsystemID == 0xff {
		return cos.ErrInvalidAddress
	}
	if c.NodeID == 0 || c.NodeID == 0xff {
		return cos.ErrInvalidAddress
	}
	if c.Transport != TransportUDP && c.Transport != TransportTCP {
		return cos.ErrInvalidValue
	}
	if c.Transport == TransportUDP && !validMulticastGroup(c.Multicast) {
		return cos.ErrInvalidValue
	}
	return nil
}

func validMulticastGroup(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsMulticast()
}

// RegisterFlags wires the command-line flags cmd/nodemanager's main reads,
// following the teacher's one-flag-per-var idiom (cmd/authn/main.go's
// flag.StringVar(&configPath, "config", ...)) for the scalar options held
// in Flags (the other Config fields keep their Default() values), since
// this module's configuration is small enough to pass as flags/env
// instead of a file on disk. The one structured option, node_connections
// (spec.md §6: a list of static peers), is the exception: it gets its own
// file-path flag and a small JSON loader (LoadNodeConnectionsFile) instead
// of being flattened into repeated flag occurrences.
type Flags struct {
	SubsystemID         uint
	NodeID              uint
	Transport           string
	NetInterface        string
	Multicast           string
	NodeConnectionsFile string
	LogData             bool
}

// RegisterFlags registers fs's flags into f's fields and returns f so
// callers can read them back after flag.Parse.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.UintVar(&f.SubsystemID, "subsystem", 0, "local subsystem ID (1-254)")
	fs.UintVar(&f.NodeID, "node", 0, "local node ID (1-254)")
	fs.StringVar(&f.Transport, "transport", "", "default transport: udp or tcp")
	fs.StringVar(&f.NetInterface, "iface", "", "network interface for multicast/broadcast")
	fs.StringVar(&f.Multicast, "multicast", "", "multicast group address")
	fs.StringVar(&f.NodeConnectionsFile, "node-connections", "", "path to a JSON file listing static node_connections peers")
	fs.BoolVar(&f.LogData, "logdata", false, "open a log file at startup instead of logging to stderr only")
	return f
}

// FromFlags builds a Config starting from Default(), applying f's set
// flags, then falling back to the matching environment variable for
// anything the flags left unset -- flag wins over env, env wins over
// default, mirroring cmd/authn/main.go's config-dir precedence.
func FromFlags(f *Flags) *Config {
	c := Default()

	c.SubsystemID = byte(firstUint(f.SubsystemID, envUint(EnvSubsystemID)))
	c.NodeID = byte(firstUint(f.NodeID, envUint(EnvNodeID)))

	if t := firstString(f.Transport, os.Getenv(EnvTransport)); t != "" {
		c.Transport = Transport(t)
	}
	c.NetInterface = firstString(f.NetInterface, os.Getenv(EnvNetInterface))
	if mc := firstString(f.Multicast, os.Getenv(EnvMulticast)); mc != "" {
		c.Multicast = mc
	}
	c.LogData = f.LogData || os.Getenv(EnvLogData) == "true"
	return c
}

func firstString(flagVal, envVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return envVal
}

func firstUint(flagVal uint, envVal uint) uint {
	if flagVal != 0 {
		return flagVal
	}
	return envVal
}

func envUint(name string) uint {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	var n uint
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + uint(r-'0')
	}
	return n
}

// MustLoad builds a Config from fs/f and exits the process via
// cos.ExitLogf if the result fails Validate, matching cmd/authn/main.go's
// "missing configuration" fatal-exit behavior.
func MustLoad(f *Flags) *Config {
	c := FromFlags(f)
	if err := c.Validate(); err != nil {
		cos.ExitLogf("invalid configuration (subsystem=%d node=%d transport=%s multicast=%s): %v",
			c.SubsystemID, c.NodeID, c.Transport, c.Multicast, err)
	}

	if path := firstString(f.NodeConnectionsFile, os.Getenv(EnvNodeConnectionsFile)); path != "" {
		conns, err := LoadNodeConnectionsFile(path)
		if err != nil {
			cos.ExitLogf("failed to load node_connections file %s: %v", path, err)
		}
		c.NodeConnections = conns
	}
	return c
}
