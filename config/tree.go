package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/buntdb"

	"github.com/jausmesh/nodemgr/wire"
)

// Tree is an in-memory index over the live Configuration: which
// components exist on which (subsystem, node), and what each subsystem
// advertises as its identification. It is an index rebuilt from
// heartbeat/query traffic at runtime, not a persistence layer -- closing
// the process loses it, same as every other in-memory table in this
// module.
//
// Grounded on core/meta/bck.go's versioned-tree shape, generalized from a
// single buckets-by-name index to two independent key families sharing
// one buntdb handle opened against ":memory:".
type Tree struct {
	db *buntdb.DB
}

const (
	componentPrefix = "comp/"
	identPrefix     = "ident/"
)

// NewTree opens a fresh in-memory Configuration tree.
func NewTree() (*Tree, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	return &Tree{db: db}, nil
}

// Close releases the underlying buntdb handle.
func (t *Tree) Close() error { return t.db.Close() }

func componentKey(addr wire.Address) string {
	return fmt.Sprintf("%s%03d.%03d.%03d.%03d", componentPrefix, addr.Subsystem, addr.Node, addr.Component, addr.Instance)
}

func nodePrefix(subsystem, node byte) string {
	return fmt.Sprintf("%s%03d.%03d.", componentPrefix, subsystem, node)
}

// RegisterComponent indexes addr so ComponentsOnNode can find it by a
// (subsystem, node) prefix scan instead of a walk over nested maps.
func (t *Tree) RegisterComponent(addr wire.Address) error {
	key := componentKey(addr)
	return t.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, addr.String(), nil)
		return err
	})
}

// UnregisterComponent removes addr from the index, e.g. on disconnect.
func (t *Tree) UnregisterComponent(addr wire.Address) error {
	key := componentKey(addr)
	return t.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// ComponentsOnNode returns every component address registered under
// (subsystem, node), supporting QueryConfiguration.
func (t *Tree) ComponentsOnNode(subsystem, node byte) ([]wire.Address, error) {
	prefix := nodePrefix(subsystem, node)
	var out []wire.Address
	err := t.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual("", prefix, func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				return false
			}
			if addr, ok := parseAddress(value); ok {
				out = append(out, addr)
			}
			return true
		})
	})
	return out, err
}

// SetIdentification records subsystem's identification block.
func (t *Tree) SetIdentification(subsystem byte, ident Identification) error {
	key := fmt.Sprintf("%s%03d", identPrefix, subsystem)
	data, err := json.Marshal(ident)
	if err != nil {
		return err
	}
	return t.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(data), nil)
		return err
	})
}

// Identification returns subsystem's identification block, if known.
func (t *Tree) Identification(subsystem byte) (Identification, bool) {
	key := fmt.Sprintf("%s%03d", identPrefix, subsystem)
	var ident Identification
	found := false
	_ = t.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err != nil {
			return nil
		}
		found = json.Unmarshal([]byte(val), &ident) == nil
		return nil
	})
	return ident, found
}

// SubsystemList returns every distinct subsystem byte seen across both
// component registrations and identification entries, sorted ascending,
// supporting QuerySubsystemList.
func (t *Tree) SubsystemList() ([]byte, error) {
	seen := make(map[byte]bool)
	err := t.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, _ string) bool {
			if ss, ok := subsystemOfKey(key); ok {
				seen[ss] = true
			}
			return true
		})
	})
	out := make([]byte, 0, len(seen))
	for ss := range seen {
		out = append(out, ss)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

func subsystemOfKey(key string) (byte, bool) {
	var rest string
	switch {
	case strings.HasPrefix(key, componentPrefix):
		rest = key[len(componentPrefix):]
	case strings.HasPrefix(key, identPrefix):
		rest = key[len(identPrefix):]
	default:
		return 0, false
	}
	if idx := strings.IndexByte(rest, '.'); idx >= 0 {
		rest = rest[:idx]
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 || n > 0xff {
		return 0, false
	}
	return byte(n), true
}

func parseAddress(s string) (wire.Address, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return wire.Address{}, false
	}
	var b [4]byte
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 0xff {
			return wire.Address{}, false
		}
		b[i] = byte(n)
	}
	return wire.NewAddress(b[0], b[1], b[2], b[3]), true
}
