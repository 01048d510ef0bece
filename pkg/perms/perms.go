// Package perms is a config-driven permission provider: named groups of
// permission nodes, assigned to players by id.
package perms

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"gopkg.in/yaml.v3"
)

// Group is a named set of nodes. Inherit lists groups whose nodes are
// included. A node prefixed with "-" denies it; "x.*" matches every node
// under x.
type Group struct {
	Inherit []string `yaml:"inherit"`
	Nodes   []string `yaml:"nodes"`
}

// Player assigns groups and extra nodes to one player.
type Player struct {
	Groups []string `yaml:"groups"`
	Nodes  []string `yaml:"nodes"`
}

// Config is the permissions section of the daemon configuration.
type Config struct {
	DefaultGroups []string          `yaml:"default_groups"`
	Groups        map[string]Group  `yaml:"groups"`
	Players       map[string]Player `yaml:"players"` // keyed by player uuid
}

// DefaultConfig grants everyone the basic commands and the default limit.
func DefaultConfig() Config {
	return Config{
		DefaultGroups: []string{"default"},
		Groups: map[string]Group{
			"default": {Nodes: []string{
				homedb.PermHome,
				homedb.PermSetHome,
				homedb.PermShare,
			}},
			"admin": {
				Inherit: []string{"default"},
				Nodes: []string{
					homedb.PermBypassCooldown,
					homedb.PermBypassWarmup,
					homedb.PermLimitUnlimited,
				},
			},
		},
	}
}

// LoadFile reads a standalone permissions YAML file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing YAML %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks group references and player ids.
func (c Config) Validate() error {
	for _, g := range c.DefaultGroups {
		if _, ok := c.Groups[g]; !ok {
			return fmt.Errorf("perms: default group %q not defined", g)
		}
	}
	for name, g := range c.Groups {
		for _, parent := range g.Inherit {
			if _, ok := c.Groups[parent]; !ok {
				return fmt.Errorf("perms: group %q inherits undefined group %q", name, parent)
			}
		}
	}
	for id, p := range c.Players {
		if _, err := homedb.ParsePlayerID(id); err != nil {
			return fmt.Errorf("perms: player %q: %w", id, err)
		}
		for _, g := range p.Groups {
			if _, ok := c.Groups[g]; !ok {
				return fmt.Errorf("perms: player %s uses undefined group %q", id, g)
			}
		}
	}
	return nil
}

// compiled is the flattened node table for one config generation.
type compiled struct {
	defaults nodeSet
	players  map[homedb.PlayerID]nodeSet
}

type nodeSet struct {
	allow []string
	deny  []string
}

// Provider implements homedb.Permissions over a Config. Reload swaps the
// config atomically; lookups never block.
type Provider struct {
	table atomic.Pointer[compiled]
}

// NewProvider compiles cfg.
func NewProvider(cfg Config) (*Provider, error) {
	p := &Provider{}
	if err := p.Reload(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload replaces the permission table.
func (p *Provider) Reload(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := &compiled{players: make(map[homedb.PlayerID]nodeSet, len(cfg.Players))}
	c.defaults = collect(cfg, cfg.DefaultGroups, nil)
	for id, pl := range cfg.Players {
		pid, _ := homedb.ParsePlayerID(id)
		groups := append(append([]string{}, cfg.DefaultGroups...), pl.Groups...)
		c.players[pid] = collect(cfg, groups, pl.Nodes)
	}
	p.table.Store(c)
	return nil
}

func collect(cfg Config, groups, extra []string) nodeSet {
	var ns nodeSet
	seen := make(map[string]bool)
	var walk func(name string)
	walk = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		g := cfg.Groups[name]
		for _, parent := range g.Inherit {
			walk(parent)
		}
		ns.add(g.Nodes)
	}
	for _, g := range groups {
		walk(g)
	}
	ns.add(extra)
	return ns
}

func (ns *nodeSet) add(nodes []string) {
	for _, n := range nodes {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if strings.HasPrefix(n, "-") {
			ns.deny = append(ns.deny, n[1:])
		} else {
			ns.allow = append(ns.allow, n)
		}
	}
}

func (p *Provider) nodes(player homedb.PlayerID) nodeSet {
	c := p.table.Load()
	if ns, ok := c.players[player]; ok {
		return ns
	}
	return c.defaults
}

// HasPermission reports whether node is granted and not denied.
func (p *Provider) HasPermission(player homedb.PlayerID, node string) bool {
	node = strings.ToLower(node)
	ns := p.nodes(player)
	for _, d := range ns.deny {
		if matches(d, node) {
			return false
		}
	}
	for _, a := range ns.allow {
		if matches(a, node) {
			return true
		}
	}
	return false
}

// HighestLimit returns the largest hyperhomes.limit.<n> node granted.
// Wildcards do not grant numeric limits.
func (p *Provider) HighestLimit(player homedb.PlayerID) (int, bool) {
	ns := p.nodes(player)
	best, found := 0, false
	for _, a := range ns.allow {
		if !strings.HasPrefix(a, homedb.PermLimitPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(a, homedb.PermLimitPrefix))
		if err != nil || n < 0 {
			continue
		}
		if denied(ns.deny, a) {
			continue
		}
		if !found || n > best {
			best, found = n, true
		}
	}
	return best, found
}

func denied(deny []string, node string) bool {
	for _, d := range deny {
		if d == node {
			return true
		}
	}
	return false
}

// matches compares a granted pattern against a node. "*" matches
// everything and "a.b.*" matches "a.b" and anything below it.
func matches(pattern, node string) bool {
	if pattern == "*" || pattern == node {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return node == prefix || strings.HasPrefix(node, prefix+".")
	}
	return false
}
