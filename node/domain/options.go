package domain

import (
	"fmt"
	"os"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/configuration"
)

const (
	DefaultPort            = 9300
	DefaultPrometheusPort  = 8089
	DefaultConsulService   = "ml-node"
	DefaultRedisDatabase   = 0
	DefaultRedisPrefix     = "mlcluster"
	DefaultGeneralPoolSize = 16
	DefaultExecutePoolSize = 4
	DefaultRPCTimeoutSecs  = 30
	DefaultModelCacheDir   = "/tmp/mlcluster/models"
	DefaultRoles           = "ml"

	// PeerSeparator separates entries of the static peer list.
	PeerSeparator = ","

	// RoleSeparator separates the roles of one node, as in "ml+data".
	RoleSeparator = "+"
)

var (
	ErrInvalidPeer = errors.New("invalid peer entry")
	ErrInvalidRole = errors.New("invalid node role")
)

// NodeOptions are the static options of a node. Dynamic settings live in the settings file.
type NodeOptions struct {
	config.LoggerOptions        `yaml:",inline" json:"logger_options"`
	configuration.CommonOptions `yaml:",inline" json:"common_options"`

	NodeID        string `name:"node_id"        json:"node_id"        yaml:"node_id"        description:"Unique id of this node. A random id is generated if empty."`
	NodeName      string `name:"node_name"      json:"node_name"      yaml:"node_name"      description:"Human readable name of this node. Defaults to the host name."`
	Roles         string `name:"roles"          json:"roles"          yaml:"roles"          description:"Roles of this node joined by '+', e.g. 'ml+data'."`
	AdvertiseAddr string `name:"advertise_addr" json:"advertise_addr" yaml:"advertise_addr" description:"Address other nodes use to reach this node. Defaults to the first non-loopback IP and the gRPC port."`
	Peers         string `name:"peers"          json:"peers"          yaml:"peers"          description:"Static peers as 'id@host:port#roles' joined by ','. Ignored when consul is set."`
	JaegerAddr    string `name:"jaeger"         json:"jaeger"         yaml:"jaeger"         description:"Jaeger agent address."`
	ConsulAddr    string `name:"consul"         json:"consul"         yaml:"consul"         description:"Consul agent address."`
	ConsulService string `name:"consul_service" json:"consul_service" yaml:"consul_service" description:"Name of the consul service every node registers under."`
	RedisAddr     string `name:"redis"          json:"redis"          yaml:"redis"          description:"Redis address used as the document store. An in-memory store is used if empty."`
	RedisPassword string `name:"redis_password" json:"redis_password" yaml:"redis_password" description:"Redis password."`
	RedisPrefix   string `name:"redis_prefix"   json:"redis_prefix"   yaml:"redis_prefix"   description:"Prefix of every Redis key written by the cluster."`
	Port          int    `name:"port"           json:"port"           yaml:"port"           description:"Port that the gRPC service listens on."`
	RedisDatabase int    `name:"redis_database" json:"redis_database" yaml:"redis_database" description:"Redis database number."`
}

// Validate fills in the defaults of unset options.
func (o *NodeOptions) Validate() error {
	if o.NodeID == "" {
		o.NodeID = uuid.NewString()
	}

	if o.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = o.NodeID
		}
		o.NodeName = hostname
	}

	if o.Roles == "" {
		o.Roles = DefaultRoles
	}

	if _, err := ParseRoles(o.Roles); err != nil {
		return err
	}

	if o.Port <= 0 {
		o.Port = DefaultPort
	}

	if o.ConsulService == "" {
		o.ConsulService = DefaultConsulService
	}

	if o.RedisPrefix == "" {
		o.RedisPrefix = DefaultRedisPrefix
	}

	if o.RedisDatabase < 0 {
		fmt.Printf("[WARNING] RedisDatabase configuration is invalid. Using default value: '%d'.\n", DefaultRedisDatabase)
		o.RedisDatabase = DefaultRedisDatabase
	}

	if o.ModelCacheDir == "" {
		o.ModelCacheDir = DefaultModelCacheDir
	}

	if o.PrometheusPort == 0 {
		o.PrometheusPort = DefaultPrometheusPort
	}

	if o.GeneralPoolSize <= 0 {
		o.GeneralPoolSize = DefaultGeneralPoolSize
	}

	if o.ExecutePoolSize <= 0 {
		o.ExecutePoolSize = DefaultExecutePoolSize
	}

	if o.RPCTimeoutSeconds <= 0 {
		o.RPCTimeoutSeconds = DefaultRPCTimeoutSecs
	}

	if _, err := ParsePeers(o.Peers); err != nil {
		return err
	}

	return nil
}

// LocalNode describes this node from the options. address is used when AdvertiseAddr is empty.
func (o *NodeOptions) LocalNode(address string) cluster.Node {
	roles, _ := ParseRoles(o.Roles)
	if o.AdvertiseAddr != "" {
		address = o.AdvertiseAddr
	}

	return cluster.Node{
		ID:      o.NodeID,
		Name:    o.NodeName,
		Address: address,
		Roles:   roles,
	}
}

// ParseRoles parses roles joined by RoleSeparator.
func ParseRoles(s string) ([]cluster.Role, error) {
	var roles []cluster.Role
	for _, part := range strings.Split(s, RoleSeparator) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		role := cluster.Role(part)
		switch role {
		case cluster.RoleML, cluster.RoleData, cluster.RoleClusterManager:
			roles = append(roles, role)
		default:
			return nil, errors.Wrapf(ErrInvalidRole, "\"%s\"", part)
		}
	}
	return roles, nil
}

// ParsePeers parses a static peer list. Each peer is written 'id@host:port', optionally followed by
// '#roles'. Peers without roles are ML nodes.
func ParsePeers(s string) ([]cluster.Node, error) {
	var peers []cluster.Node
	for _, entry := range strings.Split(s, PeerSeparator) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		rolesPart := DefaultRoles
		if idx := strings.Index(entry, "#"); idx >= 0 {
			rolesPart = entry[idx+1:]
			entry = entry[:idx]
		}

		id, address, ok := strings.Cut(entry, "@")
		if !ok || id == "" || address == "" {
			return nil, errors.Wrapf(ErrInvalidPeer, "\"%s\"", entry)
		}

		roles, err := ParseRoles(rolesPart)
		if err != nil {
			return nil, err
		}

		peers = append(peers, cluster.Node{ID: id, Name: id, Address: address, Roles: roles})
	}
	return peers, nil
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (o *NodeOptions) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(o, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (o *NodeOptions) String() string {
	m, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}

	return string(m)
}
