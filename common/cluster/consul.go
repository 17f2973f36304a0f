package cluster

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	consul "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
)

const (
	// GrpcNetworkEnv optionally names the CIDR of the network dedicated to node-to-node traffic.
	GrpcNetworkEnv = "MLCLUSTER_GRPC_NETWORK"

	nodeNameMetaKey = "node_name"
)

// ConsulMembership discovers peers through the Consul catalog. Every node registers itself as an instance of
// the same service, with its roles as tags, and only healthy instances are reported as members.
type ConsulMembership struct {
	log logger.Logger

	client  *consul.Client
	service string

	local Node
	host  string
	port  int

	// last is the most recent successful listing. It is returned when Consul cannot be reached.
	last []Node
	mu   sync.Mutex
}

// NewConsulMembership connects to the Consul agent at addr. local.Address must be "host:port"; an empty host
// is replaced by this machine's address.
func NewConsulMembership(addr string, service string, local Node) (*ConsulMembership, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = addr

	client, err := consul.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	host, portStr, err := net.SplitHostPort(local.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid node address \"%s\"", local.Address)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid port in node address \"%s\"", local.Address)
	}

	membership := &ConsulMembership{
		client:  client,
		service: service,
		port:    port,
	}
	config.InitLogger(&membership.log, "Consul ")

	if host == "" || host == "0.0.0.0" {
		if host, err = membership.getLocalIP(); err != nil {
			return nil, err
		}
	}

	membership.host = host
	local.Address = net.JoinHostPort(host, portStr)
	membership.local = local
	membership.last = []Node{local}

	return membership, nil
}

// getLocalIP looks for the network device dedicated to node-to-node traffic, as named by GrpcNetworkEnv.
// If there is none, it returns the first non-loopback IPv4 address.
func (m *ConsulMembership) getLocalIP() (string, error) {
	var ips []net.IP

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			ips = append(ips, ipnet.IP)
		}
	}

	if len(ips) == 0 {
		return "", fmt.Errorf("registry: can not find local ip")
	}

	if len(ips) == 1 {
		return ips[0].String(), nil
	}

	grpcNet := os.Getenv(GrpcNetworkEnv)
	_, ipNetGrpc, err := net.ParseCIDR(grpcNet)
	if err != nil {
		m.log.Warn("An invalid network CIDR is set in environment %s: \"%v\"", GrpcNetworkEnv, grpcNet)
		return ips[0].String(), nil
	}

	for _, ip := range ips {
		if ipNetGrpc.Contains(ip) {
			m.log.Info("Node traffic is routed to the dedicated network %s", ip.String())
			return ip.String(), nil
		}
	}

	return ips[0].String(), nil
}

// Register adds the local node to the Consul catalog with a TCP health check on its address.
func (m *ConsulMembership) Register() error {
	tags := make([]string, 0, len(m.local.Roles))
	for _, role := range m.local.Roles {
		tags = append(tags, string(role))
	}

	reg := &consul.AgentServiceRegistration{
		ID:      m.local.ID,
		Name:    m.service,
		Port:    m.port,
		Address: m.host,
		Tags:    tags,
		Meta:    map[string]string{nodeNameMetaKey: m.local.Name},
		Check: &consul.AgentServiceCheck{
			TCP:                            m.local.Address,
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}

	m.log.Info("Trying to register service [ name: %s, id: %s, address: %s ]", m.service, m.local.ID, m.local.Address)
	return m.client.Agent().ServiceRegister(reg)
}

// Deregister removes the local node from the catalog.
func (m *ConsulMembership) Deregister() error {
	return m.client.Agent().ServiceDeregister(m.local.ID)
}

func (m *ConsulMembership) LocalNode() Node {
	return m.local
}

// Nodes lists the healthy instances of the service. The local node is always included.
func (m *ConsulMembership) Nodes() []Node {
	entries, _, err := m.client.Health().Service(m.service, "", true, nil)
	if err != nil {
		m.log.Warn("Failed to list cluster members from Consul, using the last known membership: %v", err)

		m.mu.Lock()
		defer m.mu.Unlock()
		return append([]Node(nil), m.last...)
	}

	nodes := []Node{m.local}
	for _, entry := range entries {
		if entry.Service == nil || entry.Service.ID == m.local.ID {
			continue
		}
		nodes = append(nodes, nodeFromService(entry.Service))
	}
	sortNodes(nodes)

	m.mu.Lock()
	m.last = nodes
	m.mu.Unlock()

	return append([]Node(nil), nodes...)
}

func nodeFromService(service *consul.AgentService) Node {
	roles := make([]Role, 0, len(service.Tags))
	for _, tag := range service.Tags {
		roles = append(roles, Role(tag))
	}

	name := service.Meta[nodeNameMetaKey]
	if name == "" {
		name = service.ID
	}

	return Node{
		ID:      service.ID,
		Name:    name,
		Address: net.JoinHostPort(service.Address, strconv.Itoa(service.Port)),
		Roles:   roles,
	}
}
