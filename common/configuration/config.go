package configuration

import (
	"strings"

	"github.com/goccy/go-json"
)

// CommonOptions includes the configuration parameters shared by every node in the cluster.
type CommonOptions struct {
	ClusterName          string `name:"cluster_name"            json:"cluster_name"            yaml:"cluster_name"            description:"Name of the cluster. Nodes only talk to peers that report the same cluster name."`
	ModelCacheDir        string `name:"model_cache_dir"         json:"model_cache_dir"         yaml:"model_cache_dir"         description:"Root directory of the on-disk model cache. The disk breaker and the orphaned cache-file cleanup operate on it."`
	SettingsFile         string `name:"settings_file"           json:"settings_file"           yaml:"settings_file"           description:"Path to a YAML file of dynamic settings. The file is watched and changes are applied without restart."`
	PrometheusPort       int    `name:"prometheus_port"         json:"prometheus_port"         yaml:"prometheus_port"         description:"The port on which this node will serve Prometheus metrics. Pass -1 to disable."`
	GeneralPoolSize      int    `name:"general_pool_size"       json:"general_pool_size"       yaml:"general_pool_size"       description:"Number of concurrently running cluster-management handlers (forward, sync-up, dispatch callbacks)."`
	ExecutePoolSize      int    `name:"execute_pool_size"       json:"execute_pool_size"       yaml:"execute_pool_size"       description:"Number of concurrently running model operations (load, predict, train)."`
	SimulatedLatencyMs   int    `name:"simulated_latency_ms"    json:"simulated_latency_ms"    yaml:"simulated_latency_ms"    description:"Latency of each model operation when the simulated engine is used."`
	RPCTimeoutSeconds    int    `name:"rpc_timeout_seconds"     json:"rpc_timeout_seconds"     yaml:"rpc_timeout_seconds"     description:"Deadline applied to each node-to-node request."`
	UseSimulatedEngine   bool   `name:"use_simulated_engine"    json:"use_simulated_engine"    yaml:"use_simulated_engine"    description:"If true, model operations sleep instead of invoking a real engine."`
	DisableSyncUpCron    bool   `name:"disable_sync_up_cron"    json:"disable_sync_up_cron"    yaml:"disable_sync_up_cron"    description:"If true, this node never coordinates periodic sync-up rounds. It still answers sync-up requests."`
	DisablePrometheus    bool   `name:"disable_prometheus"      json:"disable_prometheus"      yaml:"disable_prometheus"      description:"If true, metrics are recorded but not served over HTTP."`

	// PrettyPrintOptions, when true, instructs the node's driver to pretty-print the options when it starts.
	PrettyPrintOptions bool `name:"pretty_print_options" json:"pretty_print_options" yaml:"pretty_print_options"`
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *CommonOptions) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(opts, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *CommonOptions) Clone() *CommonOptions {
	clone := *opts
	return &clone
}

func (opts *CommonOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}
