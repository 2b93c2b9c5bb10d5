// Package config loads Hydrogen's configuration tree from YAML via
// gopkg.in/yaml.v3, using the common per-struct `yaml:"..."` tag
// convention, then overlays HYDROGEN_-prefixed environment variables on
// top; no pack repo ingests environment variables for config, so the
// overlay below is a stdlib os.LookupEnv walk over the decoded struct via
// reflection, justified in DESIGN.md.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkConfig is the generic host/port/timeout surface shared by every
// TCP-based transport.
type NetworkConfig struct {
	Host           string        `yaml:"host" env:"NETWORK_HOST"`
	Port           int           `yaml:"port" env:"NETWORK_PORT"`
	Endpoint       string        `yaml:"endpoint" env:"NETWORK_ENDPOINT"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" env:"NETWORK_CONNECT_TIMEOUT"`
	ReadTimeout    time.Duration `yaml:"readTimeout" env:"NETWORK_READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" env:"NETWORK_WRITE_TIMEOUT"`
	UseTLS         bool          `yaml:"useTls" env:"NETWORK_USE_TLS"`
}

// FeaturesConfig toggles optional cross-cutting behavior.
type FeaturesConfig struct {
	AutoReconnect   bool `yaml:"auto_reconnect" env:"FEATURES_AUTO_RECONNECT"`
	DeviceDiscovery bool `yaml:"device_discovery" env:"FEATURES_DEVICE_DISCOVERY"`
	Heartbeat       bool `yaml:"heartbeat" env:"FEATURES_HEARTBEAT"`
}

// PerformanceConfig bounds worker/queue sizing.
type PerformanceConfig struct {
	WorkerThreads int `yaml:"workerThreads" env:"PERFORMANCE_WORKER_THREADS"`
	MaxQueueSize  int `yaml:"maxQueueSize" env:"PERFORMANCE_MAX_QUEUE_SIZE"`
}

// LoggingConfig controls the observability.Logger's verbosity.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LOGGING_LEVEL"`
}

// StdioConfig configures the stdio transport's framing.
type StdioConfig struct {
	FramingMode      string `yaml:"framingMode" env:"STDIO_FRAMING_MODE"`
	LineTerminator   string `yaml:"lineTerminator" env:"STDIO_LINE_TERMINATOR"`
	BufferSize       int    `yaml:"bufferSize" env:"STDIO_BUFFER_SIZE"`
	EnableBinaryMode bool   `yaml:"enableBinaryMode" env:"STDIO_ENABLE_BINARY_MODE"`
	EnableFlush      bool   `yaml:"enableFlush" env:"STDIO_ENABLE_FLUSH"`
}

// FIFOConfig configures the named-pipe transport.
type FIFOConfig struct {
	PipeType             string        `yaml:"pipeType" env:"FIFO_PIPE_TYPE"`
	PipeName             string        `yaml:"pipeName" env:"FIFO_PIPE_NAME"`
	FramingMode          string        `yaml:"framingMode" env:"FIFO_FRAMING_MODE"`
	CustomDelimiter      string        `yaml:"customDelimiter" env:"FIFO_CUSTOM_DELIMITER"`
	EnableAutoReconnect  bool          `yaml:"enableAutoReconnect" env:"FIFO_ENABLE_AUTO_RECONNECT"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts" env:"FIFO_MAX_RECONNECT_ATTEMPTS"`
	ReconnectDelay       time.Duration `yaml:"reconnectDelay" env:"FIFO_RECONNECT_DELAY"`
	MaxQueueSize         int           `yaml:"maxQueueSize" env:"FIFO_MAX_QUEUE_SIZE"`
}

// MQTTConfig configures the MQTT transport, matching the broker/credential
// field set a typical MQTT client config struct exposes.
type MQTTConfig struct {
	BrokerHost  string `yaml:"brokerHost" env:"MQTT_BROKER_HOST"`
	BrokerPort  int    `yaml:"brokerPort" env:"MQTT_BROKER_PORT"`
	ClientID    string `yaml:"clientId" env:"MQTT_CLIENT_ID"`
	Username    string `yaml:"username" env:"MQTT_USERNAME"`
	Password    string `yaml:"password" env:"MQTT_PASSWORD"`
	UseTLS      bool   `yaml:"useTls" env:"MQTT_USE_TLS"`
	QoSLevel    int    `yaml:"qosLevel" env:"MQTT_QOS_LEVEL"`
	TopicPrefix string `yaml:"topicPrefix" env:"MQTT_TOPIC_PREFIX"`
}

// GRPCConfig configures the gRPC transport.
type GRPCConfig struct {
	ServerAddress         string `yaml:"serverAddress" env:"GRPC_SERVER_ADDRESS"`
	UseTLS                bool   `yaml:"useTls" env:"GRPC_USE_TLS"`
	MaxReceiveMessageSize int    `yaml:"maxReceiveMessageSize" env:"GRPC_MAX_RECEIVE_MESSAGE_SIZE"`
	MaxSendMessageSize    int    `yaml:"maxSendMessageSize" env:"GRPC_MAX_SEND_MESSAGE_SIZE"`
	EnableReflection      bool   `yaml:"enableReflection" env:"GRPC_ENABLE_REFLECTION"`
}

// ZMQConfig configures the ZeroMQ-pattern transport.
type ZMQConfig struct {
	BindAddress    string `yaml:"bindAddress" env:"ZMQ_BIND_ADDRESS"`
	ConnectAddress string `yaml:"connectAddress" env:"ZMQ_CONNECT_ADDRESS"`
	SocketType     string        `yaml:"socketType" env:"ZMQ_SOCKET_TYPE"`
	HighWaterMark  int           `yaml:"highWaterMark" env:"ZMQ_HIGH_WATER_MARK"`
	LingerTime     time.Duration `yaml:"lingerTime" env:"ZMQ_LINGER_TIME"`
}

// TCPConfig configures the raw TCP transport.
type TCPConfig struct {
	ServerAddress   string `yaml:"serverAddress" env:"TCP_SERVER_ADDRESS"`
	ServerPort      int    `yaml:"serverPort" env:"TCP_SERVER_PORT"`
	IsServer        bool   `yaml:"isServer" env:"TCP_IS_SERVER"`
	EnableKeepAlive bool   `yaml:"enableKeepAlive" env:"TCP_ENABLE_KEEP_ALIVE"`
	MaxConnections  int    `yaml:"maxConnections" env:"TCP_MAX_CONNECTIONS"`
	BindInterface   string `yaml:"bindInterface" env:"TCP_BIND_INTERFACE"`
}

// Config is the full recognized key tree from spec.md §6.5.
type Config struct {
	Network     NetworkConfig     `yaml:"network"`
	Features    FeaturesConfig    `yaml:"features"`
	Performance PerformanceConfig `yaml:"performance"`
	Logging     LoggingConfig     `yaml:"logging"`
	Stdio       StdioConfig       `yaml:"stdio"`
	FIFO        FIFOConfig        `yaml:"fifo"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	ZMQ         ZMQConfig         `yaml:"zmq"`
	TCP         TCPConfig         `yaml:"tcp"`
}

// Default returns a Config populated with conservative defaults.
func Default() Config {
	return Config{
		Network: NetworkConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
		},
		Features:    FeaturesConfig{AutoReconnect: true, Heartbeat: true},
		Performance: PerformanceConfig{WorkerThreads: 4, MaxQueueSize: 1000},
		Logging:     LoggingConfig{Level: "info"},
		Stdio:       StdioConfig{FramingMode: "NEWLINE", LineTerminator: "\n", BufferSize: 4096},
		FIFO:        FIFOConfig{FramingMode: "NEWLINE", EnableAutoReconnect: true, MaxReconnectAttempts: 5, ReconnectDelay: time.Second, MaxQueueSize: 1000},
		MQTT:        MQTTConfig{BrokerPort: 1883, QoSLevel: 1, TopicPrefix: "hydrogen"},
		GRPC:        GRPCConfig{MaxReceiveMessageSize: 4 << 20, MaxSendMessageSize: 4 << 20},
		ZMQ:         ZMQConfig{SocketType: "REQ", HighWaterMark: 1000, LingerTime: time.Second},
		TCP:         TCPConfig{EnableKeepAlive: true, MaxConnections: 100},
	}
}

// Load reads a YAML document from path into a Default()-seeded Config, then
// applies any HYDROGEN_-prefixed environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	ApplyEnv(&cfg, "HYDROGEN")
	return cfg, nil
}

// ApplyEnv overlays environment variables named "<prefix>_<env tag>" onto
// cfg's fields, walking nested structs by reflection. Unset or unparsable
// variables are left untouched.
func ApplyEnv(cfg *Config, prefix string) {
	applyEnvStruct(reflect.ValueOf(cfg).Elem(), prefix)
}

func applyEnvStruct(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Duration(0)) {
			applyEnvStruct(fv, prefix)
			continue
		}

		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := os.LookupEnv(prefix + "_" + tag)
		if !ok {
			continue
		}
		setFieldFromEnv(fv, raw)
	}
}

func setFieldFromEnv(fv reflect.Value, raw string) {
	switch {
	case fv.Type() == reflect.TypeOf(time.Duration(0)):
		if d, err := time.ParseDuration(raw); err == nil {
			fv.Set(reflect.ValueOf(d))
		}
	case fv.Kind() == reflect.String:
		fv.SetString(raw)
	case fv.Kind() == reflect.Int:
		if n, err := strconv.Atoi(raw); err == nil {
			fv.SetInt(int64(n))
		}
	case fv.Kind() == reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			fv.SetBool(b)
		}
	}
}

// EnvKeys lists every "<prefix>_<env tag>" variable name this Config
// recognizes, useful for documentation/--help output.
func EnvKeys(prefix string) []string {
	var keys []string
	collectEnvKeys(reflect.TypeOf(Config{}), prefix, &keys)
	return keys
}

func collectEnvKeys(t reflect.Type, prefix string, keys *[]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			collectEnvKeys(field.Type, prefix, keys)
			continue
		}
		if tag := field.Tag.Get("env"); tag != "" {
			*keys = append(*keys, prefix+"_"+tag)
		}
	}
}

