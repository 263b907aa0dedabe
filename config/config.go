// Package config provides the configuration structure for the command-line
// tool.
package config

import "time"

// Config selects the endpoint and socket behavior of one connection.
type Config struct {
	Host       string        `json:"host" yaml:"host" mapstructure:"host"`
	Port       int           `json:"port" yaml:"port" mapstructure:"port"`
	UnixPath   string        `json:"unixPath" yaml:"unixPath" mapstructure:"unix-path"`
	SourceAddr string        `json:"sourceAddr" yaml:"sourceAddr" mapstructure:"source-addr"`
	ReuseAddr  bool          `json:"reuseAddr" yaml:"reuseAddr" mapstructure:"reuse-addr"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	KeepAlive  bool          `json:"keepAlive" yaml:"keepAlive" mapstructure:"keep-alive"`
	// KeepAliveInterval is the idle time in seconds before probing.
	KeepAliveInterval int  `json:"keepAliveInterval" yaml:"keepAliveInterval" mapstructure:"keep-alive-interval"`
	Debug             bool `json:"debug" yaml:"debug" mapstructure:"debug"`
}

// Default returns the configuration pointing at a local mongod.
func Default() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              27017,
		KeepAliveInterval: 15,
	}
}
