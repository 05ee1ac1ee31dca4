package settings

import (
	"runtime"
	"sync"
)

type Arguments struct {
	// The file path to the datafiles
	DataDir string

	// the host name or IP address to listen on
	Host string

	// the port number to listen on
	Port int

	// Number of workers serving client sessions
	Workers int

	// API key bootstrapped as the admin principal when the auth store is empty
	RootKey string

	// Strongly verbose logging
	Debug bool
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the global settings instance, creating it with
// defaults on first use.
func GetSettings() *Arguments {
	once.Do(func() {
		instance = &Arguments{
			DataDir: "./aevum_data",
			Host:    "0.0.0.0",
			Port:    5555,
			Workers: runtime.NumCPU(),
			RootKey: "root",
		}
	})
	return instance
}
