package control

import (
	"io"
	"time"
)

// Controller runs commands and moves files on a remote machine.
type Controller interface {
	Run(command string) error
	OpenFile(path string, flags int) (io.ReadWriteCloser, error)
	InstanceName() string
	Close() error
}

// Config holds connection parameters for a remote machine controller.
type Config struct {
	Host         string
	User         string
	PrivateKey   string // PEM-encoded private key content
	Timeout      time.Duration
	SSHTimeout   time.Duration
	InstanceName string
}

// NewController establishes an SSH-backed controller for the machine.
func NewController(cfg Config) (Controller, error) {
	return newSSHController(cfg)
}
