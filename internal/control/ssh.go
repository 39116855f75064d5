package control

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"benchfleet/internal/logging"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// sshController is the SSH/SFTP implementation of Controller.
type sshController struct {
	client       *ssh.Client
	sftpClient   *sftp.Client
	host         string
	user         string
	instanceName string
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

func newSSHController(cfg Config) (*sshController, error) {
	// Wait for SSH port to become available
	if err := WaitForSSH(cfg.Host, cfg.Timeout); err != nil {
		return nil, fmt.Errorf("SSH not available after timeout: %w", err)
	}

	signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // machines are throwaway
		Timeout:         cfg.SSHTimeout,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(cfg.Host, "22"), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	logging.Logger().Info("SSH connection established",
		zap.String("user", cfg.User),
		zap.String("host", cfg.Host),
		zap.String("instance_name", cfg.InstanceName))

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	return &sshController{
		client:       client,
		sftpClient:   sftpClient,
		host:         cfg.Host,
		user:         cfg.User,
		instanceName: cfg.InstanceName,
	}, nil
}

// Close closes the SFTP and SSH connections
func (s *sshController) Close() error {
	if s.sftpClient != nil {
		safeClose("SFTP client", s.sftpClient.Close)
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// InstanceName returns the name of the controlled machine
func (s *sshController) InstanceName() string {
	return s.instanceName
}

// Run executes a command on the remote host
func (s *sshController) Run(command string) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName))

	err = session.Run(command)

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName),
		zap.String("stdout", escapeNewlines(logging.Truncate(stdout.String()))),
		zap.String("stderr", escapeNewlines(logging.Truncate(stderr.String()))),
		zap.Bool("success", err == nil))

	return err
}

// OpenFile opens a remote file for reading and/or writing.
// Uses standard os flags: os.O_RDONLY, os.O_WRONLY, os.O_CREATE, os.O_TRUNC, etc.
func (s *sshController) OpenFile(path string, flags int) (io.ReadWriteCloser, error) {
	file, err := s.sftpClient.OpenFile(path, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote file %s: %w", path, err)
	}

	logging.Logger().Debug("Opened remote file",
		zap.String("path", path),
		zap.Int("flags", flags),
		zap.String("host", s.host))

	return file, nil
}

// WaitForSSH waits for the SSH port to become available with timeout.
func WaitForSSH(host string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, "22"), 5*time.Second)
		if err == nil {
			if closeErr := conn.Close(); closeErr != nil {
				logging.Logger().Debug("failed to close connection test",
					zap.String("host", host),
					zap.Error(closeErr))
			}
			return nil
		}

		time.Sleep(10 * time.Second)
	}

	return fmt.Errorf("SSH port not available after %v timeout", timeout)
}
