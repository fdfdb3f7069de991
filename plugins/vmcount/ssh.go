package vmcount

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"entropy/pkg/logx"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Runner executes a shell command on one host and returns its stdout.
type Runner interface {
	Run(ctx context.Context, host, cmd string) (string, error)
}

// SSHConfig is how the audit reaches compute hosts.
type SSHConfig struct {
	User       string `json:"ssh_user"`
	Port       int    `json:"ssh_port"`
	KeyFile    string `json:"ssh_key"`
	Password   string `json:"ssh_password"`
	KnownHosts string `json:"known_hosts"`
	// InsecureHostKey skips host key verification. Required when
	// known_hosts is unset.
	InsecureHostKey bool `json:"insecure_host_key"`
	// Timeout bounds the TCP dial and handshake, e.g. "10s".
	Timeout string `json:"ssh_timeout"`
}

type sshRunner struct {
	port    int
	cfg     *ssh.ClientConfig
	dialer  net.Dialer
	timeout time.Duration
}

// NewSSHRunner builds a Runner from the audit options. Host keys are checked
// against known_hosts unless insecure_host_key is set.
func NewSSHRunner(c SSHConfig, log logx.Logger) (Runner, error) {
	user := strings.TrimSpace(c.User)
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return nil, errors.New("ssh_user is required")
	}

	var auth []ssh.AuthMethod
	if p := strings.TrimSpace(c.KeyFile); p != "" {
		pem, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", p, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh_key or ssh_password is required")
	}

	var hostKey ssh.HostKeyCallback
	switch p := strings.TrimSpace(c.KnownHosts); {
	case p != "":
		cb, err := knownhosts.New(p)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		hostKey = cb
	case c.InsecureHostKey:
		log.Warn("ssh host keys are not verified", logx.String("user", user), logx.Bool("insecure_host_key", true))
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("known_hosts is required unless insecure_host_key is set")
	}

	timeout := 10 * time.Second
	if s := strings.TrimSpace(c.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid ssh_timeout %q", c.Timeout)
		}
		timeout = d
	}
	port := c.Port
	if port <= 0 {
		port = 22
	}
	return &sshRunner{
		port:    port,
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout},
		cfg: &ssh.ClientConfig{
			User:            user,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         timeout,
		},
	}, nil
}

func (r *sshRunner) Run(ctx context.Context, host, cmd string) (string, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(r.port))
	}
	conn, err := r.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", err
	}
	_ = conn.SetDeadline(time.Now().Add(r.timeout))
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, r.cfg)
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(cc, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	// Closing the client unblocks the session when ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	err = sess.Run(cmd)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		var exit *ssh.ExitError
		if errors.As(err, &exit) {
			return stdout.String(), &ExitError{Status: exit.ExitStatus(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return "", err
	}
	return stdout.String(), nil
}

// ExitError is a command that ran but exited non-zero. Stdout is still
// returned alongside it.
type ExitError struct {
	Status int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.Status)
	}
	return fmt.Sprintf("exit status %d: %s", e.Status, e.Stderr)
}
