package poller

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

const (
	defaultSSHPort          = 22
	defaultSSHConfigCommand = "show running-config"
)

// SSHOptions selects the commands run on every SSH poll.
type SSHOptions struct {
	// ConfigCommand fetches the configuration snapshot (default
	// "show running-config"). "-" disables config collection.
	ConfigCommand string

	// Commands produce metrics from the first numeric token of their output.
	Commands []models.SSHCommand
}

// SSHCollector runs commands over one SSH connection per poll.
type SSHCollector struct {
	creds  CredentialSource
	opts   SSHOptions
	logger *zerolog.Logger

	// dial is replaceable in tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSSHCollector creates an SSH collector.
func NewSSHCollector(creds CredentialSource, opts SSHOptions, log *zerolog.Logger) *SSHCollector {
	if opts.ConfigCommand == "" {
		opts.ConfigCommand = defaultSSHConfigCommand
	}
	d := &net.Dialer{}
	return &SSHCollector{creds: creds, opts: opts, logger: logger.OrNop(log), dial: d.DialContext}
}

// Collect implements Collector.
func (c *SSHCollector) Collect(ctx context.Context, profile models.ConnectionProfile) (models.RawMetrics, error) {
	started := time.Now()
	cred, err := lookupCredentials(c.creds, profile)
	if err != nil {
		return models.RawMetrics{}, err
	}
	cfg, err := clientConfig(cred, profile.Timeout)
	if err != nil {
		return models.RawMetrics{}, models.NewCollectorError(models.CollectorAuthFailed, profile.Address, err)
	}

	port := profile.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(profile.Address, strconv.Itoa(port))

	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return models.RawMetrics{}, classify(ctx, profile.Address, models.CollectorUnreachable, err)
	}
	// Closing the socket is the only way to interrupt a blocked handshake or
	// command read.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return models.RawMetrics{}, classify(ctx, profile.Address, models.CollectorProtocolError, err)
	}
	client := ssh.NewClient(sc, chans, reqs)
	defer client.Close()

	raw := models.RawMetrics{
		Gauges:   make(map[string]float64),
		Counters: make(map[string]uint64),
	}
	if c.opts.ConfigCommand != "-" {
		out, err := run(client, c.opts.ConfigCommand)
		if err != nil {
			return models.RawMetrics{}, classify(ctx, profile.Address, models.CollectorProtocolError, err)
		}
		raw.Config = out
	}
	for _, cmd := range c.opts.Commands {
		out, err := run(client, cmd.Command)
		if err != nil {
			return models.RawMetrics{}, classify(ctx, profile.Address, models.CollectorProtocolError, err)
		}
		v, ok := firstNumber(out)
		if !ok {
			c.logger.Debug().Str("target", profile.Address).Str("metric", cmd.Name).
				Msg("poller: ssh command output has no number")
			continue
		}
		if cmd.Kind == models.KindCounter && v >= 0 {
			raw.Counters[cmd.Name] = uint64(v)
		} else {
			raw.Gauges[cmd.Name] = v
		}
	}

	raw.CollectedAt = time.Now()
	raw.Duration = raw.CollectedAt.Sub(started)
	c.logger.Debug().
		Str("target", profile.Address).
		Int("config_bytes", len(raw.Config)).
		Int("gauges", len(raw.Gauges)).
		Dur("duration", raw.Duration).
		Msg("poller: ssh collect completed")
	return raw, nil
}

// run executes one command in a fresh session.
func run(client *ssh.Client, command string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(command)
	if err != nil {
		return "", fmt.Errorf("ssh exec %q: %w", command, err)
	}
	return string(out), nil
}

// clientConfig builds the ssh.ClientConfig. A private key is offered before
// the password.
func clientConfig(cred models.Credentials, timeout time.Duration) (*ssh.ClientConfig, error) {
	if cred.Username == "" {
		return nil, fmt.Errorf("ssh credentials without username")
	}
	var auth []ssh.AuthMethod
	if cred.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		auth = append(auth, ssh.Password(cred.Password))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cred.HostKey != "" {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cred.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		hostKey = ssh.FixedHostKey(pk)
	}

	return &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// firstNumber returns the first whitespace-separated token of s that parses
// as a number, ignoring a trailing percent sign.
func firstNumber(s string) (float64, bool) {
	for _, tok := range strings.Fields(s) {
		tok = strings.TrimRight(tok, "%,;")
		if v, err := strconv.ParseFloat(tok, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}
