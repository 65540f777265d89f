package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aulaforms/aulaforms/u"
	"github.com/melbahja/goph"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHConfig describes how to reach the remote host.
// Either Password or KeyPath must be set.
type SSHConfig struct {
	Host          string
	Port          uint
	User          string
	Password      string
	KeyPath       string
	KeyPassphrase string
	// KnownHostsPath enables host key verification. When empty
	// any host key is accepted.
	KnownHostsPath string
	// DialTimeout defaults to 15s
	DialTimeout time.Duration
}

func (c *SSHConfig) auth() (goph.Auth, error) {
	if c.KeyPath != "" {
		return goph.Key(u.ExpandTildeInPath(c.KeyPath), c.KeyPassphrase)
	}
	if c.Password != "" {
		return goph.Password(c.Password), nil
	}
	return nil, fmt.Errorf("remote: no password or key for %s@%s", c.User, c.Host)
}

func (c *SSHConfig) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return goph.KnownHosts(u.ExpandTildeInPath(c.KnownHostsPath))
}

// SSHSession is a Session over goph (ssh) and pkg/sftp
type SSHSession struct {
	client *goph.Client
	sftp   *sftp.Client
	addr   string
}

// NewSSHDialer returns a Dialer connecting with cfg
func NewSSHDialer(cfg SSHConfig) Dialer {
	return func(ctx context.Context) (Session, error) {
		return DialSSH(ctx, cfg)
	}
}

// DialSSH connects to the host and opens an sftp subsystem
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSHSession, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		return nil, ctx.Err()
	}
	auth, err := cfg.auth()
	if err != nil {
		return nil, err
	}
	cb, err := cfg.hostKeyCallback()
	if err != nil {
		return nil, fmt.Errorf("remote: known hosts: %w", err)
	}
	addr := fmt.Sprintf("%s@%s:%d", cfg.User, cfg.Host, cfg.Port)
	client, err := goph.NewConn(&goph.Config{
		User:     cfg.User,
		Addr:     cfg.Host,
		Port:     cfg.Port,
		Auth:     auth,
		Timeout:  timeout,
		Callback: cb,
	})
	if err != nil {
		return nil, fmt.Errorf("remote: goph.NewConn('%s') failed: %w", addr, err)
	}
	sc, err := client.NewSftp()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("remote: client.NewSftp() for '%s' failed: %w", addr, err)
	}
	return &SSHSession{client: client, sftp: sc, addr: addr}, nil
}

func (s *SSHSession) String() string {
	return s.addr
}

// Probe runs "echo ok" on the server
func (s *SSHSession) Probe(ctx context.Context) error {
	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := s.client.Run("echo ok")
		ch <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("remote: probe of '%s': %w", s.addr, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("remote: probe of '%s': %w", s.addr, r.err)
		}
		if strings.TrimSpace(string(r.out)) != "ok" {
			return fmt.Errorf("remote: probe of '%s': unexpected output '%s'", s.addr, r.out)
		}
		return nil
	}
}

func (s *SSHSession) Stat(path string) (os.FileInfo, error) {
	return s.sftp.Stat(path)
}

func (s *SSHSession) ReadFile(path string) ([]byte, error) {
	f, err := s.sftp.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *SSHSession) writeFlags(path string, d []byte, flags int) error {
	f, err := s.sftp.OpenFile(path, flags)
	if err != nil {
		return err
	}
	_, err = f.Write(d)
	err2 := f.Close()
	if err != nil {
		return err
	}
	return err2
}

func (s *SSHSession) WriteFile(path string, d []byte) error {
	return s.writeFlags(path, d, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

// CreateExclusive relies on the server honoring O_EXCL (OpenSSH does).
// SFTP v3 reports a generic failure on conflict so we check if the file
// is there to tell "exists" apart from other errors.
func (s *SSHSession) CreateExclusive(path string, d []byte) error {
	f, err := s.sftp.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		if _, errStat := s.sftp.Stat(path); errStat == nil {
			return fmt.Errorf("remote: create '%s': %w", path, os.ErrExist)
		}
		return err
	}
	_, err = f.Write(d)
	err2 := f.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		// don't leave a half-written marker behind
		_ = s.sftp.Remove(path)
	}
	return err
}

// Rename uses posix-rename@openssh.com which replaces the target.
// If the server doesn't support it we remove the target first.
func (s *SSHSession) Rename(oldPath, newPath string) error {
	err := s.sftp.PosixRename(oldPath, newPath)
	if err == nil {
		return nil
	}
	if errRm := s.sftp.Remove(newPath); errRm != nil && !IsNotExist(errRm) {
		return fmt.Errorf("remote: rename '%s' => '%s': %w", oldPath, newPath, err)
	}
	return s.sftp.Rename(oldPath, newPath)
}

func (s *SSHSession) Remove(path string) error {
	return s.sftp.Remove(path)
}

func (s *SSHSession) MkdirAll(dir string) error {
	return s.sftp.MkdirAll(dir)
}

func (s *SSHSession) Close() error {
	err := s.sftp.Close()
	err2 := s.client.Close()
	if err != nil {
		return err
	}
	return err2
}
