package vfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/nvloft/nvloft/internal/logger"
)

// Pool TTL: idle connections older than this are reconnected.
const sshPoolTTL = 5 * time.Minute

// sshTarget is a parsed vfs://ssh/<user>@<host>:<port>/<abs-path> URI.
type sshTarget struct {
	user string
	host string
	port int
	path string
}

func (t sshTarget) poolKey() string {
	return fmt.Sprintf("%s@%s:%d", t.user, t.host, t.port)
}

// parseSSHPath splits the scheme rest ("user@host:port/abs/path") into
// connection info and remote path. The remote path is absolute.
func parseSSHPath(rest string) (sshTarget, error) {
	slash := strings.Index(rest, "/")
	conn := rest
	path := "/"
	if slash >= 0 {
		conn = rest[:slash]
		path = rest[slash:]
	}
	at := strings.Index(conn, "@")
	if at <= 0 {
		return sshTarget{}, fmt.Errorf("ssh path %q: want user@host", rest)
	}
	t := sshTarget{user: conn[:at], port: 22, path: path}
	hostPort := conn[at+1:]
	if colon := strings.LastIndex(hostPort, ":"); colon >= 0 {
		port, err := strconv.Atoi(hostPort[colon+1:])
		if err != nil {
			return sshTarget{}, fmt.Errorf("ssh path %q: bad port: %w", rest, err)
		}
		t.host = hostPort[:colon]
		t.port = port
	} else {
		t.host = hostPort
	}
	if t.host == "" {
		return sshTarget{}, fmt.Errorf("ssh path %q: empty host", rest)
	}
	return t, nil
}

// sshConn is one pooled SFTP connection. File operations serialise on
// the connection mutex.
type sshConn struct {
	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

func (c *sshConn) healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.sftp.Stat("/")
	return err == nil
}

func (c *sshConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sftp.Close()
	c.client.Close()
}

type sshPoolEntry struct {
	conn     *sshConn
	lastUsed time.Time
}

// SSHFS serves vfs://ssh/ URIs over SFTP with pooled connections keyed
// by user@host:port.
type SSHFS struct {
	Unsupported
	poolMu    sync.RWMutex
	pool      map[string]*sshPoolEntry
	credMu    sync.Mutex
	passwords map[string]*Secret // pool key → password

	// dial is swapped in tests.
	dial func(target sshTarget, password *Secret) (*sshConn, error)
}

// NewSSHFS creates the SSH driver with an empty pool.
func NewSSHFS() *SSHFS {
	s := &SSHFS{
		pool:      make(map[string]*sshPoolEntry),
		passwords: make(map[string]*Secret),
	}
	s.dial = s.connect
	return s
}

// SetPassword stores a credential for user@host:port. The previous
// secret, if any, is wiped.
func (s *SSHFS) SetPassword(user, host string, port int, password string) {
	key := sshTarget{user: user, host: host, port: port}.poolKey()
	s.credMu.Lock()
	if old, ok := s.passwords[key]; ok {
		old.Zero()
	}
	s.passwords[key] = NewSecret(password)
	s.credMu.Unlock()
}

// getOrConnect returns a pooled healthy connection or dials a new one.
func (s *SSHFS) getOrConnect(target sshTarget) (*sshConn, error) {
	key := target.poolKey()

	s.poolMu.RLock()
	entry := s.pool[key]
	s.poolMu.RUnlock()
	if entry != nil && time.Since(entry.lastUsed) < sshPoolTTL && entry.conn.healthy() {
		s.touch(key)
		return entry.conn, nil
	}
	if entry != nil {
		logger.Info("ssh connection stale, reconnecting", "target", key)
		entry.conn.close()
	}

	s.credMu.Lock()
	password := s.passwords[key]
	s.credMu.Unlock()

	conn, err := s.dial(target, password)
	if err != nil {
		return nil, err
	}

	s.poolMu.Lock()
	// Drop expired entries while we hold the lock.
	for k, e := range s.pool {
		if time.Since(e.lastUsed) >= sshPoolTTL {
			e.conn.close()
			delete(s.pool, k)
		}
	}
	s.pool[key] = &sshPoolEntry{conn: conn, lastUsed: time.Now()}
	s.poolMu.Unlock()
	return conn, nil
}

func (s *SSHFS) touch(key string) {
	s.poolMu.Lock()
	if entry := s.pool[key]; entry != nil {
		entry.lastUsed = time.Now()
	}
	s.poolMu.Unlock()
}

// connect dials and authenticates: password first when provided, then
// the SSH agent, then the default key files.
func (s *SSHFS) connect(target sshTarget, password *Secret) (*sshConn, error) {
	var methods []ssh.AuthMethod
	if password != nil && !password.Empty() {
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			return password.Expose(), nil
		}))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		for _, name := range []string{"id_rsa", "id_ed25519", "id_ecdsa"} {
			keyPath := filepath.Join(home, ".ssh", name)
			data, err := os.ReadFile(keyPath)
			if err != nil {
				continue
			}
			signer, err := ssh.ParsePrivateKey(data)
			if err != nil {
				continue
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("ssh %s: no credentials available", target.poolKey())
	}

	cfg := &ssh.ClientConfig{
		User:            target.user,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	addr := net.JoinHostPort(target.host, strconv.Itoa(target.port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sftp %s: %w", addr, err)
	}
	logger.Info("ssh connected", "target", target.poolKey())
	return &sshConn{client: client, sftp: sftpClient}, nil
}

func (s *SSHFS) withConn(path string, fn func(c *sftp.Client, remote string) error) error {
	target, err := parseSSHPath(path)
	if err != nil {
		return err
	}
	conn, err := s.getOrConnect(target)
	if err != nil {
		return err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	defer s.touch(target.poolKey())
	return fn(conn.sftp, target.path)
}

func (s *SSHFS) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.withConn(path, func(c *sftp.Client, remote string) error {
		f, err := c.Open(remote)
		if err != nil {
			return PathError("open", remote, err)
		}
		defer f.Close()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, f); err != nil {
			return PathError("read", remote, err)
		}
		data = buf.Bytes()
		return nil
	})
	return data, err
}

func (s *SSHFS) Write(ctx context.Context, path string, data []byte) error {
	return s.withConn(path, func(c *sftp.Client, remote string) error {
		f, err := c.Create(remote)
		if err != nil {
			return PathError("create", remote, err)
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return PathError("write", remote, err)
		}
		return nil
	})
}

func (s *SSHFS) Stat(ctx context.Context, path string) (FileStat, error) {
	var stat FileStat
	err := s.withConn(path, func(c *sftp.Client, remote string) error {
		info, err := c.Stat(remote)
		if err != nil {
			return PathError("stat", remote, err)
		}
		stat = FileStat{
			IsFile:   info.Mode().IsRegular(),
			IsDir:    info.IsDir(),
			Size:     uint64(info.Size()),
			Modified: info.ModTime(),
		}
		return nil
	})
	return stat, err
}

func (s *SSHFS) List(ctx context.Context, path string) ([]string, error) {
	var names []string
	err := s.withConn(path, func(c *sftp.Client, remote string) error {
		entries, err := c.ReadDir(remote)
		if err != nil {
			return PathError("list", remote, err)
		}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return nil
	})
	return names, err
}

func (s *SSHFS) RemoveFile(ctx context.Context, path string) error {
	return s.withConn(path, func(c *sftp.Client, remote string) error {
		return c.Remove(remote)
	})
}

func (s *SSHFS) CreateDir(ctx context.Context, path string) error {
	return s.withConn(path, func(c *sftp.Client, remote string) error {
		return c.Mkdir(remote)
	})
}

func (s *SSHFS) CreateDirAll(ctx context.Context, path string) error {
	return s.withConn(path, func(c *sftp.Client, remote string) error {
		return c.MkdirAll(remote)
	})
}

func (s *SSHFS) RemoveDir(ctx context.Context, path string) error {
	return s.withConn(path, func(c *sftp.Client, remote string) error {
		return c.RemoveDirectory(remote)
	})
}

func (s *SSHFS) Rename(ctx context.Context, src, dest string) error {
	srcTarget, err := parseSSHPath(src)
	if err != nil {
		return err
	}
	destTarget, err := parseSSHPath(dest)
	if err != nil {
		return err
	}
	if srcTarget.poolKey() != destTarget.poolKey() {
		return fmt.Errorf("rename across hosts not supported")
	}
	return s.withConn(src, func(c *sftp.Client, remote string) error {
		return c.Rename(remote, destTarget.path)
	})
}

// Close shuts every pooled connection down.
func (s *SSHFS) Close() {
	s.poolMu.Lock()
	for k, e := range s.pool {
		e.conn.close()
		delete(s.pool, k)
	}
	s.poolMu.Unlock()
	s.credMu.Lock()
	for k, p := range s.passwords {
		p.Zero()
		delete(s.passwords, k)
	}
	s.credMu.Unlock()
}
