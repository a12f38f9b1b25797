package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"fileforge/config"
	"fileforge/logger"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPStore keeps artifacts on a remote host over SFTP. Each operation opens
// its own SSH session.
type SFTPStore struct {
	addr    string
	baseDir string
	config  *ssh.ClientConfig
}

// NewSFTPStore prepares the SSH client configuration. Key auth wins over
// password auth when both are set.
func NewSFTPStore(cfg config.SFTPConfig) (*SFTPStore, error) {
	if cfg.Host == "" || cfg.User == "" || cfg.BaseDir == "" {
		return nil, fmt.Errorf("sftp artifact store requires host, user and base_dir")
	}
	port := cfg.Port
	if port == "" {
		port = "22"
	}

	var auths []ssh.AuthMethod
	switch {
	case cfg.PrivateKeyFile != "":
		keyBytes, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	case cfg.Password != "":
		auths = append(auths, ssh.Password(cfg.Password))
	default:
		return nil, fmt.Errorf("no auth method provided; set password or private_key_file")
	}

	return &SFTPStore{
		addr:    net.JoinHostPort(cfg.Host, port),
		baseDir: cfg.BaseDir,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auths,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		},
	}, nil
}

func (s *SFTPStore) connect(ctx context.Context) (*sftp.Client, *ssh.Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial tcp %s: %w", s.addr, err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.config)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("ssh handshake with %s: %w", s.addr, err)
	}
	sshClient := ssh.NewClient(clientConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("create sftp client: %w", err)
	}
	return sftpClient, sshClient, nil
}

func (s *SFTPStore) remotePath(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(s.baseDir, cleaned), nil
}

func (s *SFTPStore) Put(ctx context.Context, key string, reader io.Reader) error {
	remotePath, err := s.remotePath(key)
	if err != nil {
		return err
	}
	sftpClient, sshClient, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer sshClient.Close()
	defer sftpClient.Close()

	dir := path.Dir(remotePath)
	if err := mkdirAllSFTP(sftpClient, dir); err != nil {
		return fmt.Errorf("ensure remote dir %s: %w", dir, err)
	}

	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		return fmt.Errorf("copy to remote file %s: %w", remotePath, err)
	}

	logger.Debugf("Uploaded artifact '%s' to %s", remotePath, s.addr)
	return nil
}

// sftpReader keeps the session alive until the caller is done reading.
type sftpReader struct {
	*sftp.File
	sftpClient *sftp.Client
	sshClient  *ssh.Client
}

func (r *sftpReader) Close() error {
	err := r.File.Close()
	r.sftpClient.Close()
	r.sshClient.Close()
	return err
}

func (s *SFTPStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	remotePath, err := s.remotePath(key)
	if err != nil {
		return nil, err
	}
	sftpClient, sshClient, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	f, err := sftpClient.Open(remotePath)
	if err != nil {
		sftpClient.Close()
		sshClient.Close()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		return nil, fmt.Errorf("open remote file %s: %w", remotePath, err)
	}
	return &sftpReader{File: f, sftpClient: sftpClient, sshClient: sshClient}, nil
}

func (s *SFTPStore) Delete(ctx context.Context, key string) error {
	remotePath, err := s.remotePath(key)
	if err != nil {
		return err
	}
	sftpClient, sshClient, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer sshClient.Close()
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove remote file %s: %w", remotePath, err)
	}
	return nil
}

func (s *SFTPStore) Close() error { return nil }

// mkdirAllSFTP creates each missing segment of dir on the server.
func mkdirAllSFTP(client *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}

	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}
	for _, p := range strings.Split(dir, "/") {
		if p == "" {
			continue
		}
		cur = path.Join(cur, p)
		if _, err := client.Stat(cur); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("stat %s: %w", cur, err)
			}
			if err := client.Mkdir(cur); err != nil {
				return fmt.Errorf("mkdir %s: %w", cur, err)
			}
		}
	}
	return nil
}
