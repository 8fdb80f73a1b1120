// Package remote implements the target transports over SSH for real
// hardware: a shell that runs one command per session, a console
// attached to a serial console server and sftp file placement. Labs
// front their serial ports with an SSH console server, so one transport
// covers both paths.
package remote

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/target"
)

// Config holds the SSH connection parameters for one endpoint.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	// KeyFile is a PEM private key path; used when Password is empty.
	KeyFile string

	Timeout time.Duration
}

// ConfigFromInventory reads <prefix>.host, <prefix>.port, <prefix>.user,
// <prefix>.password, <prefix>.keyfile and <prefix>.timeout from a
// target's inventory.
func ConfigFromInventory(inv target.Inventory, prefix string) Config {
	return Config{
		Host:     inv.Get(prefix+".host", ""),
		Port:     inv.Int(prefix+".port", 22),
		User:     inv.Get(prefix+".user", "root"),
		Password: inv.Get(prefix+".password", ""),
		KeyFile:  inv.Get(prefix+".keyfile", ""),
		Timeout:  inv.Seconds(prefix+".timeout", 20*time.Second),
	}
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	if c.User == "" {
		return nil, errors.Blockedf("SSH user cannot be empty")
	}
	var auth []ssh.AuthMethod
	switch {
	case c.Password != "":
		auth = append(auth, ssh.Password(c.Password))
	case c.KeyFile != "":
		pem, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, errors.Blockedf("SSH key %s: %v", c.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, errors.Blockedf("SSH key %s: %v", c.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	default:
		return nil, errors.Blockedf("SSH needs a password or a key file")
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &ssh.ClientConfig{
		User: c.User,
		Auth: auth,
		// lab machines get reinstalled constantly; their host keys are
		// not stable enough to pin
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Client is an established SSH connection to one endpoint.
type Client struct {
	cfg  Config
	conn *ssh.Client
}

// Dial connects. Connection failures are recoverable: lab networks
// hiccup and the retry layers power cycle their way out.
func Dial(cfg Config) (*Client, error) {
	sshCfg, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, errors.Infraf("ssh dial to %s: %v", addr, err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Shell returns a target.Shell running commands over this connection.
func (c *Client) Shell() *Shell {
	return &Shell{client: c}
}

// Put copies a local file to the remote path over sftp, creating parent
// directories.
func (c *Client) Put(localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.Blockedf("%s: %v", localPath, err)
	}
	defer f.Close()
	return c.put(f, remotePath)
}

// PutBytes places content at the remote path over sftp.
func (c *Client) PutBytes(content []byte, remotePath string) error {
	return c.put(bytes.NewReader(content), remotePath)
}

func (c *Client) put(src io.Reader, remotePath string) error {
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return errors.Infraf("sftp client: %v", err)
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		if _, statErr := client.Stat(path.Dir(remotePath)); statErr != nil {
			return errors.Infraf("sftp mkdir %s: %v", path.Dir(remotePath), err)
		}
	}
	dst, err := client.Create(remotePath)
	if err != nil {
		return errors.Infraf("sftp create %s: %v", remotePath, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		client.Remove(remotePath)
		return errors.Infraf("sftp copy to %s: %v", remotePath, err)
	}
	return nil
}

var _ target.Shell = (*Shell)(nil)
var _ target.Console = (*Console)(nil)

// ptyWindow is the terminal geometry requested for console sessions;
// BIOS menus draw for 80x25 and get confused by anything smaller.
const (
	ptyCols = 80
	ptyRows = 25
)

// console session shared state; split out so the reader goroutine holds
// no reference to the session itself.
type consoleLog struct {
	mu  sync.Mutex
	buf []byte
}

func (l *consoleLog) append(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, b...)
}

// Console is a target.Console over an SSH session to a console server.
// Output accumulates from the moment of attach; the log only ever
// grows.
type Console struct {
	log     *consoleLog
	stdin   io.WriteCloser
	session *ssh.Session
}

// Console attaches to the target's serial console. command is what the
// console server wants run to get the port (empty for servers that go
// straight to the port on login).
func (c *Client) Console(command, term string) (*Console, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, errors.Infraf("console session: %v", err)
	}
	if term == "" {
		term = "vt100"
	}
	modes := ssh.TerminalModes{
		ssh.ECHO: 0,
	}
	if err := session.RequestPty(term, ptyRows, ptyCols, modes); err != nil {
		session.Close()
		return nil, errors.Infraf("console pty: %v", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, errors.Infraf("console stdin: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, errors.Infraf("console stdout: %v", err)
	}
	if command == "" {
		err = session.Shell()
	} else {
		err = session.Start(command)
	}
	if err != nil {
		session.Close()
		return nil, errors.Infraf("console attach: %v", err)
	}

	log := &consoleLog{}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				log.append(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return &Console{log: log, stdin: stdin, session: session}, nil
}

// Write sends raw bytes down the console.
func (c *Console) Write(s string) error {
	if _, err := io.WriteString(c.stdin, s); err != nil {
		return errors.Infraf("console write: %v", err)
	}
	return nil
}

// Bytes returns everything the console printed since attach.
func (c *Console) Bytes() []byte {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	return c.log.buf
}

// Close detaches from the console.
func (c *Console) Close() error {
	c.stdin.Close()
	return c.session.Close()
}
