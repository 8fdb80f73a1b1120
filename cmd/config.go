package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/posfw/posfw/errors"
	"github.com/posfw/posfw/remote"
	"github.com/posfw/posfw/state"
	"github.com/posfw/posfw/target"
)

// endpoint is the YAML shape of one SSH endpoint.
type endpoint struct {
	Host     string  `yaml:"host"`
	Port     int     `yaml:"port"`
	User     string  `yaml:"user"`
	Password string  `yaml:"password"`
	KeyFile  string  `yaml:"keyfile"`
	Timeout  float64 `yaml:"timeout"`
}

func (e endpoint) config() remote.Config {
	port := e.Port
	if port == 0 {
		port = 22
	}
	user := e.User
	if user == "" {
		user = "root"
	}
	return remote.Config{
		Host:     e.Host,
		Port:     port,
		User:     user,
		Password: e.Password,
		KeyFile:  e.KeyFile,
		Timeout:  time.Duration(e.Timeout * float64(time.Second)),
	}
}

// TargetConfig describes one target machine: its inventory, how to
// reach its serial console and shell, and how to flip its power.
type TargetConfig struct {
	Name      string            `yaml:"name"`
	Inventory map[string]string `yaml:"inventory"`

	// Console is the SSH console server fronting the serial port.
	// Command is what the server runs to attach (empty when login
	// lands on the port directly).
	Console struct {
		endpoint `yaml:",inline"`
		Command  string `yaml:"command"`
		Terminal string `yaml:"terminal"`
	} `yaml:"console"`

	// SSH reaches a shell on the target once an OS (the POS included)
	// is up.
	SSH endpoint `yaml:"ssh"`

	// Power commands run locally (typically a PDU or BMC CLI).
	Power struct {
		On    string `yaml:"on"`
		Off   string `yaml:"off"`
		Cycle string `yaml:"cycle"`
	} `yaml:"power"`
}

// LoadTargetConfig reads and validates a target description.
func LoadTargetConfig(path string) (*TargetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read target config: %w", err)
	}
	var cfg TargetConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse target config %s: %w", path, err)
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("%s: target config needs a name", path)
	}
	if cfg.Inventory == nil {
		cfg.Inventory = map[string]string{}
	}
	return &cfg, nil
}

// Target builds a disconnected target from the config: inventory and
// properties work, transports do not. Enough for capability resolution
// and catalog work.
func (c *TargetConfig) Target(stateDir string) (*target.Target, error) {
	props, err := state.Open(filepath.Join(stateDir, c.Name+".json"))
	if err != nil {
		return nil, err
	}
	return target.New(c.Name, nil, nil, nil,
		target.Inventory(c.Inventory), props, nil), nil
}

// Connect builds a fully wired target: console attached, shell dialing
// lazily (the target's SSH only answers once an OS is up), power
// running the configured local commands. The returned closer detaches
// everything.
func (c *TargetConfig) Connect(stateDir string) (*target.Target, func(), error) {
	props, err := state.Open(filepath.Join(stateDir, c.Name+".json"))
	if err != nil {
		return nil, nil, err
	}

	consoleClient, err := remote.Dial(c.Console.config())
	if err != nil {
		return nil, nil, err
	}
	console, err := consoleClient.Console(c.Console.Command, c.Console.Terminal)
	if err != nil {
		consoleClient.Close()
		return nil, nil, err
	}

	shell := &lazyShell{cfg: c.SSH.config()}
	power := &execPower{
		name: c.Name,
		on:   c.Power.On, off: c.Power.Off, cycle: c.Power.Cycle,
	}
	t := target.New(c.Name, console, power, shell,
		target.Inventory(c.Inventory), props, nil)
	closer := func() {
		console.Close()
		consoleClient.Close()
		shell.Close()
	}
	return t, closer, nil
}

// lazyShell dials the target's SSH on first use and redials after
// failures; the endpoint comes and goes as the target reboots through
// the deploy sequence.
type lazyShell struct {
	cfg    remote.Config
	mu     sync.Mutex
	client *remote.Client
}

func (s *lazyShell) Run(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	client := s.client
	if client == nil {
		var err error
		client, err = remote.Dial(s.cfg)
		if err != nil {
			s.mu.Unlock()
			return "", err
		}
		s.client = client
	}
	s.mu.Unlock()

	output, err := client.Shell().Run(ctx, cmd)
	if err != nil && errors.IsRecoverable(err) {
		// the connection may be the casualty; drop it so the next
		// command redials
		s.mu.Lock()
		if s.client == client {
			s.client.Close()
			s.client = nil
		}
		s.mu.Unlock()
	}
	return output, err
}

func (s *lazyShell) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// execPower runs the configured power commands through the local shell.
type execPower struct {
	name          string
	on, off, cycle string
}

func (p *execPower) run(ctx context.Context, what, cmdline string) error {
	if cmdline == "" {
		return errors.Blockedf("%s: no power.%s command configured", p.name, what)
	}
	out, err := exec.CommandContext(ctx, "sh", "-c", cmdline).CombinedOutput()
	if err != nil {
		return errors.Infraf("power %s failed: %v", what, err).
			WithAttachment("output", string(out))
	}
	return nil
}

func (p *execPower) On(ctx context.Context) error  { return p.run(ctx, "on", p.on) }
func (p *execPower) Off(ctx context.Context) error { return p.run(ctx, "off", p.off) }
func (p *execPower) Cycle(ctx context.Context) error {
	if p.cycle == "" && p.on != "" && p.off != "" {
		if err := p.run(ctx, "off", p.off); err != nil {
			return err
		}
		return p.run(ctx, "on", p.on)
	}
	return p.run(ctx, "cycle", p.cycle)
}

// localShell runs commands on the machine driving the deployment, for
// pushing local trees through the target's rsync daemon.
type localShell struct{}

func (localShell) Run(ctx context.Context, cmd string) (string, error) {
	out, err := exec.CommandContext(ctx, "sh", "-c", cmd).CombinedOutput()
	if err != nil {
		return string(out), errors.Infraf("%s: %v", cmd, err).
			WithAttachment("output", string(out))
	}
	return string(out), nil
}
