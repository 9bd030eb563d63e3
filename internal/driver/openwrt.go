package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/calderos/netpilot/internal/inventory"
)

// TypeOpenWrtSSH identifies OpenWrt routers reached over SSH. USSD status
// is read from the router syslog rather than executed, to avoid modem port
// conflicts with the router's own scripts.
const TypeOpenWrtSSH = "openwrt_ssh"

// Compile-time interface guard.
var _ Driver = (*OpenWrt)(nil)

// OpenWrt drives OpenWrt devices over SSH with password auth.
type OpenWrt struct {
	dialTimeout time.Duration

	// sshDial is the function used to establish SSH connections.
	// Defaults to ssh.Dial; overridden in tests.
	sshDial func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}

// NewOpenWrt creates an OpenWrt SSH driver.
func NewOpenWrt() *OpenWrt {
	return &OpenWrt{dialTimeout: 10 * time.Second}
}

func (d *OpenWrt) SupportedActions() []string {
	return []string{ActionCheckBalance, ActionFetchUSSDLogs}
}

// Validate dials the SSH port. A plain TCP reachability check keeps the
// probe cheap and credential-free.
func (d *OpenWrt) Validate(ctx context.Context, device inventory.Device) error {
	addr := d.deviceAddr(device)
	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return E(KindConnectivity, "openwrt: dial "+addr, err)
	}
	conn.Close()
	return nil
}

func (d *OpenWrt) Execute(ctx context.Context, device inventory.Device, actionKey string, params map[string]string) (*Result, error) {
	switch actionKey {
	case ActionCheckBalance:
		out, err := d.run(ctx, device, "sh -c 'logread -e USSD | tail -n 1'")
		if err != nil {
			return nil, err
		}
		line := strings.TrimSpace(out)
		return &Result{Raw: line, Parsed: ParseUSSDLine(line)}, nil

	case ActionFetchUSSDLogs:
		lines := 20
		if v, ok := params["lines"]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				lines = n
			}
		}
		out, err := d.run(ctx, device, fmt.Sprintf("sh -c 'logread -e USSD | tail -n %d'", lines))
		if err != nil {
			return nil, err
		}
		return &Result{Raw: strings.TrimSpace(out)}, nil

	default:
		return nil, E(KindUnsupportedAction, "openwrt",
			fmt.Errorf("action %q not supported", actionKey))
	}
}

// run executes one remote command and returns its stdout.
func (d *OpenWrt) run(ctx context.Context, device inventory.Device, command string) (string, error) {
	addr := d.deviceAddr(device)
	user := device.Username
	if user == "" {
		user = "root"
	}

	sshConfig := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(device.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // G106: devices live on the management network; host key pinning is a future enhancement
		Timeout:         d.dialTimeout,
	}

	dial := d.sshDial
	if dial == nil {
		dial = ssh.Dial
	}
	client, err := dial("tcp", addr, sshConfig)
	if err != nil {
		return "", E(KindConnectivity, "openwrt: ssh dial "+addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", E(KindConnectivity, "openwrt: ssh session", err)
	}
	defer session.Close()

	// ssh sessions don't take a context; cut the connection when the
	// deadline fires so the Output call unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	out, err := session.Output(command)
	if err != nil {
		if ctx.Err() != nil {
			return "", E(KindOf(ctx.Err()), "openwrt: "+command, ctx.Err())
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return "", E(KindDevice, "openwrt: "+command,
				fmt.Errorf("exit status %d", exitErr.ExitStatus()))
		}
		return "", E(KindConnectivity, "openwrt: "+command, err)
	}
	return string(out), nil
}

func (d *OpenWrt) deviceAddr(device inventory.Device) string {
	port := device.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(device.Address, strconv.Itoa(port))
}
