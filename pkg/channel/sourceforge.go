package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/mega-emu/relgate/pkg/config"
)

const defaultSourceForgeHost = "frs.sourceforge.net"

// SourceForge copies release files onto the file release system over
// SSH. Files land under /home/frs/project/<project>/<version>/.
type SourceForge struct {
	cfg    config.SourceForgeConfig
	logger *slog.Logger
}

func NewSourceForge(cfg config.SourceForgeConfig) (*SourceForge, error) {
	if cfg.Project == "" || cfg.Username == "" {
		return nil, errors.New("channel: sourceforge project and username are required")
	}
	if cfg.Password == "" && cfg.KeyPath == "" {
		return nil, errors.New("channel: sourceforge needs a password or a key path")
	}
	return &SourceForge{
		cfg:    cfg,
		logger: slog.Default().With("component", "channel.sourceforge"),
	}, nil
}

func (s *SourceForge) Name() string { return "sourceforge" }

// IdempotentPublish reports retry safety; uploads overwrite in place.
func (s *SourceForge) IdempotentPublish() bool { return true }

func (s *SourceForge) Publish(ctx context.Context, rel Release, art Artifact) error {
	client, err := s.connect()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	remoteDir := path.Join("/home/frs/project", s.cfg.Project, rel.Version)
	if err := runRemote(client, "mkdir -p -- "+shellQuote(remoteDir)); err != nil {
		return fmt.Errorf("channel: sourceforge mkdir %s: %w", remoteDir, err)
	}

	for _, p := range art.Files() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.upload(client, remoteDir, p, displayName(art, p)); err != nil {
			return err
		}
	}
	s.logger.InfoContext(ctx, "uploaded release files", "project", s.cfg.Project, "dir", remoteDir, "files", len(art.Files()))
	return nil
}

func (s *SourceForge) connect() (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	if s.cfg.KeyPath != "" {
		keyPEM, err := os.ReadFile(s.cfg.KeyPath) //nolint:gosec // G304: key path comes from configuration.
		if err != nil {
			return nil, fmt.Errorf("channel: sourceforge key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("channel: sourceforge key parse: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.cfg.Password != "" {
		auth = append(auth, ssh.Password(s.cfg.Password))
	}

	host := s.cfg.Host
	if host == "" {
		host = defaultSourceForgeHost
	}
	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // G106: the frs pool rotates hosts behind one name, so pinning breaks uploads.
		Timeout:         30 * time.Second,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(host, "22"), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("channel: sourceforge dial %s: %w", host, err)
	}
	return client, nil
}

func (s *SourceForge) upload(client *ssh.Client, remoteDir, localPath, name string) error {
	f, err := os.Open(localPath) //nolint:gosec // G304: paths come from the operator's own release directory.
	if err != nil {
		return fmt.Errorf("channel: sourceforge open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("channel: sourceforge stat %s: %w", localPath, err)
	}

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("channel: sourceforge session: %w", err)
	}
	defer func() { _ = session.Close() }()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("channel: sourceforge stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("channel: sourceforge stdout: %w", err)
	}

	if err := session.Start("scp -t -- " + shellQuote(remoteDir)); err != nil {
		return fmt.Errorf("channel: sourceforge scp start: %w", err)
	}
	sendErr := scpSend(stdin, stdout, name, info.Size(), f)
	_ = stdin.Close()
	waitErr := session.Wait()
	if sendErr != nil {
		return fmt.Errorf("channel: sourceforge upload %s: %w", name, sendErr)
	}
	if waitErr != nil {
		return fmt.Errorf("channel: sourceforge upload %s: %w", name, waitErr)
	}
	return nil
}

// scpSend drives the source side of the scp sink protocol for a single
// file: ack, header, ack, data, zero byte, ack.
func scpSend(stdin io.Writer, stdout io.Reader, name string, size int64, content io.Reader) error {
	if strings.ContainsAny(name, "\n/") {
		return fmt.Errorf("scp: unsafe file name %q", name)
	}
	if err := scpAck(stdout); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(stdin, "C0644 %d %s\n", size, name); err != nil {
		return err
	}
	if err := scpAck(stdout); err != nil {
		return err
	}
	if _, err := io.Copy(stdin, content); err != nil {
		return err
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return err
	}
	return scpAck(stdout)
}

// scpAck consumes one scp status byte. Zero is success; 1 and 2 are
// followed by an error line.
func scpAck(r io.Reader) error {
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return fmt.Errorf("scp: ack: %w", err)
	}
	switch code[0] {
	case 0:
		return nil
	case 1, 2:
		line, _ := bufio.NewReader(r).ReadString('\n')
		return fmt.Errorf("scp: remote error: %s", strings.TrimSpace(line))
	default:
		return fmt.Errorf("scp: unexpected status byte %d", code[0])
	}
}

func runRemote(client *ssh.Client, command string) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()
	return session.Run(command)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
