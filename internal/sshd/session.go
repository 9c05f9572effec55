// Package sshd is the SSH server surface: connection/channel plumbing,
// public-key authentication against a registry.Port, and the exec-request
// parsing that hands each git-upload-pack channel off to an
// internal/uploadpack.Machine.
//
// Grounded on the original's `Handler` (chartered-git/src/main.rs):
// auth_publickey/auth_none/auth_password/auth_keyboard_interactive,
// shell_request's greeting-then-close, and exec_request's
// shlex-split-then-validate-org flow are all carried over field-for-field,
// restructured around golang.org/x/crypto/ssh's channel/request model
// (one goroutine per accepted "session" channel, in place of the
// original's single per-connection Handler).
package sshd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/shlex"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"github.com/ttys3/chartered-git/internal/gitlog"
	"github.com/ttys3/chartered-git/internal/index"
	"github.com/ttys3/chartered-git/internal/registry"
	"github.com/ttys3/chartered-git/internal/uploadpack"
)

// ErrUnknownPublicKey is returned from the public-key callback when no
// registered user owns the offered key; golang.org/x/crypto/ssh turns any
// non-nil error here into Auth.Reject for that key.
var ErrUnknownPublicKey = errors.New("sshd: no user registered for this public key")

// DefaultMaxConnections bounds in-flight SSH connections when Config.MaxConnections
// is left at zero.
const DefaultMaxConnections = 64

// orgConfigHint is sent on the exec channel's extended-data stream when no
// organisation was present in the git-upload-pack path argument.
const orgConfigHint = "\r\nNo organisation was given in the path part of the SSH URI. A chartered-git registry should be defined in your .cargo/config.toml as follows:\r\n    [registries]\r\n    chartered = { index = \"ssh://domain.to.registry.com/my-organisation\" }\r\n"

// Config configures a Server.
type Config struct {
	// HostKey signs the SSH handshake. Supplied by the caller
	// (cmd/chartered-git generates a fresh ed25519 key unless --host-key
	// is given); never persisted here.
	HostKey ssh.Signer
	// Port is the registry capability every authenticated session reads
	// from to authenticate, authorise, and build the index tree.
	Port registry.Port
	// Clock is used for commit timestamps; defaults to index.SystemClock.
	Clock index.Clock
	// Author attributes synthesised commits; defaults to index.DefaultAuthor.
	Author index.Author
	// BaseURL is embedded in each fetch's config.json pointer blob.
	BaseURL string
	// MaxConnections bounds total in-flight SSH connections; defaults to
	// DefaultMaxConnections.
	MaxConnections int64
	// Logger receives structured session/connection events.
	Logger gitlog.Logger
}

// Server accepts SSH connections and serves the git-upload-pack protocol
// over each session channel.
type Server struct {
	cfg       Config
	sshConfig *ssh.ServerConfig
	sem       *semaphore.Weighted
	logger    gitlog.Logger
}

// New validates cfg and builds a Server ready to Serve.
func New(cfg Config) (*Server, error) {
	if cfg.Port == nil {
		return nil, errors.New("sshd: registry port is required")
	}
	if cfg.HostKey == nil {
		return nil, errors.New("sshd: host key is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = index.SystemClock{}
	}
	if cfg.Author == (index.Author{}) {
		cfg.Author = index.DefaultAuthor
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.Logger == nil {
		cfg.Logger = gitlog.Noop()
	}

	sshConfig := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-chartered-git",
		PublicKeyCallback: func(_ ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			// golang.org/x/crypto/ssh does not thread a context through this
			// callback; per spec.md §5's suspension points, authentication's
			// registry lookup is expected to be fast, so context.Background
			// here (rather than per-connection cancellation) is acceptable.
			return publicKeyCallback(context.Background(), cfg, pubKey)
		},
	}
	sshConfig.AddHostKey(cfg.HostKey)

	return &Server{
		cfg:       cfg,
		sshConfig: sshConfig,
		sem:       semaphore.NewWeighted(cfg.MaxConnections),
		logger:    cfg.Logger,
	}, nil
}

// Serve accepts connections from ln until it errors or ctx is cancelled,
// handling each on its own goroutine. Total in-flight connections are
// bounded by Config.MaxConnections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Closing ln on cancellation unblocks a pending Accept.
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		nConn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("sshd: accept: %w", err)
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			_ = nConn.Close()
			return ctx.Err()
		}

		go func() {
			defer s.sem.Release(1)
			s.handleConn(ctx, nConn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, nConn net.Conn) {
	defer nConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(nConn, s.sshConfig)
	if err != nil {
		s.logger.Debug("ssh handshake failed", "remote", nConn.RemoteAddr(), "error", err)
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}

		wg.Add(1)
		go func(nc ssh.NewChannel) {
			defer wg.Done()
			s.handleSessionChannel(ctx, sshConn, nc)
		}(newChan)
	}
	wg.Wait()
}

func (s *Server) handleSessionChannel(ctx context.Context, sshConn *ssh.ServerConn, newChan ssh.NewChannel) {
	channel, requests, err := newChan.Accept()
	if err != nil {
		s.logger.Debug("failed to accept session channel", "error", err)
		return
	}
	defer channel.Close()

	user, key, ok := identityFromPermissions(sshConn.Permissions)
	if !ok {
		s.logger.Error("session channel opened without an authenticated identity")
		return
	}

	sess := &session{
		logger:   s.logger,
		port:     s.cfg.Port,
		clock:    s.cfg.Clock,
		author:   s.cfg.Author,
		baseURL:  s.cfg.BaseURL,
		channel:  channel,
		user:     user,
		key:      key,
		clientIP: remoteIP(sshConn),
	}

	for req := range requests {
		switch req.Type {
		case "shell":
			sess.rejectShell(req)
			return
		case "exec":
			if !sess.acceptExec(req) {
				return
			}
			sess.pumpData(ctx)
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// session holds the per-channel state of one authenticated git-upload-pack
// exchange: the identity established at connection auth time, plus the
// organisation parsed out of this channel's exec command.
type session struct {
	logger   gitlog.Logger
	port     registry.Port
	clock    index.Clock
	author   index.Author
	baseURL  string
	channel  ssh.Channel
	user     registry.User
	key      registry.UserSSHKey
	clientIP string
	org      string
}

// rejectShell mirrors the original's shell_request: a personalised
// greeting explaining shell access isn't offered, then channel close.
func (s *session) rejectShell(req *ssh.Request) {
	if req.WantReply {
		_ = req.Reply(true, nil)
	}
	greeting := fmt.Sprintf("Hi there, %s! You've successfully authenticated, but chartered-git does not provide shell access.\r\n", s.user.Username)
	_, _ = s.channel.Write([]byte(greeting))
}

type exitStatusMsg struct {
	Status uint32
}

// acceptExec parses the exec command string, validates it is
// git-upload-pack against an organisation path, and on success writes the
// capability advertisement. It returns false when the channel must be
// closed without proceeding to data handling.
func (s *session) acceptExec(req *ssh.Request) bool {
	var payload struct{ Command string }
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		s.logger.Error("malformed exec request", "error", err)
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return false
	}

	args, err := shlex.Split(payload.Command)
	if err != nil || len(args) == 0 || args[0] != "git-upload-pack" {
		s.logger.Error("rejecting non git-upload-pack exec command", "command", payload.Command)
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return false
	}

	if req.WantReply {
		_ = req.Reply(true, nil)
	}

	var org string
	if len(args) >= 2 {
		org = strings.Trim(args[1], "/")
	}
	if org == "" {
		_, _ = s.channel.Stderr().Write([]byte(orgConfigHint))
		return false
	}
	s.org = org

	advert, err := uploadpack.Advertise()
	if err != nil {
		s.logger.Error("failed to render capability advertisement", "error", err)
		return false
	}
	if _, err := s.channel.Write(advert); err != nil {
		s.logger.Debug("failed to write capability advertisement", "error", err)
		return false
	}

	return true
}

// pumpData feeds channel bytes into a fresh uploadpack.Machine until the
// fetch/done sequence completes (or the channel/context ends), flushing
// every response produced and finishing with the exit-status/EOF sequence
// the original's data() handler sends on a graceful finish.
func (s *session) pumpData(ctx context.Context) {
	ctx = gitlog.WithLogger(ctx, s.logger)

	machine := uploadpack.New(func(ctx context.Context) (*index.Built, error) {
		return index.Build(ctx, s.port, s.clock, s.author, s.baseURL, s.user, s.org, s.key, s.clientIP)
	})

	buf := make([]byte, 32*1024)
	for {
		n, err := s.channel.Read(buf)
		if n > 0 {
			out, closed, ferr := machine.Feed(ctx, buf[:n])
			if ferr != nil {
				s.logger.Error("upload-pack command failed", "error", ferr)
				_, _ = s.channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: 1}))
				return
			}

			if len(out) > 0 {
				if _, werr := s.channel.Write(out); werr != nil {
					s.logger.Debug("failed writing channel response", "error", werr)
					return
				}
			}

			if closed {
				_, _ = s.channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: 0}))
				_ = s.channel.CloseWrite()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("session channel read error", "error", err)
			}
			return
		}
	}
}

func publicKeyCallback(ctx context.Context, cfg Config, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
	key, user, ok, err := cfg.Port.FindUserBySSHKey(ctx, pubKey.Marshal())
	if err != nil {
		return nil, fmt.Errorf("sshd: find user by ssh key: %w", err)
	}
	if !ok {
		return nil, ErrUnknownPublicKey
	}

	if err := cfg.Port.UpdateLastUsed(ctx, key); err != nil {
		cfg.Logger.Warn("failed to update ssh key last-used timestamp", "key_id", key.ID, "error", err)
	}

	return &ssh.Permissions{
		Extensions: map[string]string{
			"user_id":  strconv.FormatInt(user.ID, 10),
			"username": user.Username,
			"key_id":   strconv.FormatInt(key.ID, 10),
			"key_name": key.Name,
		},
	}, nil
}

func identityFromPermissions(perm *ssh.Permissions) (registry.User, registry.UserSSHKey, bool) {
	if perm == nil {
		return registry.User{}, registry.UserSSHKey{}, false
	}

	userID, err := strconv.ParseInt(perm.Extensions["user_id"], 10, 64)
	if err != nil {
		return registry.User{}, registry.UserSSHKey{}, false
	}
	keyID, err := strconv.ParseInt(perm.Extensions["key_id"], 10, 64)
	if err != nil {
		return registry.User{}, registry.UserSSHKey{}, false
	}

	user := registry.User{ID: userID, Username: perm.Extensions["username"]}
	key := registry.UserSSHKey{ID: keyID, UserID: userID, Name: perm.Extensions["key_name"]}
	return user, key, true
}

func remoteIP(conn *ssh.ServerConn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
