// Package uploadpack implements the Git protocol-v2 command state
// machine for a single `git-upload-pack` exec channel: capability
// advertisement, `ls-refs`, and `fetch`/`done`, each responding with
// sideband-framed pkt-lines.
//
// The original this is grounded on (the Rust `Handler::data` in
// `_examples/original_source/chartered-git/src/main.rs`) tracks three
// loose booleans (`ls_refs`, `fetch`, `done`) across repeated decode
// calls and acts once a batch of frames drains to nothing decodable.
// This port keeps that same action trigger — a command is only ever
// executed once gitpkt.Decoder has no complete frame left buffered, which in
// practice means the client's terminating flush-pkt has already been
// silently consumed by the decoder — but replaces the three booleans
// with a single named `command` state, so the session can never observe
// an invalid combination (e.g. "done seen but no fetch in progress").
package uploadpack

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ttys3/chartered-git/internal/gitlog"
	"github.com/ttys3/chartered-git/internal/gitpack"
	"github.com/ttys3/chartered-git/internal/gitpkt"
	"github.com/ttys3/chartered-git/internal/index"
)

// command names the protocol command a Machine is currently collecting
// argument lines for.
type command uint8

const (
	commandNone command = iota
	commandLsRefs
	commandFetch
	commandFetchDone
)

var (
	lsRefsLine = []byte("command=ls-refs")
	fetchLine  = []byte("command=fetch")
	doneLine   = []byte("done")
)

// Greeting is the sideband progress message sent before the packfile on
// a successful fetch.
const Greeting = "Hello from chartered-git!\n"

const agentLine = "agent=chartered-git/0.1.0\n"

// Advertise renders the capability list sent once an exec-request's
// command is recognised as git-upload-pack, terminated by a flush.
func Advertise() ([]byte, error) {
	lines := []string{
		"version 2\n",
		agentLine,
		"ls-refs=unborn\n",
		"fetch=shallow wait-for-done\n",
		"server-option\n",
		"object-info\n",
	}

	var buf bytes.Buffer
	for _, line := range lines {
		pkt, err := gitpkt.Data([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("uploadpack: advertise: %w", err)
		}
		buf.Write(pkt)
	}
	buf.Write(gitpkt.Flush.Bytes())
	return buf.Bytes(), nil
}

// BuildIndex synthesises the index tree and commit for a fetch. Bound
// per-session by the caller (internal/sshd), closing over the
// authenticated user, organisation, and registry port.
type BuildIndex func(ctx context.Context) (*index.Built, error)

// Machine drives the ls-refs/fetch command sequence for one exec
// channel. It is not safe for concurrent use; a session owns exactly
// one Machine for its lifetime.
type Machine struct {
	decoder *gitpkt.Decoder
	pending command
	build   BuildIndex
}

// New returns a Machine that will call build to produce the fetch
// response's packfile and commit hash.
func New(build BuildIndex) *Machine {
	return &Machine{decoder: &gitpkt.Decoder{}, pending: commandNone, build: build}
}

// Feed appends newly-received channel bytes, drains every complete
// pkt-line currently buffered, and returns any response bytes produced.
// closed reports whether the channel should now be sent exit-status 0,
// EOF, and closed.
func (m *Machine) Feed(ctx context.Context, data []byte) (out []byte, closed bool, err error) {
	m.decoder.Write(data)
	logger := gitlog.FromContext(ctx)

	for {
		frame, ok, err := m.decoder.Next()
		if err != nil {
			return nil, false, fmt.Errorf("uploadpack: decode: %w", err)
		}
		if !ok {
			break
		}

		// gitpkt.Decoder never surfaces a flush-pkt as a Next() result, so
		// in practice this fires only on a literal empty data frame; the
		// real terminating flush instead falls out through the channel EOF
		// path in the caller.
		if len(frame) == 0 && m.pending == commandNone {
			logger.Debug("empty command frame with nothing pending, closing channel")
			return nil, true, nil
		}

		switch {
		case bytes.Equal(frame, lsRefsLine):
			m.pending = commandLsRefs
		case bytes.Equal(frame, fetchLine):
			m.pending = commandFetch
		case m.pending == commandFetch && bytes.Equal(frame, doneLine):
			m.pending = commandFetchDone
		default:
			// Ref-prefix args, other fetch metadata, server-option and
			// object-info requests: advertised but not acted on.
		}
	}

	switch m.pending {
	case commandLsRefs:
		resp, err := m.respondLsRefs(ctx)
		m.pending = commandNone
		return resp, false, err
	case commandFetchDone:
		resp, err := m.respondFetch(ctx)
		m.pending = commandNone
		if err != nil {
			return nil, false, err
		}
		return resp, true, nil
	default:
		return nil, false, nil
	}
}

func (m *Machine) respondLsRefs(ctx context.Context) ([]byte, error) {
	built, err := m.build(ctx)
	if err != nil {
		return nil, fmt.Errorf("uploadpack: build index for ls-refs: %w", err)
	}

	line := fmt.Sprintf("%s HEAD symref-target:refs/heads/master\n", built.CommitHash)
	pkt, err := gitpkt.Data([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("uploadpack: encode ls-refs line: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(pkt)
	buf.Write(gitpkt.Flush.Bytes())
	return buf.Bytes(), nil
}

func (m *Machine) respondFetch(ctx context.Context) ([]byte, error) {
	built, err := m.build(ctx)
	if err != nil {
		return nil, fmt.Errorf("uploadpack: build index for fetch: %w", err)
	}

	var buf bytes.Buffer

	for _, line := range []string{"acknowledgments\n", "ready\n"} {
		pkt, err := gitpkt.Data([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("uploadpack: encode fetch status line: %w", err)
		}
		buf.Write(pkt)
	}
	buf.Write(gitpkt.Delimiter.Bytes())

	pkt, err := gitpkt.Data([]byte("packfile\n"))
	if err != nil {
		return nil, fmt.Errorf("uploadpack: encode packfile marker: %w", err)
	}
	buf.Write(pkt)

	greeting, err := gitpkt.SidebandMsg([]byte(Greeting))
	if err != nil {
		return nil, fmt.Errorf("uploadpack: encode greeting: %w", err)
	}
	buf.Write(greeting)

	packBytes, err := io.ReadAll(gitpack.Stream(built.Objects))
	if err != nil {
		return nil, fmt.Errorf("uploadpack: stream packfile: %w", err)
	}
	packPkt, err := gitpkt.SidebandData(packBytes)
	if err != nil {
		return nil, fmt.Errorf("uploadpack: encode packfile sideband: %w", err)
	}
	buf.Write(packPkt)

	buf.Write(gitpkt.Flush.Bytes())
	return buf.Bytes(), nil
}
