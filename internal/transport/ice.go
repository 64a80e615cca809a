package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/pion/ice/v3"
	"github.com/pion/stun/v2"
)

// Signal ICE credentials + candidates exchanged out of band (etcd, admin API).
type Signal struct {
	Ufrag      string
	Pwd        string
	Candidates []string
}

// String: ufrag, pwd, then one candidate per line.
func (s Signal) String() string {
	lines := append([]string{s.Ufrag, s.Pwd}, s.Candidates...)
	return strings.Join(lines, "\n")
}

// ParseSignal inverse of Signal.String.
func ParseSignal(s string) (Signal, error) {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) == "" || strings.TrimSpace(lines[1]) == "" {
		return Signal{}, errors.New("ice signal: missing credentials")
	}
	sig := Signal{Ufrag: strings.TrimSpace(lines[0]), Pwd: strings.TrimSpace(lines[1])}
	for _, l := range lines[2:] {
		if l = strings.TrimSpace(l); l != "" {
			sig.Candidates = append(sig.Candidates, l)
		}
	}
	return sig, nil
}

// IceSession one ICE agent toward one remote peer.
type IceSession struct {
	agent       *ice.Agent
	controlling bool
	gathered    chan struct{}
	once        sync.Once
}

// NewIceSession creates an agent (stunURL optional) and starts gathering.
// The controlling side dials, the other accepts.
func NewIceSession(stunURL string, controlling bool) (*IceSession, error) {
	config := &ice.AgentConfig{}
	if stunURL != "" {
		uri, err := stun.ParseURI(stunURL)
		if err != nil {
			return nil, err
		}
		config.Urls = []*stun.URI{uri}
	}
	agent, err := ice.NewAgent(config)
	if err != nil {
		return nil, err
	}
	s := &IceSession{agent: agent, controlling: controlling, gathered: make(chan struct{})}
	if err := agent.OnCandidate(func(c ice.Candidate) {
		// nil marks the end of gathering
		if c == nil {
			s.once.Do(func() { close(s.gathered) })
		}
	}); err != nil {
		agent.Close()
		return nil, err
	}
	if err := agent.GatherCandidates(); err != nil {
		agent.Close()
		return nil, err
	}
	return s, nil
}

// Local waits for gathering and returns our signal.
func (s *IceSession) Local(ctx context.Context) (Signal, error) {
	select {
	case <-s.gathered:
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	}
	ufrag, pwd, err := s.agent.GetLocalUserCredentials()
	if err != nil {
		return Signal{}, err
	}
	list, err := s.agent.GetLocalCandidates()
	if err != nil {
		return Signal{}, err
	}
	sig := Signal{Ufrag: ufrag, Pwd: pwd}
	for _, c := range list {
		sig.Candidates = append(sig.Candidates, c.Marshal())
	}
	return sig, nil
}

// Connect adds remote candidates and dials/accepts; returns a net.Conn for ConnTransport.Attach.
func (s *IceSession) Connect(ctx context.Context, remote Signal) (net.Conn, error) {
	if err := s.agent.SetRemoteCredentials(remote.Ufrag, remote.Pwd); err != nil {
		return nil, err
	}
	for _, line := range remote.Candidates {
		c, err := ice.UnmarshalCandidate(line)
		if err != nil {
			continue
		}
		_ = s.agent.AddRemoteCandidate(c)
	}
	var conn *ice.Conn
	var err error
	if s.controlling {
		conn, err = s.agent.Dial(ctx, remote.Ufrag, remote.Pwd)
	} else {
		conn, err = s.agent.Accept(ctx, remote.Ufrag, remote.Pwd)
	}
	if err != nil {
		return nil, err
	}
	return &iceConnWrap{Conn: conn, agent: s.agent}, nil
}

// Close releases the agent (when Connect was never called or failed).
func (s *IceSession) Close() error { return s.agent.Close() }

type iceConnWrap struct {
	*ice.Conn
	agent *ice.Agent
}

func (w *iceConnWrap) Close() error {
	err := w.Conn.Close()
	w.agent.Close()
	return err
}
