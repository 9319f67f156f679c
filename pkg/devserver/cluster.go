package devserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultClusterSubject is the NATS subject dev servers relay on.
const DefaultClusterSubject = "wslink.relay"

// clusterMsg is a relayed frame as published on NATS.
type clusterMsg struct {
	Origin string          `json:"origin"`
	To     string          `json:"to,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

type cluster struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
}

// JoinCluster connects to the NATS server at url and shares relayed frames
// with every other dev server on subject, so peers of different servers
// can reach each other. An empty subject means DefaultClusterSubject.
func (s *Server) JoinCluster(url, subject string, opts ...nats.Option) error {
	if url == "" {
		url = nats.DefaultURL
	}
	if subject == "" {
		subject = DefaultClusterSubject
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errShuttingDown
	}
	if s.cluster != nil {
		return errors.New("already joined a cluster")
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	sub, err := conn.Subscribe(subject, s.onClusterMsg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	if err := conn.Flush(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	s.cluster = &cluster{conn: conn, sub: sub, subject: subject}
	s.config.logger.Info("Joined cluster", "url", conn.ConnectedUrl(), "subject", subject)
	return nil
}

func (s *Server) onClusterMsg(msg *nats.Msg) {
	var m clusterMsg
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		s.config.logger.Warn("Dropping malformed cluster message", "error", err)
		return
	}
	if m.Origin == s.id {
		return
	}
	s.publish(relayed{to: m.To, frame: m.Frame, remote: true})
}

// forwardLocked publishes a locally originated frame to the cluster. s.mu must be held.
func (s *Server) forwardLocked(msg relayed) {
	if s.cluster == nil || msg.remote {
		return
	}
	data, err := json.Marshal(clusterMsg{Origin: s.id, To: msg.to, Frame: msg.frame})
	if err != nil {
		s.config.logger.Error("Failed to encode cluster message", "error", err)
		return
	}
	if err := s.cluster.conn.Publish(s.cluster.subject, data); err != nil {
		s.config.logger.Warn("Failed to forward to cluster", "error", err)
	}
}

// close drains the subscription and then the connection.
func (c *cluster) close() error {
	return c.conn.Drain()
}
