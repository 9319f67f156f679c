package devserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-wslink/pkg/envelope"
)

// Response codes carried in the code field.
const (
	CodeOK         = 0
	CodeBadRequest = http.StatusBadRequest
	CodeTooLarge   = http.StatusRequestEntityTooLarge
)

// peer is one connected client.
type peer struct {
	id      string
	user    string
	conn    *websocket.Conn
	srv     *Server
	send    chan []byte
	relay   chan interface{}
	ctx     context.Context
	cancel  context.CancelFunc
	fileURL string
	logger  *slog.Logger
}

func (p *peer) readPump() {
	defer p.srv.wg.Done()
	defer func() {
		p.cancel()
		p.srv.removePeer(p)
		p.conn.CloseNow()
		p.logger.Info("Peer disconnected")
	}()

	for {
		_, frame, err := p.conn.Read(p.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				p.logger.Debug("Read loop ended", "status", status)
			} else {
				p.logger.Info("Read error", "error", err, "status", status)
			}
			return
		}
		env, err := envelope.Decode(frame)
		if err != nil {
			p.logger.Warn("Dropping malformed frame", "error", err)
			continue
		}
		p.handle(env, frame)
	}
}

func (p *peer) handle(env *envelope.Envelope, frame []byte) {
	switch env.Tag() {
	case envelope.TagPing:
		p.reply(envelope.Pong())
	case envelope.TagPong:
		p.logger.Debug("Pong received")
	case envelope.TagHeartbeat:
		p.reply(envelope.Heartbeat(env.Timestamp))
	case envelope.TagUpload:
		p.handleUpload(env)
	default:
		if env.RequestID != "" {
			// Requests are acknowledged with their own body.
			code := CodeOK
			p.reply(&envelope.Envelope{BizType: env.BizType, RequestID: env.RequestID, Code: &code, Data: env.Data})
			return
		}
		var to string
		if _, err := env.Get("to_userid", &to); err != nil {
			p.logger.Debug("Ignoring non-string to_userid", "error", err)
			to = ""
		}
		p.srv.publish(relayed{from: p.id, to: to, frame: frame})
	}
}

func (p *peer) handleUpload(env *envelope.Envelope) {
	req, data, err := decodeUpload(env, p.srv.config.maxUpload)
	if err != nil {
		code := CodeBadRequest
		if errors.Is(err, errTooLarge) {
			code = CodeTooLarge
		}
		p.logger.Warn("Rejected upload", "request_id", req.RequestID, "error", err)
		if req.RequestID != "" {
			p.reply(&envelope.Envelope{RequestID: req.RequestID, Code: &code, Msg: err.Error()})
		}
		return
	}
	id := p.srv.storeFile(data, req.Type)
	code := CodeOK
	resp := &envelope.Envelope{RequestID: req.RequestID, Code: &code}
	if err := resp.SetData(envelope.UploadResult{URL: p.fileURL + id}); err != nil {
		p.logger.Error("Failed to build upload response", "error", err)
		return
	}
	p.logger.Info("Stored upload", "request_id", req.RequestID, "bytes", len(data), "type", req.Type)
	p.reply(resp)
}

func (p *peer) reply(env *envelope.Envelope) {
	frame, err := envelope.Encode(env)
	if err != nil {
		p.logger.Error("Failed to encode reply", "tag", env.Tag(), "error", err)
		return
	}
	p.trySend(frame)
}

// trySend queues frame without blocking; a full buffer drops it.
func (p *peer) trySend(frame []byte) {
	select {
	case <-p.ctx.Done():
	case p.send <- frame:
	default:
		p.logger.Warn("Send buffer full, dropping frame")
	}
}

func (p *peer) relayPump() {
	defer p.srv.wg.Done()
	for msg := range p.relay {
		m, ok := msg.(relayed)
		if !ok || m.from == p.id || p.ctx.Err() != nil {
			continue
		}
		if m.to != "" && m.to != p.user {
			continue
		}
		p.trySend(m.frame)
	}
}

func (p *peer) writePump() {
	defer p.srv.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case frame := <-p.send:
			ctx, cancel := context.WithTimeout(p.ctx, p.srv.config.writeTimeout)
			err := p.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				p.logger.Info("Write error", "error", err)
				p.conn.CloseNow()
				return
			}
		}
	}
}

func (p *peer) pingLoop(interval time.Duration) {
	defer p.srv.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ping, _ := envelope.Encode(&envelope.Envelope{BizType: envelope.TagPing})
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.trySend(ping)
		}
	}
}
