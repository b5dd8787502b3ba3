package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kuno/auth"
	"kuno/models"
	"kuno/registry"
	"kuno/replica"
)

// Replicator writes durable copies of routed messages.
type Replicator interface {
	Replicate(ctx context.Context, message models.RoutedMessage, delivered bool) replica.Report
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Registry   *registry.Registry
	Directory  auth.Directory
	Replicator Replicator
	Logger     *zap.Logger
	Metrics    *Metrics

	Now   func() time.Time
	NewID func() string
}

// Router handles the envelopes of admitted sessions.
type Router struct {
	registry   *registry.Registry
	directory  auth.Directory
	replicator Replicator
	log        *zap.Logger
	metrics    *Metrics
	now        func() time.Time
	newID      func() string

	replications sync.WaitGroup
}

// NewRouter builds a Router. A nil Replicator disables replication.
func NewRouter(options RouterOptions) (*Router, error) {
	if options.Registry == nil {
		return nil, errors.New("router registry is required")
	}
	if options.Directory == nil {
		return nil, errors.New("router account directory is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.NewID == nil {
		options.NewID = uuid.NewString
	}

	return &Router{
		registry:   options.Registry,
		directory:  options.Directory,
		replicator: options.Replicator,
		log:        options.Logger.Named("router"),
		metrics:    options.Metrics,
		now:        options.Now,
		newID:      options.NewID,
	}, nil
}

// HandleFrame dispatches one inbound frame from sender. Failures are reported
// to sender as error envelopes; none of them end the session.
func (r *Router) HandleFrame(ctx context.Context, sender *registry.Session, frame []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.log.Error("panic while handling frame",
				zap.String("session_id", sender.ID),
				zap.Any("panic", recovered),
			)
			r.sendError(sender, "process", ErrTextProcess, "")
		}
	}()

	env, err := DecodeEnvelope(frame)
	if err != nil {
		r.log.Warn("malformed envelope", zap.String("session_id", sender.ID), zap.Error(err))
		r.sendError(sender, "malformed", ErrTextProcess, "")
		return
	}
	r.metrics.RecordFrame(env.Type)

	switch env.Type {
	case TypeSendMessage:
		var req SendMessageRequest
		if err := DecodePayload(env, &req); err != nil {
			r.log.Warn("malformed send_message", zap.String("session_id", sender.ID), zap.Error(err))
			r.sendError(sender, "malformed", ErrTextProcess, "")
			return
		}
		_, _ = r.RouteSend(ctx, sender, req)
	case TypeTyping:
		var req TypingRequest
		if err := DecodePayload(env, &req); err != nil {
			r.sendError(sender, "malformed", ErrTextProcess, "")
			return
		}
		r.RelayTyping(sender, req)
	case TypeReadReceipt:
		var req ReadReceiptRequest
		if err := DecodePayload(env, &req); err != nil {
			r.sendError(sender, "malformed", ErrTextProcess, "")
			return
		}
		r.RelayReadReceipt(sender, req)
	case TypePresence:
	default:
		r.log.Warn("unknown message type", zap.String("type", env.Type), zap.String("session_id", sender.ID))
	}
}

// RouteSend resolves the recipient, acknowledges the sender, pushes the
// message to the recipient's matching live devices, and hands it to the
// replicator whether or not any device received it.
func (r *Router) RouteSend(ctx context.Context, sender *registry.Session, req SendMessageRequest) (models.RoutedMessage, error) {
	recipientID, err := r.directory.ResolveAccountID(ctx, req.RecipientUsername)
	if errors.Is(err, auth.ErrAccountNotFound) {
		r.sendError(sender, "recipient_not_found", ErrTextRecipientUnknown, "")
		return models.RoutedMessage{}, err
	}
	if err != nil {
		r.log.Error("resolve recipient failed", zap.String("recipient", req.RecipientUsername), zap.Error(err))
		r.sendError(sender, "send_failed", ErrTextSendFailed, err.Error())
		return models.RoutedMessage{}, err
	}

	message := models.RoutedMessage{
		ID:                r.newID(),
		SenderID:          sender.AccountID,
		SenderUsername:    sender.Username,
		SenderDeviceID:    sender.DeviceID,
		RecipientID:       recipientID,
		RecipientUsername: req.RecipientUsername,
		RecipientDeviceID: req.RecipientDeviceID,
		MessageType:       req.MessageType,
		EncryptedPayload:  req.EncryptedPayload,
		Timestamp:         r.now().UnixMilli(),
	}

	r.send(sender, TypeMessageAck, MessageAck{MessageID: message.ID, Timestamp: message.Timestamp})

	frame, err := EncodeEnvelope(TypeReceiveMessage, message)
	if err != nil {
		r.log.Error("encode routed message failed", zap.String("message_id", message.ID), zap.Error(err))
		r.sendError(sender, "send_failed", ErrTextSendFailed, err.Error())
		return models.RoutedMessage{}, err
	}

	delivered := false
	for _, session := range r.registry.SessionsFor(recipientID) {
		if !message.TargetsDevice(session.DeviceID) {
			continue
		}
		if err := session.Send(frame); err != nil {
			r.log.Debug("fan-out leg failed",
				zap.String("message_id", message.ID),
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
			continue
		}
		delivered = true
	}
	r.metrics.RecordRouted(delivered)

	r.replicate(message, delivered)

	r.log.Info("message routed",
		zap.String("message_id", message.ID),
		zap.String("from", sender.Username),
		zap.String("to", req.RecipientUsername),
		zap.Bool("delivered", delivered),
	)
	message.Delivered = delivered
	return message, nil
}

// RelayTyping forwards a typing indicator to every live device of the
// recipient. It returns how many devices received it.
func (r *Router) RelayTyping(sender *registry.Session, req TypingRequest) int {
	_, sessions, ok := r.registry.SessionsForUsername(req.RecipientUsername)
	if !ok {
		return 0
	}
	return r.broadcast(sessions, TypeTyping, TypingEvent{Username: sender.Username, IsTyping: req.IsTyping})
}

// RelayReadReceipt forwards a read receipt to every live device of the
// original sender. It returns how many devices received it.
func (r *Router) RelayReadReceipt(sender *registry.Session, req ReadReceiptRequest) int {
	_, sessions, ok := r.registry.SessionsForUsername(req.SenderUsername)
	if !ok {
		return 0
	}
	return r.broadcast(sessions, TypeReadReceipt, ReadReceiptEvent{
		MessageID: req.MessageID,
		ReadBy:    sender.Username,
		ReadAt:    r.now().UnixMilli(),
	})
}

// Wait blocks until every replication started so far has settled.
func (r *Router) Wait() {
	r.replications.Wait()
}

func (r *Router) replicate(message models.RoutedMessage, delivered bool) {
	if r.replicator == nil {
		return
	}

	r.replications.Add(1)
	go func() {
		defer r.replications.Done()

		report := r.replicator.Replicate(context.Background(), message, delivered)
		for _, outcome := range report.Outcomes {
			r.metrics.RecordReplication(outcome.Backend.ID, outcome.OK())
		}
		if report.Succeeded() == 0 && len(report.Outcomes) > 0 {
			r.log.Warn("message not stored on any backend", zap.String("message_id", message.ID))
		}
	}()
}

func (r *Router) broadcast(sessions []*registry.Session, msgType string, payload any) int {
	frame, err := EncodeEnvelope(msgType, payload)
	if err != nil {
		r.log.Error("encode relay failed", zap.String("type", msgType), zap.Error(err))
		return 0
	}

	sent := 0
	for _, session := range sessions {
		if err := session.Send(frame); err != nil {
			r.log.Debug("relay leg failed", zap.String("session_id", session.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (r *Router) send(session *registry.Session, msgType string, payload any) {
	frame, err := EncodeEnvelope(msgType, payload)
	if err != nil {
		r.log.Error("encode envelope failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := session.Send(frame); err != nil {
		r.log.Debug("send to session failed",
			zap.String("session_id", session.ID),
			zap.String("type", msgType),
			zap.Error(err),
		)
	}
}

func (r *Router) sendError(session *registry.Session, code, message, detail string) {
	r.metrics.RecordRouterError(code)
	r.send(session, TypeError, ErrorPayload{Message: message, Error: detail})
}
