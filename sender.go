package chatsync

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/LuminPulse-AI/chatsync/clock"
)

// pendingSend is a send awaiting its ack. Removal from Engine.pending is
// what makes resolution happen exactly once: ack, timeout, transport loss
// and a reconciling echo all race to remove it.
type pendingSend struct {
	tempID        string
	counterpartID string
	timer         *clock.Timer
	cancel        func()
}

// Send submits a message to the active conversation. It returns the temp
// id of the optimistic record. The outcome arrives later as a status
// change on that record: sent, or failed plus a NoticeSendFailed.
//
// While disconnected nothing is added to the timeline, a reconnect is
// triggered and ErrNotConnected is returned.
func (e *Engine) Send(text string, attachment *Attachment) (string, error) {
	var (
		tempID string
		err    error
	)
	if !e.loop.call(func() {
		if !e.started || e.closed {
			err = ErrClosed
			return
		}
		tempID, err = e.send(text, attachment, e.active)
	}) {
		return "", ErrClosed
	}
	return tempID, err
}

// Retry resends a failed message under a fresh temp id. The failed record
// is replaced by the new optimistic one.
func (e *Engine) Retry(tempID string) (string, error) {
	var (
		newID string
		err   error
	)
	if !e.loop.call(func() {
		if !e.started || e.closed {
			err = ErrClosed
			return
		}
		newID, err = e.retry(tempID)
	}) {
		return "", ErrClosed
	}
	return newID, err
}

func (e *Engine) retry(tempID string) (string, error) {
	var (
		tl  *Timeline
		rec Message
	)
	for _, t := range e.timelines {
		if m, ok := t.FindTemp(tempID); ok && m.Status == StatusFailed {
			tl, rec = t, m
			break
		}
	}
	if tl == nil {
		return "", ErrNotRetryable
	}
	if !e.conn.Connected() {
		e.triggerReconnect()
		return "", ErrNotConnected
	}

	tl.Remove(tempID)
	e.tracker.Forget(tempID)
	e.log.Info("send_retry", zap.String("temp_id", tempID))
	return e.send(rec.Text, rec.Attachment, rec.Counterpart(e.me.ID))
}

func (e *Engine) send(text string, attachment *Attachment, to string) (string, error) {
	if strings.TrimSpace(text) == "" {
		e.metrics.Sends.WithLabelValues(OutcomeRejected).Inc()
		return "", ErrEmptyMessage
	}
	if to == "" {
		e.metrics.Sends.WithLabelValues(OutcomeRejected).Inc()
		return "", ErrNoConversation
	}
	if !e.conn.Connected() {
		e.metrics.Sends.WithLabelValues(OutcomeRejected).Inc()
		e.triggerReconnect()
		return "", ErrNotConnected
	}

	now := e.clock.Now().UTC()
	tempID := newTempID(now)
	m := Message{
		TempID:     tempID,
		SenderID:   e.me.ID,
		ReceiverID: to,
		Text:       text,
		Attachment: attachment,
		CreatedAt:  now,
	}
	tl := e.timeline(to)
	if err := tl.InsertOptimistic(m); err != nil {
		return "", err
	}
	e.tracker.Advance(tempID, StatusSending)
	if to == e.active {
		e.typing.StopLocal()
	}
	if rec, ok := tl.FindTemp(tempID); ok {
		e.setPreview(to, rec)
	}

	p := &pendingSend{tempID: tempID, counterpartID: to}
	e.pending[tempID] = p
	p.timer = e.schedule(e.cfg.SendTimeout, func() {
		e.resolve(tempID, AckPayload{}, ErrAckTimeout)
	})

	cancel, err := e.channel.Request(e.ctx, EventSendMessage, SendMessagePayload{
		TempID:     tempID,
		SenderID:   e.me.ID,
		ReceiverID: to,
		Text:       text,
		CreatedAt:  now,
		RoomID:     tl.Room(),
		Attachment: attachment,
	}, func(ack AckPayload, err error) {
		e.loop.post(func() { e.resolve(tempID, ack, err) })
	})
	if err != nil {
		e.resolve(tempID, AckPayload{}, err)
	} else {
		p.cancel = cancel
	}

	e.log.Debug("send_submitted", zap.String("temp_id", tempID), zap.String("to", to))
	e.persistStatuses()
	e.notifyTimeline(to)
	return tempID, nil
}

// resolve settles a pending send. Later calls for the same temp id do
// nothing.
func (e *Engine) resolve(tempID string, ack AckPayload, err error) {
	p, ok := e.pending[tempID]
	if !ok {
		return
	}
	delete(e.pending, tempID)
	p.timer.Stop()
	if p.cancel != nil {
		p.cancel()
	}
	tl := e.timeline(p.counterpartID)

	if err == nil && ack.Success && ack.MessageID != "" {
		tl.Reconcile(tempID, ack.MessageID)
		e.tracker.Rekey(tempID, ack.MessageID)
		s, _ := e.tracker.Advance(ack.MessageID, StatusSent)
		tl.SetStatus(ack.MessageID, s)
		e.refreshPreview(p.counterpartID, tl, tempID, ack.MessageID)
		e.metrics.Sends.WithLabelValues(OutcomeSent).Inc()
		e.log.Debug("send_acknowledged", zap.String("temp_id", tempID), zap.String("message_id", ack.MessageID))
	} else {
		failure := sendFailure(tempID, ack, err)
		tl.MarkFailed(tempID)
		e.tracker.Advance(tempID, StatusFailed)
		e.refreshPreview(p.counterpartID, tl, tempID, tempID)
		e.metrics.Sends.WithLabelValues(OutcomeFailed).Inc()
		e.log.Warn("send_failed", zap.String("temp_id", tempID), zap.String("reason", failure.Reason), zap.Error(failure.Err))
		e.notice(Notice{Kind: NoticeSendFailed, CounterpartID: p.counterpartID, TempID: tempID, Err: failure})
	}

	e.persistStatuses()
	e.notifyTimeline(p.counterpartID)
}

func sendFailure(tempID string, ack AckPayload, err error) *SendFailure {
	f := &SendFailure{TempID: tempID, Err: err}
	var te *TransportError
	switch {
	case errors.Is(err, ErrAckTimeout):
		f.Reason = "timeout"
	case errors.Is(err, ErrClosed):
		f.Reason = "closed"
	case errors.Is(err, ErrNotConnected), errors.As(err, &te):
		f.Reason = "transport"
	case err != nil:
		f.Reason = "error"
	case !ack.Success:
		f.Reason = "rejected"
		if ack.Error != "" {
			f.Err = errors.New(ack.Error)
		}
	default:
		f.Reason = "missing message id"
	}
	return f
}

// triggerReconnect kicks the connection manager, at most once per
// ReconnectTriggerInterval, and tells the UI a reconnect is under way.
func (e *Engine) triggerReconnect() {
	if e.reconnectRL.AllowN(e.clock.Now(), 1) {
		e.log.Info("send_triggered_reconnect", zap.String("state", string(e.conn.State)))
		go func() {
			if err := e.channel.Connect(e.ctx); err != nil {
				e.log.Debug("send_triggered_reconnect_failed", zap.Error(err))
			}
		}()
	}
	e.notice(Notice{Kind: NoticeReconnecting, Err: ErrNotConnected})
}
