package sipua

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/session"
)

// call исходящий вызов. Поле dialog заполняется после 2xx и подтверждения ACK.
type call struct {
	handle  session.CallHandle
	account *account
	callID  string
	target  sip.Uri

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	dialog   *sipgo.DialogClientSession
	answered bool
	ended    bool
}

// established возвращает диалог, если вызов был принят
func (c *call) established() (*sipgo.DialogClientSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialog, c.answered
}

// markEnded помечает вызов завершённым. Возвращает false, если он уже завершён.
func (c *call) markEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.ended = true
	return true
}

// ParseTarget переводит набранный адрес в SIP URI.
// Принимает "sip:user@host", "user@host" или номер, который дополняется доменом аккаунта.
func ParseTarget(address, domain string) (sip.Uri, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return sip.Uri{}, errors.New("empty target")
	}
	if !strings.HasPrefix(address, "sip:") && !strings.HasPrefix(address, "sips:") {
		if !strings.Contains(address, "@") {
			if domain == "" {
				return sip.Uri{}, errors.Errorf("no domain for target %q", address)
			}
			address = address + "@" + domain
		}
		address = "sip:" + address
	}
	var uri sip.Uri
	if err := sip.ParseUri(address, &uri); err != nil {
		return sip.Uri{}, errors.Wrapf(err, "parse target %q", address)
	}
	if uri.Host == "" {
		return sip.Uri{}, errors.Errorf("target %q has no host", address)
	}
	return uri, nil
}

// Dial начинает исходящий вызов. Ход вызова сообщается событиями CallEvent.
func (p *Provider) Dial(_ context.Context, h session.AccountHandle, address string) (session.CallHandle, error) {
	a, err := p.lookupAccount(h)
	if err != nil {
		return "", err
	}
	if _, err := p.sipClient(); err != nil {
		return "", err
	}
	target, err := ParseTarget(address, a.cfg.Domain)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &call{
		handle:  session.CallHandle(uuid.New().String()),
		account: a,
		callID:  newCallID(),
		target:  target,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	p.calls[c.handle] = c
	p.callsByID[c.callID] = c.handle
	p.mu.Unlock()

	p.logger.Info("Provider.Dial",
		slog.String("call", string(c.handle)),
		slog.String("target", target.String()))

	go func() {
		defer close(c.done)
		p.runInvite(ctx, c)
	}()
	return c.handle, nil
}

// errAuthRejected повторный запрос авторизации после отправки digest ответа
var errAuthRejected = errors.New("authentication rejected")

// runInvite отправляет INVITE через кэш диалогов и ждёт финальный ответ.
// Отмена ctx до ответа отправляет CANCEL.
func (p *Provider) runInvite(ctx context.Context, c *call) {
	dialogs, err := p.dialogClient()
	if err != nil {
		p.failCall(c, 503, "Service Unavailable")
		return
	}

	sess, err := dialogs.WriteInvite(ctx, p.newInviteRequest(c, c.account.nextCSeq()))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("Provider.runInvite send failed",
			slog.String("call", string(c.handle)), slog.String("error", err.Error()))
		p.failCall(c, 408, "Request Timeout")
		return
	}

	var (
		last       *sip.Response
		progress   bool
		challenges int
	)
	err = sess.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: c.account.cfg.Username,
		Password: c.account.cfg.Password,
		OnResponse: func(res *sip.Response) error {
			last = res
			switch {
			case res.IsProvisional():
				if !progress {
					progress = true
					p.emitCall(session.CallEvent{Call: c.handle, Kind: session.CallProgress})
				}
			case isChallenge(res):
				challenges++
				if challenges > 1 {
					return errAuthRejected
				}
			}
			return nil
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			p.abandonInvite(c, sess)
			return
		}
		_ = sess.Close()
		if last != nil && !last.IsProvisional() && !last.IsSuccess() {
			p.failCall(c, last.StatusCode, last.Reason)
			return
		}
		p.logger.Warn("Provider.runInvite no final response",
			slog.String("call", string(c.handle)), slog.String("error", err.Error()))
		p.failCall(c, 408, "Request Timeout")
		return
	}

	if err := sess.Ack(context.Background()); err != nil {
		p.logger.Warn("Provider.runInvite ack failed",
			slog.String("call", string(c.handle)), slog.String("error", err.Error()))
	}
	c.mu.Lock()
	c.dialog, c.answered = sess, true
	ended := c.ended
	c.mu.Unlock()
	if ended {
		// отбой во время ожидания ответа, BYE отправит terminateCall
		return
	}
	p.emitCall(session.CallEvent{Call: c.handle, Kind: session.CallAnswered})
}

// abandonInvite завершает INVITE, отменённый локально. Если 2xx пришёл
// одновременно с CANCEL, вызов подтверждается ACK и сразу закрывается BYE.
func (p *Provider) abandonInvite(c *call, sess *sipgo.DialogClientSession) {
	res := sess.InviteResponse
	if res == nil || !res.IsSuccess() {
		_ = sess.Close()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
	defer cancel()
	if err := sess.Ack(ctx); err != nil {
		_ = sess.Close()
		return
	}
	if err := sess.Bye(ctx); err != nil {
		p.logger.Debug("Provider.abandonInvite bye failed",
			slog.String("call", string(c.handle)), slog.String("error", err.Error()))
	}
}

func (p *Provider) newInviteRequest(c *call, cseq uint32) *sip.Request {
	a := c.account
	req := sip.NewRequest(sip.INVITE, c.target)
	req.AppendHeader(&sip.FromHeader{
		Address: a.aor(),
		Params:  sip.NewParams().Add("tag", newTag()),
	})
	req.AppendHeader(&sip.ToHeader{Address: c.target, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: p.contactURI(a.cfg.Username), Params: sip.NewParams()})

	callID := sip.CallIDHeader(c.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.INVITE})
	maxfwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxfwd)

	offer := BuildOffer(OfferConfig{
		Host:      p.cfg.MediaHost,
		Port:      p.cfg.MediaPort,
		Codec:     a.cfg.AudioCodec,
		SessionID: uint64(time.Now().Unix()),
	})
	body, err := offer.Marshal()
	if err != nil {
		p.logger.Error("Provider.newInviteRequest sdp marshal failed", slog.String("error", err.Error()))
		return req
	}
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	req.SetBody(body)
	return req
}

// Hangup завершает вызов: CANCEL до ответа, BYE после
func (p *Provider) Hangup(_ context.Context, h session.CallHandle) error {
	p.mu.Lock()
	c, ok := p.calls[h]
	if ok {
		delete(p.calls, h)
		delete(p.callsByID, c.callID)
	}
	p.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown call %q", h)
	}
	go p.terminateCall(context.Background(), c)
	return nil
}

// terminateCall прерывает INVITE транзакцию и отправляет BYE, если вызов был установлен
func (p *Provider) terminateCall(ctx context.Context, c *call) {
	if !c.markEnded() {
		return
	}
	c.cancel()
	<-c.done

	sess, answered := c.established()
	if !answered {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	if err := sess.Bye(ctx); err != nil {
		p.logger.Warn("Provider.terminateCall bye failed",
			slog.String("call", string(c.handle)), slog.String("error", err.Error()))
		return
	}
	p.logger.Debug("Provider.terminateCall bye done", slog.String("call", string(c.handle)))
}

// failCall снимает вызов с учёта и сообщает об ошибке
func (p *Provider) failCall(c *call, code int, reason string) {
	if !p.forget(c) {
		return
	}
	p.emitCall(session.CallEvent{Call: c.handle, Kind: session.CallFailure, Code: code, Reason: reason})
}

// forget удаляет вызов из таблиц. Возвращает false, если вызов уже завершён локально.
func (p *Provider) forget(c *call) bool {
	if !c.markEnded() {
		return false
	}
	p.mu.Lock()
	delete(p.calls, c.handle)
	delete(p.callsByID, c.callID)
	p.mu.Unlock()
	return true
}

// onBye обрабатывает BYE от удалённой стороны
func (p *Provider) onBye(req *sip.Request, tx sip.ServerTransaction) {
	dialogs, err := p.dialogClient()
	if err == nil {
		err = dialogs.ReadBye(req, tx)
	}
	if err != nil {
		p.logger.Debug("Provider.onBye unknown dialog", slog.String("error", err.Error()))
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			p.logger.Debug("Provider.onBye respond failed", slog.String("error", err.Error()))
		}
		return
	}

	var callID string
	if hdr := req.CallID(); hdr != nil {
		callID = hdr.Value()
	}
	p.mu.Lock()
	c := p.calls[p.callsByID[callID]]
	p.mu.Unlock()
	if c == nil || !p.forget(c) {
		return
	}
	c.cancel()
	p.logger.Info("Provider.onBye remote hangup", slog.String("call", string(c.handle)))
	p.emitCall(session.CallEvent{Call: c.handle, Kind: session.CallTerminated})
}
