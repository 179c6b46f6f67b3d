package sipua

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/session"
)

// account состояние SIP аккаунта у провайдера
type account struct {
	handle  session.AccountHandle
	cfg     session.AccountConfig
	callID  string
	fromTag string

	mu         sync.Mutex
	cseq       uint32
	registered bool
	cancel     context.CancelFunc
	done       chan struct{}
}

func (a *account) nextCSeq() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cseq++
	return a.cseq
}

func (a *account) isRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

func (a *account) setRegistered(v bool) {
	a.mu.Lock()
	a.registered = v
	a.mu.Unlock()
}

// takeRegistered сбрасывает флаг регистрации и возвращает прежнее значение.
// Снятие регистрации отправляет только тот, кто получил true.
func (a *account) takeRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	was := a.registered
	a.registered = false
	return was
}

// stop останавливает цикл обновления регистрации и ждёт его завершения
func (a *account) stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *account) aor() sip.Uri {
	return domainURI(a.cfg.Username, a.cfg.Domain)
}

// domainURI строит SIP URI для домена вида "host" или "host:port"
func domainURI(user, domain string) sip.Uri {
	uri := sip.Uri{Scheme: "sip", User: user, Host: domain}
	if host, port, err := net.SplitHostPort(domain); err == nil {
		if n, err := strconv.Atoi(port); err == nil {
			uri.Host, uri.Port = host, n
		}
	}
	return uri
}

func (p *Provider) CreateAccount(_ context.Context, cfg session.AccountConfig) (session.AccountHandle, error) {
	if _, err := p.sipClient(); err != nil {
		return "", err
	}
	if cfg.Username == "" || cfg.Domain == "" {
		return "", errors.New("username and domain are required")
	}
	a := &account{
		handle:  session.AccountHandle(uuid.New().String()),
		cfg:     cfg,
		callID:  newCallID(),
		fromTag: newTag(),
	}
	p.mu.Lock()
	p.accounts[a.handle] = a
	p.mu.Unlock()
	return a.handle, nil
}

func (p *Provider) lookupAccount(h session.AccountHandle) (*account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[h]
	if !ok {
		return nil, errors.Errorf("unknown account %q", h)
	}
	return a, nil
}

// SetRegistration запускает цикл REGISTER (true) или снимает регистрацию (false)
func (p *Provider) SetRegistration(ctx context.Context, h session.AccountHandle, register bool) error {
	a, err := p.lookupAccount(h)
	if err != nil {
		return err
	}
	if !register {
		a.stop()
		if a.takeRegistered() {
			p.startDeregister(a)
		}
		return nil
	}

	a.stop()
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel, a.done = cancel, done
	a.mu.Unlock()

	go func() {
		defer close(done)
		p.registerLoop(loopCtx, a)
	}()
	return nil
}

func (p *Provider) ReleaseAccount(ctx context.Context, h session.AccountHandle) error {
	p.mu.Lock()
	a, ok := p.accounts[h]
	delete(p.accounts, h)
	p.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown account %q", h)
	}
	a.stop()
	if a.takeRegistered() {
		p.startDeregister(a)
	}
	return nil
}

func (p *Provider) startDeregister(a *account) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
		defer cancel()
		p.deregister(ctx, a)
	}()
}

// registerLoop регистрирует аккаунт и обновляет регистрацию до отмены ctx.
// Обновление происходит на 80% выданного сервером Expires.
func (p *Provider) registerLoop(ctx context.Context, a *account) {
	logger := p.logger.With(slog.String("account", string(a.handle)))
	for {
		code, reason, expires, err := p.registerOnce(ctx, a, p.cfg.RegisterExpires)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("Provider.registerLoop request failed", slog.String("error", err.Error()))
			code, reason = 408, "Request Timeout"
		}

		wasRegistered := a.isRegistered()
		a.setRegistered(code == 200)

		if code != 200 && wasRegistered {
			p.emitRegistration(session.RegistrationEvent{
				Account: a.handle,
				Kind:    session.RegistrationLost,
				Code:    code,
				Reason:  reason,
			})
			return
		}
		p.emitRegistration(session.RegistrationEvent{
			Account: a.handle,
			Kind:    session.RegistrationResult,
			Code:    code,
			Reason:  reason,
		})
		if code != 200 {
			return
		}

		refresh := expires * 4 / 5
		logger.Debug("Provider.registerLoop registered", slog.Duration("refresh_in", refresh))
		timer := time.NewTimer(refresh)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// registerOnce отправляет REGISTER, при необходимости повторяя его с digest авторизацией.
// Возвращает финальный код, причину и выданное сервером время жизни.
func (p *Provider) registerOnce(ctx context.Context, a *account, expires time.Duration) (int, string, time.Duration, error) {
	client, err := p.sipClient()
	if err != nil {
		return 0, "", 0, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	req := p.newRegisterRequest(a, expires)
	res, err := client.Do(reqCtx, req)
	if err != nil {
		return 0, "", 0, errors.Wrap(err, "send register")
	}

	if isChallenge(res) {
		name, value, err := authHeader(sip.REGISTER, req.Recipient.String(), res, a.cfg.Username, a.cfg.Password)
		if err != nil {
			return int(res.StatusCode), res.Reason, 0, nil
		}
		req = p.newRegisterRequest(a, expires)
		req.AppendHeader(sip.NewHeader(name, value))
		res, err = client.Do(reqCtx, req)
		if err != nil {
			return 0, "", 0, errors.Wrap(err, "send authorized register")
		}
	}

	return int(res.StatusCode), res.Reason, grantedExpires(res, expires), nil
}

// deregister отправляет REGISTER с Expires: 0. Флаг регистрации сбрасывает вызывающий.
func (p *Provider) deregister(ctx context.Context, a *account) {
	code, reason, _, err := p.registerOnce(ctx, a, 0)
	if err != nil {
		p.logger.Warn("Provider.deregister failed",
			slog.String("account", string(a.handle)), slog.String("error", err.Error()))
		return
	}
	p.logger.Debug("Provider.deregister done",
		slog.String("account", string(a.handle)), slog.Int("code", code), slog.String("reason", reason))
}

func (p *Provider) newRegisterRequest(a *account, expires time.Duration) *sip.Request {
	aor := a.aor()
	registrar := domainURI("", a.cfg.Domain)

	req := sip.NewRequest(sip.REGISTER, registrar)
	req.AppendHeader(&sip.FromHeader{
		Address: aor,
		Params:  sip.NewParams().Add("tag", a.fromTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: p.contactURI(a.cfg.Username), Params: sip.NewParams()})

	callID := sip.CallIDHeader(a.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: a.nextCSeq(), MethodName: sip.REGISTER})
	maxfwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxfwd)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))
	return req
}

// grantedExpires время жизни регистрации из ответа: Expires заголовок или запрошенное
func grantedExpires(res *sip.Response, requested time.Duration) time.Duration {
	if hdr := res.GetHeader("Expires"); hdr != nil {
		if sec, err := strconv.Atoi(hdr.Value()); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	if requested <= 0 {
		return time.Minute
	}
	return requested
}
