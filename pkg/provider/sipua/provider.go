// Package sipua провайдер сигнализации поверх SIP стека github.com/emiago/sipgo.
//
// Регистрация: REGISTER с digest авторизацией и периодическим обновлением.
// Вызовы: INVITE с SDP предложением, ACK на 2xx, BYE/CANCEL при отбое.
// Медиа (RTP) не передаётся.
package sipua

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/session"
)

// Config параметры SIP провайдера
type Config struct {
	// ListenAddr локальный UDP адрес, например "0.0.0.0:5060"
	ListenAddr string
	UserAgent  string
	// RegisterExpires запрашиваемое время жизни регистрации
	RegisterExpires time.Duration
	// MediaHost и MediaPort адрес, объявляемый в SDP
	MediaHost string
	MediaPort int
	// RequestTimeout таймаут одиночной транзакции (REGISTER, BYE, CANCEL)
	RequestTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "softphone"
	}
	if c.RegisterExpires <= 0 {
		c.RegisterExpires = time.Hour
	}
	if c.MediaHost == "" {
		c.MediaHost = "127.0.0.1"
	}
	if c.MediaPort == 0 {
		c.MediaPort = 4000
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Provider реализация session.SignalingProvider
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	handler   session.EventHandler
	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	dialogs   *sipgo.DialogClientCache
	conn      net.PacketConn
	host      string
	port      int
	accounts  map[session.AccountHandle]*account
	calls     map[session.CallHandle]*call
	callsByID map[string]session.CallHandle
	wg        sync.WaitGroup
}

// New создаёт провайдер. Сеть не используется до Init.
func New(cfg Config, logger *slog.Logger) *Provider {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "sipua")),
		accounts:  make(map[session.AccountHandle]*account),
		calls:     make(map[session.CallHandle]*call),
		callsByID: make(map[string]session.CallHandle),
	}
}

// Init создаёт UA, клиент и сервер sipgo и начинает слушать UDP адрес
func (p *Provider) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ua != nil {
		return nil
	}
	if p.cfg.ListenAddr == "" {
		return errors.New("sip listen address is required")
	}

	host, portStr, err := net.SplitHostPort(p.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "invalid listen address %q", p.cfg.ListenAddr)
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", p.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "listen udp")
	}
	if udp, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		portStr = strconv.Itoa(udp.Port)
	}
	port, _ := strconv.Atoi(portStr)
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = p.cfg.MediaHost
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(p.cfg.UserAgent),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "create user agent")
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		_ = ua.Close()
		_ = conn.Close()
		return errors.Wrap(err, "create sip client")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = client.Close()
		_ = ua.Close()
		_ = conn.Close()
		return errors.Wrap(err, "create sip server")
	}

	server.OnBye(p.onBye)
	server.OnInvite(p.onInvite)
	server.OnOptions(p.onOptions)

	p.ua, p.client, p.server, p.conn = ua, client, server, conn
	p.host, p.port = host, port
	p.dialogs = sipgo.NewDialogClientCache(client, sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", Host: host, Port: port},
		Params:  sip.NewParams(),
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := server.ServeUDP(conn); err != nil {
			p.logger.Debug("Provider.Init udp serve stopped", slog.String("error", err.Error()))
		}
	}()

	p.logger.Info("SIP provider listening",
		slog.String("addr", conn.LocalAddr().String()),
		slog.String("user_agent", p.cfg.UserAgent))
	return nil
}

// Shutdown снимает все регистрации, прерывает вызовы и закрывает стек
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.ua == nil {
		p.mu.Unlock()
		return nil
	}
	accounts := make([]*account, 0, len(p.accounts))
	for h, a := range p.accounts {
		accounts = append(accounts, a)
		delete(p.accounts, h)
	}
	calls := make([]*call, 0, len(p.calls))
	for h, c := range p.calls {
		calls = append(calls, c)
		delete(p.calls, h)
	}
	p.callsByID = make(map[string]session.CallHandle)
	p.mu.Unlock()

	for _, c := range calls {
		p.terminateCall(ctx, c)
	}
	for _, a := range accounts {
		a.stop()
		if a.takeRegistered() {
			p.deregister(ctx, a)
		}
	}

	p.mu.Lock()
	server, client, ua, conn := p.server, p.client, p.ua, p.conn
	p.server, p.client, p.ua, p.conn = nil, nil, nil, nil
	p.dialogs = nil
	p.mu.Unlock()

	var errs []error
	if err := server.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := client.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := ua.Close(); err != nil {
		errs = append(errs, err)
	}
	_ = conn.Close()
	p.wg.Wait()

	if len(errs) > 0 {
		return errors.Wrap(errs[0], "close sip stack")
	}
	p.logger.Info("SIP provider stopped")
	return nil
}

func (p *Provider) SetEventHandler(h session.EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *Provider) emitRegistration(ev session.RegistrationEvent) {
	p.mu.Lock()
	cb := p.handler.OnRegistrationEvent
	p.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (p *Provider) emitCall(ev session.CallEvent) {
	p.mu.Lock()
	cb := p.handler.OnCallEvent
	p.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// sipClient возвращает клиент или ошибку, если стек не запущен
func (p *Provider) sipClient() (*sipgo.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, errors.New("sip provider is not initialized")
	}
	return p.client, nil
}

// dialogClient возвращает кэш клиентских диалогов
func (p *Provider) dialogClient() (*sipgo.DialogClientCache, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dialogs == nil {
		return nil, errors.New("sip provider is not initialized")
	}
	return p.dialogs, nil
}

func (p *Provider) contactURI(user string) sip.Uri {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sip.Uri{Scheme: "sip", User: user, Host: p.host, Port: p.port}
}

func (p *Provider) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		p.logger.Debug("Provider.onOptions respond failed", slog.String("error", err.Error()))
	}
}

// onInvite входящие вызовы не поддерживаются: отвечаем 486
func (p *Provider) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	p.logger.Info("Provider.onInvite rejecting incoming call",
		slog.String("from", req.From().Address.String()))
	res := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	if err := tx.Respond(res); err != nil {
		p.logger.Debug("Provider.onInvite respond failed", slog.String("error", err.Error()))
	}
}

func newTag() string {
	return uuid.New().String()[:8]
}

func newCallID() string {
	return uuid.New().String()
}

var _ session.SignalingProvider = (*Provider)(nil)
