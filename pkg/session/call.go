package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/audio"
)

// AccountSource источник зарегистрированного аккаунта для исходящих вызовов
type AccountSource interface {
	Account() (AccountHandle, bool)
}

// CallController конечный автомат единственного вызова.
//
// Автомат создаётся заново на каждый вызов. Все поля состояния принадлежат
// горутине mailbox: команды, события провайдера и тики длительности
// обрабатываются строго последовательно.
/*
Диаграмма переходов:
[Idle] → [Dialing] → [Connecting] → [Connected] → [Disconnected]
[Dialing|Connecting] → [Disconnected] (отбой до ответа)
[Dialing|Connecting|Connected] → [Failed]
*/
type CallController struct {
	provider SignalingProvider
	accounts AccountSource
	store    *StateStore
	router   audio.Router
	opts     options
	box      *mailbox
	ended    *broadcaster[CallEnded]

	// поля ниже принадлежат горутине mailbox
	fsm           *fsm.FSM
	state         CallState
	handle        CallHandle
	everConnected bool
	tickGen       uint64
	tickCancel    context.CancelFunc
	lastEntryID   int64
}

// NewCallController создаёт контроллер вызовов.
// Контроллер устанавливает общий EventHandler провайдера: события регистрации
// передаются в reg, события вызова обрабатываются контроллером.
func NewCallController(provider SignalingProvider, reg *RegistrationManager, store *StateStore, router audio.Router, opts ...Option) *CallController {
	c := newCallController(provider, reg, store, router, opts...)
	provider.SetEventHandler(EventHandler{
		OnRegistrationEvent: reg.handleRegistrationEvent,
		OnCallEvent:         c.handleCallEvent,
	})
	return c
}

func newCallController(provider SignalingProvider, accounts AccountSource, store *StateStore, router audio.Router, opts ...Option) *CallController {
	c := &CallController{
		provider: provider,
		accounts: accounts,
		store:    store,
		router:   router,
		opts:     buildOptions("call", opts),
		box:      newMailbox(),
		ended:    newBroadcaster[CallEnded](nil),
		state:    IdleCallState(),
	}
	c.initFSM()
	return c
}

func (c *CallController) initFSM() {
	idle, dg, cg, cd := CallIdle, CallDialing, CallConnecting, CallConnected
	disc, f := CallDisconnected, CallFailed
	c.fsm = fsm.NewFSM(
		string(idle),
		fsm.Events{
			{Name: formEventName(idle, dg), Src: []string{string(idle)}, Dst: string(dg)},
			{Name: formEventName(dg, cg), Src: []string{string(dg)}, Dst: string(cg)},
			{Name: formEventName(cg, cd), Src: []string{string(cg)}, Dst: string(cd)},
			{Name: formEventName(cd, disc), Src: []string{string(cd)}, Dst: string(disc)},
			{Name: formEventName(dg, disc), Src: []string{string(dg)}, Dst: string(disc)},
			{Name: formEventName(cg, disc), Src: []string{string(cg)}, Dst: string(disc)},
			{Name: formEventName(dg, f), Src: []string{string(dg)}, Dst: string(f)},
			{Name: formEventName(cg, f), Src: []string{string(cg)}, Dst: string(f)},
			{Name: formEventName(cd, f), Src: []string{string(cd)}, Dst: string(f)},
		}, fsm.Callbacks{
			"after_event":                    c.afterStateChange,
			"enter_" + CallConnected.String(): c.enterConnected,
			"leave_" + CallConnected.String(): c.leaveConnected,
		})
}

func (c *CallController) afterStateChange(_ context.Context, e *fsm.Event) {
	c.opts.logger.Debug("CallController.transition",
		slog.String("from", e.Src),
		slog.String("to", e.Dst))
	c.opts.metrics.callTransition(CallStatus(e.Src), CallStatus(e.Dst))
}

func (c *CallController) enterConnected(_ context.Context, _ *fsm.Event) {
	c.state.ElapsedSeconds = 0
	c.everConnected = true
	c.startTicker()
}

func (c *CallController) leaveConnected(_ context.Context, _ *fsm.Event) {
	c.stopTicker()
}

// transition переводит автомат в dst и публикует состояние
func (c *CallController) transition(dst CallStatus) error {
	cur := CallStatus(c.fsm.Current())
	if err := c.fsm.Event(context.Background(), formEventName(cur, dst)); err != nil {
		c.opts.logger.Warn("CallController.transition rejected",
			slog.String("from", cur.String()),
			slog.String("to", dst.String()),
			slog.String("error", err.Error()))
		return errors.Wrapf(err, "call %s -> %s", cur, dst)
	}
	c.state.Status = dst
	c.publish()
	return nil
}

func (c *CallController) publish() {
	c.store.publishCallState(c.state)
}

// PlaceCall начинает исходящий вызов. Возвращается после отправки вызова провайдеру,
// дальнейший ход вызова публикуется через StateStore.
func (c *CallController) PlaceCall(ctx context.Context, address, displayName string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return ErrInvalidAddress
	}

	return c.box.call(ctx, func() error {
		if c.state.Active {
			return ErrAlreadyInCall
		}
		account, ok := c.accounts.Account()
		if !ok {
			return ErrNotRegistered
		}

		c.initFSM()
		c.handle = ""
		c.everConnected = false
		c.state = CallState{
			Active:          true,
			PeerAddress:     address,
			PeerDisplayName: strings.TrimSpace(displayName),
			Status:          CallIdle,
			StartedAt:       c.opts.now(),
			Outgoing:        true,
		}
		if err := c.transition(CallDialing); err != nil {
			return err
		}
		c.opts.metrics.callStarted()
		c.route("SetMode", c.router.SetMode(audio.ModeInCall))

		c.opts.logger.Info("CallController.PlaceCall dialing",
			slog.String("address", address),
			slog.String("account", string(account)))

		handle, err := c.provider.Dial(ctx, account, address)
		if err != nil {
			c.finish(CallFailed, -1, err.Error())
			return errors.Wrap(err, "dial")
		}
		c.handle = handle
		return nil
	})
}

// HangUp завершает активный вызов в любом статусе
func (c *CallController) HangUp(ctx context.Context) error {
	return c.box.call(ctx, func() error {
		if !c.state.Active {
			return ErrNoActiveCall
		}
		handle := c.handle
		c.handle = ""
		if handle != "" {
			if err := c.provider.Hangup(ctx, handle); err != nil {
				c.opts.logger.Warn("CallController.HangUp provider hangup failed",
					slog.String("call", string(handle)),
					slog.String("error", err.Error()))
			}
		}
		c.finish(CallDisconnected, 0, "")
		return nil
	})
}

// ToggleSpeaker переключает громкую связь активного вызова
func (c *CallController) ToggleSpeaker(ctx context.Context) error {
	return c.box.call(ctx, func() error {
		if !c.state.Active {
			return ErrNoActiveCall
		}
		enabled := !c.state.SpeakerEnabled
		if err := c.router.SetSpeaker(enabled); err != nil {
			return errors.Wrap(err, "set speaker")
		}
		mode := audio.ModeInCall
		if enabled {
			mode = audio.ModeNormal
		}
		c.route("SetMode", c.router.SetMode(mode))

		c.state.SpeakerEnabled = enabled
		c.publish()
		return nil
	})
}

// ToggleMute переключает микрофон активного вызова
func (c *CallController) ToggleMute(ctx context.Context) error {
	return c.box.call(ctx, func() error {
		if !c.state.Active {
			return ErrNoActiveCall
		}
		muted := !c.state.MicrophoneMuted
		if err := c.router.SetMuted(muted); err != nil {
			return errors.Wrap(err, "set muted")
		}
		c.state.MicrophoneMuted = muted
		c.publish()
		return nil
	})
}

// SubscribeCallEnded подписка на уведомления о завершении вызовов.
// Получает только уведомления после момента подписки.
func (c *CallController) SubscribeCallEnded() *Subscription[CallEnded] {
	return c.ended.subscribe()
}

// State текущее состояние вызова
func (c *CallController) State() CallState {
	return c.store.CallState()
}

// Close останавливает тикер и mailbox контроллера
func (c *CallController) Close() {
	_ = c.box.call(context.Background(), func() error {
		c.stopTicker()
		return nil
	})
	c.box.close()
}

func (c *CallController) handleCallEvent(ev CallEvent) {
	c.box.post(func() {
		c.onCallEvent(ev)
	})
}

func (c *CallController) onCallEvent(ev CallEvent) {
	if c.handle == "" || ev.Call != c.handle {
		c.opts.logger.Debug("CallController.onCallEvent stale call",
			slog.String("call", string(ev.Call)),
			slog.String("event", ev.Kind.String()))
		return
	}

	cur := c.state.Status
	switch ev.Kind {
	case CallProgress:
		if cur == CallDialing {
			_ = c.transition(CallConnecting)
		}

	case CallAnswered:
		if cur == CallDialing {
			if err := c.transition(CallConnecting); err != nil {
				return
			}
			cur = CallConnecting
		}
		if cur == CallConnecting {
			_ = c.transition(CallConnected)
		}

	case CallTerminated:
		c.handle = ""
		c.finish(CallDisconnected, 0, "")

	case CallFailure:
		c.handle = ""
		c.finish(CallFailed, ev.Code, ev.Reason)
	}
}

// finish переводит вызов в терминальный статус, восстанавливает аудио маршрут
// и рассылает ровно одно уведомление CallEnded
func (c *CallController) finish(status CallStatus, code int, reason string) {
	if !c.state.Active {
		return
	}
	c.stopTicker()

	cur := CallStatus(c.fsm.Current())
	if err := c.fsm.Event(context.Background(), formEventName(cur, status)); err != nil {
		c.opts.logger.Warn("CallController.finish unexpected transition",
			slog.String("from", cur.String()),
			slog.String("to", status.String()),
			slog.String("error", err.Error()))
	}

	c.state.Active = false
	c.state.Status = status
	if status == CallFailed {
		c.state.FailureCode = code
		c.state.FailureReason = reason
	}
	c.resetRoute()
	c.publish()

	var duration uint64
	if c.everConnected {
		duration = c.state.ElapsedSeconds
	}
	entry := CallHistoryEntry{
		ID:              c.nextEntryID(),
		PeerDisplayName: c.state.PeerDisplayName,
		PeerAddress:     c.state.PeerAddress,
		StartedAt:       c.state.StartedAt,
		DurationSeconds: duration,
		Outgoing:        c.state.Outgoing,
	}
	c.opts.metrics.callEnded(status, duration)
	c.opts.logger.Info("CallController call ended",
		slog.String("status", status.String()),
		slog.String("address", entry.PeerAddress),
		slog.Uint64("duration", duration),
		slog.Int("code", code))
	c.ended.publish(CallEnded{Entry: entry, Status: status})
}

func (c *CallController) resetRoute() {
	if c.state.SpeakerEnabled {
		c.route("SetSpeaker", c.router.SetSpeaker(false))
	}
	if c.state.MicrophoneMuted {
		c.route("SetMuted", c.router.SetMuted(false))
	}
	c.route("SetMode", c.router.SetMode(audio.ModeNormal))
}

func (c *CallController) route(op string, err error) {
	if err != nil {
		c.opts.logger.Warn("CallController audio route failed",
			slog.String("op", op),
			slog.String("error", err.Error()))
	}
}

// nextEntryID миллисекунды времени создания, строго возрастающие
func (c *CallController) nextEntryID() int64 {
	id := c.opts.now().UnixMilli()
	if id <= c.lastEntryID {
		id = c.lastEntryID + 1
	}
	c.lastEntryID = id
	return id
}

// startTicker запускает секундный тикер нового периода Connected
func (c *CallController) startTicker() {
	c.stopTicker()
	c.tickGen++
	gen := c.tickGen
	ctx, cancel := context.WithCancel(context.Background())
	c.tickCancel = cancel

	ticker := c.opts.ticker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				c.box.post(func() { c.onTick(gen) })
			}
		}
	}()
}

func (c *CallController) stopTicker() {
	if c.tickCancel == nil {
		return
	}
	c.tickCancel()
	c.tickCancel = nil
	c.tickGen++
}

func (c *CallController) onTick(gen uint64) {
	if gen != c.tickGen || c.state.Status != CallConnected {
		return
	}
	c.state.ElapsedSeconds++
	c.publish()
}
