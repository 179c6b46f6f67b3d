package session

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRegistrationCode(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		reason   string
		kind     RegistrationKind
		contains string
	}{
		{name: "успешная регистрация", code: 200, reason: "OK", kind: RegistrationConnected},
		{name: "неверный пароль", code: 401, reason: "Unauthorized", kind: RegistrationFailed, contains: "auth"},
		{name: "аккаунт заблокирован", code: 403, reason: "Forbidden", kind: RegistrationFailed, contains: "forbidden"},
		{name: "сервер не найден", code: 404, reason: "Not Found", kind: RegistrationFailed, contains: "not found"},
		{name: "таймаут", code: 408, reason: "Request Timeout", kind: RegistrationFailed, contains: "unreachable"},
		{name: "прочие коды", code: 503, reason: "Service Unavailable", kind: RegistrationFailed, contains: "Service Unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := MapRegistrationCode(tt.code, tt.reason)
			assert.Equal(t, tt.kind, st.Kind)
			if tt.kind == RegistrationFailed {
				assert.Equal(t, tt.code, st.Code)
				assert.Contains(t, st.Message, tt.contains)
			}
		})
	}
}

type registrationFixture struct {
	provider *fakeProvider
	store    *StateStore
	reg      *RegistrationManager
	sub      *Subscription[RegistrationStatus]
}

func newRegistrationFixture(t *testing.T, opts ...Option) *registrationFixture {
	f := &registrationFixture{provider: &fakeProvider{}, store: NewStateStore()}
	f.reg = NewRegistrationManager(f.provider, f.store, opts...)
	f.sub = f.store.SubscribeRegistration()
	require.Equal(t, Disconnected(), next(t, f.sub))
	t.Cleanup(func() {
		f.sub.Close()
		f.reg.Close()
	})
	return f
}

// flush дожидается обработки всех событий, поставленных в mailbox
func (f *registrationFixture) flush(t *testing.T) {
	require.NoError(t, f.reg.box.call(context.Background(), func() error { return nil }))
}

func TestRegistration_SuccessfulFlow(t *testing.T) {
	f := newRegistrationFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reg.Initialize(ctx))
	require.NoError(t, f.reg.Register(ctx, testCreds))
	assert.Equal(t, Connecting(), next(t, f.sub))

	_, ok := f.reg.Account()
	assert.False(t, ok, "аккаунт недоступен до подтверждения регистрации")

	f.provider.emitRegistration(RegistrationEvent{Account: f.provider.lastAccount(), Code: 200, Reason: "OK"})
	assert.Equal(t, Connected(), next(t, f.sub))

	h, ok := f.reg.Account()
	require.True(t, ok)
	assert.Equal(t, AccountHandle("acc-1"), h)

	creds, ok := f.reg.Credentials()
	require.True(t, ok)
	assert.Equal(t, "alice", creds.Username)
	assert.Equal(t, []string{"acc-1:true"}, f.provider.setRegCalls)
}

func TestRegistration_Rejected(t *testing.T) {
	f := newRegistrationFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reg.Initialize(ctx))
	require.NoError(t, f.reg.Register(ctx, testCreds))
	next(t, f.sub)

	f.provider.emitRegistration(RegistrationEvent{Account: f.provider.lastAccount(), Code: 401, Reason: "Unauthorized"})
	st := next(t, f.sub)
	assert.Equal(t, RegistrationFailed, st.Kind)
	assert.Equal(t, 401, st.Code)

	_, ok := f.reg.Account()
	assert.False(t, ok)

	// повторная регистрация из Failed
	require.NoError(t, f.reg.Register(ctx, testCreds))
	assert.Equal(t, Connecting(), next(t, f.sub))
	assert.Equal(t, []AccountHandle{"acc-1"}, f.provider.releasedAccounts())
}

func TestRegistration_RegisterWithoutInitialize(t *testing.T) {
	f := newRegistrationFixture(t)

	err := f.reg.Register(context.Background(), testCreds)
	require.Error(t, err)
	assert.True(t, IsRegisterError(err))
	noValue(t, f.sub)
}

func TestRegistration_InvalidCredentials(t *testing.T) {
	f := newRegistrationFixture(t)
	require.NoError(t, f.reg.Initialize(context.Background()))

	err := f.reg.Register(context.Background(), SipCredentials{Username: "bob", Domain: "example.com"})
	require.Error(t, err)
	assert.True(t, IsRegisterError(err))
	noValue(t, f.sub)
	assert.Empty(t, f.provider.created)
}

func TestRegistration_InitFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind InitErrorKind
	}{
		{name: "нет зависимости", err: errors.Wrap(ErrDependencyMissing, "native library"), kind: InitDependencyMissing},
		{name: "сбой провайдера", err: errors.New("bind: address already in use"), kind: InitProviderInitFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRegistrationFixture(t)
			f.provider.initErr = tt.err

			err := f.reg.Initialize(context.Background())
			var ie *InitError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tt.kind, ie.Kind)

			st := next(t, f.sub)
			assert.Equal(t, RegistrationFailed, st.Kind)
			assert.Equal(t, -1, st.Code)

			// повторный Initialize возвращает прежний результат без вызова провайдера
			err2 := f.reg.Initialize(context.Background())
			assert.Equal(t, err, err2)
			assert.Equal(t, 1, f.provider.inits)

			assert.True(t, IsRegisterError(f.reg.Register(context.Background(), testCreds)))
		})
	}
}

func TestRegistration_InitializeIdempotent(t *testing.T) {
	f := newRegistrationFixture(t)
	require.NoError(t, f.reg.Initialize(context.Background()))
	require.NoError(t, f.reg.Initialize(context.Background()))
	assert.Equal(t, 1, f.provider.inits)
}

func TestRegistration_CreateAccountRefused(t *testing.T) {
	f := newRegistrationFixture(t)
	f.provider.createErr = errors.New("bad domain")
	require.NoError(t, f.reg.Initialize(context.Background()))

	err := f.reg.Register(context.Background(), testCreds)
	require.True(t, IsRegisterError(err))

	assert.Equal(t, Connecting(), next(t, f.sub))
	st := next(t, f.sub)
	assert.Equal(t, RegistrationFailed, st.Kind)
	assert.Equal(t, -1, st.Code)
}

func TestRegistration_SupersedeDiscardsStaleEvents(t *testing.T) {
	f := newRegistrationFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.Initialize(ctx))

	require.NoError(t, f.reg.Register(ctx, testCreds))
	next(t, f.sub)
	first := f.provider.lastAccount()

	other := testCreds
	other.Username = "bob"
	require.NoError(t, f.reg.Register(ctx, other))
	assert.Equal(t, Connecting(), next(t, f.sub))
	second := f.provider.lastAccount()
	require.NotEqual(t, first, second)

	assert.Equal(t, []AccountHandle{first}, f.provider.releasedAccounts())

	// событие старого аккаунта не меняет статус
	f.provider.emitRegistration(RegistrationEvent{Account: first, Code: 200, Reason: "OK"})
	f.flush(t)
	noValue(t, f.sub)
	assert.Equal(t, Connecting(), f.reg.Status())

	f.provider.emitRegistration(RegistrationEvent{Account: second, Code: 200, Reason: "OK"})
	assert.Equal(t, Connected(), next(t, f.sub))

	creds, _ := f.reg.Credentials()
	assert.Equal(t, "bob", creds.Username)
}

func TestRegistration_UnregisterReleasesOnce(t *testing.T) {
	f := newRegistrationFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.Initialize(ctx))
	require.NoError(t, f.reg.Register(ctx, testCreds))
	next(t, f.sub)
	f.provider.emitRegistration(RegistrationEvent{Account: f.provider.lastAccount(), Code: 200})
	next(t, f.sub)

	require.NoError(t, f.reg.Unregister(ctx))
	assert.Equal(t, Disconnected(), next(t, f.sub))

	require.NoError(t, f.reg.Unregister(ctx))
	noValue(t, f.sub)

	assert.Equal(t, []AccountHandle{"acc-1"}, f.provider.releasedAccounts())
	assert.Equal(t, []string{"acc-1:true", "acc-1:false"}, f.provider.setRegCalls)

	_, ok := f.reg.Account()
	assert.False(t, ok)
}

func TestRegistration_Lost(t *testing.T) {
	f := newRegistrationFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.Initialize(ctx))
	require.NoError(t, f.reg.Register(ctx, testCreds))
	next(t, f.sub)
	acc := f.provider.lastAccount()
	f.provider.emitRegistration(RegistrationEvent{Account: acc, Code: 200})
	next(t, f.sub)

	f.provider.emitRegistration(RegistrationEvent{Account: acc, Kind: RegistrationLost, Reason: "expired"})
	assert.Equal(t, Disconnected(), next(t, f.sub))
	assert.Equal(t, []AccountHandle{acc}, f.provider.releasedAccounts())
}

func TestRegistration_ShutdownRequiresInitialize(t *testing.T) {
	f := newRegistrationFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.Initialize(ctx))
	require.NoError(t, f.reg.Register(ctx, testCreds))
	next(t, f.sub)

	require.NoError(t, f.reg.Shutdown(ctx))
	assert.Equal(t, Disconnected(), next(t, f.sub))
	assert.Equal(t, 1, f.provider.shutdowns)

	assert.True(t, IsRegisterError(f.reg.Register(ctx, testCreds)))
	require.NoError(t, f.reg.Initialize(ctx))
	assert.Equal(t, 2, f.provider.inits)
}

func TestRegistration_CredentialsNotLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := newRegistrationFixture(t, WithLogger(logger))

	require.NoError(t, f.reg.Initialize(context.Background()))
	require.NoError(t, f.reg.Register(context.Background(), testCreds))
	f.flush(t)

	out := buf.String()
	assert.NotContains(t, out, testCreds.Password)
	assert.NotContains(t, out, "alice")
	assert.Contains(t, out, "al***")
}

func TestRegistration_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(MetricsConfig{Namespace: "test", Registerer: reg})
	f := newRegistrationFixture(t, WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, f.reg.Initialize(ctx))
	require.NoError(t, f.reg.Register(ctx, testCreds))
	next(t, f.sub)
	f.provider.emitRegistration(RegistrationEvent{Account: f.provider.lastAccount(), Code: 403, Reason: "Forbidden"})
	next(t, f.sub)

	assert.Equal(t, 1.0, counterValue(t, reg, "test_session_registration_transitions_total", "Connecting"))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_session_registration_failures_total", "403"))
}

// counterValue значение счётчика с единственной меткой из реестра
func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetValue() == label {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
