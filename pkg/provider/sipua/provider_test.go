package sipua

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/session"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		domain   string
		wantUser string
		wantHost string
		wantErr  bool
	}{
		{name: "номер", address: "+15550101", domain: "sip.example.com", wantUser: "+15550101", wantHost: "sip.example.com"},
		{name: "user@host", address: "bob@pbx.local", domain: "sip.example.com", wantUser: "bob", wantHost: "pbx.local"},
		{name: "полный URI", address: "sip:carol@10.0.0.1", wantUser: "carol", wantHost: "10.0.0.1"},
		{name: "пробелы", address: "  1001  ", domain: "sip.example.com", wantUser: "1001", wantHost: "sip.example.com"},
		{name: "домен с портом", address: "1001", domain: "pbx.local:5080", wantUser: "1001", wantHost: "pbx.local"},
		{name: "пустой", address: "", domain: "sip.example.com", wantErr: true},
		{name: "нет домена", address: "1001", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uri, err := ParseTarget(tt.address, tt.domain)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, uri.User)
			assert.Equal(t, tt.wantHost, uri.Host)
		})
	}
}

func TestDomainURI(t *testing.T) {
	uri := domainURI("alice", "pbx.local:5080")
	assert.Equal(t, "alice", uri.User)
	assert.Equal(t, "pbx.local", uri.Host)
	assert.Equal(t, 5080, uri.Port)

	uri = domainURI("", "sip.example.com")
	assert.Equal(t, "sip.example.com", uri.Host)
	assert.Zero(t, uri.Port)
}

func TestGrantedExpires(t *testing.T) {
	res := sip.NewResponse(200, "OK")
	assert.Equal(t, time.Hour, grantedExpires(res, time.Hour))
	assert.Equal(t, time.Minute, grantedExpires(res, 0))

	res.AppendHeader(sip.NewHeader("Expires", "600"))
	assert.Equal(t, 10*time.Minute, grantedExpires(res, time.Hour))
}

func TestProvider_NotInitialized(t *testing.T) {
	p := New(Config{}, nil)
	ctx := context.Background()

	_, err := p.CreateAccount(ctx, session.AccountConfig{Username: "alice", Domain: "sip.example.com"})
	assert.Error(t, err)

	_, err = p.Dial(ctx, "missing", "1001")
	assert.Error(t, err)

	assert.Error(t, p.SetRegistration(ctx, "missing", true))
	assert.Error(t, p.ReleaseAccount(ctx, "missing"))
	assert.Error(t, p.Hangup(ctx, "missing"))
	assert.NoError(t, p.Shutdown(ctx))
}

func TestProvider_InitRequiresListenAddr(t *testing.T) {
	p := New(Config{}, nil)
	assert.Error(t, p.Init(context.Background()))
}

func TestProvider_Lifecycle(t *testing.T) {
	p := New(Config{ListenAddr: "127.0.0.1:0"}, nil)
	ctx := context.Background()

	require.NoError(t, p.Init(ctx))
	require.NoError(t, p.Init(ctx), "повторный Init не должен ошибаться")

	h, err := p.CreateAccount(ctx, session.AccountConfig{
		Username:   "alice",
		Password:   "secret",
		Domain:     "sip.example.com",
		AudioCodec: session.CodecPCMU,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, h)

	_, err = p.CreateAccount(ctx, session.AccountConfig{Username: "alice"})
	assert.Error(t, err, "без домена аккаунт не создаётся")

	require.NoError(t, p.ReleaseAccount(ctx, h))
	assert.Error(t, p.ReleaseAccount(ctx, h))

	require.NoError(t, p.Shutdown(ctx))
	_, err = p.CreateAccount(ctx, session.AccountConfig{Username: "alice", Domain: "sip.example.com"})
	assert.Error(t, err)
}

func TestRegisterRequest(t *testing.T) {
	p := New(Config{ListenAddr: "127.0.0.1:5090"}, nil)
	p.host, p.port = "192.0.2.10", 5090
	a := &account{
		handle:  "acc",
		cfg:     session.AccountConfig{Username: "alice", Domain: "sip.example.com"},
		callID:  "call-id-1",
		fromTag: "tag1",
	}

	first := p.newRegisterRequest(a, time.Hour)
	second := p.newRegisterRequest(a, 0)

	assert.Equal(t, sip.REGISTER, first.Method)
	assert.Equal(t, "sip.example.com", first.Recipient.Host)
	assert.Equal(t, "call-id-1", first.CallID().Value())
	assert.Equal(t, uint32(1), first.CSeq().SeqNo)
	assert.Equal(t, uint32(2), second.CSeq().SeqNo)
	assert.Equal(t, "3600", first.GetHeader("Expires").Value())
	assert.Equal(t, "0", second.GetHeader("Expires").Value())
	assert.Equal(t, "192.0.2.10", first.Contact().Address.Host)

	a.cfg.Domain = "pbx.local:5080"
	withPort := p.newRegisterRequest(a, time.Hour)
	assert.Equal(t, "pbx.local", withPort.Recipient.Host)
	assert.Equal(t, 5080, withPort.Recipient.Port)
	assert.Equal(t, 5080, withPort.From().Address.Port)
}

func TestAccountTakeRegistered(t *testing.T) {
	a := &account{}
	assert.False(t, a.takeRegistered())
	a.setRegistered(true)
	assert.True(t, a.takeRegistered())
	assert.False(t, a.takeRegistered(), "флаг забирается один раз")
}
