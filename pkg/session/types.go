package session

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RegistrationKind вид статуса регистрации
type RegistrationKind string

const (
	// RegistrationDisconnected - аккаунт не зарегистрирован
	RegistrationDisconnected RegistrationKind = "Disconnected"
	// RegistrationConnecting - отправлен запрос регистрации, ждём ответ провайдера
	RegistrationConnecting RegistrationKind = "Connecting"
	// RegistrationConnected - регистрация подтверждена (200 OK)
	RegistrationConnected RegistrationKind = "Connected"
	// RegistrationFailed - регистрация отклонена или провайдер не запустился
	RegistrationFailed RegistrationKind = "Failed"
)

func (k RegistrationKind) String() string {
	return string(k)
}

// RegistrationStatus текущий статус регистрации.
// Code и Message заполняются только для RegistrationFailed.
type RegistrationStatus struct {
	Kind    RegistrationKind `json:"kind"`
	Code    int              `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Disconnected возвращает статус RegistrationDisconnected
func Disconnected() RegistrationStatus {
	return RegistrationStatus{Kind: RegistrationDisconnected}
}

// Connecting возвращает статус RegistrationConnecting
func Connecting() RegistrationStatus {
	return RegistrationStatus{Kind: RegistrationConnecting}
}

// Connected возвращает статус RegistrationConnected
func Connected() RegistrationStatus {
	return RegistrationStatus{Kind: RegistrationConnected}
}

// Failed возвращает статус RegistrationFailed с кодом и сообщением
func Failed(code int, message string) RegistrationStatus {
	return RegistrationStatus{Kind: RegistrationFailed, Code: code, Message: message}
}

func (s RegistrationStatus) String() string {
	if s.Kind == RegistrationFailed {
		return fmt.Sprintf("Failed(%d, %s)", s.Code, s.Message)
	}
	return s.Kind.String()
}

// CallStatus статус вызова
type CallStatus string

const (
	CallIdle         CallStatus = "Idle"
	CallDialing      CallStatus = "Dialing"
	CallConnecting   CallStatus = "Connecting"
	CallConnected    CallStatus = "Connected"
	CallDisconnected CallStatus = "Disconnected"
	CallFailed       CallStatus = "Failed"
)

func (s CallStatus) String() string {
	return string(s)
}

// IsTerminal возвращает true для Disconnected и Failed
func (s CallStatus) IsTerminal() bool {
	return s == CallDisconnected || s == CallFailed
}

// CallState снимок состояния единственного вызова.
//
// Инварианты:
//   - Active == false означает Status ∈ {Idle, Disconnected, Failed}
//   - ElapsedSeconds обнуляется при входе в Connected и не растёт вне Connected
type CallState struct {
	Active          bool       `json:"active"`
	PeerAddress     string     `json:"peer_address,omitempty"`
	PeerDisplayName string     `json:"peer_display_name,omitempty"`
	Status          CallStatus `json:"status"`
	ElapsedSeconds  uint64     `json:"elapsed_seconds"`
	SpeakerEnabled  bool       `json:"speaker_enabled"`
	MicrophoneMuted bool       `json:"microphone_muted"`

	StartedAt     time.Time `json:"started_at,omitempty"`
	Outgoing      bool      `json:"outgoing"`
	FailureCode   int       `json:"failure_code,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// IdleCallState начальное состояние до первого вызова
func IdleCallState() CallState {
	return CallState{Status: CallIdle}
}

// AudioCodec предпочтительный аудио кодек аккаунта
type AudioCodec string

const (
	CodecPCMU AudioCodec = "G711_PCMU"
	CodecPCMA AudioCodec = "G711_PCMA"
	CodecOpus AudioCodec = "OPUS"
	CodecG729 AudioCodec = "G729"
)

var codecInfo = map[AudioCodec]struct {
	display string
	name    string
}{
	CodecPCMU: {"G.711 PCMU", "PCMU"},
	CodecPCMA: {"G.711 PCMA", "PCMA"},
	CodecOpus: {"Opus", "opus"},
	CodecG729: {"G.729", "G729"},
}

// DisplayName человекочитаемое имя кодека
func (c AudioCodec) DisplayName() string {
	if info, ok := codecInfo[c]; ok {
		return info.display
	}
	return string(c)
}

// EncodingName имя кодека в SDP rtpmap
func (c AudioCodec) EncodingName() string {
	if info, ok := codecInfo[c]; ok {
		return info.name
	}
	return ""
}

// Valid проверяет, что кодек известен
func (c AudioCodec) Valid() bool {
	_, ok := codecInfo[c]
	return ok
}

// ParseAudioCodec возвращает кодек по имени. Неизвестное имя даёт PCMU.
func ParseAudioCodec(name string) AudioCodec {
	c := AudioCodec(strings.ToUpper(strings.TrimSpace(name)))
	if c.Valid() {
		return c
	}
	return CodecPCMU
}

// SipCredentials учётные данные SIP аккаунта.
// В логах выводятся только через LogValue (пароль скрыт полностью, имя частично).
type SipCredentials struct {
	Username   string     `json:"username"`
	Password   string     `json:"password"`
	Domain     string     `json:"domain"`
	AudioCodec AudioCodec `json:"audio_codec"`
	Persist    bool       `json:"persist"`
}

// Validate проверяет обязательные поля
func (c SipCredentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" || c.Password == "" || strings.TrimSpace(c.Domain) == "" {
		return &RegisterError{Reason: "username, password and domain are required"}
	}
	return nil
}

// AOR возвращает address-of-record вида sip:user@domain
func (c SipCredentials) AOR() string {
	return fmt.Sprintf("sip:%s@%s", c.Username, c.Domain)
}

// LogValue реализует slog.LogValuer
func (c SipCredentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", maskUsername(c.Username)),
		slog.String("domain", c.Domain),
		slog.String("codec", string(c.AudioCodec)),
		slog.Bool("persist", c.Persist),
	)
}

func maskUsername(u string) string {
	if len(u) <= 2 {
		return "***"
	}
	return u[:2] + strings.Repeat("*", len(u)-2)
}

// CallHistoryEntry запись журнала вызовов
type CallHistoryEntry struct {
	ID              int64     `json:"id"`
	PeerDisplayName string    `json:"peer_display_name,omitempty"`
	PeerAddress     string    `json:"peer_address"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds uint64    `json:"duration_seconds"`
	Outgoing        bool      `json:"outgoing"`
}

// CallEnded уведомление о завершении вызова
type CallEnded struct {
	Entry  CallHistoryEntry `json:"entry"`
	Status CallStatus       `json:"status"`
}
