// Package settings сохранение учётных данных SIP аккаунта ("запомнить меня").
package settings

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/session"
	"github.com/arzzra/softphone/pkg/storage"
)

// Namespace пространство имён настроек в хранилище
const Namespace = "sip_config"

type record struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Domain     string `json:"domain"`
	AudioCodec string `json:"audio_codec"`
	RememberMe bool   `json:"remember_me"`
}

// Repository хранилище учётных данных
type Repository struct {
	kv storage.KV
}

// NewRepository создаёт Repository
func NewRepository(kv storage.KV) *Repository {
	return &Repository{kv: kv}
}

// Save сохраняет учётные данные, только если установлен Persist.
// Возвращает false, если сохранение не выполнялось.
func (r *Repository) Save(ctx context.Context, creds session.SipCredentials) (bool, error) {
	if !creds.Persist {
		return false, nil
	}
	blob, err := json.Marshal(record{
		Username:   creds.Username,
		Password:   creds.Password,
		Domain:     creds.Domain,
		AudioCodec: string(creds.AudioCodec),
		RememberMe: true,
	})
	if err != nil {
		return false, errors.Wrap(err, "encode sip config")
	}
	if err := r.kv.Save(ctx, Namespace, blob); err != nil {
		return false, errors.Wrap(err, "save sip config")
	}
	return true, nil
}

// Load возвращает сохранённые учётные данные. Неизвестный кодек заменяется на PCMU.
func (r *Repository) Load(ctx context.Context) (session.SipCredentials, bool, error) {
	blob, ok, err := r.kv.Load(ctx, Namespace)
	if err != nil {
		return session.SipCredentials{}, false, errors.Wrap(err, "load sip config")
	}
	if !ok {
		return session.SipCredentials{}, false, nil
	}
	var rec record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return session.SipCredentials{}, false, errors.Wrap(err, "decode sip config")
	}
	if rec.Username == "" {
		return session.SipCredentials{}, false, nil
	}
	return session.SipCredentials{
		Username:   rec.Username,
		Password:   rec.Password,
		Domain:     rec.Domain,
		AudioCodec: session.ParseAudioCodec(rec.AudioCodec),
		Persist:    rec.RememberMe,
	}, true, nil
}

// Clear удаляет сохранённые учётные данные (выход из аккаунта)
func (r *Repository) Clear(ctx context.Context) error {
	return errors.Wrap(r.kv.Clear(ctx, Namespace), "clear sip config")
}
