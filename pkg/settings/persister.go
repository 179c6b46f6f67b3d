package settings

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/arzzra/softphone/pkg/session"
)

// RegistrationSource поток статусов регистрации
type RegistrationSource interface {
	SubscribeRegistration() *session.Subscription[session.RegistrationStatus]
}

// CredentialsSource учётные данные последней попытки регистрации
type CredentialsSource interface {
	Credentials() (session.SipCredentials, bool)
}

// Persister сохраняет учётные данные при каждом входе в Connected.
// Сохраняются только данные с Persist.
type Persister struct {
	repo   *Repository
	creds  CredentialsSource
	sub    *session.Subscription[session.RegistrationStatus]
	logger *slog.Logger
}

func NewPersister(repo *Repository, statuses RegistrationSource, creds CredentialsSource, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		repo:   repo,
		creds:  creds,
		sub:    statuses.SubscribeRegistration(),
		logger: logger.With(slog.String("component", "settings")),
	}
}

// Run обрабатывает статусы до отмены ctx
func (p *Persister) Run(ctx context.Context) error {
	defer p.sub.Close()

	prev := session.RegistrationDisconnected
	for {
		st, err := p.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "registration subscription")
		}
		entered := st.Kind == session.RegistrationConnected && prev != session.RegistrationConnected
		prev = st.Kind
		if !entered {
			continue
		}

		creds, ok := p.creds.Credentials()
		if !ok {
			continue
		}
		saved, err := p.repo.Save(ctx, creds)
		if err != nil {
			p.logger.Error("Persister.Run save failed", slog.String("error", err.Error()))
			continue
		}
		if saved {
			p.logger.Info("Persister.Run credentials saved", slog.Any("credentials", creds))
		}
	}
}
