// Package session реализует слой координации SIP регистрации и состояния вызова софтфона.
//
// Пакет состоит из трёх компонентов:
//   - RegistrationManager - жизненный цикл регистрации SIP аккаунта
//   - CallController - конечный автомат единственного активного вызова
//   - StateStore - широковещательное хранилище последних значений состояния
//
// Все изменения состояния проходят через владельца (менеджера). Каждый менеджер
// обрабатывает команды и события провайдера в собственном последовательном контексте
// (mailbox), поэтому конечный автомат никогда не видит частично применённых изменений.
//
// Пример использования:
//
//	store := session.NewStateStore()
//	reg := session.NewRegistrationManager(provider, store, session.WithLogger(logger))
//	defer reg.Close()
//	calls := session.NewCallController(provider, reg, store, router)
//	defer calls.Close()
//
//	if err := reg.Initialize(ctx); err != nil {
//		return err
//	}
//	if err := reg.Register(ctx, creds); err != nil {
//		return err
//	}
//
//	sub := store.SubscribeRegistration()
//	defer sub.Close()
//	for {
//		status, err := sub.Next(ctx)
//		if err != nil {
//			return err
//		}
//		if status.Kind == session.RegistrationConnected {
//			break
//		}
//	}
//
//	_ = calls.PlaceCall(ctx, "+15550101", "John")
package session
