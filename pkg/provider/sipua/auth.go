package sipua

import (
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

// authHeader вычисляет заголовок авторизации для ответа 401/407.
// Возвращает имя заголовка запроса и его значение.
func authHeader(method sip.RequestMethod, uri string, res *sip.Response, username, password string) (string, string, error) {
	var challengeName, answerName string
	switch int(res.StatusCode) {
	case 401:
		challengeName, answerName = "WWW-Authenticate", "Authorization"
	case 407:
		challengeName, answerName = "Proxy-Authenticate", "Proxy-Authorization"
	default:
		return "", "", errors.Errorf("no challenge in %d response", res.StatusCode)
	}

	hdr := res.GetHeader(challengeName)
	if hdr == nil {
		return "", "", errors.Errorf("missing %s header", challengeName)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return "", "", errors.Wrapf(err, "parse challenge %q", hdr.Value())
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method.String(),
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", "", errors.Wrap(err, "compute digest")
	}
	return answerName, cred.String(), nil
}

func isChallenge(res *sip.Response) bool {
	code := int(res.StatusCode)
	return code == 401 || code == 407
}
