// internal/browser/storage.go
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

const restoreScriptTemplate = `(() => {
	const origin = %s;
	const items = %s;
	if (location.origin !== origin) return;
	try {
		if (sessionStorage.getItem('__webpilot_restored')) return;
		for (const it of items) localStorage.setItem(it.name, it.value);
		sessionStorage.setItem('__webpilot_restored', '1');
	} catch (e) {}
})();`

const captureLocalStorageJS = `(() => {
	const items = [];
	try {
		for (let i = 0; i < localStorage.length; i++) {
			const k = localStorage.key(i);
			if (k !== null) items.push({ name: k, value: localStorage.getItem(k) });
		}
	} catch (e) {}
	return { origin: location.origin, localStorage: items };
})()`

// ApplyStorageState seeds cookies immediately and registers a script that
// restores each origin's localStorage when a document of that origin loads.
// It must be called before the first navigation.
func (p *Page) ApplyStorageState(ctx context.Context, state *schemas.StorageState) error {
	if state.IsEmpty() {
		return nil
	}

	var actions []chromedp.Action
	if len(state.Cookies) > 0 {
		params := make([]*network.CookieParam, 0, len(state.Cookies))
		for _, c := range state.Cookies {
			params = append(params, toCookieParam(c))
		}
		actions = append(actions, network.SetCookies(params))
	}

	for _, origin := range state.Origins {
		if len(origin.LocalStorage) == 0 {
			continue
		}
		script, err := restoreScript(origin)
		if err != nil {
			return err
		}
		actions = append(actions, chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(c)
			return err
		}))
	}

	if err := p.run(ctx, actions...); err != nil {
		return fmt.Errorf("failed to apply storage state: %w", err)
	}
	p.logger.Info("Applied saved session.", zap.Int("cookies", len(state.Cookies)), zap.Int("origins", len(state.Origins)))
	return nil
}

// CaptureStorageState returns every cookie in the browser plus the
// localStorage of the current document's origin.
func (p *Page) CaptureStorageState(ctx context.Context) (*schemas.StorageState, error) {
	state := &schemas.StorageState{Cookies: []schemas.Cookie{}, Origins: []schemas.OriginStorage{}}
	var origin schemas.OriginStorage

	err := p.run(ctx,
		chromedp.ActionFunc(func(c context.Context) error {
			cookies, err := storage.GetCookies().Do(c)
			if err != nil {
				return fmt.Errorf("failed to read cookies: %w", err)
			}
			for _, ck := range cookies {
				state.Cookies = append(state.Cookies, fromNetworkCookie(ck))
			}
			return nil
		}),
		chromedp.Evaluate(captureLocalStorageJS, &origin),
	)
	if err != nil {
		return nil, err
	}
	if origin.Origin != "" && origin.Origin != "null" && len(origin.LocalStorage) > 0 {
		state.Origins = append(state.Origins, origin)
	}
	return state, nil
}

func restoreScript(origin schemas.OriginStorage) (string, error) {
	o, err := json.Marshal(origin.Origin)
	if err != nil {
		return "", err
	}
	items, err := json.Marshal(origin.LocalStorage)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(restoreScriptTemplate, o, items), nil
}

func toCookieParam(c schemas.Cookie) *network.CookieParam {
	param := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	switch c.SameSite {
	case schemas.CookieSameSiteStrict:
		param.SameSite = network.CookieSameSiteStrict
	case schemas.CookieSameSiteLax:
		param.SameSite = network.CookieSameSiteLax
	case schemas.CookieSameSiteNone:
		param.SameSite = network.CookieSameSiteNone
	}
	if c.Expires > 0 {
		sec := int64(c.Expires)
		nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
		expires := cdp.TimeSinceEpoch(time.Unix(sec, nsec))
		param.Expires = &expires
	}
	return param
}

func fromNetworkCookie(c *network.Cookie) schemas.Cookie {
	out := schemas.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: schemas.CookieSameSite(c.SameSite.String()),
	}
	if c.Session {
		out.Expires = -1
	}
	return out
}
